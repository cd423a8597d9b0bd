package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/router"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// hostView is the read shape for worker hosts. SSH credentials are write-only
// and surface solely as the has_ssh_config boolean.
type hostView struct {
	*types.WorkerHost
	HasSSHConfig bool `json:"has_ssh_config"`
}

func viewHost(h *types.WorkerHost) hostView {
	return hostView{WorkerHost: h, HasSSHConfig: !h.SSH.IsZero()}
}

type hostRequest struct {
	Name         string                 `json:"name" binding:"required"`
	Kind         types.HostKind         `json:"kind"`
	Endpoint     string                 `json:"endpoint"`
	Capabilities types.HostCapabilities `json:"capabilities"`
	SSH          *types.SSHConfig       `json:"ssh_config"`
	Enabled      *bool                  `json:"enabled"`
}

func (s *Server) createHost(c *gin.Context) {
	var req hostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid worker host: %s", err))
		return
	}

	now := time.Now().UTC()
	h := &types.WorkerHost{
		ID:           uuid.New().String(),
		Name:         req.Name,
		Kind:         req.Kind,
		Endpoint:     req.Endpoint,
		Capabilities: req.Capabilities,
		Enabled:      true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.SSH != nil {
		h.SSH = *req.SSH
	}
	if req.Enabled != nil {
		h.Enabled = *req.Enabled
	}
	if err := router.ValidateHost(h); err != nil {
		respondErr(c, err)
		return
	}
	if err := s.store.CreateWorkerHost(c.Request.Context(), h); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewHost(h))
}

func (s *Server) listHosts(c *gin.Context) {
	out, err := s.hostList(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) hostList(ctx context.Context) ([]hostView, error) {
	hosts, err := s.store.ListWorkerHosts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]hostView, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, viewHost(h))
	}
	return out, nil
}

func (s *Server) getHost(c *gin.Context) {
	h, err := s.hostByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, viewHost(h))
}

func (s *Server) hostByID(ctx context.Context, id string) (*types.WorkerHost, error) {
	h, err := s.store.GetWorkerHost(ctx, id)
	if err != nil {
		return nil, notFound(err, errdefs.KindHostNotFound, "worker host %s not found", id)
	}
	return h, nil
}

func (s *Server) updateHost(c *gin.Context) {
	var req hostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid worker host: %s", err))
		return
	}

	id := c.Param("id")
	h, err := s.hostByID(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}

	h.Name = req.Name
	h.Kind = req.Kind
	h.Endpoint = req.Endpoint
	h.Capabilities = req.Capabilities
	if req.SSH != nil {
		// Credentials are only ever replaced, never read back.
		h.SSH = *req.SSH
	}
	if req.Enabled != nil {
		h.Enabled = *req.Enabled
	}
	h.UpdatedAt = time.Now().UTC()

	if err := router.ValidateHost(h); err != nil {
		respondErr(c, err)
		return
	}
	if err := s.store.UpdateWorkerHost(c.Request.Context(), h); err != nil {
		respondErr(c, err)
		return
	}
	if s.router != nil {
		s.router.Forget(id)
	}
	c.JSON(http.StatusOK, viewHost(h))
}

// deleteHost refuses while the host still has active runs.
func (s *Server) deleteHost(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteWorkerHost(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			respondErr(c, errdefs.Validation("worker host %s has active runs", id))
			return
		}
		respondErr(c, notFound(err, errdefs.KindHostNotFound, "worker host %s not found", id))
		return
	}
	if s.router != nil {
		s.router.Forget(id)
	}
	c.Status(http.StatusNoContent)
}

type hostHealthPayload struct {
	HostID     string     `json:"host_id"`
	Healthy    bool       `json:"healthy"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	Checked    bool       `json:"checked"`
	ErrorKind  string     `json:"error_kind,omitempty"`
}

// hostHealth returns the cached probe state; check=true runs a fresh probe
// first, which also clears staleness on success.
func (s *Server) hostHealth(c *gin.Context) {
	id := c.Param("id")
	h, err := s.hostByID(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}

	checked := false
	if c.Query("check") == "true" && s.router != nil {
		s.router.CheckHost(c.Request.Context(), h)
		checked = true
		if h, err = s.hostByID(c.Request.Context(), id); err != nil {
			respondErr(c, err)
			return
		}
	}

	payload := hostHealthPayload{
		HostID:     h.ID,
		Healthy:    h.Healthy,
		LastSeenAt: h.LastSeenAt,
		Checked:    checked,
	}
	if !h.Healthy {
		payload.ErrorKind = string(errdefs.KindHostUnhealthy)
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) hostGPUs(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.hostByID(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}
	gpus, err := s.store.ListGPUStates(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	if gpus == nil {
		gpus = []*types.GPUState{}
	}
	c.JSON(http.StatusOK, gpus)
}
