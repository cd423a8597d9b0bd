package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/types"
)

type allowedContainerRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Enabled     *bool            `json:"enabled"`
	Tags        types.StringList `json:"tags"`
}

// upsertAllowedContainer creates or replaces an allowlist entry; the
// container id in the path is the primary key.
func (s *Server) upsertAllowedContainer(c *gin.Context) {
	var req allowedContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid allowlist entry: %s", err))
		return
	}

	entry := &types.AllowedContainer{
		ContainerID: c.Param("container_id"),
		Name:        req.Name,
		Description: req.Description,
		Enabled:     true,
		Tags:        req.Tags,
		CreatedAt:   time.Now().UTC(),
	}
	if req.Enabled != nil {
		entry.Enabled = *req.Enabled
	}
	if err := s.store.UpsertAllowedContainer(c.Request.Context(), entry); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) listAllowedContainers(c *gin.Context) {
	out, err := s.allowedContainers(c.Request.Context(), c.Query("enabled") == "true")
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) allowedContainers(ctx context.Context, enabledOnly bool) ([]*types.AllowedContainer, error) {
	entries, err := s.store.ListAllowedContainers(ctx, enabledOnly)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*types.AllowedContainer{}
	}
	return entries, nil
}

func (s *Server) deleteAllowedContainer(c *gin.Context) {
	id := c.Param("container_id")
	if err := s.store.DeleteAllowedContainer(c.Request.Context(), id); err != nil {
		respondErr(c, notFound(err, errdefs.KindNotFound, "allowlist entry %s not found", id))
		return
	}
	c.Status(http.StatusNoContent)
}

type workerImageRequest struct {
	Image            string `json:"image" binding:"required"`
	Tag              string `json:"tag"`
	RequiresGPU      bool   `json:"requires_gpu"`
	MinVRAMMB        int64  `json:"min_vram_mb"`
	AllowCPUFallback bool   `json:"allow_cpu_fallback"`
	Enabled          *bool  `json:"enabled"`
}

func (s *Server) upsertWorkerImage(c *gin.Context) {
	var req workerImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid worker image: %s", err))
		return
	}
	if req.MinVRAMMB < 0 {
		respondErr(c, errdefs.Validation("min_vram_mb must not be negative"))
		return
	}
	if req.Tag == "" {
		req.Tag = "latest"
	}

	w := &types.WorkerImage{
		Image:            req.Image,
		Tag:              req.Tag,
		RequiresGPU:      req.RequiresGPU,
		MinVRAMMB:        req.MinVRAMMB,
		AllowCPUFallback: req.AllowCPUFallback,
		Enabled:          true,
		CreatedAt:        time.Now().UTC(),
	}
	if req.Enabled != nil {
		w.Enabled = *req.Enabled
	}
	if err := s.store.UpsertWorkerImage(c.Request.Context(), w); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (s *Server) listWorkerImages(c *gin.Context) {
	images, err := s.store.ListWorkerImages(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	if images == nil {
		images = []*types.WorkerImage{}
	}
	c.JSON(http.StatusOK, images)
}

func (s *Server) deleteWorkerImage(c *gin.Context) {
	image := c.Query("image")
	tag := c.Query("tag")
	if image == "" {
		respondErr(c, errdefs.Validation("image query parameter is required"))
		return
	}
	if tag == "" {
		tag = "latest"
	}
	if err := s.store.DeleteWorkerImage(c.Request.Context(), image, tag); err != nil {
		respondErr(c, notFound(err, errdefs.KindNotFound, "worker image %s:%s not found", image, tag))
		return
	}
	c.Status(http.StatusNoContent)
}
