package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/types"
)

type directiveRequest struct {
	Name              string           `json:"name" binding:"required"`
	TaskConfig        types.JSONMap    `json:"task_config"`
	TaskList          types.StringList `json:"task_list"`
	ApprovalRequired  bool             `json:"approval_required"`
	MaxConcurrentRuns int              `json:"max_concurrent_runs"`
	Enabled           *bool            `json:"enabled"`
}

func (r *directiveRequest) validate() error {
	for _, t := range r.TaskList {
		if !types.TaskKind(t).Valid() {
			return errdefs.Validation("unknown task kind %q in task_list", t)
		}
	}
	if r.MaxConcurrentRuns < 0 {
		return errdefs.Validation("max_concurrent_runs must not be negative")
	}
	return nil
}

func (s *Server) createDirective(c *gin.Context) {
	var req directiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid directive: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		respondErr(c, err)
		return
	}

	now := time.Now().UTC()
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	d := &types.Directive{
		ID:                uuid.New().String(),
		Name:              req.Name,
		TaskConfig:        req.TaskConfig,
		TaskList:          req.TaskList,
		ApprovalRequired:  req.ApprovalRequired,
		MaxConcurrentRuns: req.MaxConcurrentRuns,
		Enabled:           enabled,
		Version:           1,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateDirective(c.Request.Context(), d); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (s *Server) listDirectives(c *gin.Context) {
	out, err := s.directiveList(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) directiveList(ctx context.Context) ([]*types.Directive, error) {
	directives, err := s.store.ListDirectives(ctx)
	if err != nil {
		return nil, err
	}
	if directives == nil {
		directives = []*types.Directive{}
	}
	return directives, nil
}

func (s *Server) getDirective(c *gin.Context) {
	d, err := s.directiveByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) directiveByID(ctx context.Context, id string) (*types.Directive, error) {
	d, err := s.store.GetDirective(ctx, id)
	if err != nil {
		return nil, notFound(err, errdefs.KindDirectiveNotFound, "directive %s not found", id)
	}
	return d, nil
}

// updateDirective bumps the version. Runs launched before the update keep
// their snapshot of the older content.
func (s *Server) updateDirective(c *gin.Context) {
	var req directiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid directive: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		respondErr(c, err)
		return
	}

	id := c.Param("id")
	d, err := s.store.GetDirective(c.Request.Context(), id)
	if err != nil {
		respondErr(c, notFound(err, errdefs.KindDirectiveNotFound, "directive %s not found", id))
		return
	}

	d.Name = req.Name
	d.TaskConfig = req.TaskConfig
	d.TaskList = req.TaskList
	d.ApprovalRequired = req.ApprovalRequired
	d.MaxConcurrentRuns = req.MaxConcurrentRuns
	if req.Enabled != nil {
		d.Enabled = *req.Enabled
	}
	d.Version++
	d.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateDirective(c.Request.Context(), d); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// deleteDirective removes the directive. Snapshots on existing runs are
// unaffected; they carry the content by value.
func (s *Server) deleteDirective(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteDirective(c.Request.Context(), id); err != nil {
		respondErr(c, notFound(err, errdefs.KindDirectiveNotFound, "directive %s not found", id))
		return
	}
	c.Status(http.StatusNoContent)
}
