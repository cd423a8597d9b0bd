package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/types"
)

type scheduleRequest struct {
	Name            string             `json:"name" binding:"required"`
	JobKind         types.TaskKind     `json:"job_kind" binding:"required"`
	DirectiveID     *string            `json:"directive_id"`
	CustomDirective string             `json:"custom_directive"`
	Enabled         *bool              `json:"enabled"`
	Kind            types.ScheduleKind `json:"kind"`
	IntervalMinutes int                `json:"interval_minutes"`
	CronExpr        string             `json:"cron_expr"`
	Timezone        string             `json:"timezone"`
	ServiceMapScope types.ServiceScope `json:"service_map_scope"`
	MaxGlobal       int                `json:"max_global"`
	MaxPerJob       int                `json:"max_per_job"`
}

func (r *scheduleRequest) validate() error {
	if !r.JobKind.Valid() {
		return errdefs.Validation("unknown task kind %q", r.JobKind)
	}
	switch r.Kind {
	case types.ScheduleInterval:
		if r.IntervalMinutes <= 0 {
			return errdefs.Validation("interval schedules require interval_minutes > 0")
		}
		if r.CronExpr != "" {
			return errdefs.Validation("interval schedules must not set cron_expr")
		}
	case types.ScheduleCron:
		if r.CronExpr == "" {
			return errdefs.Validation("cron schedules require cron_expr")
		}
		if r.IntervalMinutes != 0 {
			return errdefs.Validation("cron schedules must not set interval_minutes")
		}
		if _, err := cron.ParseStandard(r.CronExpr); err != nil {
			return errdefs.Validation("invalid cron_expr: %s", err)
		}
		if r.Timezone != "" {
			if _, err := time.LoadLocation(r.Timezone); err != nil {
				return errdefs.Validation("unknown timezone %q", r.Timezone)
			}
		}
	default:
		return errdefs.Validation("schedule kind must be interval or cron")
	}
	if r.MaxGlobal < 0 || r.MaxPerJob < 0 {
		return errdefs.Validation("concurrency caps must not be negative")
	}
	return nil
}

func (r *scheduleRequest) apply(sched *types.Schedule) {
	sched.Name = r.Name
	sched.JobKind = r.JobKind
	sched.DirectiveID = r.DirectiveID
	sched.CustomDirective = r.CustomDirective
	sched.Kind = r.Kind
	sched.IntervalMinutes = r.IntervalMinutes
	sched.CronExpr = r.CronExpr
	sched.Timezone = r.Timezone
	sched.ServiceMapScope = r.ServiceMapScope
	if sched.ServiceMapScope == "" {
		sched.ServiceMapScope = types.ServiceScopeAllowlist
	}
	sched.MaxGlobal = r.MaxGlobal
	sched.MaxPerJob = r.MaxPerJob
	if r.Enabled != nil {
		sched.Enabled = *r.Enabled
	}
}

func (s *Server) createSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid schedule: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		respondErr(c, err)
		return
	}

	now := time.Now().UTC()
	sched := &types.Schedule{
		ID:        uuid.New().String(),
		Enabled:   true,
		NextRunAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.apply(sched)

	if err := s.store.CreateSchedule(c.Request.Context(), sched); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) listSchedules(c *gin.Context) {
	out, err := s.scheduleList(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) scheduleList(ctx context.Context) ([]*types.Schedule, error) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		return nil, err
	}
	if schedules == nil {
		schedules = []*types.Schedule{}
	}
	return schedules, nil
}

func (s *Server) getSchedule(c *gin.Context) {
	sched, err := s.scheduleByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) scheduleByID(ctx context.Context, id string) (*types.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, notFound(err, errdefs.KindNotFound, "schedule %s not found", id)
	}
	return sched, nil
}

func (s *Server) updateSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid schedule: %s", err))
		return
	}
	if err := req.validate(); err != nil {
		respondErr(c, err)
		return
	}

	sched, err := s.scheduleByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	req.apply(sched)
	sched.UpdatedAt = time.Now().UTC()

	if err := s.store.UpdateSchedule(c.Request.Context(), sched); err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) deleteSchedule(c *gin.Context) {
	id := c.Param("id")
	if err := s.store.DeleteSchedule(c.Request.Context(), id); err != nil {
		respondErr(c, notFound(err, errdefs.KindNotFound, "schedule %s not found", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// runScheduleNow marks the schedule due immediately; the claim loop picks it
// up on its next tick. A disabled schedule is refused.
func (s *Server) runScheduleNow(c *gin.Context) {
	id := c.Param("id")
	sched, err := s.scheduleByID(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	if !sched.Enabled {
		respondErr(c, errdefs.Validation("schedule %s is disabled", id))
		return
	}
	if err := s.store.MarkScheduleDue(c.Request.Context(), id, time.Now().UTC()); err != nil {
		respondErr(c, err)
		return
	}
	sched, err = s.scheduleByID(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) enableSchedule(c *gin.Context) {
	s.setScheduleEnabled(c, true)
}

func (s *Server) disableSchedule(c *gin.Context) {
	s.setScheduleEnabled(c, false)
}

func (s *Server) setScheduleEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")
	if err := s.store.SetScheduleEnabled(c.Request.Context(), id, enabled); err != nil {
		respondErr(c, notFound(err, errdefs.KindNotFound, "schedule %s not found", id))
		return
	}
	sched, err := s.scheduleByID(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, sched)
}

func (s *Server) scheduleHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.scheduleByID(c.Request.Context(), id); err != nil {
		respondErr(c, err)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondErr(c, errdefs.Validation("invalid limit %q", raw))
			return
		}
		limit = n
	}

	history, err := s.store.ListScheduleHistory(c.Request.Context(), id, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	if history == nil {
		history = []*types.ScheduledRun{}
	}
	c.JSON(http.StatusOK, history)
}
