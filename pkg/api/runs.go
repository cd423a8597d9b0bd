package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

type runSummary struct {
	*types.Run
	JobCount int `json:"job_count"`
}

type runDetail struct {
	Run  *types.Run   `json:"run"`
	Jobs []*types.Job `json:"jobs"`
}

type runReportPayload struct {
	RunID      string          `json:"run_id"`
	Markdown   string          `json:"markdown"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

func (s *Server) launchRun(c *gin.Context) {
	var req launcher.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("invalid launch request: %s", err))
		return
	}
	result, err := s.launcher.Launch(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}

func (s *Server) listRuns(c *gin.Context) {
	f := store.RunFilter{}
	if raw := c.Query("status"); raw != "" {
		for _, v := range strings.Split(raw, ",") {
			f.Status = append(f.Status, types.RunStatus(strings.TrimSpace(v)))
		}
	}
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondErr(c, errdefs.Validation("invalid since timestamp %q", raw))
			return
		}
		f.Since = &t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondErr(c, errdefs.Validation("invalid limit %q", raw))
			return
		}
		f.Limit = n
	}

	out, err := s.runSummaries(c.Request.Context(), f)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) runSummaries(ctx context.Context, f store.RunFilter) ([]runSummary, error) {
	runs, err := s.store.ListRuns(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]runSummary, 0, len(runs))
	for _, r := range runs {
		jobs, err := s.store.ListJobsByRun(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, runSummary{Run: r, JobCount: len(jobs)})
	}
	return out, nil
}

func (s *Server) getRun(c *gin.Context) {
	detail, err := s.runDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (s *Server) runDetail(ctx context.Context, id string) (*runDetail, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, notFound(err, errdefs.KindRunNotFound, "run %s not found", id)
	}
	jobs, err := s.store.ListJobsByRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return &runDetail{Run: run, Jobs: jobs}, nil
}

func (s *Server) getRunReport(c *gin.Context) {
	report, err := s.runReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// runReport returns the stored report fields. They are empty until the run
// reaches a terminal status and byte-stable afterwards.
func (s *Server) runReport(ctx context.Context, id string) (*runReportPayload, error) {
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return nil, notFound(err, errdefs.KindRunNotFound, "run %s not found", id)
	}
	return &runReportPayload{
		RunID:      run.ID,
		Markdown:   run.ReportMarkdown,
		Structured: run.ReportJSON,
	}, nil
}

type sinceLastSuccessPayload struct {
	LastSuccess *types.Run   `json:"last_success,omitempty"`
	Runs        []runSummary `json:"runs"`
}

func (s *Server) sinceLastSuccess(c *gin.Context) {
	out, err := s.sinceLastSuccessData(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// sinceLastSuccessData returns the most recent successful run and everything
// that ended after it, including runs still in flight.
func (s *Server) sinceLastSuccessData(ctx context.Context) (*sinceLastSuccessPayload, error) {
	var since time.Time
	last, err := s.store.LastSuccessfulRun(ctx)
	switch {
	case err == nil:
		if last.EndedAt != nil {
			since = *last.EndedAt
		}
	case errors.Is(err, store.ErrNotFound):
		last = nil
	default:
		return nil, err
	}

	runs, err := s.store.RunsSince(ctx, since)
	if err != nil {
		return nil, err
	}
	out := &sinceLastSuccessPayload{LastSuccess: last, Runs: make([]runSummary, 0, len(runs))}
	for _, r := range runs {
		jobs, err := s.store.ListJobsByRun(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		out.Runs = append(out.Runs, runSummary{Run: r, JobCount: len(jobs)})
	}
	return out, nil
}

// cancelRun is a no-op on terminal runs and returns the current state.
func (s *Server) cancelRun(c *gin.Context) {
	run, err := s.store.CancelRun(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		respondErr(c, notFound(err, errdefs.KindRunNotFound, "run %s not found", c.Param("id")))
		return
	}
	c.JSON(http.StatusOK, run)
}

type approvalRequest struct {
	ApprovedBy string `json:"approved_by" binding:"required"`
}

func (s *Server) approveRun(c *gin.Context) {
	s.resolveApproval(c, types.ApprovalApproved)
}

func (s *Server) denyRun(c *gin.Context) {
	s.resolveApproval(c, types.ApprovalDenied)
}

func (s *Server) resolveApproval(c *gin.Context, approval types.ApprovalStatus) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, errdefs.Validation("approved_by is required"))
		return
	}
	id := c.Param("id")

	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		respondErr(c, notFound(err, errdefs.KindRunNotFound, "run %s not found", id))
		return
	}
	if run.Approval != types.ApprovalPending {
		respondErr(c, errdefs.Validation("run %s is not awaiting approval", id))
		return
	}
	if err := s.store.SetRunApproval(c.Request.Context(), id, approval, req.ApprovedBy, time.Now().UTC()); err != nil {
		respondErr(c, err)
		return
	}
	run, err = s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}
