package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// toolRequest names a tool and carries its parameters.
type toolRequest struct {
	Tool   string          `json:"tool"`
	Params json.RawMessage `json:"params"`
}

type toolFunc func(ctx context.Context, params json.RawMessage) (any, error)

// tools maps tool identifiers onto the same operations the REST routes use.
func (s *Server) tools() map[string]toolFunc {
	return map[string]toolFunc{
		"launch_run":        s.toolLaunchRun,
		"list_runs":         s.toolListRuns,
		"get_run":           s.toolGetRun,
		"get_run_report":    s.toolGetRunReport,
		"list_directives":   s.toolListDirectives,
		"get_directive":     s.toolGetDirective,
		"get_allowlist":     s.toolGetAllowlist,
		"set_allowlist":     s.toolSetAllowlist,
		"list_worker_hosts": s.toolListWorkerHosts,
		"get_worker_host":   s.toolGetWorkerHost,
		"list_schedules":    s.toolListSchedules,
		"get_schedule":      s.toolGetSchedule,
	}
}

// listTools returns the recognized tool identifiers.
func (s *Server) listTools(c *gin.Context) {
	names := make([]string, 0, len(s.tools()))
	for name := range s.tools() {
		names = append(names, name)
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"tools": names})
}

// callTool dispatches one tool invocation and emits exactly one SSE event
// carrying the JSON response, then terminates the stream.
func (s *Server) callTool(c *gin.Context) {
	var req toolRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeEvent(c, errdefs.Validation("invalid tool request: %s", err))
		return
	}

	fn, ok := s.tools()[req.Tool]
	if !ok {
		writeEvent(c, errdefs.Validation("unknown tool %q", req.Tool))
		return
	}

	result, err := fn(c.Request.Context(), req.Params)
	if err != nil {
		writeEvent(c, errdefs.AsError(err))
		return
	}
	writeEvent(c, result)
}

// writeEvent emits the single data event of the stream. Client cancellation
// mid-write just drops the response; committed state is unaffected.
func writeEvent(c *gin.Context, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(errdefs.Internal(err))
	}
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func decodeParams[T any](params json.RawMessage) (T, error) {
	var out T
	if len(params) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(params, &out); err != nil {
		return out, errdefs.Validation("invalid tool params: %s", err)
	}
	return out, nil
}

type idParams struct {
	ID string `json:"id"`
}

func decodeID(params json.RawMessage) (string, error) {
	p, err := decodeParams[idParams](params)
	if err != nil {
		return "", err
	}
	if p.ID == "" {
		return "", errdefs.Validation("id is required")
	}
	return p.ID, nil
}

func (s *Server) toolLaunchRun(ctx context.Context, params json.RawMessage) (any, error) {
	req, err := decodeParams[launcher.Request](params)
	if err != nil {
		return nil, err
	}
	return s.launcher.Launch(ctx, req)
}

type listRunsParams struct {
	Status []types.RunStatus `json:"status"`
	Since  *time.Time        `json:"since"`
	Limit  int               `json:"limit"`
}

func (s *Server) toolListRuns(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[listRunsParams](params)
	if err != nil {
		return nil, err
	}
	return s.runSummaries(ctx, store.RunFilter{Status: p.Status, Since: p.Since, Limit: p.Limit})
}

func (s *Server) toolGetRun(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	return s.runDetail(ctx, id)
}

func (s *Server) toolGetRunReport(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	return s.runReport(ctx, id)
}

func (s *Server) toolListDirectives(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.directiveList(ctx)
}

func (s *Server) toolGetDirective(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	return s.directiveByID(ctx, id)
}

type allowlistParams struct {
	EnabledOnly bool `json:"enabled_only"`
}

func (s *Server) toolGetAllowlist(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[allowlistParams](params)
	if err != nil {
		return nil, err
	}
	return s.allowedContainers(ctx, p.EnabledOnly)
}

type setAllowlistParams struct {
	Entries []struct {
		ContainerID string           `json:"container_id"`
		Name        string           `json:"name"`
		Description string           `json:"description"`
		Enabled     *bool            `json:"enabled"`
		Tags        types.StringList `json:"tags"`
	} `json:"entries"`
}

func (s *Server) toolSetAllowlist(ctx context.Context, params json.RawMessage) (any, error) {
	p, err := decodeParams[setAllowlistParams](params)
	if err != nil {
		return nil, err
	}
	for _, e := range p.Entries {
		if e.ContainerID == "" {
			return nil, errdefs.Validation("container_id is required for every entry")
		}
		entry := &types.AllowedContainer{
			ContainerID: e.ContainerID,
			Name:        e.Name,
			Description: e.Description,
			Enabled:     true,
			Tags:        e.Tags,
			CreatedAt:   time.Now().UTC(),
		}
		if e.Enabled != nil {
			entry.Enabled = *e.Enabled
		}
		if err := s.store.UpsertAllowedContainer(ctx, entry); err != nil {
			return nil, err
		}
	}
	return s.allowedContainers(ctx, false)
}

func (s *Server) toolListWorkerHosts(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.hostList(ctx)
}

func (s *Server) toolGetWorkerHost(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	h, err := s.hostByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return viewHost(h), nil
}

func (s *Server) toolListSchedules(ctx context.Context, _ json.RawMessage) (any, error) {
	return s.scheduleList(ctx)
}

func (s *Server) toolGetSchedule(ctx context.Context, params json.RawMessage) (any, error) {
	id, err := decodeID(params)
	if err != nil {
		return nil, err
	}
	return s.scheduleByID(ctx, id)
}
