package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/types"
)

// decodeEvent asserts the response is exactly one SSE data event and returns
// its JSON payload.
func decodeEvent[T any](t *testing.T, body, contentType string) T {
	t.Helper()
	assert.Contains(t, contentType, "text/event-stream")
	require.True(t, strings.HasPrefix(body, "data: "), "body: %q", body)
	require.True(t, strings.HasSuffix(body, "\n\n"), "body: %q", body)
	require.Equal(t, 1, strings.Count(body, "data: "), "expected a single event, got: %q", body)

	var out T
	payload := strings.TrimSuffix(strings.TrimPrefix(body, "data: "), "\n\n")
	require.NoError(t, json.Unmarshal([]byte(payload), &out), "payload: %s", payload)
	return out
}

func TestListTools(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/mcp", nil)
	require.Equal(t, http.StatusOK, w.Code)
	payload := decodeBody[map[string][]string](t, w)
	tools := payload["tools"]
	for _, want := range []string{"launch_run", "list_runs", "get_run_report", "get_allowlist", "set_allowlist"} {
		assert.Contains(t, tools, want)
	}
}

func TestCallTool_EmitsSingleEvent(t *testing.T) {
	s, st := newTestServer(t)
	seedDirective(t, st)

	w := doRequest(t, s, http.MethodPost, "/mcp", gin.H{"tool": "list_directives"})
	require.Equal(t, http.StatusOK, w.Code)
	directives := decodeEvent[[]*types.Directive](t, w.Body.String(), w.Header().Get("Content-Type"))
	require.Len(t, directives, 1)
	assert.Equal(t, "nightly", directives[0].Name)
}

func TestCallTool_UnknownTool(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/mcp", gin.H{"tool": "rm_rf_slash"})
	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEvent[map[string]string](t, w.Body.String(), w.Header().Get("Content-Type"))
	assert.Equal(t, "validation", envelope["kind"])
	assert.Contains(t, envelope["message"], "unknown tool")
}

func TestCallTool_GetRun(t *testing.T) {
	s, st := newTestServer(t)
	r := seedRun(t, st)

	w := doRequest(t, s, http.MethodPost, "/mcp", gin.H{"tool": "get_run", "params": gin.H{"id": r.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	detail := decodeEvent[runDetail](t, w.Body.String(), w.Header().Get("Content-Type"))
	assert.Equal(t, r.ID, detail.Run.ID)

	// Missing id is a validation error event, not a transport failure.
	w = doRequest(t, s, http.MethodPost, "/mcp", gin.H{"tool": "get_run"})
	require.Equal(t, http.StatusOK, w.Code)
	envelope := decodeEvent[map[string]string](t, w.Body.String(), w.Header().Get("Content-Type"))
	assert.Equal(t, "validation", envelope["kind"])
}

func TestCallTool_LaunchRun(t *testing.T) {
	s, st := newTestServer(t)
	d := seedDirective(t, st)

	w := doRequest(t, s, http.MethodPost, "/mcp", gin.H{
		"tool":   "launch_run",
		"params": gin.H{"directive_id": d.ID},
	})
	require.Equal(t, http.StatusOK, w.Code)
	result := decodeEvent[map[string]any](t, w.Body.String(), w.Header().Get("Content-Type"))
	run, ok := result["run"].(map[string]any)
	require.True(t, ok, "result: %v", result)
	assert.Equal(t, "pending", run["status"])
}

func TestCallTool_SetAllowlist(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/mcp", gin.H{
		"tool": "set_allowlist",
		"params": gin.H{
			"entries": []gin.H{
				{"container_id": "abc123", "name": "payments-api"},
				{"container_id": "def456", "name": "batch-worker", "enabled": false},
			},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)
	entries := decodeEvent[[]*types.AllowedContainer](t, w.Body.String(), w.Header().Get("Content-Type"))
	require.Len(t, entries, 2)

	w = doRequest(t, s, http.MethodPost, "/mcp", gin.H{
		"tool":   "get_allowlist",
		"params": gin.H{"enabled_only": true},
	})
	require.Equal(t, http.StatusOK, w.Code)
	enabled := decodeEvent[[]*types.AllowedContainer](t, w.Body.String(), w.Header().Get("Content-Type"))
	require.Len(t, enabled, 1)
	assert.Equal(t, "abc123", enabled[0].ContainerID)
}

func TestCallTool_WorkerHostsHideCredentials(t *testing.T) {
	s, st := newTestServer(t)
	now := time.Now().UTC()
	h := &types.WorkerHost{
		ID:       uuid.New().String(),
		Name:     "gpu-box",
		Kind:     types.HostRemoteTCP,
		Endpoint: "tcp://10.0.0.5:2376",
		SSH: types.SSHConfig{
			Host:    "10.0.0.5",
			Port:    22,
			User:    "drydock",
			KeyPath: "/secrets/id_ed25519",
		},
		Enabled:    true,
		Healthy:    true,
		LastSeenAt: &now,
	}
	require.NoError(t, st.CreateWorkerHost(context.Background(), h))

	w := doRequest(t, s, http.MethodPost, "/mcp", gin.H{"tool": "list_worker_hosts"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "id_ed25519")

	w = doRequest(t, s, http.MethodPost, "/mcp", gin.H{"tool": "get_worker_host", "params": gin.H{"id": h.ID}})
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeEvent[map[string]any](t, w.Body.String(), w.Header().Get("Content-Type"))
	assert.Equal(t, true, got["has_ssh_config"])
	assert.NotContains(t, w.Body.String(), "id_ed25519")
}
