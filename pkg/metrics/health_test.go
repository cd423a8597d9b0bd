package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	health = &healthRegistry{
		components: make(map[string]componentState),
		startTime:  time.Now(),
	}
}

func TestGetHealth_RollsUpComponents(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")
	RegisterComponent("store", true, "")
	RegisterComponent("api", true, "")

	h := GetHealth()
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, "1.2.3", h.Version)
	assert.Len(t, h.Components, 2)

	UpdateComponent("store", false, "connection refused")
	h = GetHealth()
	assert.Equal(t, "unhealthy", h.Status)
	assert.Equal(t, "unhealthy: connection refused", h.Components["store"])
}

func TestGetReadiness_WaitsForCriticalComponents(t *testing.T) {
	resetHealth(t)
	RegisterComponent("api", true, "")

	r := GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.NotEmpty(t, r.Message)
	assert.Equal(t, "not registered", r.Components["store"])

	RegisterComponent("store", true, "")
	RegisterComponent("scheduler", true, "")
	r = GetReadiness()
	assert.Equal(t, "ready", r.Status)
}

func TestGetReadiness_UnhealthyCriticalComponent(t *testing.T) {
	resetHealth(t)
	RegisterComponent("store", false, "migrating")
	RegisterComponent("scheduler", true, "")
	RegisterComponent("api", true, "")

	r := GetReadiness()
	assert.Equal(t, "not_ready", r.Status)
	assert.Equal(t, "not ready: migrating", r.Components["store"])
}

func TestReadyHandler(t *testing.T) {
	resetHealth(t)
	RegisterComponent("api", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	RegisterComponent("store", true, "")
	RegisterComponent("scheduler", true, "")

	w = httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var r HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&r))
	assert.Equal(t, "ready", r.Status)
}
