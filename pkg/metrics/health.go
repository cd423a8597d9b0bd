package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// HealthStatus is the JSON body of the health and readiness endpoints.
type HealthStatus struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
	Message    string            `json:"message,omitempty"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime,omitempty"`
}

// criticalComponents must all be registered healthy before the orchestrator
// reports ready. The API comes up last, so readiness implies the claim loop
// and store are live.
var criticalComponents = []string{"store", "scheduler", "api"}

type componentState struct {
	healthy bool
	message string
	updated time.Time
}

type healthRegistry struct {
	mu         sync.RWMutex
	components map[string]componentState
	startTime  time.Time
	version    string
}

var health = &healthRegistry{
	components: make(map[string]componentState),
	startTime:  time.Now(),
}

// SetVersion stamps health responses with the build version.
func SetVersion(v string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.version = v
}

// RegisterComponent records a component's health. Re-registering overwrites
// the previous state, so callers use the same function for updates.
func RegisterComponent(name string, healthy bool, message string) {
	health.mu.Lock()
	defer health.mu.Unlock()
	health.components[name] = componentState{
		healthy: healthy,
		message: message,
		updated: time.Now(),
	}
}

// UpdateComponent is RegisterComponent under a name that reads better at
// call sites reacting to state changes.
func UpdateComponent(name string, healthy bool, message string) {
	RegisterComponent(name, healthy, message)
}

// GetHealth rolls every registered component into one status. Any unhealthy
// component makes the whole process unhealthy.
func GetHealth() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "healthy"
	components := make(map[string]string, len(health.components))
	for name, comp := range health.components {
		if comp.healthy {
			components[name] = "healthy"
			continue
		}
		status = "unhealthy"
		components[name] = "unhealthy: " + comp.message
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
}

// GetReadiness checks only the critical components. A component that has not
// registered yet counts as not ready, which keeps the process out of rotation
// during startup.
func GetReadiness() HealthStatus {
	health.mu.RLock()
	defer health.mu.RUnlock()

	status := "ready"
	message := ""
	components := make(map[string]string, len(criticalComponents))
	for _, name := range criticalComponents {
		comp, ok := health.components[name]
		switch {
		case !ok:
			status = "not_ready"
			message = "waiting for " + name + " initialization"
			components[name] = "not registered"
		case !comp.healthy:
			status = "not_ready"
			message = "waiting for " + name
			components[name] = "not ready: " + comp.message
		default:
			components[name] = "ready"
		}
	}

	return HealthStatus{
		Status:     status,
		Timestamp:  time.Now(),
		Components: components,
		Message:    message,
		Version:    health.version,
		Uptime:     time.Since(health.startTime).String(),
	}
}

// ReadyHandler serves the readiness probe. 503 until every critical
// component has registered healthy.
func ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		readiness := GetReadiness()
		w.Header().Set("Content-Type", "application/json")
		if readiness.Status != "ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(readiness)
	}
}
