package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Directive is a named configuration snapshot-source. Runs cite a directive
// by value: the full record is captured into the Run's snapshot at launch
// time and never re-read afterwards.
type Directive struct {
	ID                string     `db:"id" json:"id"`
	Name              string     `db:"name" json:"name"`
	TaskConfig        JSONMap    `db:"task_config" json:"task_config"`
	TaskList          StringList `db:"task_list" json:"task_list"`
	ApprovalRequired  bool       `db:"approval_required" json:"approval_required"`
	MaxConcurrentRuns int        `db:"max_concurrent_runs" json:"max_concurrent_runs"`
	Enabled           bool       `db:"enabled" json:"enabled"`
	Version           int        `db:"version" json:"version"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Run is a single orchestrated execution of one or more Jobs.
type Run struct {
	ID                string          `db:"id" json:"id"`
	DirectiveID       *string         `db:"directive_id" json:"directive_id,omitempty"`
	DirectiveSnapshot json.RawMessage `db:"directive_snapshot" json:"directive_snapshot,omitempty"`
	Status            RunStatus       `db:"status" json:"status"`
	Approval          ApprovalStatus  `db:"approval" json:"approval"`
	ApprovedBy        string          `db:"approved_by" json:"approved_by,omitempty"`
	ApprovedAt        *time.Time      `db:"approved_at" json:"approved_at,omitempty"`
	WorkerHostID      *string         `db:"worker_host_id" json:"worker_host_id,omitempty"`
	PromptTokens      int64           `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens  int64           `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens       int64           `db:"total_tokens" json:"total_tokens"`
	StartedAt         *time.Time      `db:"started_at" json:"started_at,omitempty"`
	EndedAt           *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	ReportMarkdown    string          `db:"report_markdown" json:"-"`
	ReportJSON        json.RawMessage `db:"report_json" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
}

// RunStatus is the lifecycle state of a Run. Transitions are one-way:
// pending -> running -> {success, failed, partial, cancelled}.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusPartial   RunStatus = "partial"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return true
	}
	return false
}

// ApprovalStatus gates dispatch of runs launched against a directive with
// approval_required set.
type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalDenied   ApprovalStatus = "denied"
)

// Job is one task within a Run, executed by a single worker container.
type Job struct {
	ID        string          `db:"id" json:"id"`
	RunID     string          `db:"run_id" json:"run_id"`
	Kind      TaskKind        `db:"kind" json:"kind"`
	Status    JobStatus       `db:"status" json:"status"`
	StartedAt *time.Time      `db:"started_at" json:"started_at,omitempty"`
	EndedAt   *time.Time      `db:"ended_at" json:"ended_at,omitempty"`
	Result    json.RawMessage `db:"result" json:"result,omitempty"`
	Error     string          `db:"error" json:"error,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// TaskKind identifies what a worker container does.
type TaskKind string

const (
	TaskLogTriage  TaskKind = "log_triage"
	TaskGPUReport  TaskKind = "gpu_report"
	TaskServiceMap TaskKind = "service_map"
)

// Valid reports whether k is a known task kind.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskLogTriage, TaskGPUReport, TaskServiceMap:
		return true
	}
	return false
}

// Schedule is a due-time pointer consumed by the claim loop. One-shot launch
// schedules use kind=interval with IntervalMinutes=0 and are pushed to a
// far-future NextRunAt after their single dispatch.
type Schedule struct {
	ID              string       `db:"id" json:"id"`
	Name            string       `db:"name" json:"name"`
	JobKind         TaskKind     `db:"job_kind" json:"job_kind"`
	DirectiveID     *string      `db:"directive_id" json:"directive_id,omitempty"`
	CustomDirective string       `db:"custom_directive" json:"custom_directive,omitempty"`
	Enabled         bool         `db:"enabled" json:"enabled"`
	Kind            ScheduleKind `db:"kind" json:"kind"`
	IntervalMinutes int          `db:"interval_minutes" json:"interval_minutes"`
	CronExpr        string       `db:"cron_expr" json:"cron_expr,omitempty"`
	Timezone        string       `db:"timezone" json:"timezone,omitempty"`
	ServiceMapScope ServiceScope `db:"service_map_scope" json:"service_map_scope"`
	MaxGlobal       int          `db:"max_global" json:"max_global"`
	MaxPerJob       int          `db:"max_per_job" json:"max_per_job"`
	LastRunAt       *time.Time   `db:"last_run_at" json:"last_run_at,omitempty"`
	NextRunAt       time.Time    `db:"next_run_at" json:"next_run_at"`
	ClaimedBy       string       `db:"claimed_by" json:"-"`
	ClaimedUntil    *time.Time   `db:"claimed_until" json:"-"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// ScheduleKind selects the recurrence rule.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// ServiceScope restricts which containers a service_map job may inspect.
type ServiceScope string

const (
	ServiceScopeAllowlist ServiceScope = "allowlist"
	ServiceScopeAll       ServiceScope = "all"
)

// OneShot reports whether the schedule dispatches exactly once.
func (s *Schedule) OneShot() bool {
	return s.Kind == ScheduleInterval && s.IntervalMinutes == 0
}

// ScheduledRun binds a Schedule to the Run it produced.
type ScheduledRun struct {
	ID         string             `db:"id" json:"id"`
	ScheduleID string             `db:"schedule_id" json:"schedule_id"`
	RunID      string             `db:"run_id" json:"run_id"`
	Status     ScheduledRunStatus `db:"status" json:"status"`
	StartedAt  *time.Time         `db:"started_at" json:"started_at,omitempty"`
	FinishedAt *time.Time         `db:"finished_at" json:"finished_at,omitempty"`
	Error      string             `db:"error" json:"error,omitempty"`
	CreatedAt  time.Time          `db:"created_at" json:"created_at"`
}

// ScheduledRunStatus tracks the binding row's lifecycle.
type ScheduledRunStatus string

const (
	ScheduledRunPending  ScheduledRunStatus = "pending"
	ScheduledRunStarted  ScheduledRunStatus = "started"
	ScheduledRunFinished ScheduledRunStatus = "finished"
	ScheduledRunFailed   ScheduledRunStatus = "failed"
)

// WorkerHost is a Docker endpoint the dispatcher may spawn workers on.
// SSH credentials are write-only: the struct never serializes them to JSON
// and the API exposes only a has_ssh_config boolean.
type WorkerHost struct {
	ID           string           `db:"id" json:"id"`
	Name         string           `db:"name" json:"name"`
	Kind         HostKind         `db:"kind" json:"kind"`
	Endpoint     string           `db:"endpoint" json:"endpoint"`
	Capabilities HostCapabilities `db:"capabilities" json:"capabilities"`
	SSH          SSHConfig        `db:"ssh_config" json:"-"`
	Enabled      bool             `db:"enabled" json:"enabled"`
	Healthy      bool             `db:"healthy" json:"healthy"`
	ActiveRuns   int              `db:"active_runs_count" json:"active_runs_count"`
	LastSeenAt   *time.Time       `db:"last_seen_at" json:"last_seen_at,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time        `db:"updated_at" json:"updated_at"`
}

// HostKind selects how the Docker endpoint is reached.
type HostKind string

const (
	HostLocalSocket HostKind = "local_socket"
	HostRemoteTCP   HostKind = "remote_tcp"
)

// Stale reports whether the host's last successful probe is older than the
// threshold. Stale hosts are excluded from routing regardless of Healthy.
func (h *WorkerHost) Stale(threshold time.Duration, now time.Time) bool {
	if h.LastSeenAt == nil {
		return true
	}
	return now.Sub(*h.LastSeenAt) > threshold
}

// HasCapacity reports whether another run fits under the concurrency cap.
func (h *WorkerHost) HasCapacity() bool {
	return h.ActiveRuns < h.Capabilities.MaxConcurrencyOrDefault()
}

// HostCapabilities describes what a host can run.
type HostCapabilities struct {
	GPUs           bool     `json:"gpus"`
	GPUCount       int      `json:"gpu_count"`
	MaxConcurrency int      `json:"max_concurrency"`
	Labels         []string `json:"labels,omitempty"`
}

// DefaultMaxConcurrency applies when a host does not declare a cap.
const DefaultMaxConcurrency = 5

// MaxConcurrencyOrDefault returns the declared cap or the default.
func (c HostCapabilities) MaxConcurrencyOrDefault() int {
	if c.MaxConcurrency > 0 {
		return c.MaxConcurrency
	}
	return DefaultMaxConcurrency
}

// Value implements driver.Valuer, storing capabilities as JSON.
func (c HostCapabilities) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *HostCapabilities) Scan(src any) error {
	return scanJSON(src, c)
}

// SSHConfig holds the forwarding parameters for a remote_tcp host reached
// through an SSH tunnel. Never exposed through any read surface.
type SSHConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	User    string `json:"user"`
	KeyPath string `json:"key_path"`
}

// IsZero reports whether no SSH forwarding is configured.
func (s SSHConfig) IsZero() bool {
	return s.Host == ""
}

// Value implements driver.Valuer. A zero config stores NULL.
func (s SSHConfig) Value() (driver.Value, error) {
	if s.IsZero() {
		return nil, nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner.
func (s *SSHConfig) Scan(src any) error {
	if src == nil {
		*s = SSHConfig{}
		return nil
	}
	return scanJSON(src, s)
}

// AllowedContainer is a container identity that service_map and log_triage
// jobs may inspect. The container id is the primary key.
type AllowedContainer struct {
	ContainerID string     `db:"container_id" json:"container_id"`
	Name        string     `db:"name" json:"name"`
	Description string     `db:"description" json:"description,omitempty"`
	Enabled     bool       `db:"enabled" json:"enabled"`
	Tags        StringList `db:"tags" json:"tags,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
}

// WorkerImage is an (image, tag) pair the dispatcher may spawn.
type WorkerImage struct {
	Image            string    `db:"image" json:"image"`
	Tag              string    `db:"tag" json:"tag"`
	RequiresGPU      bool      `db:"requires_gpu" json:"requires_gpu"`
	MinVRAMMB        int64     `db:"min_vram_mb" json:"min_vram_mb"`
	AllowCPUFallback bool      `db:"allow_cpu_fallback" json:"allow_cpu_fallback"`
	Enabled          bool      `db:"enabled" json:"enabled"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// Ref returns the image reference used against the Docker API.
func (w *WorkerImage) Ref() string {
	if w.Tag == "" {
		return w.Image
	}
	return w.Image + ":" + w.Tag
}

// GPUState is a per-host, per-device VRAM and utilization sample.
type GPUState struct {
	ID             string    `db:"id" json:"id"`
	HostID         string    `db:"host_id" json:"host_id"`
	DeviceIndex    int       `db:"device_index" json:"device_index"`
	Name           string    `db:"name" json:"name"`
	TotalVRAMMB    int64     `db:"total_vram_mb" json:"total_vram_mb"`
	UsedVRAMMB     int64     `db:"used_vram_mb" json:"used_vram_mb"`
	FreeVRAMMB     int64     `db:"free_vram_mb" json:"free_vram_mb"`
	UtilizationPct float64   `db:"utilization_pct" json:"utilization_pct"`
	ActiveWorkers  int       `db:"active_workers" json:"active_workers"`
	Available      bool      `db:"available" json:"available"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// RunArtifact is metadata about a file a worker produced under the artifact
// root. Content is never stored.
type RunArtifact struct {
	ID        string       `db:"id" json:"id"`
	RunID     string       `db:"run_id" json:"run_id"`
	JobID     string       `db:"job_id" json:"job_id"`
	Kind      ArtifactKind `db:"kind" json:"kind"`
	Path      string       `db:"path" json:"path"`
	SizeBytes int64        `db:"size_bytes" json:"size_bytes"`
	MIMEType  string       `db:"mime_type" json:"mime_type"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
}

// ArtifactKind classifies an artifact file.
type ArtifactKind string

const (
	ArtifactLog    ArtifactKind = "log"
	ArtifactReport ArtifactKind = "report"
	ArtifactData   ArtifactKind = "data"
	ArtifactOther  ArtifactKind = "other"
)

// LLMCall is per-model token and timing telemetry for a Job. The record has
// no field capable of holding prompt or response text.
type LLMCall struct {
	ID               string    `db:"id" json:"id"`
	JobID            string    `db:"job_id" json:"job_id"`
	ModelID          string    `db:"model_id" json:"model_id"`
	Endpoint         string    `db:"endpoint" json:"endpoint"`
	PromptTokens     int64     `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64     `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64     `db:"total_tokens" json:"total_tokens"`
	DurationMS       int64     `db:"duration_ms" json:"duration_ms"`
	Success          bool      `db:"success" json:"success"`
	ErrorKind        string    `db:"error_kind" json:"error_kind,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// WorkerAudit is an append-only record of a dispatcher action.
type WorkerAudit struct {
	ID             string          `db:"id" json:"id"`
	RunID          string          `db:"run_id" json:"run_id"`
	JobID          string          `db:"job_id" json:"job_id"`
	Op             AuditOp         `db:"op" json:"op"`
	ContainerID    string          `db:"container_id" json:"container_id,omitempty"`
	Image          string          `db:"image" json:"image,omitempty"`
	ChosenGPU      int             `db:"chosen_gpu" json:"chosen_gpu"`
	GPUReason      string          `db:"gpu_reason" json:"gpu_reason,omitempty"`
	ConfigSnapshot json.RawMessage `db:"config_snapshot" json:"config_snapshot,omitempty"`
	Success        bool            `db:"success" json:"success"`
	Error          string          `db:"error" json:"error,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// AuditOp is the dispatcher operation being audited.
type AuditOp string

const (
	AuditSpawn  AuditOp = "spawn"
	AuditStart  AuditOp = "start"
	AuditStop   AuditOp = "stop"
	AuditRemove AuditOp = "remove"
	AuditError  AuditOp = "error"
)

// NoGPU marks an audit row for a placement that used no GPU device.
const NoGPU = -1

// JSONMap is a free-form JSON object column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(JSONMap{})
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = JSONMap{}
		return nil
	}
	return scanJSON(src, m)
}

// Int reads an integer value from the map, tolerating JSON float decoding.
func (m JSONMap) Int(key string, def int) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// String reads a string value from the map.
func (m JSONMap) String(key, def string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return def
}

// Bool reads a boolean value from the map.
func (m JSONMap) Bool(key string, def bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return def
}

// StringList is a JSON array column of strings.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal(StringList{})
	}
	return json.Marshal(l)
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(src any) error {
	if src == nil {
		*l = nil
		return nil
	}
	return scanJSON(src, l)
}

// Contains reports whether v is present in the list.
func (l StringList) Contains(v string) bool {
	for _, s := range l {
		if s == v {
			return true
		}
	}
	return false
}

func scanJSON(src, dst any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}
