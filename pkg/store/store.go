package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/drydock-sh/drydock/pkg/types"
)

// Sentinel errors returned by Store implementations. Callers translate these
// into the stable error kinds at component boundaries.
var (
	// ErrNotFound indicates the referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPrecondition indicates a guarded mutation found its precondition
	// violated (terminal status, concurrency cap, active runs on delete).
	ErrPrecondition = errors.New("precondition failed")
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status []types.RunStatus
	Since  *time.Time
	Limit  int
}

// TokenStat is an aggregate of LLMCall rows for one model.
type TokenStat struct {
	ModelID          string `db:"model_id" json:"model_id"`
	Calls            int64  `db:"calls" json:"calls"`
	PromptTokens     int64  `db:"prompt_tokens" json:"prompt_tokens"`
	CompletionTokens int64  `db:"completion_tokens" json:"completion_tokens"`
	TotalTokens      int64  `db:"total_tokens" json:"total_tokens"`
}

// Store is the single durable state interface shared by every component.
// All cross-process coordination (claims, counters) happens through it.
type Store interface {
	// Directives
	CreateDirective(ctx context.Context, d *types.Directive) error
	GetDirective(ctx context.Context, id string) (*types.Directive, error)
	GetDirectiveByName(ctx context.Context, name string) (*types.Directive, error)
	FirstEnabledDirective(ctx context.Context) (*types.Directive, error)
	ListDirectives(ctx context.Context) ([]*types.Directive, error)
	UpdateDirective(ctx context.Context, d *types.Directive) error
	DeleteDirective(ctx context.Context, id string) error

	// Runs
	CreateRun(ctx context.Context, r *types.Run) error
	CreateLaunch(ctx context.Context, r *types.Run, jobs []*types.Job, schedules []*types.Schedule, bindings []*types.ScheduledRun) error
	GetRun(ctx context.Context, id string) (*types.Run, error)
	ListRuns(ctx context.Context, f RunFilter) ([]*types.Run, error)
	SetRunHost(ctx context.Context, runID, hostID string) error
	MarkRunRunning(ctx context.Context, runID string, at time.Time) error
	FinishRun(ctx context.Context, runID string, status types.RunStatus, at time.Time) error
	CancelRun(ctx context.Context, runID string, at time.Time) (*types.Run, error)
	SetRunApproval(ctx context.Context, runID string, approval types.ApprovalStatus, by string, at time.Time) error
	AddRunTokens(ctx context.Context, runID string, prompt, completion, total int64) error
	SetRunReport(ctx context.Context, runID, markdown string, structured json.RawMessage) error
	LastSuccessfulRun(ctx context.Context) (*types.Run, error)
	RunsSince(ctx context.Context, t time.Time) ([]*types.Run, error)
	CountRunsByStatus(ctx context.Context, status types.RunStatus) (int, error)
	CountRunningRunsForKind(ctx context.Context, kind types.TaskKind) (int, error)

	// Jobs
	CreateJob(ctx context.Context, j *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ListJobsByRun(ctx context.Context, runID string) ([]*types.Job, error)
	MarkJobRunning(ctx context.Context, jobID string, at time.Time) error
	FinishJob(ctx context.Context, jobID string, status types.JobStatus, at time.Time, result json.RawMessage, errMsg string) error

	// Schedules
	CreateSchedule(ctx context.Context, s *types.Schedule) error
	GetSchedule(ctx context.Context, id string) (*types.Schedule, error)
	ListSchedules(ctx context.Context) ([]*types.Schedule, error)
	UpdateSchedule(ctx context.Context, s *types.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
	ClaimDueSchedules(ctx context.Context, now time.Time, claimant string, ttl time.Duration, limit int) ([]*types.Schedule, error)
	ReleaseClaim(ctx context.Context, scheduleID string) error
	AdvanceSchedule(ctx context.Context, scheduleID string, lastRun *time.Time, nextRun time.Time) error
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	MarkScheduleDue(ctx context.Context, id string, now time.Time) error

	// ScheduledRuns
	CreateScheduledRun(ctx context.Context, sr *types.ScheduledRun) error
	PendingScheduledRun(ctx context.Context, scheduleID string) (*types.ScheduledRun, error)
	StartScheduledRun(ctx context.Context, id string, at time.Time) error
	FinishScheduledRun(ctx context.Context, id string, status types.ScheduledRunStatus, at time.Time, errMsg string) error
	ListScheduleHistory(ctx context.Context, scheduleID string, limit int) ([]*types.ScheduledRun, error)

	// Worker hosts
	CreateWorkerHost(ctx context.Context, h *types.WorkerHost) error
	GetWorkerHost(ctx context.Context, id string) (*types.WorkerHost, error)
	ListWorkerHosts(ctx context.Context) ([]*types.WorkerHost, error)
	UpdateWorkerHost(ctx context.Context, h *types.WorkerHost) error
	DeleteWorkerHost(ctx context.Context, id string) error
	IncrementActiveRuns(ctx context.Context, hostID string) error
	DecrementActiveRuns(ctx context.Context, hostID string) error
	SetHostHealth(ctx context.Context, hostID string, healthy bool, seenAt *time.Time) error

	// Container allowlist
	UpsertAllowedContainer(ctx context.Context, c *types.AllowedContainer) error
	GetAllowedContainer(ctx context.Context, containerID string) (*types.AllowedContainer, error)
	ListAllowedContainers(ctx context.Context, enabledOnly bool) ([]*types.AllowedContainer, error)
	DeleteAllowedContainer(ctx context.Context, containerID string) error

	// Worker image allowlist
	UpsertWorkerImage(ctx context.Context, w *types.WorkerImage) error
	GetWorkerImage(ctx context.Context, image, tag string) (*types.WorkerImage, error)
	ListWorkerImages(ctx context.Context) ([]*types.WorkerImage, error)
	DeleteWorkerImage(ctx context.Context, image, tag string) error

	// GPU state
	UpsertGPUState(ctx context.Context, g *types.GPUState) error
	ListGPUStates(ctx context.Context, hostID string) ([]*types.GPUState, error)

	// Artifacts
	CreateArtifact(ctx context.Context, a *types.RunArtifact) error
	GetArtifact(ctx context.Context, id string) (*types.RunArtifact, error)
	ListArtifactsByRun(ctx context.Context, runID string) ([]*types.RunArtifact, error)

	// LLM telemetry
	CreateLLMCall(ctx context.Context, c *types.LLMCall) error
	ListLLMCallsByJob(ctx context.Context, jobID string) ([]*types.LLMCall, error)
	ListLLMCallsByRun(ctx context.Context, runID string) ([]*types.LLMCall, error)
	TokenStats(ctx context.Context) ([]TokenStat, error)

	// Audit
	CreateAudit(ctx context.Context, a *types.WorkerAudit) error
	ListAuditByRun(ctx context.Context, runID string) ([]*types.WorkerAudit, error)

	// Utility
	Close() error
}
