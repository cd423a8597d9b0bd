package launcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// Request describes a run launch. Every field except tasks is optional;
// omitting the directive selects the first enabled one.
type Request struct {
	DirectiveID         string           `json:"directive_id,omitempty"`
	Tasks               []types.TaskKind `json:"tasks,omitempty"`
	TargetHostID        string           `json:"target_host_id,omitempty"`
	UseRAG              bool             `json:"use_rag,omitempty"`
	CustomDirectiveText string           `json:"custom_directive_text,omitempty"`
}

// Result is the work created by a successful launch.
type Result struct {
	Run       *types.Run            `json:"run"`
	Jobs      []*types.Job          `json:"jobs"`
	Schedules []*types.Schedule     `json:"schedules"`
	Bindings  []*types.ScheduledRun `json:"scheduled_runs"`
}

// Launcher validates launch requests and persists the pending work. It never
// executes anything; the claim loop picks the one-shot schedules up within a
// poll interval.
type Launcher struct {
	store  store.Store
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a launcher over the store.
func New(st store.Store) *Launcher {
	return &Launcher{
		store:  st,
		logger: log.WithComponent("launcher"),
		now:    time.Now,
	}
}

// Launch validates the request, snapshots the directive, and creates the
// Run, its Jobs, a due one-shot Schedule per task, and the binding rows, all
// in a single transaction.
func (l *Launcher) Launch(ctx context.Context, req Request) (*Result, error) {
	directive, err := l.resolveDirective(ctx, req)
	if err != nil {
		return nil, err
	}

	tasks := req.Tasks
	if len(tasks) == 0 && directive != nil {
		for _, t := range directive.TaskList {
			tasks = append(tasks, types.TaskKind(t))
		}
	}
	if len(tasks) == 0 {
		return nil, errdefs.Validation("no tasks: supply tasks or a directive with a task_list")
	}
	for _, t := range tasks {
		if !t.Valid() {
			return nil, errdefs.Validation("unknown task kind %q", t)
		}
		if directive != nil && len(directive.TaskList) > 0 && !directive.TaskList.Contains(string(t)) {
			return nil, errdefs.Validation("task %q is not in directive %s task_list", t, directive.Name)
		}
	}

	if req.TargetHostID != "" {
		if _, err := l.store.GetWorkerHost(ctx, req.TargetHostID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errdefs.Validation("target host %s does not exist", req.TargetHostID)
			}
			return nil, fmt.Errorf("failed to check target host: %w", err)
		}
	}

	now := l.now().UTC()
	snapshot := buildSnapshot(directive, tasks, req, now)
	raw, err := snapshot.Encode()
	if err != nil {
		return nil, err
	}

	run := &types.Run{
		ID:                uuid.New().String(),
		DirectiveSnapshot: raw,
		Status:            types.RunStatusPending,
		Approval:          types.ApprovalNone,
		CreatedAt:         now,
	}
	if directive != nil {
		run.DirectiveID = &directive.ID
		if directive.ApprovalRequired {
			run.Approval = types.ApprovalPending
		}
	}

	result := &Result{Run: run}
	for _, kind := range tasks {
		job := &types.Job{
			ID:        uuid.New().String(),
			RunID:     run.ID,
			Kind:      kind,
			Status:    types.JobStatusPending,
			CreatedAt: now,
		}
		sched := &types.Schedule{
			ID:              uuid.New().String(),
			Name:            fmt.Sprintf("launch-%s-%s", kind, run.ID[:8]),
			JobKind:         kind,
			DirectiveID:     run.DirectiveID,
			CustomDirective: req.CustomDirectiveText,
			Enabled:         true,
			Kind:            types.ScheduleInterval,
			IntervalMinutes: 0,
			ServiceMapScope: types.ServiceScopeAllowlist,
			NextRunAt:       now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		binding := &types.ScheduledRun{
			ID:         uuid.New().String(),
			ScheduleID: sched.ID,
			RunID:      run.ID,
			Status:     types.ScheduledRunPending,
			CreatedAt:  now,
		}
		result.Jobs = append(result.Jobs, job)
		result.Schedules = append(result.Schedules, sched)
		result.Bindings = append(result.Bindings, binding)
	}

	if err := l.store.CreateLaunch(ctx, run, result.Jobs, result.Schedules, result.Bindings); err != nil {
		return nil, fmt.Errorf("failed to persist launch: %w", err)
	}

	l.logger.Info().
		Str("run_id", run.ID).
		Int("jobs", len(result.Jobs)).
		Str("approval", string(run.Approval)).
		Msg("run launched")
	return result, nil
}

func (l *Launcher) resolveDirective(ctx context.Context, req Request) (*types.Directive, error) {
	if req.DirectiveID != "" {
		d, err := l.store.GetDirective(ctx, req.DirectiveID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, errdefs.New(errdefs.KindDirectiveNotFound, "directive %s not found", req.DirectiveID)
			}
			return nil, fmt.Errorf("failed to get directive: %w", err)
		}
		return d, nil
	}

	d, err := l.store.FirstEnabledDirective(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if len(req.Tasks) == 0 {
				return nil, errdefs.Validation("no directive_id given and no enabled directive exists")
			}
			// Explicit tasks may run without a directive.
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find enabled directive: %w", err)
	}
	return d, nil
}

func buildSnapshot(d *types.Directive, tasks []types.TaskKind, req Request, now time.Time) *types.DirectiveSnapshot {
	s := &types.DirectiveSnapshot{
		UseRAG:              req.UseRAG,
		CustomDirectiveText: req.CustomDirectiveText,
		TargetHostID:        req.TargetHostID,
		CapturedAt:          now,
	}
	for _, t := range tasks {
		s.Tasks = append(s.Tasks, string(t))
	}
	if d != nil {
		s.DirectiveID = &d.ID
		s.Name = d.Name
		s.TaskConfig = d.TaskConfig
		s.TaskList = d.TaskList
		s.ApprovalRequired = d.ApprovalRequired
		s.Version = d.Version
	}
	return s
}
