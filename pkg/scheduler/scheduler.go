package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/metrics"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// farFuture parks one-shot schedules after their single dispatch.
var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// Dispatcher executes a run's jobs and returns the terminal status. The
// scheduler records that status; the dispatcher never finishes the run row.
type Dispatcher interface {
	Dispatch(ctx context.Context, run *types.Run) (types.RunStatus, error)
}

// Config controls the claim loop.
type Config struct {
	PollInterval time.Duration
	ClaimTTL     time.Duration
	ClaimBatch   int
	Backoff      time.Duration
}

// Scheduler is the single-threaded claim loop. Multiple replicas are safe:
// the store's row-locked claim guarantees a schedule is never processed by
// two loops at once.
type Scheduler struct {
	store      store.Store
	dispatcher Dispatcher
	cfg        Config
	claimant   string
	logger     zerolog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// New creates a scheduler. The claimant identity defaults to hostname-pid.
func New(st store.Store, d Dispatcher, cfg Config) *Scheduler {
	host, _ := os.Hostname()
	if host == "" {
		host = "drydock"
	}
	return &Scheduler{
		store:      st,
		dispatcher: d,
		cfg:        cfg,
		claimant:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Start launches the claim loop goroutine.
func (s *Scheduler) Start() {
	go s.run()
	s.logger.Info().
		Str("claimant", s.claimant).
		Dur("poll_interval", s.cfg.PollInterval).
		Msg("claim loop started")
}

// Stop halts the loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.tick()
	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopCh:
			return
		}
	}
}

// tick claims one batch of due schedules and processes them sequentially.
// Errors stay inside the tick; they are recorded on the scheduled run rows.
func (s *Scheduler) tick() {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	ctx := context.Background()
	now := s.now().UTC()

	claimed, err := s.store.ClaimDueSchedules(ctx, now, s.claimant, s.cfg.ClaimTTL, s.cfg.ClaimBatch)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to claim due schedules")
		return
	}
	if len(claimed) == 0 {
		return
	}
	metrics.SchedulesClaimed.Add(float64(len(claimed)))

	for _, sched := range claimed {
		s.process(ctx, sched, now)
	}
}

// process handles one claimed schedule end to end and always releases the
// claim.
func (s *Scheduler) process(ctx context.Context, sched *types.Schedule, now time.Time) {
	logger := s.logger.With().Str("schedule_id", sched.ID).Str("name", sched.Name).Logger()
	defer func() {
		if err := s.store.ReleaseClaim(ctx, sched.ID); err != nil {
			logger.Error().Err(err).Msg("failed to release claim")
		}
	}()

	deferred, err := s.gateExceeded(ctx, sched)
	if err != nil {
		logger.Error().Err(err).Msg("failed to evaluate concurrency gates")
		return
	}
	if deferred {
		metrics.SchedulesDeferred.Inc()
		if err := s.store.AdvanceSchedule(ctx, sched.ID, nil, now.Add(s.cfg.Backoff)); err != nil {
			logger.Error().Err(err).Msg("failed to defer schedule")
		}
		logger.Debug().Msg("concurrency cap reached, schedule deferred")
		return
	}

	binding, run, err := s.resolveRun(ctx, sched, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to resolve run for schedule")
		s.advance(ctx, sched, now, logger)
		return
	}

	switch {
	case run.Status == types.RunStatusCancelled:
		s.finishBinding(ctx, binding.ID, types.ScheduledRunFinished, now, "run cancelled before dispatch", logger)
		s.advance(ctx, sched, now, logger)
		return

	case run.Approval == types.ApprovalDenied:
		if _, err := s.store.CancelRun(ctx, run.ID, now); err != nil {
			logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to cancel denied run")
		}
		s.finishBinding(ctx, binding.ID, types.ScheduledRunFinished, now, "approval denied", logger)
		s.advance(ctx, sched, now, logger)
		return

	case run.Approval == types.ApprovalPending:
		// Leave the binding pending and come back after the backoff.
		if err := s.store.AdvanceSchedule(ctx, sched.ID, nil, now.Add(s.cfg.Backoff)); err != nil {
			logger.Error().Err(err).Msg("failed to defer schedule for approval")
		}
		logger.Debug().Str("run_id", run.ID).Msg("run awaiting approval, deferred")
		return
	}

	if err := s.store.StartScheduledRun(ctx, binding.ID, now); err != nil {
		logger.Error().Err(err).Msg("failed to start scheduled run")
		return
	}
	if err := s.store.MarkRunRunning(ctx, run.ID, now); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			// Cancelled between resolve and here.
			s.finishBinding(ctx, binding.ID, types.ScheduledRunFinished, s.now().UTC(), "run cancelled before dispatch", logger)
			s.advance(ctx, sched, now, logger)
			return
		}
		logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to mark run running")
		return
	}
	run.Status = types.RunStatusRunning

	status, dispatchErr := s.dispatcher.Dispatch(ctx, run)
	ended := s.now().UTC()

	if status != types.RunStatusCancelled {
		if err := s.store.FinishRun(ctx, run.ID, status, ended); err != nil && !errors.Is(err, store.ErrPrecondition) {
			logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to record run status")
		}
	}

	if dispatchErr != nil {
		logger.Warn().Err(dispatchErr).Str("run_id", run.ID).Str("status", string(status)).Msg("dispatch finished with error")
		s.finishBinding(ctx, binding.ID, types.ScheduledRunFailed, ended, dispatchErr.Error(), logger)
	} else {
		logger.Info().Str("run_id", run.ID).Str("status", string(status)).Msg("dispatch finished")
		s.finishBinding(ctx, binding.ID, types.ScheduledRunFinished, ended, "", logger)
	}

	s.advance(ctx, sched, now, logger)
}

// gateExceeded checks the schedule's global and per-kind concurrency caps.
func (s *Scheduler) gateExceeded(ctx context.Context, sched *types.Schedule) (bool, error) {
	if sched.MaxGlobal > 0 {
		n, err := s.store.CountRunsByStatus(ctx, types.RunStatusRunning)
		if err != nil {
			return false, err
		}
		if n >= sched.MaxGlobal {
			return true, nil
		}
	}
	if sched.MaxPerJob > 0 {
		n, err := s.store.CountRunningRunsForKind(ctx, sched.JobKind)
		if err != nil {
			return false, err
		}
		if n >= sched.MaxPerJob {
			return true, nil
		}
	}
	return false, nil
}

// resolveRun finds the pending binding for a one-shot launch, or creates a
// fresh run, job, and binding for a recurring schedule.
func (s *Scheduler) resolveRun(ctx context.Context, sched *types.Schedule, now time.Time) (*types.ScheduledRun, *types.Run, error) {
	binding, err := s.store.PendingScheduledRun(ctx, sched.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up pending scheduled run: %w", err)
	}
	if binding != nil {
		run, err := s.store.GetRun(ctx, binding.RunID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load run %s: %w", binding.RunID, err)
		}
		return binding, run, nil
	}

	snapshot, directiveID, approval, err := s.snapshotForSchedule(ctx, sched, now)
	if err != nil {
		return nil, nil, err
	}
	raw, err := snapshot.Encode()
	if err != nil {
		return nil, nil, err
	}

	run := &types.Run{
		ID:                uuid.New().String(),
		DirectiveID:       directiveID,
		DirectiveSnapshot: raw,
		Status:            types.RunStatusPending,
		Approval:          approval,
		CreatedAt:         now,
	}
	job := &types.Job{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Kind:      sched.JobKind,
		Status:    types.JobStatusPending,
		CreatedAt: now,
	}
	binding = &types.ScheduledRun{
		ID:         uuid.New().String(),
		ScheduleID: sched.ID,
		RunID:      run.ID,
		Status:     types.ScheduledRunPending,
		CreatedAt:  now,
	}
	if err := s.store.CreateLaunch(ctx, run, []*types.Job{job}, nil, []*types.ScheduledRun{binding}); err != nil {
		return nil, nil, fmt.Errorf("failed to create run for schedule: %w", err)
	}
	return binding, run, nil
}

func (s *Scheduler) snapshotForSchedule(ctx context.Context, sched *types.Schedule, now time.Time) (*types.DirectiveSnapshot, *string, types.ApprovalStatus, error) {
	snapshot := &types.DirectiveSnapshot{
		Tasks:               types.StringList{string(sched.JobKind)},
		CustomDirectiveText: sched.CustomDirective,
		CapturedAt:          now,
	}
	approval := types.ApprovalNone

	if sched.DirectiveID != nil {
		d, err := s.store.GetDirective(ctx, *sched.DirectiveID)
		if err != nil {
			return nil, nil, approval, fmt.Errorf("failed to load directive for schedule: %w", err)
		}
		snapshot.DirectiveID = &d.ID
		snapshot.Name = d.Name
		snapshot.TaskConfig = d.TaskConfig
		snapshot.TaskList = d.TaskList
		snapshot.ApprovalRequired = d.ApprovalRequired
		snapshot.Version = d.Version
		if d.ApprovalRequired {
			approval = types.ApprovalPending
		}
		return snapshot, &d.ID, approval, nil
	}
	return snapshot, nil, approval, nil
}

// advance writes the schedule's next due time: interval or cron recurrence,
// or the far-future sentinel for one-shots.
func (s *Scheduler) advance(ctx context.Context, sched *types.Schedule, now time.Time, logger zerolog.Logger) {
	next, err := NextRun(sched, now)
	if err != nil {
		logger.Error().Err(err).Msg("failed to compute next run time")
		next = now.Add(s.cfg.Backoff)
	}
	last := now
	if err := s.store.AdvanceSchedule(ctx, sched.ID, &last, next); err != nil {
		logger.Error().Err(err).Msg("failed to advance schedule")
	}
}

func (s *Scheduler) finishBinding(ctx context.Context, id string, status types.ScheduledRunStatus, at time.Time, msg string, logger zerolog.Logger) {
	if err := s.store.FinishScheduledRun(ctx, id, status, at, msg); err != nil {
		logger.Error().Err(err).Msg("failed to finish scheduled run")
	}
}

// NextRun computes a schedule's next due instant after now.
func NextRun(sched *types.Schedule, now time.Time) (time.Time, error) {
	if sched.OneShot() {
		return farFuture, nil
	}
	switch sched.Kind {
	case types.ScheduleInterval:
		return now.Add(time.Duration(sched.IntervalMinutes) * time.Minute), nil

	case types.ScheduleCron:
		spec, err := cron.ParseStandard(sched.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("failed to parse cron expr %q: %w", sched.CronExpr, err)
		}
		loc := time.UTC
		if sched.Timezone != "" {
			loc, err = time.LoadLocation(sched.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("failed to load timezone %q: %w", sched.Timezone, err)
			}
		}
		return spec.Next(now.In(loc)).UTC(), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}
