package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	status types.RunStatus
	err    error
	runs   []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, run *types.Run) (types.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run.ID)
	return f.status, f.err
}

func (f *fakeDispatcher) dispatched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.runs...)
}

func newTestScheduler(st *store.Mem, d Dispatcher) *Scheduler {
	return New(st, d, Config{
		PollInterval: 10 * time.Second,
		ClaimTTL:     120 * time.Second,
		ClaimBatch:   10,
		Backoff:      60 * time.Second,
	})
}

// seedLaunch creates the rows a one-shot launch produces.
func seedLaunch(t *testing.T, st *store.Mem, kind types.TaskKind, due time.Time) (*types.Run, *types.Schedule, *types.ScheduledRun) {
	t.Helper()
	now := time.Now().UTC()
	run := &types.Run{
		ID:                uuid.New().String(),
		DirectiveSnapshot: []byte(`{"tasks":["` + string(kind) + `"]}`),
		Status:            types.RunStatusPending,
		Approval:          types.ApprovalNone,
		CreatedAt:         now,
	}
	job := &types.Job{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Kind:      kind,
		Status:    types.JobStatusPending,
		CreatedAt: now,
	}
	sched := &types.Schedule{
		ID:        uuid.New().String(),
		Name:      "launch-" + string(kind),
		JobKind:   kind,
		Enabled:   true,
		Kind:      types.ScheduleInterval,
		NextRunAt: due,
		CreatedAt: now,
		UpdatedAt: now,
	}
	binding := &types.ScheduledRun{
		ID:         uuid.New().String(),
		ScheduleID: sched.ID,
		RunID:      run.ID,
		Status:     types.ScheduledRunPending,
		CreatedAt:  now,
	}
	require.NoError(t, st.CreateLaunch(context.Background(), run,
		[]*types.Job{job}, []*types.Schedule{sched}, []*types.ScheduledRun{binding}))
	return run, sched, binding
}

func TestTick_DispatchesDueOneShot(t *testing.T) {
	st := store.NewMem()
	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)
	run, sched, binding := seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(-time.Second))

	s.tick()

	assert.Equal(t, []string{run.ID}, d.dispatched())

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, stored.Status)
	require.NotNil(t, stored.StartedAt)
	require.NotNil(t, stored.EndedAt)

	sr, err := st.ListScheduleHistory(context.Background(), sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, sr, 1)
	assert.Equal(t, binding.ID, sr[0].ID)
	assert.Equal(t, types.ScheduledRunFinished, sr[0].Status)

	after, err := st.GetSchedule(context.Background(), sched.ID)
	require.NoError(t, err)
	assert.Equal(t, farFuture, after.NextRunAt)
	assert.Empty(t, after.ClaimedBy)
}

func TestTick_SkipsNotDueSchedules(t *testing.T) {
	st := store.NewMem()
	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)
	seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(time.Hour))

	s.tick()

	assert.Empty(t, d.dispatched())
}

func TestTick_DefersOnGlobalCap(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	// One run already running occupies the only global slot.
	blocker := &types.Run{ID: "blocker", Status: types.RunStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, blocker))
	require.NoError(t, st.MarkRunRunning(ctx, blocker.ID, time.Now().UTC()))

	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	run, sched, _ := seedLaunch(t, st, types.TaskGPUReport, time.Now().UTC().Add(-time.Second))
	sched.MaxGlobal = 1
	require.NoError(t, st.UpdateSchedule(ctx, sched))

	before := time.Now().UTC()
	s.tick()

	assert.Empty(t, d.dispatched())

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, stored.Status)

	after, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.True(t, after.NextRunAt.After(before.Add(30*time.Second)), "next_run_at should be pushed by the backoff")
	assert.Empty(t, after.ClaimedBy)
}

func TestTick_DefersOnPerKindCap(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()

	other := &types.Run{ID: "other", Status: types.RunStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, other))
	require.NoError(t, st.CreateJob(ctx, &types.Job{
		ID: "other-job", RunID: other.ID, Kind: types.TaskLogTriage,
		Status: types.JobStatusRunning, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.MarkRunRunning(ctx, other.ID, time.Now().UTC()))

	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	_, sched, _ := seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(-time.Second))
	sched.MaxPerJob = 1
	require.NoError(t, st.UpdateSchedule(ctx, sched))

	s.tick()

	assert.Empty(t, d.dispatched())
}

func TestTick_RecurringScheduleCreatesRun(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	now := time.Now().UTC()

	sched := &types.Schedule{
		ID:              uuid.New().String(),
		Name:            "hourly-triage",
		JobKind:         types.TaskLogTriage,
		Enabled:         true,
		Kind:            types.ScheduleInterval,
		IntervalMinutes: 60,
		NextRunAt:       now.Add(-time.Minute),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, st.CreateSchedule(ctx, sched))

	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	s.tick()

	require.Len(t, d.dispatched(), 1)
	runID := d.dispatched()[0]

	jobs, err := st.ListJobsByRun(ctx, runID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.TaskLogTriage, jobs[0].Kind)

	after, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, after.LastRunAt)
	assert.True(t, after.NextRunAt.After(now.Add(59*time.Minute)))

	history, err := st.ListScheduleHistory(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ScheduledRunFinished, history[0].Status)
}

func TestTick_SkipsCancelledRun(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	run, sched, binding := seedLaunch(t, st, types.TaskServiceMap, time.Now().UTC().Add(-time.Second))
	_, err := st.CancelRun(ctx, run.ID, time.Now().UTC())
	require.NoError(t, err)

	s.tick()

	assert.Empty(t, d.dispatched())

	history, err := st.ListScheduleHistory(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, binding.ID, history[0].ID)
	assert.Equal(t, types.ScheduledRunFinished, history[0].Status)
	assert.Contains(t, history[0].Error, "cancelled")
}

func TestTick_DefersPendingApproval(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	run, sched, _ := seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(-time.Second))
	require.NoError(t, st.SetRunApproval(ctx, run.ID, types.ApprovalPending, "", time.Now().UTC()))

	s.tick()

	assert.Empty(t, d.dispatched())

	// Binding stays pending so the next tick retries the same run.
	binding, err := st.PendingScheduledRun(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, binding)

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPending, stored.Status)
}

func TestTick_DeniedApprovalCancelsRun(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	run, sched, _ := seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(-time.Second))
	require.NoError(t, st.SetRunApproval(ctx, run.ID, types.ApprovalDenied, "ops", time.Now().UTC()))

	s.tick()

	assert.Empty(t, d.dispatched())

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, stored.Status)

	history, err := st.ListScheduleHistory(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Contains(t, history[0].Error, "denied")
}

func TestTick_RecordsDispatchError(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	d := &fakeDispatcher{status: types.RunStatusFailed, err: assert.AnError}
	s := newTestScheduler(st, d)

	run, sched, _ := seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(-time.Second))

	s.tick()

	stored, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, stored.Status)

	history, err := st.ListScheduleHistory(ctx, sched.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.ScheduledRunFailed, history[0].Status)
	assert.NotEmpty(t, history[0].Error)
}

func TestTick_DoesNotTouchForeignClaims(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	d := &fakeDispatcher{status: types.RunStatusSuccess}
	s := newTestScheduler(st, d)

	_, sched, _ := seedLaunch(t, st, types.TaskLogTriage, time.Now().UTC().Add(-time.Second))
	until := time.Now().UTC().Add(time.Minute)
	sched.ClaimedBy = "other-process"
	sched.ClaimedUntil = &until
	require.NoError(t, st.UpdateSchedule(ctx, sched))

	s.tick()

	assert.Empty(t, d.dispatched())
}

func TestNextRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("one-shot parks far future", func(t *testing.T) {
		next, err := NextRun(&types.Schedule{Kind: types.ScheduleInterval}, now)
		require.NoError(t, err)
		assert.Equal(t, farFuture, next)
	})

	t.Run("interval", func(t *testing.T) {
		next, err := NextRun(&types.Schedule{Kind: types.ScheduleInterval, IntervalMinutes: 45}, now)
		require.NoError(t, err)
		assert.Equal(t, now.Add(45*time.Minute), next)
	})

	t.Run("cron", func(t *testing.T) {
		next, err := NextRun(&types.Schedule{Kind: types.ScheduleCron, CronExpr: "0 3 * * *"}, now)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC), next)
	})

	t.Run("cron with timezone", func(t *testing.T) {
		next, err := NextRun(&types.Schedule{
			Kind: types.ScheduleCron, CronExpr: "0 3 * * *", Timezone: "America/New_York",
		}, now)
		require.NoError(t, err)
		loc, lerr := time.LoadLocation("America/New_York")
		require.NoError(t, lerr)
		assert.Equal(t, time.Date(2026, 3, 2, 3, 0, 0, 0, loc).UTC(), next)
	})

	t.Run("bad cron expr", func(t *testing.T) {
		_, err := NextRun(&types.Schedule{Kind: types.ScheduleCron, CronExpr: "not-cron"}, now)
		assert.Error(t, err)
	})
}

func TestCleanupOrphans(t *testing.T) {
	st := store.NewMem()
	ctx := context.Background()
	s := newTestScheduler(st, &fakeDispatcher{status: types.RunStatusSuccess})

	old := time.Now().UTC().Add(-2 * time.Hour)
	stuck := &types.Run{ID: "stuck", Status: types.RunStatusPending, CreatedAt: old}
	require.NoError(t, st.CreateRun(ctx, stuck))
	require.NoError(t, st.CreateJob(ctx, &types.Job{
		ID: "stuck-job", RunID: stuck.ID, Kind: types.TaskLogTriage,
		Status: types.JobStatusPending, CreatedAt: old,
	}))
	require.NoError(t, st.MarkRunRunning(ctx, stuck.ID, old))

	fresh := &types.Run{ID: "fresh", Status: types.RunStatusPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(ctx, fresh))
	require.NoError(t, st.MarkRunRunning(ctx, fresh.ID, time.Now().UTC()))

	n, err := s.CleanupOrphans(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stuckAfter, err := st.GetRun(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, stuckAfter.Status)

	job, err := st.GetJob(ctx, "stuck-job")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "orphaned")

	freshAfter, err := st.GetRun(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, freshAfter.Status)
}
