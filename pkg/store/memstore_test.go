package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/types"
)

func seedSchedule(t *testing.T, s *Mem, id string, due time.Time) *types.Schedule {
	t.Helper()
	sched := &types.Schedule{
		ID:        id,
		Name:      "sched-" + id,
		JobKind:   types.TaskLogTriage,
		Enabled:   true,
		Kind:      types.ScheduleInterval,
		NextRunAt: due,
		CreatedAt: due,
		UpdatedAt: due,
	}
	require.NoError(t, s.CreateSchedule(context.Background(), sched))
	return sched
}

func TestClaimDueSchedules(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()

	seedSchedule(t, s, "s1", now.Add(-time.Minute))
	seedSchedule(t, s, "s2", now.Add(-2*time.Minute))
	seedSchedule(t, s, "future", now.Add(time.Hour))

	claimed, err := s.ClaimDueSchedules(ctx, now, "proc-a", 2*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	// Oldest due first.
	assert.Equal(t, "s2", claimed[0].ID)
	assert.Equal(t, "proc-a", claimed[0].ClaimedBy)

	// Second claimant sees nothing while the claims are live.
	again, err := s.ClaimDueSchedules(ctx, now, "proc-b", 2*time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimExpiryAllowsReclaim(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	seedSchedule(t, s, "s1", now.Add(-time.Minute))

	claimed, err := s.ClaimDueSchedules(ctx, now, "proc-a", 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Before the TTL elapses the row stays invisible.
	mid := now.Add(10 * time.Second)
	none, err := s.ClaimDueSchedules(ctx, mid, "proc-b", 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, none)

	// After the TTL a second process can take over.
	late := now.Add(31 * time.Second)
	taken, err := s.ClaimDueSchedules(ctx, late, "proc-b", 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, taken, 1)
	assert.Equal(t, "proc-b", taken[0].ClaimedBy)
}

func TestConcurrentClaimantsNeverShareARow(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	for i := 0; i < 20; i++ {
		seedSchedule(t, s, string(rune('a'+i)), now.Add(-time.Minute))
	}

	var mu sync.Mutex
	owners := make(map[string]string)
	var wg sync.WaitGroup
	for _, proc := range []string{"p1", "p2", "p3", "p4"} {
		wg.Add(1)
		go func(proc string) {
			defer wg.Done()
			claimed, err := s.ClaimDueSchedules(ctx, now, proc, time.Minute, 100)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				prev, dup := owners[c.ID]
				assert.False(t, dup, "schedule %s claimed by both %s and %s", c.ID, prev, proc)
				owners[c.ID] = proc
			}
		}(proc)
	}
	wg.Wait()
	assert.Len(t, owners, 20)
}

func TestReleaseClaim(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	seedSchedule(t, s, "s1", now.Add(-time.Minute))

	claimed, err := s.ClaimDueSchedules(ctx, now, "proc-a", time.Minute, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.ReleaseClaim(ctx, "s1"))
	again, err := s.ClaimDueSchedules(ctx, now, "proc-b", time.Minute, 1)
	require.NoError(t, err)
	assert.Len(t, again, 1)
}

func TestRunLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()

	run := &types.Run{ID: "r1", Status: types.RunStatusPending, Approval: types.ApprovalNone, CreatedAt: now}
	require.NoError(t, s.CreateRun(ctx, run))

	require.NoError(t, s.MarkRunRunning(ctx, "r1", now))
	// pending -> running is one-way.
	assert.ErrorIs(t, s.MarkRunRunning(ctx, "r1", now), ErrPrecondition)

	require.NoError(t, s.FinishRun(ctx, "r1", types.RunStatusSuccess, now.Add(time.Minute)))
	// No resurrection from a terminal state.
	assert.ErrorIs(t, s.FinishRun(ctx, "r1", types.RunStatusFailed, now), ErrPrecondition)

	got, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusSuccess, got.Status)
	require.NotNil(t, got.EndedAt)
	assert.True(t, !got.EndedAt.Before(*got.StartedAt))
}

func TestCancelTerminalRunIsNoOp(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()

	run := &types.Run{ID: "r1", Status: types.RunStatusPending, CreatedAt: now}
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.MarkRunRunning(ctx, "r1", now))
	require.NoError(t, s.FinishRun(ctx, "r1", types.RunStatusPartial, now))

	got, err := s.CancelRun(ctx, "r1", now)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPartial, got.Status)
}

func TestActiveRunsCounter(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	host := &types.WorkerHost{
		ID:      "h1",
		Name:    "builder",
		Kind:    types.HostLocalSocket,
		Enabled: true,
		Healthy: true,
		Capabilities: types.HostCapabilities{
			MaxConcurrency: 2,
		},
	}
	require.NoError(t, s.CreateWorkerHost(ctx, host))

	require.NoError(t, s.IncrementActiveRuns(ctx, "h1"))
	require.NoError(t, s.IncrementActiveRuns(ctx, "h1"))
	// Cap reached.
	assert.ErrorIs(t, s.IncrementActiveRuns(ctx, "h1"), ErrPrecondition)

	require.NoError(t, s.DecrementActiveRuns(ctx, "h1"))
	require.NoError(t, s.IncrementActiveRuns(ctx, "h1"))

	// Delete is refused while runs are active.
	assert.ErrorIs(t, s.DeleteWorkerHost(ctx, "h1"), ErrPrecondition)

	require.NoError(t, s.DecrementActiveRuns(ctx, "h1"))
	require.NoError(t, s.DecrementActiveRuns(ctx, "h1"))
	// Floor at zero.
	require.NoError(t, s.DecrementActiveRuns(ctx, "h1"))
	h, err := s.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, 0, h.ActiveRuns)
}

func TestIncrementRejectsUnhealthyHost(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	require.NoError(t, s.CreateWorkerHost(ctx, &types.WorkerHost{
		ID: "h1", Name: "sick", Enabled: true, Healthy: false,
	}))
	assert.ErrorIs(t, s.IncrementActiveRuns(ctx, "h1"), ErrPrecondition)
}

func TestTokenAccounting(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()

	require.NoError(t, s.CreateRun(ctx, &types.Run{ID: "r1", Status: types.RunStatusRunning, CreatedAt: now}))
	require.NoError(t, s.CreateJob(ctx, &types.Job{ID: "j1", RunID: "r1", Kind: types.TaskLogTriage, Status: types.JobStatusRunning, CreatedAt: now}))

	calls := []*types.LLMCall{
		{ID: "c1", JobID: "j1", ModelID: "llama-3-8b", PromptTokens: 100, CompletionTokens: 40, TotalTokens: 140, CreatedAt: now},
		{ID: "c2", JobID: "j1", ModelID: "llama-3-8b", PromptTokens: 60, CompletionTokens: 20, TotalTokens: 80, CreatedAt: now.Add(time.Second)},
		{ID: "c3", JobID: "j1", ModelID: "qwen-7b", PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, c := range calls {
		require.NoError(t, s.CreateLLMCall(ctx, c))
		require.NoError(t, s.AddRunTokens(ctx, "r1", c.PromptTokens, c.CompletionTokens, c.TotalTokens))
	}

	run, err := s.GetRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(170), run.PromptTokens)
	assert.Equal(t, int64(65), run.CompletionTokens)
	assert.Equal(t, int64(235), run.TotalTokens)

	byRun, err := s.ListLLMCallsByRun(ctx, "r1")
	require.NoError(t, err)
	var sum int64
	for _, c := range byRun {
		sum += c.TotalTokens
	}
	assert.Equal(t, run.TotalTokens, sum)

	stats, err := s.TokenStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "llama-3-8b", stats[0].ModelID)
	assert.Equal(t, int64(2), stats[0].Calls)
	assert.Equal(t, int64(220), stats[0].TotalTokens)
}

func TestRunsSinceLastSuccess(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	base := time.Now().UTC().Add(-time.Hour)

	mk := func(id string, status types.RunStatus, ended *time.Time, created time.Time) {
		require.NoError(t, s.CreateRun(ctx, &types.Run{
			ID: id, Status: status, EndedAt: ended, CreatedAt: created,
		}))
	}
	e1 := base.Add(10 * time.Minute)
	e2 := base.Add(30 * time.Minute)
	e3 := base.Add(40 * time.Minute)
	mk("old-success", types.RunStatusSuccess, &e1, base)
	mk("last-success", types.RunStatusSuccess, &e2, base.Add(20*time.Minute))
	mk("after-fail", types.RunStatusFailed, &e3, base.Add(35*time.Minute))
	mk("in-flight", types.RunStatusRunning, nil, base.Add(50*time.Minute))

	last, err := s.LastSuccessfulRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "last-success", last.ID)

	since, err := s.RunsSince(ctx, *last.EndedAt)
	require.NoError(t, err)
	require.Len(t, since, 2)
	assert.Equal(t, "after-fail", since[0].ID)
	assert.Equal(t, "in-flight", since[1].ID)
}

func TestWorkerHostUpdateKeepsSecrets(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	require.NoError(t, s.CreateWorkerHost(ctx, &types.WorkerHost{
		ID: "h1", Name: "edge", Kind: types.HostRemoteTCP,
		Endpoint: "tcp://10.0.0.5:2376",
		SSH:      types.SSHConfig{Host: "10.0.0.5", Port: 22, User: "ops", KeyPath: "/etc/drydock/id_ed25519"},
		Enabled:  true,
	}))

	// An update without SSH fields must not wipe stored credentials.
	require.NoError(t, s.UpdateWorkerHost(ctx, &types.WorkerHost{
		ID: "h1", Name: "edge-renamed", Kind: types.HostRemoteTCP,
		Endpoint: "tcp://10.0.0.5:2376", Enabled: true,
	}))

	h, err := s.GetWorkerHost(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "edge-renamed", h.Name)
	assert.Equal(t, "ops", h.SSH.User)
}

func TestMarkScheduleDueRejectsDisabled(t *testing.T) {
	ctx := context.Background()
	s := NewMem()
	now := time.Now().UTC()
	sched := seedSchedule(t, s, "s1", now.Add(time.Hour))
	require.NoError(t, s.SetScheduleEnabled(ctx, sched.ID, false))
	assert.ErrorIs(t, s.MarkScheduleDue(ctx, sched.ID, now), ErrPrecondition)
}
