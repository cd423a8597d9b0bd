package launcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

func seedDirective(t *testing.T, st *store.Mem, name string, approval bool, tasks ...string) *types.Directive {
	t.Helper()
	d := &types.Directive{
		ID:               "dir-" + name,
		Name:             name,
		TaskConfig:       types.JSONMap{"timeout_minutes": 5},
		TaskList:         types.StringList(tasks),
		ApprovalRequired: approval,
		Enabled:          true,
		Version:          1,
		CreatedAt:        time.Now().UTC(),
	}
	require.NoError(t, st.CreateDirective(context.Background(), d))
	return d
}

func TestLaunch_DefaultsTasksFromDirective(t *testing.T) {
	st := store.NewMem()
	d := seedDirective(t, st, "nightly", false, "log_triage", "gpu_report")
	l := New(st)

	res, err := l.Launch(context.Background(), Request{DirectiveID: d.ID})
	require.NoError(t, err)

	assert.Equal(t, types.RunStatusPending, res.Run.Status)
	assert.Equal(t, types.ApprovalNone, res.Run.Approval)
	require.Len(t, res.Jobs, 2)
	assert.Equal(t, types.TaskLogTriage, res.Jobs[0].Kind)
	assert.Equal(t, types.TaskGPUReport, res.Jobs[1].Kind)

	require.Len(t, res.Schedules, 2)
	for _, s := range res.Schedules {
		assert.True(t, s.OneShot())
		assert.True(t, s.Enabled)
		assert.False(t, s.NextRunAt.After(time.Now().UTC()))
	}
	require.Len(t, res.Bindings, 2)
	for i, b := range res.Bindings {
		assert.Equal(t, res.Run.ID, b.RunID)
		assert.Equal(t, res.Schedules[i].ID, b.ScheduleID)
		assert.Equal(t, types.ScheduledRunPending, b.Status)
	}
}

func TestLaunch_SnapshotCapturesDirective(t *testing.T) {
	st := store.NewMem()
	d := seedDirective(t, st, "nightly", false, "log_triage")
	l := New(st)

	res, err := l.Launch(context.Background(), Request{DirectiveID: d.ID, UseRAG: true})
	require.NoError(t, err)

	snap, err := types.DecodeSnapshot(res.Run.DirectiveSnapshot)
	require.NoError(t, err)
	assert.Equal(t, "nightly", snap.Name)
	assert.Equal(t, 1, snap.Version)
	assert.True(t, snap.UseRAG)
	assert.Equal(t, 5, snap.TimeoutMinutes(10))
	assert.Equal(t, types.StringList{"log_triage"}, snap.Tasks)

	// Later directive edits must not leak into the stored snapshot.
	d.TaskConfig["timeout_minutes"] = 99
	require.NoError(t, st.UpdateDirective(context.Background(), d))
	stored, err := st.GetRun(context.Background(), res.Run.ID)
	require.NoError(t, err)
	snap2, err := types.DecodeSnapshot(stored.DirectiveSnapshot)
	require.NoError(t, err)
	assert.Equal(t, 5, snap2.TimeoutMinutes(10))
}

func TestLaunch_PicksFirstEnabledDirective(t *testing.T) {
	st := store.NewMem()
	seedDirective(t, st, "default", false, "service_map")
	l := New(st)

	res, err := l.Launch(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, types.TaskServiceMap, res.Jobs[0].Kind)
}

func TestLaunch_ApprovalRequired(t *testing.T) {
	st := store.NewMem()
	d := seedDirective(t, st, "gated", true, "log_triage")
	l := New(st)

	res, err := l.Launch(context.Background(), Request{DirectiveID: d.ID})
	require.NoError(t, err)
	assert.Equal(t, types.ApprovalPending, res.Run.Approval)
}

func TestLaunch_ValidationFailures(t *testing.T) {
	st := store.NewMem()
	d := seedDirective(t, st, "narrow", false, "log_triage")
	l := New(st)
	ctx := context.Background()

	t.Run("task outside task_list", func(t *testing.T) {
		_, err := l.Launch(ctx, Request{DirectiveID: d.ID, Tasks: []types.TaskKind{types.TaskGPUReport}})
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
	})

	t.Run("unknown task kind", func(t *testing.T) {
		_, err := l.Launch(ctx, Request{DirectiveID: d.ID, Tasks: []types.TaskKind{"mystery"}})
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
	})

	t.Run("missing directive", func(t *testing.T) {
		_, err := l.Launch(ctx, Request{DirectiveID: "nope"})
		assert.True(t, errdefs.IsKind(err, errdefs.KindDirectiveNotFound))
	})

	t.Run("missing target host", func(t *testing.T) {
		_, err := l.Launch(ctx, Request{DirectiveID: d.ID, TargetHostID: "ghost"})
		assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
	})
}

func TestLaunch_NoDirectiveNoTasks(t *testing.T) {
	st := store.NewMem()
	l := New(st)

	_, err := l.Launch(context.Background(), Request{})
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation))
}

func TestLaunch_ExplicitTasksWithoutDirective(t *testing.T) {
	st := store.NewMem()
	l := New(st)

	res, err := l.Launch(context.Background(), Request{
		Tasks:               []types.TaskKind{types.TaskGPUReport},
		CustomDirectiveText: "inspect the fleet",
	})
	require.NoError(t, err)
	assert.Nil(t, res.Run.DirectiveID)

	snap, err := types.DecodeSnapshot(res.Run.DirectiveSnapshot)
	require.NoError(t, err)
	assert.Equal(t, "inspect the fleet", snap.CustomDirectiveText)
}
