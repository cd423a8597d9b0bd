package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/runtime"
	"github.com/drydock-sh/drydock/pkg/store"
)

func TestCleanupContainers_RemovesStaleWorkers(t *testing.T) {
	st := store.NewMem()
	rt := &fakeRuntime{
		containers: []runtime.ContainerSummary{
			{
				ID:     "stale-1",
				Name:   "drydock-log-triage-abc",
				State:  "exited",
				Labels: map[string]string{"sh.drydock.instance": "test", "sh.drydock.run_id": "r1", "sh.drydock.job_id": "j1"},
			},
			{
				ID:     "live-1",
				Name:   "drydock-gpu-report-def",
				State:  "running",
				Labels: map[string]string{"sh.drydock.instance": "test"},
			},
			{
				ID:     "other-1",
				Name:   "drydock-log-triage-ghi",
				State:  "exited",
				Labels: map[string]string{"sh.drydock.instance": "another-orchestrator"},
			},
		},
	}
	d := newTestDispatcher(t, st, rt)
	seedHost(t, st, false)

	removed, err := d.CleanupContainers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"stale-1"}, rt.removed)
}

func TestCleanupContainers_SkipsUnhealthyHosts(t *testing.T) {
	st := store.NewMem()
	rt := &fakeRuntime{
		containers: []runtime.ContainerSummary{
			{ID: "stale-1", State: "exited", Labels: map[string]string{"sh.drydock.instance": "test"}},
		},
	}
	d := newTestDispatcher(t, st, rt)
	h := seedHost(t, st, false)
	h.Healthy = false
	require.NoError(t, st.UpdateWorkerHost(context.Background(), h))

	removed, err := d.CleanupContainers(context.Background())
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Empty(t, rt.removed)
}
