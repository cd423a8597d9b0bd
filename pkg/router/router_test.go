package router

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

func newTestRouter(t *testing.T, now time.Time) (*Router, *store.Mem) {
	t.Helper()
	st := store.NewMem()
	r := New(st, NewConnector(nil), Config{
		StalenessThreshold: 5 * time.Minute,
		HealthPeriod:       time.Minute,
		HealthTimeout:      time.Second,
	})
	r.now = func() time.Time { return now }
	return r, st
}

func addHost(t *testing.T, st *store.Mem, id string, gpus bool, active int, seen time.Time) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateWorkerHost(ctx, &types.WorkerHost{
		ID:       id,
		Name:     "host-" + id,
		Kind:     types.HostLocalSocket,
		Enabled:  true,
		Capabilities: types.HostCapabilities{
			GPUs:           gpus,
			MaxConcurrency: 3,
		},
	}))
	require.NoError(t, st.SetHostHealth(ctx, id, true, &seen))
	for i := 0; i < active; i++ {
		require.NoError(t, st.IncrementActiveRuns(ctx, id))
	}
}

func TestSelect_PrefersLowestActiveRuns(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "a", false, 2, now)
	addHost(t, st, "b", false, 0, now)
	addHost(t, st, "c", false, 1, now)

	h, err := r.Select(context.Background(), false, "")
	require.NoError(t, err)
	assert.Equal(t, "b", h.ID)
}

func TestSelect_TieBreaksOnRecency(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "a", false, 1, now.Add(-2*time.Minute))
	addHost(t, st, "b", false, 1, now.Add(-30*time.Second))

	h, err := r.Select(context.Background(), false, "")
	require.NoError(t, err)
	assert.Equal(t, "b", h.ID)
}

func TestSelect_FullTieBreaksOnID(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "b", false, 0, now)
	addHost(t, st, "a", false, 0, now)

	h, err := r.Select(context.Background(), false, "")
	require.NoError(t, err)
	assert.Equal(t, "a", h.ID)
}

func TestSelect_ExcludesStaleHosts(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "stale", false, 0, now.Add(-10*time.Minute))
	addHost(t, st, "fresh", false, 2, now)

	h, err := r.Select(context.Background(), false, "")
	require.NoError(t, err)
	assert.Equal(t, "fresh", h.ID)
}

func TestSelect_FiltersByGPUCapability(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "cpu", false, 0, now)
	addHost(t, st, "gpu", true, 2, now)

	h, err := r.Select(context.Background(), true, "")
	require.NoError(t, err)
	assert.Equal(t, "gpu", h.ID)
}

func TestSelect_NoEligibleHost(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "full", false, 3, now)

	_, err := r.Select(context.Background(), false, "")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindNoEligibleHost))
}

func TestSelect_BumpsActiveRuns(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "a", false, 0, now)

	h, err := r.Select(context.Background(), false, "")
	require.NoError(t, err)
	assert.Equal(t, 1, h.ActiveRuns)

	stored, err := st.GetWorkerHost(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ActiveRuns)
}

func TestSelect_TargetHost(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "cpu", false, 0, now)

	t.Run("missing target", func(t *testing.T) {
		_, err := r.Select(context.Background(), false, "nope")
		assert.True(t, errdefs.IsKind(err, errdefs.KindNoEligibleHost))
	})

	t.Run("gpu required on cpu host", func(t *testing.T) {
		_, err := r.Select(context.Background(), true, "cpu")
		assert.True(t, errdefs.IsKind(err, errdefs.KindNoEligibleHost))
	})

	t.Run("accepts valid target", func(t *testing.T) {
		h, err := r.Select(context.Background(), false, "cpu")
		require.NoError(t, err)
		assert.Equal(t, "cpu", h.ID)
	})
}

func TestRelease_DecrementsActiveRuns(t *testing.T) {
	now := time.Now().UTC()
	r, st := newTestRouter(t, now)
	addHost(t, st, "a", false, 1, now)

	r.Release(context.Background(), "a")

	stored, err := st.GetWorkerHost(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ActiveRuns)
}

func TestValidateHost(t *testing.T) {
	tests := []struct {
		name    string
		host    types.WorkerHost
		wantErr bool
	}{
		{
			name: "local socket",
			host: types.WorkerHost{Name: "local", Kind: types.HostLocalSocket},
		},
		{
			name: "private remote",
			host: types.WorkerHost{Name: "lab", Kind: types.HostRemoteTCP, Endpoint: "tcp://10.1.2.3:2376"},
		},
		{
			name:    "public remote",
			host:    types.WorkerHost{Name: "bad", Kind: types.HostRemoteTCP, Endpoint: "tcp://8.8.8.8:2376"},
			wantErr: true,
		},
		{
			name: "hostname remote",
			host: types.WorkerHost{Name: "lab2", Kind: types.HostRemoteTCP, Endpoint: "tcp://gpu-node-1:2376"},
		},
		{
			name:    "ssh without key",
			host:    types.WorkerHost{Name: "lab3", Kind: types.HostRemoteTCP, Endpoint: "tcp://192.168.1.5:2376", SSH: types.SSHConfig{Host: "192.168.1.5", User: "ops"}},
			wantErr: true,
		},
		{
			name:    "missing name",
			host:    types.WorkerHost{Kind: types.HostLocalSocket},
			wantErr: true,
		},
		{
			name:    "missing endpoint",
			host:    types.WorkerHost{Name: "bad2", Kind: types.HostRemoteTCP},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHost(&tt.host)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
