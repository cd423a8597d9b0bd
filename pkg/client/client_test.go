package client

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/api"
	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/launcher"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

func newTestClient(t *testing.T) (*Client, *store.Mem, string) {
	t.Helper()
	st := store.NewMem()
	root := t.TempDir()
	srv := api.NewServer(api.Config{ArtifactRoot: root}, st, launcher.New(st), nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return New(ts.URL), st, root
}

func TestClient_LaunchAndList(t *testing.T) {
	c, st, _ := newTestClient(t)
	d := &types.Directive{
		ID:       uuid.New().String(),
		Name:     "nightly",
		TaskList: types.StringList{"log_triage"},
		Enabled:  true,
		Version:  1,
	}
	require.NoError(t, st.CreateDirective(context.Background(), d))

	result, err := c.Launch(context.Background(), launcher.Request{DirectiveID: d.ID})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)

	runs, err := c.ListRuns(context.Background(), nil, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, 1, runs[0].JobCount)

	detail, err := c.GetRun(context.Background(), result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Run.ID, detail.Run.ID)

	cancelled, err := c.CancelRun(context.Background(), result.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, cancelled.Status)
}

func TestClient_ErrorKinds(t *testing.T) {
	c, _, _ := newTestClient(t)

	_, err := c.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindRunNotFound), "got %v", err)

	_, err = c.Launch(context.Background(), launcher.Request{Tasks: []types.TaskKind{"bogus"}})
	require.Error(t, err)
	assert.True(t, errdefs.IsKind(err, errdefs.KindValidation), "got %v", err)
}

func TestClient_DownloadArtifact(t *testing.T) {
	c, st, root := newTestClient(t)
	run := &types.Run{ID: uuid.New().String(), Status: types.RunStatusSuccess, CreatedAt: time.Now().UTC()}
	require.NoError(t, st.CreateRun(context.Background(), run))

	path := filepath.Join(root, "run_"+run.ID, "triage.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("# ok\n"), 0o644))

	a := &types.RunArtifact{
		ID:        uuid.New().String(),
		RunID:     run.ID,
		Kind:      types.ArtifactReport,
		Path:      path,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateArtifact(context.Background(), a))

	listed, err := c.ListArtifacts(context.Background(), run.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)

	var buf bytes.Buffer
	require.NoError(t, c.DownloadArtifact(context.Background(), a.ID, &buf))
	assert.Equal(t, "# ok\n", buf.String())
}

func TestClient_HostsHideCredentials(t *testing.T) {
	c, st, _ := newTestClient(t)
	h := &types.WorkerHost{
		ID:   uuid.New().String(),
		Name: "gpu-box",
		Kind: types.HostLocalSocket,
		SSH:  types.SSHConfig{Host: "10.0.0.5", User: "drydock", KeyPath: "/secrets/key"},
	}
	require.NoError(t, st.CreateWorkerHost(context.Background(), h))

	hosts, err := c.ListHosts(context.Background())
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].HasSSHConfig)
	assert.Empty(t, hosts[0].SSH.KeyPath)
}
