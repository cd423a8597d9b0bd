package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/runtime"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// resolveImage maps a task kind to its allowlisted worker image. The snapshot
// may override the default reference per kind via task_config["image_<kind>"].
func (d *Dispatcher) resolveImage(ctx context.Context, snap *types.DirectiveSnapshot, kind types.TaskKind) (*types.WorkerImage, error) {
	ref := snap.TaskConfig.String("image_"+string(kind), defaultImageRef(kind))
	image, tag := splitRef(ref)

	w, err := d.store.GetWorkerImage(ctx, image, tag)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errdefs.New(errdefs.KindImageNotAllowed, "image %s not in allowlist", ref)
		}
		return nil, fmt.Errorf("failed to look up worker image: %w", err)
	}
	if !w.Enabled {
		return nil, errdefs.New(errdefs.KindImageNotAllowed, "image %s is disabled", ref)
	}
	return w, nil
}

func defaultImageRef(kind types.TaskKind) string {
	return "drydock/" + strings.ReplaceAll(string(kind), "_", "-") + ":latest"
}

// splitRef separates an image reference into name and tag. Only the segment
// after the last slash can carry a tag.
func splitRef(ref string) (string, string) {
	slash := strings.LastIndex(ref, "/")
	if colon := strings.LastIndex(ref, ":"); colon > slash {
		return ref[:colon], ref[colon+1:]
	}
	return ref, "latest"
}

// containerSpec builds the fixed-policy worker container spec. Workers get
// the artifact root read-write, the upload root read-only, no published
// ports, and no daemon socket.
func (d *Dispatcher) containerSpec(run *types.Run, snap *types.DirectiveSnapshot, job *types.Job, imageRef string, device int) runtime.ContainerSpec {
	artifactPrefix := path.Join("/logs", "run_"+run.ID)

	env := []string{
		"DRYDOCK_RUN_ID=" + run.ID,
		"DRYDOCK_JOB_ID=" + job.ID,
		"DRYDOCK_TASK_KIND=" + string(job.Kind),
		"DRYDOCK_ARTIFACT_DIR=" + artifactPrefix,
	}
	if raw, err := snap.Encode(); err == nil {
		env = append(env, "DRYDOCK_DIRECTIVE_SNAPSHOT="+string(raw))
	}
	if job.Kind == types.TaskServiceMap {
		scope := snap.TaskConfig.String("service_map_scope", string(types.ServiceScopeAllowlist))
		env = append(env, "DRYDOCK_SERVICE_MAP_SCOPE="+scope)
	}

	mounts := []runtime.MountSpec{
		{Source: d.cfg.ArtifactRoot, Target: "/logs"},
	}
	if d.cfg.UploadRoot != "" {
		mounts = append(mounts, runtime.MountSpec{Source: d.cfg.UploadRoot, Target: "/uploads", ReadOnly: true})
	}

	return runtime.ContainerSpec{
		Name:  fmt.Sprintf("drydock-%s-%s", strings.ReplaceAll(string(job.Kind), "_", "-"), shortID(job.ID)),
		Image: imageRef,
		Env:   env,
		Labels: map[string]string{
			"sh.drydock.run_id":    run.ID,
			"sh.drydock.job_id":    job.ID,
			"sh.drydock.task_kind": string(job.Kind),
			"sh.drydock.instance":  d.cfg.Instance,
		},
		Mounts:      mounts,
		MemoryBytes: d.cfg.MemoryBytes,
		GPUDevice:   device,
		AutoRemove:  true,
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newID() string {
	return uuid.New().String()
}
