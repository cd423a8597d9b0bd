package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/metrics"
	"github.com/drydock-sh/drydock/pkg/router"
	"github.com/drydock-sh/drydock/pkg/runtime"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// Runtime is the slice of the container runtime the dispatcher drives.
// *runtime.Client satisfies it.
type Runtime interface {
	PullImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	WaitContainer(ctx context.Context, containerID string) (int64, error)
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerSummary, error)
	ContainerLogs(ctx context.Context, containerID string, tail int) (string, error)
}

// logTailLines bounds the worker output captured for failure diagnostics.
const logTailLines = 40

// RuntimeProvider yields a runtime client for a selected host. Production
// wiring closes over the router's connector.
type RuntimeProvider func(h *types.WorkerHost) (Runtime, error)

// Config controls dispatch behavior.
type Config struct {
	// ArtifactRoot is the directory mounted read-write into workers as /logs.
	ArtifactRoot string
	// UploadRoot, when set, is mounted read-only into workers as /uploads.
	UploadRoot string
	// JobTimeout bounds a job's wall clock when the directive snapshot does
	// not carry its own timeout_minutes.
	JobTimeout time.Duration
	// StopGrace is how long a stopped container gets before SIGKILL.
	StopGrace time.Duration
	// MemoryBytes caps each worker container's memory. Zero means unlimited.
	MemoryBytes int64
	// Instance identifies this orchestrator process in container labels.
	Instance string
}

// Dispatcher executes the jobs of a run as ephemeral worker containers on a
// routed host.
type Dispatcher struct {
	store    store.Store
	router   *router.Router
	provider RuntimeProvider
	cfg      Config
	logger   zerolog.Logger

	now        func() time.Time
	cancelPoll time.Duration
}

// New creates a dispatcher.
func New(st store.Store, rt *router.Router, provider RuntimeProvider, cfg Config) *Dispatcher {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Dispatcher{
		store:      st,
		router:     rt,
		provider:   provider,
		cfg:        cfg,
		logger:     log.WithComponent("dispatcher"),
		now:        time.Now,
		cancelPoll: 5 * time.Second,
	}
}

// Dispatch runs every job of the run in order on a routed host and returns
// the rolled-up terminal status. Jobs are finished here; the run's terminal
// transition belongs to the caller.
func (d *Dispatcher) Dispatch(ctx context.Context, run *types.Run) (types.RunStatus, error) {
	logger := d.logger.With().Str("run_id", run.ID).Logger()

	snap, err := types.DecodeSnapshot(run.DirectiveSnapshot)
	if err != nil {
		d.failRemaining(ctx, run.ID, "invalid directive snapshot")
		d.writeFailureReport(ctx, run.ID, "")
		return types.RunStatusFailed, errdefs.Internal(err)
	}

	jobs, err := d.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return types.RunStatusFailed, fmt.Errorf("failed to list jobs: %w", err)
	}
	if len(jobs) == 0 {
		return types.RunStatusFailed, errdefs.New(errdefs.KindInternal, "run %s has no jobs", run.ID)
	}

	// Resolve every image up front; allowlist misses fail their job inside
	// the loop, but GPU affinity for routing must be known before a host is
	// picked.
	images := make(map[string]*types.WorkerImage, len(jobs))
	imageErrs := make(map[string]error, len(jobs))
	requiresGPU := false
	for _, job := range jobs {
		img, err := d.resolveImage(ctx, snap, job.Kind)
		if err != nil {
			imageErrs[job.ID] = err
			continue
		}
		images[job.ID] = img
		if img.RequiresGPU && !img.AllowCPUFallback {
			requiresGPU = true
		}
	}

	host, err := d.router.Select(ctx, requiresGPU, snap.TargetHostID)
	if err != nil {
		logger.Warn().Err(err).Msg("no host for run")
		metrics.DispatchFailures.WithLabelValues(string(errdefs.KindOf(err))).Inc()
		d.failRemaining(ctx, run.ID, "no eligible host")
		d.writeFailureReport(ctx, run.ID, "")
		return types.RunStatusFailed, err
	}
	defer d.router.Release(ctx, host.ID)

	if err := d.store.SetRunHost(ctx, run.ID, host.ID); err != nil {
		logger.Error().Err(err).Msg("failed to record run host")
	}
	logger = logger.With().Str("host_id", host.ID).Logger()

	rt, err := d.provider(host)
	if err != nil {
		metrics.DispatchFailures.WithLabelValues(string(errdefs.KindDispatchFailed)).Inc()
		d.failRemaining(ctx, run.ID, "host connection failed")
		d.writeFailureReport(ctx, run.ID, host.ID)
		return types.RunStatusFailed, errdefs.New(errdefs.KindDispatchFailed, "failed to connect to host %s: %s", host.ID, err)
	}

	cancelled := false
	prereqFailed := false
	for _, job := range jobs {
		if cancelled {
			d.failJob(ctx, job.ID, "run cancelled")
			continue
		}
		if prereqFailed {
			d.failJob(ctx, job.ID, "prerequisite failed")
			continue
		}

		if fresh, err := d.store.GetRun(ctx, run.ID); err == nil && fresh.Status == types.RunStatusCancelled {
			cancelled = true
			d.failJob(ctx, job.ID, "run cancelled")
			continue
		}

		err := d.runJob(ctx, rt, host, run, snap, job, images[job.ID], imageErrs[job.ID])
		if err != nil {
			if errdefs.IsKind(err, errdefs.KindCancelled) {
				cancelled = true
				continue
			}
			logger.Warn().Err(err).Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("job failed")
			if snap.TaskRequired(job.Kind) {
				prereqFailed = true
			}
		}
	}

	final, err := d.store.ListJobsByRun(ctx, run.ID)
	if err != nil {
		return types.RunStatusFailed, fmt.Errorf("failed to list jobs for rollup: %w", err)
	}
	status := rollup(final)
	if cancelled {
		status = types.RunStatusCancelled
	}

	if err := d.writeReport(ctx, run.ID, host.ID, status); err != nil {
		logger.Error().Err(err).Msg("failed to write run report")
	}

	logger.Info().Str("status", string(status)).Int("jobs", len(final)).Msg("run dispatched")
	return status, nil
}

// runJob drives one worker container from spawn to ingestion. The job is
// always left terminal; the returned error describes the failure cause.
func (d *Dispatcher) runJob(ctx context.Context, rt Runtime, host *types.WorkerHost, run *types.Run, snap *types.DirectiveSnapshot, job *types.Job, img *types.WorkerImage, imgErr error) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, string(job.Kind))
	logger := log.WithJobID(job.ID).With().Str("run_id", run.ID).Str("kind", string(job.Kind)).Logger()

	if imgErr != nil {
		d.audit(ctx, run.ID, job.ID, types.AuditError, "", "", types.NoGPU, "", nil, false, imgErr.Error())
		d.failJob(ctx, job.ID, errdefs.AsError(imgErr).Message)
		metrics.DispatchFailures.WithLabelValues(string(errdefs.KindOf(imgErr))).Inc()
		return imgErr
	}

	device := runtime.NoGPU
	gpuReason := "gpu not required"
	if img.RequiresGPU {
		gpus, err := d.store.ListGPUStates(ctx, host.ID)
		if err != nil {
			return d.failWith(ctx, run.ID, job.ID, img.Ref(), fmt.Errorf("failed to list gpu states: %w", err))
		}
		device, gpuReason, err = pickGPU(gpus, img)
		if err != nil {
			d.audit(ctx, run.ID, job.ID, types.AuditError, "", img.Ref(), types.NoGPU, gpuReason, nil, false, err.Error())
			d.failJob(ctx, job.ID, errdefs.AsError(err).Message)
			metrics.DispatchFailures.WithLabelValues(string(errdefs.KindOf(err))).Inc()
			return err
		}
	}

	spec := d.containerSpec(run, snap, job, img.Ref(), device)
	specJSON, _ := json.Marshal(spec)

	if err := rt.PullImage(ctx, img.Ref()); err != nil {
		d.audit(ctx, run.ID, job.ID, types.AuditError, "", img.Ref(), device, gpuReason, specJSON, false, err.Error())
		return d.failWith(ctx, run.ID, job.ID, img.Ref(), errdefs.New(errdefs.KindDispatchFailed, "failed to pull %s", img.Ref()))
	}

	containerID, err := rt.CreateContainer(ctx, spec)
	if err != nil {
		d.audit(ctx, run.ID, job.ID, types.AuditSpawn, "", img.Ref(), device, gpuReason, specJSON, false, err.Error())
		return d.failWith(ctx, run.ID, job.ID, img.Ref(), errdefs.New(errdefs.KindDispatchFailed, "failed to create container"))
	}
	d.audit(ctx, run.ID, job.ID, types.AuditSpawn, containerID, img.Ref(), device, gpuReason, specJSON, true, "")

	started := d.now().UTC()
	if err := d.store.MarkJobRunning(ctx, job.ID, started); err != nil {
		logger.Error().Err(err).Msg("failed to mark job running")
	}

	if err := rt.StartContainer(ctx, containerID); err != nil {
		d.audit(ctx, run.ID, job.ID, types.AuditStart, containerID, img.Ref(), device, gpuReason, nil, false, err.Error())
		d.removeContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref())
		return d.failWith(ctx, run.ID, job.ID, img.Ref(), errdefs.New(errdefs.KindDispatchFailed, "failed to start container"))
	}
	d.audit(ctx, run.ID, job.ID, types.AuditStart, containerID, img.Ref(), device, gpuReason, nil, true, "")
	logger.Info().Str("container_id", containerID).Str("image", img.Ref()).Int("gpu", device).Msg("worker started")

	d.adjustGPUWorkers(ctx, host.ID, device, 1)
	defer d.adjustGPUWorkers(ctx, host.ID, device, -1)

	timeout := d.cfg.JobTimeout
	if m := snap.TimeoutMinutes(0); m > 0 {
		timeout = time.Duration(m) * time.Minute
	}
	waitCtx, cancelWait := context.WithTimeout(ctx, timeout)
	defer cancelWait()

	var cancelSeen atomic.Bool
	watchDone := make(chan struct{})
	go d.watchCancellation(waitCtx, run.ID, watchDone, &cancelSeen, cancelWait)

	exit, waitErr := rt.WaitContainer(waitCtx, containerID)
	close(watchDone)

	switch {
	case cancelSeen.Load():
		d.stopContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref(), "run cancelled")
		d.removeContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref())
		d.failJob(ctx, job.ID, "cancelled")
		return errdefs.New(errdefs.KindCancelled, "run %s cancelled during dispatch", run.ID)

	case waitErr != nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		d.stopContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref(), "timeout")
		d.removeContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref())
		d.failJob(ctx, job.ID, fmt.Sprintf("timed out after %s", timeout))
		metrics.DispatchFailures.WithLabelValues(string(errdefs.KindTimeout)).Inc()
		return errdefs.New(errdefs.KindTimeout, "job %s timed out after %s", job.ID, timeout)

	case waitErr != nil:
		d.stopContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref(), "wait failed")
		d.removeContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref())
		return d.failWith(ctx, run.ID, job.ID, img.Ref(), errdefs.New(errdefs.KindDispatchFailed, "failed waiting for container"))
	}

	if exit != 0 {
		// Captured to the orchestrator log only. Job rows never carry worker
		// output.
		if tail, err := rt.ContainerLogs(ctx, containerID, logTailLines); err == nil && tail != "" {
			logger.Warn().Int64("exit_code", exit).Str("log_tail", tail).Msg("worker exited nonzero")
		}
	}
	d.removeContainer(ctx, rt, run.ID, job.ID, containerID, img.Ref())

	artifacts, tokens, err := d.ingestOutputs(ctx, run.ID, job.ID)
	if err != nil {
		logger.Warn().Err(err).Msg("artifact ingestion incomplete")
	}

	result, _ := json.Marshal(map[string]any{
		"exit_code": exit,
		"artifacts": artifacts,
		"tokens":    tokens,
		"gpu":       device,
	})

	ended := d.now().UTC()
	if exit != 0 {
		if err := d.store.FinishJob(ctx, job.ID, types.JobStatusFailed, ended, result, fmt.Sprintf("exited with code %d", exit)); err != nil {
			logger.Error().Err(err).Msg("failed to finish job")
		}
		metrics.DispatchFailures.WithLabelValues(string(errdefs.KindDispatchFailed)).Inc()
		return errdefs.New(errdefs.KindDispatchFailed, "worker exited with code %d", exit)
	}
	if err := d.store.FinishJob(ctx, job.ID, types.JobStatusSuccess, ended, result, ""); err != nil {
		logger.Error().Err(err).Msg("failed to finish job")
	}
	logger.Info().Int("artifacts", artifacts).Int64("tokens", tokens).Msg("job finished")
	return nil
}

// watchCancellation polls the run while its container executes and aborts the
// wait when an operator cancels the run.
func (d *Dispatcher) watchCancellation(ctx context.Context, runID string, done <-chan struct{}, seen *atomic.Bool, abort context.CancelFunc) {
	ticker := time.NewTicker(d.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			run, err := d.store.GetRun(ctx, runID)
			if err != nil {
				continue
			}
			if run.Status == types.RunStatusCancelled {
				seen.Store(true)
				abort()
				return
			}
		}
	}
}

func (d *Dispatcher) stopContainer(ctx context.Context, rt Runtime, runID, jobID, containerID, image, reason string) {
	err := rt.StopContainer(ctx, containerID, d.cfg.StopGrace)
	if err != nil {
		d.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to stop container")
	}
	d.audit(ctx, runID, jobID, types.AuditStop, containerID, image, types.NoGPU, "", nil, err == nil, reason)
}

func (d *Dispatcher) removeContainer(ctx context.Context, rt Runtime, runID, jobID, containerID, image string) {
	err := rt.RemoveContainer(ctx, containerID)
	if err != nil {
		d.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to remove container")
	}
	d.audit(ctx, runID, jobID, types.AuditRemove, containerID, image, types.NoGPU, "", nil, err == nil, "")
}

// failWith audits a dispatch failure, fails the job, and returns the error.
func (d *Dispatcher) failWith(ctx context.Context, runID, jobID, image string, cause error) error {
	d.audit(ctx, runID, jobID, types.AuditError, "", image, types.NoGPU, "", nil, false, cause.Error())
	d.failJob(ctx, jobID, errdefs.AsError(cause).Message)
	metrics.DispatchFailures.WithLabelValues(string(errdefs.KindOf(cause))).Inc()
	return cause
}

func (d *Dispatcher) failJob(ctx context.Context, jobID, msg string) {
	if err := d.store.FinishJob(ctx, jobID, types.JobStatusFailed, d.now().UTC(), nil, msg); err != nil && !errors.Is(err, store.ErrPrecondition) {
		d.logger.Error().Err(err).Str("job_id", jobID).Msg("failed to fail job")
	}
}

// failRemaining fails every non-terminal job of a run with one reason.
func (d *Dispatcher) failRemaining(ctx context.Context, runID, msg string) {
	jobs, err := d.store.ListJobsByRun(ctx, runID)
	if err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Msg("failed to list jobs")
		return
	}
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		d.failJob(ctx, job.ID, msg)
	}
}

func (d *Dispatcher) audit(ctx context.Context, runID, jobID string, op types.AuditOp, containerID, image string, gpu int, gpuReason string, cfgSnap json.RawMessage, success bool, errMsg string) {
	a := &types.WorkerAudit{
		ID:             newID(),
		RunID:          runID,
		JobID:          jobID,
		Op:             op,
		ContainerID:    containerID,
		Image:          image,
		ChosenGPU:      gpu,
		GPUReason:      gpuReason,
		ConfigSnapshot: cfgSnap,
		Success:        success,
		Error:          errMsg,
		CreatedAt:      d.now().UTC(),
	}
	if err := d.store.CreateAudit(ctx, a); err != nil {
		d.logger.Error().Err(err).Str("run_id", runID).Str("op", string(op)).Msg("failed to write audit row")
	}
}

// rollup derives the run status from terminal job statuses.
func rollup(jobs []*types.Job) types.RunStatus {
	success, failed := 0, 0
	for _, j := range jobs {
		switch j.Status {
		case types.JobStatusSuccess:
			success++
		default:
			failed++
		}
	}
	switch {
	case failed == 0:
		return types.RunStatusSuccess
	case success == 0:
		return types.RunStatusFailed
	default:
		return types.RunStatusPartial
	}
}
