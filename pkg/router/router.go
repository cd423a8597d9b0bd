package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/log"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// Config controls host selection and health probing.
type Config struct {
	StalenessThreshold time.Duration
	HealthPeriod       time.Duration
	HealthTimeout      time.Duration
}

// Router selects worker hosts for runs and tracks their health.
type Router struct {
	store     store.Store
	connector *Connector
	cfg       Config
	logger    zerolog.Logger

	stopCh chan struct{}
	now    func() time.Time
}

// New creates a router over the given store and connector.
func New(st store.Store, connector *Connector, cfg Config) *Router {
	return &Router{
		store:     st,
		connector: connector,
		cfg:       cfg,
		logger:    log.WithComponent("router"),
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Select picks a worker host for a run. An explicit target must exist, be
// enabled, and satisfy the GPU requirement; otherwise candidates are ranked
// by load. The winner's active run counter is bumped atomically; callers must
// decrement it when the dispatch finishes.
func (r *Router) Select(ctx context.Context, requiresGPU bool, targetHostID string) (*types.WorkerHost, error) {
	if targetHostID != "" {
		return r.selectTarget(ctx, requiresGPU, targetHostID)
	}

	hosts, err := r.store.ListWorkerHosts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list worker hosts: %w", err)
	}

	now := r.now()
	candidates := make([]*types.WorkerHost, 0, len(hosts))
	for _, h := range hosts {
		if !h.Enabled || !h.Healthy || h.Stale(r.cfg.StalenessThreshold, now) {
			continue
		}
		if !h.HasCapacity() {
			continue
		}
		if requiresGPU && !h.Capabilities.GPUs {
			continue
		}
		candidates = append(candidates, h)
	}
	if len(candidates) == 0 {
		return nil, errdefs.New(errdefs.KindNoEligibleHost, "no eligible worker host")
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.ActiveRuns != b.ActiveRuns {
			return a.ActiveRuns < b.ActiveRuns
		}
		at, bt := seenAt(a), seenAt(b)
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ID < b.ID
	})

	// Hosts may fill up between the list and the bump; walk the ranking
	// until an increment succeeds.
	for _, h := range candidates {
		if err := r.store.IncrementActiveRuns(ctx, h.ID); err != nil {
			if errors.Is(err, store.ErrPrecondition) {
				continue
			}
			return nil, fmt.Errorf("failed to reserve host %s: %w", h.ID, err)
		}
		h.ActiveRuns++
		return h, nil
	}
	return nil, errdefs.New(errdefs.KindNoEligibleHost, "no eligible worker host")
}

func (r *Router) selectTarget(ctx context.Context, requiresGPU bool, hostID string) (*types.WorkerHost, error) {
	h, err := r.store.GetWorkerHost(ctx, hostID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errdefs.New(errdefs.KindNoEligibleHost, "target host %s not found", hostID)
		}
		return nil, fmt.Errorf("failed to get worker host: %w", err)
	}
	if !h.Enabled {
		return nil, errdefs.New(errdefs.KindNoEligibleHost, "target host %s is disabled", hostID)
	}
	if requiresGPU && !h.Capabilities.GPUs {
		return nil, errdefs.New(errdefs.KindNoEligibleHost, "target host %s has no gpus", hostID)
	}
	if err := r.store.IncrementActiveRuns(ctx, h.ID); err != nil {
		if errors.Is(err, store.ErrPrecondition) {
			return nil, errdefs.New(errdefs.KindNoEligibleHost, "target host %s is at capacity or unhealthy", hostID)
		}
		return nil, fmt.Errorf("failed to reserve host %s: %w", h.ID, err)
	}
	h.ActiveRuns++
	return h, nil
}

// Forget drops the cached runtime client and tunnel for a host. Called when
// a host is deleted or its endpoint changes.
func (r *Router) Forget(hostID string) {
	if r.connector != nil {
		r.connector.Invalidate(hostID)
	}
}

// Release returns a host's reserved slot after a dispatch completes.
func (r *Router) Release(ctx context.Context, hostID string) {
	if err := r.store.DecrementActiveRuns(ctx, hostID); err != nil {
		r.logger.Warn().Err(err).Str("host_id", hostID).Msg("failed to release host slot")
	}
}

func seenAt(h *types.WorkerHost) time.Time {
	if h.LastSeenAt == nil {
		return time.Time{}
	}
	return *h.LastSeenAt
}
