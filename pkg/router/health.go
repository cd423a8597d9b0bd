package router

import (
	"context"
	"time"

	"github.com/drydock-sh/drydock/pkg/types"
)

// StartHealthLoop probes every host on the configured period until Stop.
func (r *Router) StartHealthLoop() {
	ticker := time.NewTicker(r.cfg.HealthPeriod)
	go func() {
		r.probeAll()

		for {
			select {
			case <-ticker.C:
				r.probeAll()
			case <-r.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
	r.logger.Info().Dur("period", r.cfg.HealthPeriod).Msg("health loop started")
}

// Stop halts the health loop.
func (r *Router) Stop() {
	close(r.stopCh)
}

func (r *Router) probeAll() {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HealthPeriod)
	defer cancel()

	hosts, err := r.store.ListWorkerHosts(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list hosts for health probe")
		return
	}
	for _, h := range hosts {
		if !h.Enabled {
			continue
		}
		r.CheckHost(ctx, h)
	}
}

// CheckHost probes one host's Docker endpoint and records the outcome. A
// successful ping marks the host healthy and refreshes last_seen_at; a
// failure only clears healthy. Returns the probe result.
func (r *Router) CheckHost(ctx context.Context, h *types.WorkerHost) bool {
	probeCtx, cancel := context.WithTimeout(ctx, r.cfg.HealthTimeout)
	defer cancel()

	client, err := r.connector.ClientFor(h)
	if err == nil {
		err = client.Ping(probeCtx)
	}

	if err != nil {
		r.logger.Warn().Err(err).Str("host_id", h.ID).Str("name", h.Name).Msg("host probe failed")
		r.connector.Invalidate(h.ID)
		if serr := r.store.SetHostHealth(ctx, h.ID, false, nil); serr != nil {
			r.logger.Error().Err(serr).Str("host_id", h.ID).Msg("failed to record host health")
		}
		return false
	}

	now := r.now()
	if serr := r.store.SetHostHealth(ctx, h.ID, true, &now); serr != nil {
		r.logger.Error().Err(serr).Str("host_id", h.ID).Msg("failed to record host health")
	}
	return true
}
