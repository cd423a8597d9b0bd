package dispatcher

import (
	"context"
	"fmt"

	"github.com/drydock-sh/drydock/pkg/types"
)

// CleanupContainers removes worker containers this orchestrator instance left
// behind on its hosts, typically after a process restart. Only containers
// carrying this instance's label and not currently running are touched.
// Returns how many were removed.
func (d *Dispatcher) CleanupContainers(ctx context.Context) (int, error) {
	hosts, err := d.store.ListWorkerHosts(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list worker hosts: %w", err)
	}

	removed := 0
	for _, h := range hosts {
		if !h.Enabled || !h.Healthy {
			continue
		}
		logger := d.logger.With().Str("host_id", h.ID).Logger()

		rt, err := d.provider(h)
		if err != nil {
			logger.Warn().Err(err).Msg("host unreachable during container cleanup")
			continue
		}

		ctrs, err := rt.ListContainers(ctx, map[string]string{"sh.drydock.instance": d.cfg.Instance})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to list containers during cleanup")
			continue
		}

		for _, ctr := range ctrs {
			if ctr.State == "running" {
				continue
			}
			if err := rt.RemoveContainer(ctx, ctr.ID); err != nil {
				logger.Warn().Err(err).Str("container_id", ctr.ID).Msg("failed to remove stale container")
				continue
			}
			d.audit(ctx, ctr.Labels["sh.drydock.run_id"], ctr.Labels["sh.drydock.job_id"],
				types.AuditRemove, ctr.ID, ctr.Image, types.NoGPU, "", nil, true, "stale container cleanup")
			logger.Info().Str("container_id", ctr.ID).Str("state", ctr.State).Msg("removed stale worker container")
			removed++
		}
	}
	return removed, nil
}
