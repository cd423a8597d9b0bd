package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

// CleanupOrphans fails runs that have sat in running longer than olderThan.
// A run can only get stuck there when the process dispatching it died, since
// a live dispatch is bounded by the per-job timeout. Returns the number of
// runs cleaned.
func (s *Scheduler) CleanupOrphans(ctx context.Context, olderThan time.Duration) (int, error) {
	runs, err := s.store.ListRuns(ctx, store.RunFilter{
		Status: []types.RunStatus{types.RunStatusRunning},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list running runs: %w", err)
	}

	now := s.now().UTC()
	cleaned := 0
	for _, run := range runs {
		if run.StartedAt == nil || now.Sub(*run.StartedAt) < olderThan {
			continue
		}

		jobs, err := s.store.ListJobsByRun(ctx, run.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to list jobs for orphaned run")
			continue
		}
		for _, job := range jobs {
			if job.Status.Terminal() {
				continue
			}
			if err := s.store.FinishJob(ctx, job.ID, types.JobStatusFailed, now, nil, "orphaned by process restart"); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("failed to fail orphaned job")
			}
		}
		if err := s.store.FinishRun(ctx, run.ID, types.RunStatusFailed, now); err != nil {
			s.logger.Error().Err(err).Str("run_id", run.ID).Msg("failed to fail orphaned run")
			continue
		}
		s.logger.Warn().Str("run_id", run.ID).Msg("orphaned run marked failed")
		cleaned++
	}
	return cleaned, nil
}
