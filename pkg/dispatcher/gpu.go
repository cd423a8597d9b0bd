package dispatcher

import (
	"context"
	"fmt"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/runtime"
	"github.com/drydock-sh/drydock/pkg/types"
)

// pickGPU selects the idlest device that satisfies the image's VRAM floor.
// The score weighs VRAM pressure at 0.6 and utilization at 0.4; lower wins,
// ties break on lowest device index. When no device qualifies the image may
// fall back to CPU if it permits that.
func pickGPU(gpus []*types.GPUState, img *types.WorkerImage) (int, string, error) {
	var best *types.GPUState
	var bestScore float64

	for _, g := range gpus {
		if !g.Available || g.FreeVRAMMB < img.MinVRAMMB {
			continue
		}
		score := gpuScore(g)
		if best == nil || score < bestScore || (score == bestScore && g.DeviceIndex < best.DeviceIndex) {
			best = g
			bestScore = score
		}
	}

	if best == nil {
		if img.AllowCPUFallback {
			return runtime.NoGPU, fmt.Sprintf("cpu fallback: no device with %d MB free", img.MinVRAMMB), nil
		}
		return runtime.NoGPU, "", errdefs.New(errdefs.KindInsufficientVRAM, "no gpu with %d MB free vram", img.MinVRAMMB)
	}

	reason := fmt.Sprintf("device %d score %.3f (vram %d/%d MB used, util %.0f%%)",
		best.DeviceIndex, bestScore, best.UsedVRAMMB, best.TotalVRAMMB, best.UtilizationPct)
	return best.DeviceIndex, reason, nil
}

// adjustGPUWorkers moves a device's active worker count by delta so the next
// placement sees the occupancy this job created or released.
func (d *Dispatcher) adjustGPUWorkers(ctx context.Context, hostID string, device, delta int) {
	if device == runtime.NoGPU {
		return
	}
	gpus, err := d.store.ListGPUStates(ctx, hostID)
	if err != nil {
		d.logger.Warn().Err(err).Str("host_id", hostID).Msg("failed to refresh gpu state")
		return
	}
	for _, g := range gpus {
		if g.DeviceIndex != device {
			continue
		}
		g.ActiveWorkers += delta
		if g.ActiveWorkers < 0 {
			g.ActiveWorkers = 0
		}
		g.UpdatedAt = d.now().UTC()
		if err := d.store.UpsertGPUState(ctx, g); err != nil {
			d.logger.Warn().Err(err).Str("host_id", hostID).Int("device", device).Msg("failed to refresh gpu state")
		}
		return
	}
}

func gpuScore(g *types.GPUState) float64 {
	vram := 0.0
	if g.TotalVRAMMB > 0 {
		vram = float64(g.UsedVRAMMB) / float64(g.TotalVRAMMB)
	}
	return 0.6*vram + 0.4*g.UtilizationPct/100
}
