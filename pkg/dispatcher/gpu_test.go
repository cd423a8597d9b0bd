package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drydock-sh/drydock/pkg/errdefs"
	"github.com/drydock-sh/drydock/pkg/runtime"
	"github.com/drydock-sh/drydock/pkg/store"
	"github.com/drydock-sh/drydock/pkg/types"
)

func gpu(index int, totalMB, usedMB int64, util float64, available bool) *types.GPUState {
	return &types.GPUState{
		DeviceIndex:    index,
		TotalVRAMMB:    totalMB,
		UsedVRAMMB:     usedMB,
		FreeVRAMMB:     totalMB - usedMB,
		UtilizationPct: util,
		Available:      available,
	}
}

func TestPickGPU_PrefersIdleDevice(t *testing.T) {
	// Busy device scores 0.6*7/8 + 0.4*0.9 = 0.885, idle 0.6*1/8 + 0.4*0.1 = 0.115.
	gpus := []*types.GPUState{
		gpu(0, 8192, 7168, 90, true),
		gpu(1, 8192, 1024, 10, true),
	}
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 1024}

	device, reason, err := pickGPU(gpus, img)
	require.NoError(t, err)
	assert.Equal(t, 1, device)
	assert.Contains(t, reason, "device 1")
}

func TestPickGPU_TieBreaksOnLowestIndex(t *testing.T) {
	gpus := []*types.GPUState{
		gpu(1, 8192, 2048, 20, true),
		gpu(0, 8192, 2048, 20, true),
	}
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 512}

	device, _, err := pickGPU(gpus, img)
	require.NoError(t, err)
	assert.Equal(t, 0, device)
}

func TestPickGPU_EnforcesVRAMFloor(t *testing.T) {
	gpus := []*types.GPUState{
		gpu(0, 8192, 7680, 10, true),
		gpu(1, 8192, 7168, 95, true),
	}
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 1024}

	// Device 0 is idler but has only 512 MB free; the floor forces device 1.
	device, _, err := pickGPU(gpus, img)
	require.NoError(t, err)
	assert.Equal(t, 1, device)
}

func TestPickGPU_SkipsUnavailableDevices(t *testing.T) {
	gpus := []*types.GPUState{
		gpu(0, 8192, 0, 0, false),
		gpu(1, 8192, 4096, 50, true),
	}
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 1024}

	device, _, err := pickGPU(gpus, img)
	require.NoError(t, err)
	assert.Equal(t, 1, device)
}

func TestPickGPU_InsufficientVRAM(t *testing.T) {
	gpus := []*types.GPUState{gpu(0, 8192, 7680, 10, true)}
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 1024}

	_, _, err := pickGPU(gpus, img)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInsufficientVRAM, errdefs.KindOf(err))
}

func TestPickGPU_CPUFallback(t *testing.T) {
	gpus := []*types.GPUState{gpu(0, 8192, 7680, 10, true)}
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 1024, AllowCPUFallback: true}

	device, reason, err := pickGPU(gpus, img)
	require.NoError(t, err)
	assert.Equal(t, runtime.NoGPU, device)
	assert.Contains(t, reason, "cpu fallback")
}

func TestPickGPU_NoDevicesAtAll(t *testing.T) {
	img := &types.WorkerImage{RequiresGPU: true, MinVRAMMB: 1024}

	_, _, err := pickGPU(nil, img)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindInsufficientVRAM, errdefs.KindOf(err))
}

func TestAdjustGPUWorkers(t *testing.T) {
	st := store.NewMem()
	d := newTestDispatcher(t, st, &fakeRuntime{})
	h := seedHost(t, st, true)

	g := gpu(0, 8192, 1024, 10, true)
	g.ID = "gpu-0"
	g.HostID = h.ID
	require.NoError(t, st.UpsertGPUState(context.Background(), g))

	d.adjustGPUWorkers(context.Background(), h.ID, 0, 1)
	states, err := st.ListGPUStates(context.Background(), h.ID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, 1, states[0].ActiveWorkers)

	// Release never drives the count negative, even on a double release.
	d.adjustGPUWorkers(context.Background(), h.ID, 0, -1)
	d.adjustGPUWorkers(context.Background(), h.ID, 0, -1)
	states, err = st.ListGPUStates(context.Background(), h.ID)
	require.NoError(t, err)
	assert.Zero(t, states[0].ActiveWorkers)

	// A device this host does not have is ignored.
	d.adjustGPUWorkers(context.Background(), h.ID, 3, 1)
	d.adjustGPUWorkers(context.Background(), h.ID, runtime.NoGPU, 1)
}
