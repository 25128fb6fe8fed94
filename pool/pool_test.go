package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/va-go/algorithm"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
)

// countingHandle is a synthetic handle that counts loads and can be told to
// panic on the next inference.
type countingHandle struct {
	crash *atomic.Bool
}

func (h *countingHandle) Warmup() error { return nil }

func (h *countingHandle) Infer(model.Frame) ([]model.Detection, error) {
	if h.crash != nil && h.crash.Swap(false) {
		panic("model segfault")
	}
	return []model.Detection{{Label: "person", Confidence: 0.95}}, nil
}

func (h *countingHandle) Release() {}

func registerCounting(t *testing.T, packageID string, loads *atomic.Int64, crash *atomic.Bool) {
	t.Helper()
	algorithm.Register(packageID, func(algorithm.Manifest) (algorithm.Handle, error) {
		if loads != nil {
			loads.Add(1)
		}
		return &countingHandle{crash: crash}, nil
	})
}

func testPool(t *testing.T) *Pool {
	t.Helper()

	cfgSvc := config.NewHardCoded()
	cfgSvc.PoolAcquireTimeout = 1

	p := New(cfgSvc, data.NewMemory())
	t.Cleanup(p.Shutdown)
	return p
}

func manifest(packageID string, max int) algorithm.Manifest {
	return algorithm.Manifest{
		PackageID:    packageID,
		Version:      "1.0.0",
		Device:       "cpu",
		MaxInstances: max,
		Labels:       []string{"person"},
	}
}

func TestRegisterAlgorithmValidates(t *testing.T) {
	p := testPool(t)

	err := p.RegisterAlgorithm(model.Algorithm{ID: "algo-1"}, algorithm.Manifest{})
	var verr model.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAcquireCreatesUpToMax(t *testing.T) {
	registerCounting(t, "pt-max", nil, nil)
	p := testPool(t)

	require.NoError(t, p.RegisterAlgorithm(
		model.Algorithm{ID: "algo-1", MaxInstances: 2}, manifest("pt-max", 2)))

	ctx := context.Background()
	a, err := p.Acquire(ctx, "algo-1", time.Second)
	require.NoError(t, err)
	b, err := p.Acquire(ctx, "algo-1", time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	stats, err := p.Stats("algo-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Instances)
	assert.Equal(t, 2, stats.Busy)

	// Third acquire finds the pool exhausted.
	_, err = p.Acquire(ctx, "algo-1", 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	registerCounting(t, "pt-block", nil, nil)
	p := testPool(t)

	require.NoError(t, p.RegisterAlgorithm(
		model.Algorithm{ID: "algo-1", MaxInstances: 1}, manifest("pt-block", 1)))

	ctx := context.Background()
	inst, err := p.Acquire(ctx, "algo-1", time.Second)
	require.NoError(t, err)

	acquired := make(chan *Instance, 1)
	go func() {
		second, err := p.Acquire(ctx, "algo-1", 2*time.Second)
		if err == nil {
			acquired <- second
		}
	}()

	time.Sleep(100 * time.Millisecond)
	p.Release(inst)

	select {
	case second := <-acquired:
		// Same instance, reused rather than recreated.
		assert.Equal(t, inst.ID, second.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never got the released instance")
	}
}

func TestReleaseReusesWarmInstance(t *testing.T) {
	var loads atomic.Int64
	registerCounting(t, "pt-reuse", &loads, nil)
	p := testPool(t)

	require.NoError(t, p.RegisterAlgorithm(
		model.Algorithm{ID: "algo-1", MaxInstances: 1}, manifest("pt-reuse", 1)))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		inst, err := p.Acquire(ctx, "algo-1", time.Second)
		require.NoError(t, err)
		p.Release(inst)
	}

	assert.Equal(t, int64(1), loads.Load())
}

func TestInferReturnsDetections(t *testing.T) {
	registerCounting(t, "pt-infer", nil, nil)
	p := testPool(t)

	require.NoError(t, p.RegisterAlgorithm(
		model.Algorithm{ID: "algo-1", MaxInstances: 1}, manifest("pt-infer", 1)))

	inst, err := p.Acquire(context.Background(), "algo-1", time.Second)
	require.NoError(t, err)
	defer p.Release(inst)

	detections, err := p.Infer(inst, model.Frame{StreamID: "cam-1"})
	require.NoError(t, err)
	require.Len(t, detections, 1)
	assert.Equal(t, "person", detections[0].Label)
}

func TestWorkerCrashIsContained(t *testing.T) {
	var crash atomic.Bool
	registerCounting(t, "pt-crash", nil, &crash)
	p := testPool(t)

	require.NoError(t, p.RegisterAlgorithm(
		model.Algorithm{ID: "algo-1", MaxInstances: 1}, manifest("pt-crash", 1)))

	inst, err := p.Acquire(context.Background(), "algo-1", time.Second)
	require.NoError(t, err)

	crash.Store(true)
	_, err = p.Infer(inst, model.Frame{StreamID: "cam-1"})
	assert.ErrorIs(t, err, ErrWorkerCrash)
	assert.Equal(t, model.InstanceError, inst.State())

	// Releasing a dead instance does not put it back in rotation.
	p.Release(inst)
	_, err = p.Infer(inst, model.Frame{StreamID: "cam-1"})
	assert.ErrorIs(t, err, ErrInstanceDead)
}

func TestSupervisorRespawnsCrashedInstance(t *testing.T) {
	var crash atomic.Bool
	var loads atomic.Int64
	registerCounting(t, "pt-respawn", &loads, &crash)
	p := testPool(t)

	require.NoError(t, p.RegisterAlgorithm(
		model.Algorithm{ID: "algo-1", MaxInstances: 1}, manifest("pt-respawn", 1)))

	inst, err := p.Acquire(context.Background(), "algo-1", time.Second)
	require.NoError(t, err)

	crash.Store(true)
	_, err = p.Infer(inst, model.Frame{StreamID: "cam-1"})
	require.ErrorIs(t, err, ErrWorkerCrash)

	// The supervisor reaps the dead instance and warms a replacement.
	assert.Eventually(t, func() bool {
		return loads.Load() == 2
	}, 10*time.Second, 100*time.Millisecond)

	fresh, err := p.Acquire(context.Background(), "algo-1", 5*time.Second)
	require.NoError(t, err)
	assert.NotEqual(t, inst.ID, fresh.ID)

	detections, err := p.Infer(fresh, model.Frame{StreamID: "cam-1"})
	require.NoError(t, err)
	assert.Len(t, detections, 1)

	stats, err := p.Stats("algo-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Respawns)
}
