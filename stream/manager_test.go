package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
)

func testManager(t *testing.T) (*Manager, *eventbus.Bus, *config.HardCodedService) {
	t.Helper()

	cfgSvc := config.NewHardCoded()
	cfgSvc.StreamGracePeriod = 1
	cfgSvc.StreamHeartbeatPeriod = 3600
	cfgSvc.ModeMaxShutdownTime = 2

	bus := eventbus.New(1)
	t.Cleanup(func() { bus.Shutdown(time.Second) })

	m := NewManager(context.Background(), cfgSvc, data.NewMemory(), bus, NewSyntheticSource(10*time.Millisecond))
	t.Cleanup(m.StopAll)

	return m, bus, cfgSvc
}

func TestAddStreamStaysInactive(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))

	info, err := m.Info("cam-1")
	require.NoError(t, err)
	assert.Equal(t, model.StreamInactive, info.Status)
	assert.Equal(t, 0, info.ConsumerCount)
}

func TestAddStreamValidation(t *testing.T) {
	m, _, _ := testManager(t)

	var verr model.ValidationError
	assert.ErrorAs(t, m.AddStream(model.Stream{}), &verr)
	assert.ErrorAs(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "rtsp"}), &verr)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))
	assert.ErrorAs(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}), &verr)
}

func TestFirstAcquireStartsCapture(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))
	require.NoError(t, m.Acquire("cam-1", "task-1"))

	assert.Eventually(t, func() bool {
		info, err := m.Info("cam-1")
		return err == nil && info.Status == model.StreamActive
	}, 2*time.Second, 10*time.Millisecond)

	info, _ := m.Info("cam-1")
	assert.Equal(t, 1, info.ConsumerCount)
}

func TestConsumerCountTracksAcquires(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))
	require.NoError(t, m.Acquire("cam-1", "task-1"))
	require.NoError(t, m.Acquire("cam-1", "task-2"))

	info, _ := m.Info("cam-1")
	assert.Equal(t, 2, info.ConsumerCount)

	require.NoError(t, m.Release("cam-1", "task-1"))
	info, _ = m.Info("cam-1")
	assert.Equal(t, 1, info.ConsumerCount)

	// Releasing a consumer that never acquired is a no-op.
	require.NoError(t, m.Release("cam-1", "stranger"))
	info, _ = m.Info("cam-1")
	assert.Equal(t, 1, info.ConsumerCount)
}

func TestLastReleaseStopsAfterGrace(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))
	require.NoError(t, m.Acquire("cam-1", "task-1"))

	assert.Eventually(t, func() bool {
		info, _ := m.Info("cam-1")
		return info.Status == model.StreamActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Release("cam-1", "task-1"))

	// Still up inside the grace period.
	info, _ := m.Info("cam-1")
	assert.Equal(t, model.StreamActive, info.Status)

	assert.Eventually(t, func() bool {
		info, _ := m.Info("cam-1")
		return info.Status == model.StreamInactive
	}, 4*time.Second, 50*time.Millisecond)
}

func TestReacquireWithinGraceKeepsStreamUp(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))
	require.NoError(t, m.Acquire("cam-1", "task-1"))

	assert.Eventually(t, func() bool {
		info, _ := m.Info("cam-1")
		return info.Status == model.StreamActive
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Release("cam-1", "task-1"))
	require.NoError(t, m.Acquire("cam-1", "task-2"))

	// Well past the grace period the stream is still up.
	time.Sleep(1500 * time.Millisecond)
	info, _ := m.Info("cam-1")
	assert.Equal(t, model.StreamActive, info.Status)
}

func TestRemoveStreamRefusedWithConsumers(t *testing.T) {
	m, _, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))
	require.NoError(t, m.Acquire("cam-1", "task-1"))

	var verr model.ValidationError
	assert.ErrorAs(t, m.RemoveStream("cam-1"), &verr)

	require.NoError(t, m.Release("cam-1", "task-1"))
	require.NoError(t, m.RemoveStream("cam-1"))

	_, err := m.Info("cam-1")
	assert.Error(t, err)
}

func TestFramesFlowToConsumers(t *testing.T) {
	m, bus, _ := testManager(t)

	require.NoError(t, m.AddStream(model.Stream{ID: "cam-1", Transport: "synthetic"}))

	frames := make(chan model.FrameReady, 100)
	bus.Subscribe(eventbus.TopicFrameReady, func(evt eventbus.Event) {
		if fr, ok := evt.Data.(model.FrameReady); ok {
			frames <- fr
		}
	})

	require.NoError(t, m.Acquire("cam-1", "task-1"))

	select {
	case fr := <-frames:
		assert.Equal(t, "cam-1", fr.StreamID)

		pool, err := m.Pool("cam-1")
		require.NoError(t, err)
		frame, err := pool.Acquire(fr.SlotID, "task-1")
		if err == nil {
			assert.Equal(t, "cam-1", frame.StreamID)
			pool.Release(fr.SlotID, "task-1")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame arrived")
	}
}

func TestRestoreRestartsActiveStreams(t *testing.T) {
	cfgSvc := config.NewHardCoded()
	cfgSvc.StreamHeartbeatPeriod = 3600
	dataSvc := data.NewMemory()

	require.NoError(t, dataSvc.UpsertStream(model.Stream{ID: "cam-1", Transport: "synthetic", Status: model.StreamActive}))
	require.NoError(t, dataSvc.UpsertStream(model.Stream{ID: "cam-2", Transport: "synthetic", Status: model.StreamInactive}))

	bus := eventbus.New(1)
	t.Cleanup(func() { bus.Shutdown(time.Second) })

	m := NewManager(context.Background(), cfgSvc, dataSvc, bus, NewSyntheticSource(10*time.Millisecond))
	t.Cleanup(m.StopAll)

	m.Restore()

	assert.Eventually(t, func() bool {
		info, err := m.Info("cam-1")
		return err == nil && info.Status == model.StreamActive
	}, 2*time.Second, 10*time.Millisecond)

	info, err := m.Info("cam-2")
	require.NoError(t, err)
	assert.Equal(t, model.StreamInactive, info.Status)
}
