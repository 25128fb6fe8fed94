package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/framebuf"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/lgr"
)

type managedStream struct {
	mu        sync.Mutex
	rec       model.Stream
	consumers map[string]bool
	pool      *framebuf.Pool
	cancel    context.CancelFunc
	done      chan struct{}
	grace     *time.Timer
	stats     model.StreamStats
	startedAt time.Time
}

// Manager owns stream connections. Streams are reference-counted by consumer
// id; the first acquire starts the capture loop, releasing the last consumer
// arms a grace timer before teardown so a quick re-acquire reuses the
// connection.
type Manager struct {
	cfgSvc  config.IService
	dataSvc data.IService
	bus     *eventbus.Bus
	source  Source

	mu      sync.RWMutex
	streams map[string]*managedStream

	rootCtx context.Context
}

func NewManager(rootCtx context.Context, cfgSvc config.IService, dataSvc data.IService, bus *eventbus.Bus, source Source) *Manager {
	return &Manager{
		cfgSvc:  cfgSvc,
		dataSvc: dataSvc,
		bus:     bus,
		source:  source,
		streams: map[string]*managedStream{},
		rootCtx: rootCtx,
	}
}

// AddStream registers a stream. It stays Inactive until acquired.
func (m *Manager) AddStream(rec model.Stream) error {
	if rec.ID == "" {
		return model.ValidationError{Field: "id", Message: "stream id is required"}
	}
	if rec.URL == "" && rec.Transport != "synthetic" {
		return model.ValidationError{Field: "url", Message: "stream url is required"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[rec.ID]; ok {
		return model.ValidationError{Field: "id", Message: "stream already registered"}
	}

	rec.Status = model.StreamInactive
	rec.ConsumerCount = 0

	m.streams[rec.ID] = &managedStream{
		rec:       rec,
		consumers: map[string]bool{},
		pool: framebuf.NewPool(
			m.cfgSvc.GetFrameBufferCapacity(),
			time.Duration(m.cfgSvc.GetFrameBufferWaitMs())*time.Millisecond,
		),
	}

	if err := m.dataSvc.UpsertStream(rec); err != nil {
		return err
	}

	m.bus.Publish(eventbus.TopicStreamAdded, "stream_manager", rec.ID, eventbus.PriorityStatus)
	return nil
}

// RemoveStream deregisters a stream. Refused while tasks still consume it.
func (m *Manager) RemoveStream(streamID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ms, ok := m.streams[streamID]
	if !ok {
		return model.ValidationError{Field: "streamId", Message: "stream not found"}
	}

	ms.mu.Lock()
	if len(ms.consumers) > 0 {
		ms.mu.Unlock()
		return model.ValidationError{Field: "streamId", Message: "stream has active consumers"}
	}
	if ms.grace != nil {
		ms.grace.Stop()
		ms.grace = nil
	}
	m.stopLocked(ms)
	ms.pool.Close()
	ms.mu.Unlock()

	delete(m.streams, streamID)
	m.bus.Publish(eventbus.TopicStreamRemoved, "stream_manager", streamID, eventbus.PriorityStatus)
	return nil
}

// Acquire increments the stream's consumer count and starts the capture loop
// if the stream was Inactive. A pending grace-period teardown is disarmed.
func (m *Manager) Acquire(streamID, consumerID string) error {
	ms, err := m.lookup(streamID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	ms.consumers[consumerID] = true
	ms.pool.RegisterConsumer(consumerID)
	ms.rec.ConsumerCount = len(ms.consumers)

	if ms.grace != nil {
		ms.grace.Stop()
		ms.grace = nil
	}

	if ms.rec.Status == model.StreamInactive || ms.rec.Status == model.StreamError {
		m.startLocked(ms)
	}

	m.persistLocked(ms)
	return nil
}

// Release decrements the consumer count. When it reaches zero the stream
// stays up for the grace period and only then goes Inactive.
func (m *Manager) Release(streamID, consumerID string) error {
	ms, err := m.lookup(streamID)
	if err != nil {
		return err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.consumers[consumerID] {
		return nil
	}

	delete(ms.consumers, consumerID)
	ms.pool.UnregisterConsumer(consumerID)
	ms.rec.ConsumerCount = len(ms.consumers)
	m.persistLocked(ms)

	if len(ms.consumers) > 0 {
		return nil
	}

	grace := time.Duration(m.cfgSvc.GetStreamGracePeriod()) * time.Second
	ms.grace = time.AfterFunc(grace, func() {
		ms.mu.Lock()
		defer ms.mu.Unlock()

		// A consumer may have re-acquired while the timer fired.
		if len(ms.consumers) > 0 {
			return
		}

		m.stopLocked(ms)
		m.persistLocked(ms)

		lgr.Logger.Info(
			"stream released to zero consumers, now inactive",
			slog.String("streamID", ms.rec.ID),
		)
	})

	return nil
}

// Restore is the startup reconciliation pass: streams persisted as Active get
// their capture loops restarted so recording and re-created tasks can
// reattach. It is best-effort, not a zero-downtime guarantee.
func (m *Manager) Restore() {
	persisted, err := m.dataSvc.RetrieveStreams()
	if err != nil {
		lgr.Logger.Error("error retrieving persisted streams", lgr.Err(err))
		return
	}

	for _, rec := range persisted {
		wasActive := rec.Status == model.StreamActive || rec.Status == model.StreamConnecting

		if err := m.AddStream(rec); err != nil {
			lgr.Logger.Warn(
				"skipping persisted stream on restore",
				slog.String("streamID", rec.ID),
				lgr.Err(err),
			)
			continue
		}

		if wasActive {
			ms, _ := m.lookup(rec.ID)
			ms.mu.Lock()
			m.startLocked(ms)
			m.persistLocked(ms)
			ms.mu.Unlock()
		}
	}
}

// Pool exposes the stream's frame buffer to registered consumers.
func (m *Manager) Pool(streamID string) (*framebuf.Pool, error) {
	ms, err := m.lookup(streamID)
	if err != nil {
		return nil, err
	}
	return ms.pool, nil
}

func (m *Manager) Info(streamID string) (model.Stream, error) {
	ms, err := m.lookup(streamID)
	if err != nil {
		return model.Stream{}, err
	}

	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.rec, nil
}

func (m *Manager) List() []model.Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]model.Stream, 0, len(m.streams))
	for _, ms := range m.streams {
		ms.mu.Lock()
		streams = append(streams, ms.rec)
		ms.mu.Unlock()
	}
	return streams
}

// StopAll tears down every capture loop. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ms := range m.streams {
		ms.mu.Lock()
		if ms.grace != nil {
			ms.grace.Stop()
			ms.grace = nil
		}
		m.stopLocked(ms)
		ms.pool.Close()
		ms.mu.Unlock()
	}
}

func (m *Manager) lookup(streamID string) (*managedStream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.streams[streamID]
	if !ok {
		return nil, model.ValidationError{Field: "streamId", Message: "stream not found"}
	}
	return ms, nil
}

// startLocked launches the capture loop. Caller holds ms.mu.
func (m *Manager) startLocked(ms *managedStream) {
	if ms.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(m.rootCtx)
	ms.cancel = cancel
	ms.done = make(chan struct{})
	ms.startedAt = time.Now()
	ms.stats = model.StreamStats{StreamID: ms.rec.ID}

	m.transitionLocked(ms, model.StreamConnecting, "")
	go m.capture(ctx, ms)
}

// stopLocked cancels the capture loop and waits for it, bounded. Caller
// holds ms.mu.
func (m *Manager) stopLocked(ms *managedStream) {
	if ms.cancel == nil {
		if ms.rec.Status != model.StreamInactive {
			m.transitionLocked(ms, model.StreamInactive, ms.rec.LastError)
		}
		return
	}

	ms.cancel()
	ms.cancel = nil
	done := ms.done
	ms.done = nil

	// Capture loop may be blocked in a decoder read; don't wait forever.
	ms.mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Duration(m.cfgSvc.GetModeMaxShutdownTime()) * time.Second):
		lgr.Logger.Warn(
			"capture loop did not exit within grace, releasing anyway",
			slog.String("streamID", ms.rec.ID),
		)
	}
	ms.mu.Lock()

	m.transitionLocked(ms, model.StreamInactive, ms.rec.LastError)
}

// transitionLocked updates status and publishes stream.status. Caller holds
// ms.mu.
func (m *Manager) transitionLocked(ms *managedStream, status model.StreamStatus, lastError string) {
	ms.rec.Status = status
	ms.rec.LastError = lastError

	m.bus.Publish(eventbus.TopicStreamStatus, "stream_manager", model.StreamStatusEvent{
		StreamID: ms.rec.ID,
		Status:   status,
		Error:    lastError,
	}, eventbus.PriorityStatus)
}

// persistLocked pushes the current record through the storage boundary.
// Caller holds ms.mu.
func (m *Manager) persistLocked(ms *managedStream) {
	if err := m.dataSvc.UpsertStream(ms.rec); err != nil {
		lgr.Logger.Error(
			"error persisting stream record",
			slog.String("streamID", ms.rec.ID),
			lgr.Err(err),
		)
	}
}
