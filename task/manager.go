package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khaledhikmat/va-go/alarm"
	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/framebuf"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/pool"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/lgr"
	"github.com/khaledhikmat/va-go/stream"
)

// runningTask bundles everything a live task owns: its model instance, its
// stream reference and its frame inbox. The task id doubles as the stream
// consumer id, so the stream's consumer count always equals its running
// task count (plus the recorder, which attaches below the manager).
type runningTask struct {
	mu    sync.Mutex
	rec   model.Task
	inst  *pool.Instance
	subID string

	inbox chan model.FrameReady
	quit  chan struct{}
	done  chan struct{}
}

// Manager runs analysis tasks. Each task pairs one stream with one acquired
// model instance and processes frames on its own goroutine; a failing task
// never takes a sibling down with it.
type Manager struct {
	rootCtx context.Context
	cfgSvc  config.IService
	dataSvc data.IService
	bus     *eventbus.Bus
	streams *stream.Manager
	pool    *pool.Pool
	alarms  *alarm.Engine

	mu    sync.RWMutex
	tasks map[string]*runningTask
}

func NewManager(rootCtx context.Context, cfgSvc config.IService, dataSvc data.IService, bus *eventbus.Bus, streams *stream.Manager, p *pool.Pool, alarms *alarm.Engine) *Manager {
	return &Manager{
		rootCtx: rootCtx,
		cfgSvc:  cfgSvc,
		dataSvc: dataSvc,
		bus:     bus,
		streams: streams,
		pool:    p,
		alarms:  alarms,
		tasks:   map[string]*runningTask{},
	}
}

// Create validates the task's references, acquires a model instance and a
// stream reference, and starts the processing loop. Bad references are
// rejected synchronously with a ValidationError; nothing is allocated on
// rejection.
func (m *Manager) Create(rec model.Task) (model.Task, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if _, err := m.streams.Info(rec.StreamID); err != nil {
		return model.Task{}, model.ValidationError{Field: "streamId", Message: "stream not found"}
	}
	if _, err := m.pool.Algorithm(rec.AlgorithmID); err != nil {
		return model.Task{}, model.ValidationError{Field: "algorithmId", Message: "algorithm not found"}
	}

	m.mu.Lock()
	if _, ok := m.tasks[rec.ID]; ok {
		m.mu.Unlock()
		return model.Task{}, model.ValidationError{Field: "id", Message: "task already exists"}
	}
	rt := &runningTask{}
	m.tasks[rec.ID] = rt
	m.mu.Unlock()

	rec.Status = model.TaskCreated
	rec.CreatedAt = time.Now().Unix()
	rt.rec = rec
	m.persist(rt)
	m.bus.Publish(eventbus.TopicTaskCreated, "task_manager", rec.ID, eventbus.PriorityStatus)

	if err := m.start(rt); err != nil {
		m.mu.Lock()
		delete(m.tasks, rec.ID)
		m.mu.Unlock()
		return model.Task{}, err
	}

	rt.mu.Lock()
	out := rt.rec
	rt.mu.Unlock()
	return out, nil
}

// Stop winds a task down: stop feeding frames, wait for the in-flight frame,
// then return the instance and the stream reference. Idempotent.
func (m *Manager) Stop(taskID string) error {
	rt, err := m.lookup(taskID)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.rec.Status == model.TaskStopped || rt.rec.Status == model.TaskStopping {
		rt.mu.Unlock()
		return nil
	}
	wasRunning := rt.rec.Status == model.TaskRunning || rt.rec.Status == model.TaskError
	rt.rec.Status = model.TaskStopping
	rt.mu.Unlock()

	if wasRunning {
		m.teardown(rt)
	}

	rt.mu.Lock()
	rt.rec.Status = model.TaskStopped
	rt.rec.InstanceID = ""
	rt.mu.Unlock()

	m.persist(rt)
	m.bus.Publish(eventbus.TopicTaskStopped, "task_manager", taskID, eventbus.PriorityStatus)
	return nil
}

// Restart stops the task if needed and starts it again with the same
// configuration. Counters carry over; the instance is re-acquired, so a
// restarted task may land on a different instance.
func (m *Manager) Restart(taskID string) error {
	rt, err := m.lookup(taskID)
	if err != nil {
		return err
	}

	if err := m.Stop(taskID); err != nil {
		return err
	}

	return m.start(rt)
}

func (m *Manager) Status(taskID string) (model.Task, error) {
	rt, err := m.lookup(taskID)
	if err != nil {
		return model.Task{}, err
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rec, nil
}

func (m *Manager) List() []model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]model.Task, 0, len(m.tasks))
	for _, rt := range m.tasks {
		rt.mu.Lock()
		tasks = append(tasks, rt.rec)
		rt.mu.Unlock()
	}
	return tasks
}

// StopAll stops every task. Used on shutdown.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Stop(id); err != nil {
			lgr.Logger.Error("error stopping task", slog.String("taskID", id), lgr.Err(err))
		}
	}
}

func (m *Manager) lookup(taskID string) (*runningTask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rt, ok := m.tasks[taskID]
	if !ok {
		return nil, model.ValidationError{Field: "taskId", Message: "task not found"}
	}
	return rt, nil
}

// start acquires the task's resources in order (instance first, stream
// second) and launches the processing loop. Acquisition failures unwind what
// was taken and leave the task record in Error.
func (m *Manager) start(rt *runningTask) error {
	rt.mu.Lock()
	rec := rt.rec
	rt.mu.Unlock()

	timeout := time.Duration(m.cfgSvc.GetPoolAcquireTimeout()) * time.Second
	inst, err := m.pool.Acquire(m.rootCtx, rec.AlgorithmID, timeout)
	if err != nil {
		m.fail(rt, err)
		return err
	}

	if err := m.streams.Acquire(rec.StreamID, rec.ID); err != nil {
		m.pool.Release(inst)
		m.fail(rt, err)
		return err
	}

	fb, err := m.streams.Pool(rec.StreamID)
	if err != nil {
		m.streams.Release(rec.StreamID, rec.ID)
		m.pool.Release(inst)
		m.fail(rt, err)
		return err
	}

	rt.mu.Lock()
	rt.inst = inst
	rt.rec.InstanceID = inst.ID
	rt.rec.Status = model.TaskRunning
	rt.rec.LastError = ""
	rt.inbox = make(chan model.FrameReady, m.cfgSvc.GetTaskInboxSize())
	rt.quit = make(chan struct{})
	rt.done = make(chan struct{})
	rt.mu.Unlock()

	rt.subID = m.bus.Subscribe(eventbus.TopicFrameReady, m.feeder(rt, rec.ID, rec.StreamID, fb))
	go m.process(rt, fb)

	m.persist(rt)
	m.bus.Publish(eventbus.TopicTaskStarted, "task_manager", rec.ID, eventbus.PriorityStatus)
	return nil
}

// feeder bridges the bus onto the task inbox. A full inbox means the task is
// falling behind; the newest frame is dropped and its buffer reference
// released immediately so the slot cannot leak.
func (m *Manager) feeder(rt *runningTask, taskID, streamID string, fb *framebuf.Pool) eventbus.Handler {
	return func(evt eventbus.Event) {
		fr, ok := evt.Data.(model.FrameReady)
		if !ok || fr.StreamID != streamID {
			return
		}

		select {
		case <-rt.quit:
			_ = fb.Release(fr.SlotID, taskID)
			return
		default:
		}

		select {
		case rt.inbox <- fr:
		default:
			_ = fb.Release(fr.SlotID, taskID)
			rt.mu.Lock()
			rt.rec.Counters.FramesDropped++
			rt.mu.Unlock()
		}
	}
}

// process is the task's frame loop. One frame at a time: acquire the shared
// payload, infer, evaluate alarms, release. A crashed worker gets exactly one
// retry on a fresh instance before the task goes to Error.
func (m *Manager) process(rt *runningTask, fb *framebuf.Pool) {
	defer close(rt.done)

	rt.mu.Lock()
	taskID := rt.rec.ID
	rt.mu.Unlock()

	for {
		select {
		case <-rt.quit:
			m.drainInbox(rt, fb, taskID)
			return
		case fr := <-rt.inbox:
			if fatal := m.processFrame(rt, fb, taskID, fr); fatal {
				return
			}
		}
	}
}

// processFrame runs one frame end to end. Returns true when the task hit a
// fatal error and must stop processing.
func (m *Manager) processFrame(rt *runningTask, fb *framebuf.Pool, taskID string, fr model.FrameReady) bool {
	frame, err := fb.Acquire(fr.SlotID, taskID)
	if err != nil {
		// Slot was evicted under backpressure before we got to it.
		rt.mu.Lock()
		rt.rec.Counters.FramesDropped++
		rt.mu.Unlock()
		return false
	}
	defer func() {
		_ = fb.Release(fr.SlotID, taskID)
	}()

	started := time.Now()
	detections, err := m.infer(rt, frame)
	latency := float64(time.Since(started).Microseconds()) / 1000.0

	if err != nil {
		m.fail(rt, err)
		m.bus.Publish(eventbus.TopicTaskError, "task_manager", taskID, eventbus.PriorityStatus)
		return true
	}

	rt.mu.Lock()
	rt.rec.Counters.FramesProcessed++
	rt.rec.Counters.Detections += int64(len(detections))
	rt.rec.Counters.LastLatencyMs = latency
	rec := rt.rec
	rt.mu.Unlock()

	result := model.InferenceResult{
		TaskID:     taskID,
		StreamID:   frame.StreamID,
		Seq:        frame.Seq,
		Detections: detections,
		Timestamp:  frame.Timestamp,
		LatencyMs:  latency,
	}
	m.bus.Publish(eventbus.TopicTaskResult, "task_manager", result, eventbus.PriorityFrame)

	if fired := m.alarms.Evaluate(rec, frame, result); fired != nil {
		rt.mu.Lock()
		rt.rec.Counters.Alarms++
		rt.mu.Unlock()
	}

	return false
}

// infer runs the frame through the task's instance. On a worker crash the
// dead instance is abandoned to the supervisor, a replacement is acquired and
// the frame retried once.
func (m *Manager) infer(rt *runningTask, frame model.Frame) ([]model.Detection, error) {
	rt.mu.Lock()
	inst := rt.inst
	algorithmID := rt.rec.AlgorithmID
	rt.mu.Unlock()

	detections, err := m.pool.Infer(inst, frame)
	if err == nil {
		return detections, nil
	}
	if !errors.Is(err, pool.ErrWorkerCrash) && !errors.Is(err, pool.ErrInstanceDead) {
		return nil, err
	}

	lgr.Logger.Warn(
		"instance died mid-task, acquiring replacement",
		slog.String("taskID", rt.rec.ID),
		slog.String("instanceID", inst.ID),
		lgr.Err(err),
	)

	timeout := time.Duration(m.cfgSvc.GetPoolAcquireTimeout()) * time.Second
	fresh, err := m.pool.Acquire(m.rootCtx, algorithmID, timeout)
	if err != nil {
		return nil, err
	}

	rt.mu.Lock()
	rt.inst = fresh
	rt.rec.InstanceID = fresh.ID
	rt.mu.Unlock()
	m.persist(rt)

	return m.pool.Infer(fresh, frame)
}

// drainInbox releases buffer references for frames that arrived after quit.
func (m *Manager) drainInbox(rt *runningTask, fb *framebuf.Pool, taskID string) {
	for {
		select {
		case fr := <-rt.inbox:
			_ = fb.Release(fr.SlotID, taskID)
		default:
			return
		}
	}
}

// teardown detaches the task from the frame path and returns its resources.
func (m *Manager) teardown(rt *runningTask) {
	rt.mu.Lock()
	rec := rt.rec
	inst := rt.inst
	subID := rt.subID
	quit := rt.quit
	done := rt.done
	rt.inst = nil
	rt.mu.Unlock()

	if subID != "" {
		m.bus.Unsubscribe(subID)
	}
	if quit != nil {
		close(quit)
	}

	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Duration(m.cfgSvc.GetTaskStopTimeout()) * time.Second):
			lgr.Logger.Warn(
				"task loop did not exit within grace",
				slog.String("taskID", rec.ID),
			)
		}
	}

	if inst != nil {
		m.pool.Release(inst)
	}
	if err := m.streams.Release(rec.StreamID, rec.ID); err != nil {
		lgr.Logger.Error(
			"error releasing stream reference",
			slog.String("taskID", rec.ID),
			lgr.Err(err),
		)
	}
}

// fail parks the task in Error. Its resources stay attached so a restart can
// reuse the stream reference; Stop from Error tears down normally.
func (m *Manager) fail(rt *runningTask, err error) {
	rt.mu.Lock()
	rt.rec.Status = model.TaskError
	rt.rec.LastError = err.Error()
	rt.mu.Unlock()
	m.persist(rt)

	lgr.Logger.Error("task failed", slog.String("taskID", rt.rec.ID), lgr.Err(err))
}

func (m *Manager) persist(rt *runningTask) {
	rt.mu.Lock()
	rec := rt.rec
	rt.mu.Unlock()

	if err := m.dataSvc.UpsertTask(rec); err != nil {
		lgr.Logger.Error("error persisting task record", slog.String("taskID", rec.ID), lgr.Err(err))
	}
}
