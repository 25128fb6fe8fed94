package analyzer

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/khaledhikmat/va-go/alarm"
	"github.com/khaledhikmat/va-go/algorithm"
	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/pool"
	"github.com/khaledhikmat/va-go/recorder"
	"github.com/khaledhikmat/va-go/service/lgr"
	"github.com/khaledhikmat/va-go/stream"
	"github.com/khaledhikmat/va-go/task"
)

// Service is the analyzer context object. It owns the event bus, the stream
// manager, the instance pool, the recorder, the alarm engine and the task
// manager, and exposes the inbound API the outer layers (REST, gRPC, CLI)
// call. There are no package-level singletons; run several Services in one
// process if you need isolation.
type Service struct {
	svcs   ServicesFactory
	tracer trace.Tracer

	bus      *eventbus.Bus
	streams  *stream.Manager
	pool     *pool.Pool
	recorder *recorder.Recorder
	alarms   *alarm.Engine
	tasks    *task.Manager

	subs []string
}

// Option tweaks Service construction.
type Option func(*options)

type options struct {
	source   stream.Source
	severity alarm.SeverityFunc
	tracer   trace.Tracer
}

// WithSource overrides the frame source. Defaults to RTSP via the decoder.
func WithSource(source stream.Source) Option {
	return func(o *options) { o.source = source }
}

// WithSeverity overrides the alarm severity mapping.
func WithSeverity(fn alarm.SeverityFunc) Option {
	return func(o *options) { o.severity = fn }
}

// WithTracer attaches a tracer. Defaults to a noop tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) { o.tracer = tracer }
}

func New(rootCtx context.Context, svcs ServicesFactory, opts ...Option) *Service {
	o := &options{
		source: stream.NewRTSPSource(),
		tracer: noop.NewTracerProvider().Tracer("analyzer"),
	}
	for _, opt := range opts {
		opt(o)
	}

	s := &Service{
		svcs:   svcs,
		tracer: o.tracer,
	}

	s.bus = eventbus.New(svcs.CfgSvc.GetEventBusDispatchers())
	s.streams = stream.NewManager(rootCtx, svcs.CfgSvc, svcs.DataSvc, s.bus, o.source)
	s.pool = pool.New(svcs.CfgSvc, svcs.DataSvc)
	s.recorder = recorder.New(svcs.CfgSvc, svcs.VmsSvc, s.bus, s.streams)
	s.alarms = alarm.NewEngine(rootCtx, svcs.DataSvc, svcs.StorageSvc, s.recorder, s.bus, o.severity)
	s.tasks = task.NewManager(rootCtx, svcs.CfgSvc, svcs.DataSvc, s.bus, s.streams, s.pool, s.alarms)

	// Recorder follows the stream lifecycle: ingest while connected, drop the
	// buffer when the stream winds down.
	s.subs = append(s.subs, s.bus.Subscribe(eventbus.TopicStreamStarted, func(evt eventbus.Event) {
		streamID, ok := evt.Data.(string)
		if !ok {
			return
		}
		if err := s.recorder.StartStream(streamID); err != nil {
			lgr.Logger.Error("error starting recorder", slog.String("streamID", streamID), lgr.Err(err))
		}
	}))

	s.subs = append(s.subs, s.bus.Subscribe(eventbus.TopicStreamStatus, func(evt eventbus.Event) {
		status, ok := evt.Data.(model.StreamStatusEvent)
		if !ok || status.Status != model.StreamInactive {
			return
		}
		s.recorder.StopStream(status.StreamID)
	}))

	// Alarm delivery to the outside world.
	s.subs = append(s.subs, s.bus.Subscribe(eventbus.TopicAlarmCreated, func(evt eventbus.Event) {
		ae, ok := evt.Data.(model.AlarmEvent)
		if !ok {
			return
		}

		err := svcs.WebhookSvc.Post(map[string]interface{}{
			"alarmId":      ae.AlarmID,
			"taskId":       ae.TaskID,
			"streamId":     ae.StreamID,
			"severity":     ae.Severity,
			"boxes":        ae.Boxes,
			"mediaPending": ae.MediaPending,
			"timestamp":    ae.Timestamp,
		})
		if err != nil {
			lgr.Logger.Error("error delivering alarm webhook", slog.String("alarmID", ae.AlarmID), lgr.Err(err))
		}
	}))

	return s
}

// Start runs the startup reconciliation pass: persisted streams are restored
// and previously running tasks re-created against the restored streams.
func (s *Service) Start(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "analyzer.start")
	defer span.End()

	s.streams.Restore()

	persisted, err := s.svcs.DataSvc.RetrieveTasks()
	if err != nil {
		return model.GenError("analyzer", err, map[string]interface{}{}, "error retrieving persisted tasks")
	}

	for _, rec := range persisted {
		if rec.Status != model.TaskRunning && rec.Status != model.TaskCreated {
			continue
		}

		rec.Status = ""
		rec.InstanceID = ""
		if _, err := s.tasks.Create(rec); err != nil {
			lgr.Logger.Warn(
				"skipping persisted task on restore",
				slog.String("taskID", rec.ID),
				lgr.Err(err),
			)
		}
	}

	return nil
}

// Stop winds the whole analyzer down in dependency order: tasks first (they
// hold instances and stream references), then the recorder, streams, pool and
// finally the bus with a bounded drain.
func (s *Service) Stop() {
	s.tasks.StopAll()
	s.recorder.StopAll()
	s.streams.StopAll()
	s.pool.Shutdown()

	for _, id := range s.subs {
		s.bus.Unsubscribe(id)
	}

	discarded := s.bus.Shutdown(time.Duration(s.svcs.CfgSvc.GetEventBusShutdownTimeout()) * time.Second)
	if discarded > 0 {
		lgr.Logger.Warn("analyzer shutdown discarded events", slog.Int("discarded", discarded))
	}
}

// Bus exposes the event bus so outer layers can subscribe to status and alarm
// topics.
func (s *Service) Bus() *eventbus.Bus {
	return s.bus
}

func (s *Service) AddStream(rec model.Stream) error {
	return s.streams.AddStream(rec)
}

func (s *Service) RemoveStream(streamID string) error {
	return s.streams.RemoveStream(streamID)
}

func (s *Service) StreamInfo(streamID string) (model.Stream, error) {
	return s.streams.Info(streamID)
}

func (s *Service) ListStreams() []model.Stream {
	return s.streams.List()
}

func (s *Service) RegisterAlgorithm(rec model.Algorithm, manifest algorithm.Manifest) error {
	return s.pool.RegisterAlgorithm(rec, manifest)
}

func (s *Service) AlgorithmInfo(algorithmID string) (model.Algorithm, error) {
	return s.pool.Algorithm(algorithmID)
}

func (s *Service) PoolStats(algorithmID string) (model.PoolStats, error) {
	return s.pool.Stats(algorithmID)
}

func (s *Service) CreateTask(ctx context.Context, rec model.Task) (model.Task, error) {
	_, span := s.tracer.Start(ctx, "analyzer.create_task")
	defer span.End()

	return s.tasks.Create(rec)
}

func (s *Service) StopTask(taskID string) error {
	return s.tasks.Stop(taskID)
}

func (s *Service) RestartTask(taskID string) error {
	return s.tasks.Restart(taskID)
}

func (s *Service) TaskStatus(taskID string) (model.Task, error) {
	return s.tasks.Status(taskID)
}

func (s *Service) ListTasks() []model.Task {
	return s.tasks.List()
}

func (s *Service) ListAlarms(taskID string) ([]model.Alarm, error) {
	return s.svcs.DataSvc.RetrieveAlarmsByTask(taskID)
}
