package alarm

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/recorder"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/lgr"
	"github.com/khaledhikmat/va-go/service/storage"
)

// SeverityFunc derives alarm severity from the strongest matching detection.
// Operators inject their own mapping; DefaultSeverity is the fallback.
type SeverityFunc func(label string, confidence float32) string

func DefaultSeverity(_ string, confidence float32) string {
	switch {
	case confidence >= 0.9:
		return "critical"
	case confidence >= 0.75:
		return "warning"
	default:
		return "info"
	}
}

type Stats struct {
	Alarms     uint64
	Suppressed uint64
}

// Engine evaluates detection results against a task's alarm configuration.
// Evaluation is stateless except for the per-task cooldown map; cooldown is
// keyed by task id (per-(task,label) would only change the map key).
type Engine struct {
	rootCtx    context.Context
	dataSvc    data.IService
	storageSvc storage.IService
	rec        *recorder.Recorder
	bus        *eventbus.Bus
	severity   SeverityFunc

	mu        sync.Mutex
	lastAlarm map[string]time.Time // taskID -> last alarm time

	alarms     atomic.Uint64
	suppressed atomic.Uint64
}

func NewEngine(rootCtx context.Context, dataSvc data.IService, storageSvc storage.IService, rec *recorder.Recorder, bus *eventbus.Bus, severity SeverityFunc) *Engine {
	if severity == nil {
		severity = DefaultSeverity
	}

	return &Engine{
		rootCtx:    rootCtx,
		dataSvc:    dataSvc,
		storageSvc: storageSvc,
		rec:        rec,
		bus:        bus,
		severity:   severity,
		lastAlarm:  map[string]time.Time{},
	}
}

// Evaluate applies the task's allow-list and threshold to the result and
// creates an alarm unless the task is cooling down. The frame payload is
// only cloned when a still image is wanted; the caller keeps ownership.
// Returns the created alarm, or nil when nothing fired.
func (e *Engine) Evaluate(task model.Task, frame model.Frame, result model.InferenceResult) *model.Alarm {
	if !task.Config.Enabled {
		return nil
	}

	matched := filter(result.Detections, task.Config)
	if len(matched) == 0 {
		return nil
	}

	eventTime := result.Timestamp
	if eventTime.IsZero() {
		eventTime = time.Now()
	}

	cooldown := time.Duration(task.Config.CooldownSeconds) * time.Second

	e.mu.Lock()
	last, fired := e.lastAlarm[task.ID]
	if fired && eventTime.Sub(last) < cooldown {
		e.mu.Unlock()
		e.suppressed.Add(1)
		return nil
	}
	e.lastAlarm[task.ID] = eventTime
	e.mu.Unlock()

	best := matched[0]
	for _, d := range matched[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}

	alarm := model.Alarm{
		ID:        uuid.NewString(),
		TaskID:    task.ID,
		StreamID:  task.StreamID,
		Severity:  e.severity(best.Label, best.Confidence),
		Boxes:     matched,
		CreatedAt: eventTime.Unix(),
	}

	if err := e.dataSvc.UpsertAlarm(alarm); err != nil {
		lgr.Logger.Error("error persisting alarm", slog.String("alarmID", alarm.ID), lgr.Err(err))
	}
	e.alarms.Add(1)

	mediaPending := task.Config.SaveImages || task.Config.SaveVideo
	if mediaPending {
		var still model.Frame
		if task.Config.SaveImages {
			still = model.Frame{
				StreamID:  frame.StreamID,
				Mat:       frame.Mat.Clone(),
				Timestamp: frame.Timestamp,
			}
		}
		go e.captureMedia(task, alarm, still, eventTime)
	}

	e.bus.Publish(eventbus.TopicAlarmCreated, "alarm_engine", model.AlarmEvent{
		AlarmID:      alarm.ID,
		TaskID:       task.ID,
		StreamID:     task.StreamID,
		Severity:     alarm.Severity,
		Boxes:        matched,
		MediaPending: mediaPending,
		Timestamp:    alarm.CreatedAt,
	}, eventbus.PriorityAlarm)

	return &alarm
}

func (e *Engine) Stats() Stats {
	return Stats{
		Alarms:     e.alarms.Load(),
		Suppressed: e.suppressed.Load(),
	}
}

// captureMedia fills in the alarm's media references asynchronously: the
// still first (cheap), then the pre/post-roll extraction.
func (e *Engine) captureMedia(task model.Task, alarm model.Alarm, still model.Frame, eventTime time.Time) {
	if task.Config.SaveImages {
		defer still.Mat.Close()

		name := fmt.Sprintf("%s_alarm_%s.jpg", task.StreamID, alarm.ID)
		path, err := e.storageSvc.StoreImage(name, still.Mat)
		if err != nil {
			lgr.Logger.Error("error storing alarm image", slog.String("alarmID", alarm.ID), lgr.Err(err))
		} else {
			alarm.ImagePath = path
		}
	}

	if task.Config.SaveVideo {
		extraction, err := e.rec.Extract(e.rootCtx, task.StreamID, eventTime,
			task.Config.PreSeconds, task.Config.PostSeconds)
		if err != nil {
			lgr.Logger.Error("error extracting alarm video", slog.String("alarmID", alarm.ID), lgr.Err(err))
		} else {
			alarm.VideoPath = extraction.Path
			if extraction.Partial {
				lgr.Logger.Info(
					"alarm video covers less than requested",
					slog.String("alarmID", alarm.ID),
					slog.Duration("covered", extraction.Covered),
				)
			}
		}
	}

	alarm.Processed = true
	if err := e.dataSvc.UpsertAlarm(alarm); err != nil {
		lgr.Logger.Error("error updating alarm media refs", slog.String("alarmID", alarm.ID), lgr.Err(err))
	}
}

// filter keeps detections whose label is allowed and whose confidence clears
// the threshold. An empty allow-list admits every label.
func filter(detections []model.Detection, cfg model.AlarmConfig) []model.Detection {
	allowed := map[string]bool{}
	for _, label := range cfg.Conditions {
		allowed[label] = true
	}

	matched := []model.Detection{}
	for _, d := range detections {
		if len(allowed) > 0 && !allowed[d.Label] {
			continue
		}
		if d.Confidence < cfg.ConfidenceThreshold {
			continue
		}
		matched = append(matched, d)
	}
	return matched
}
