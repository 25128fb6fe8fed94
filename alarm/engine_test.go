package alarm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/data"
	"github.com/khaledhikmat/va-go/service/storage"
)

func testEngine(t *testing.T) (*Engine, data.IService, *eventbus.Bus) {
	t.Helper()

	cfgSvc := config.NewHardCoded()
	cfgSvc.RecordingsFolder = t.TempDir()

	dataSvc := data.NewMemory()
	bus := eventbus.New(1)
	t.Cleanup(func() { bus.Shutdown(time.Second) })

	engine := NewEngine(context.Background(), dataSvc, storage.NewFiles(cfgSvc), nil, bus, nil)
	return engine, dataSvc, bus
}

func personTask(cooldown int) model.Task {
	return model.Task{
		ID:       "task-1",
		StreamID: "cam-1",
		Config: model.AlarmConfig{
			Enabled:             true,
			Conditions:          []string{"person"},
			ConfidenceThreshold: 0.5,
			CooldownSeconds:     cooldown,
		},
	}
}

func resultAt(ts time.Time, detections ...model.Detection) model.InferenceResult {
	return model.InferenceResult{
		TaskID:     "task-1",
		StreamID:   "cam-1",
		Detections: detections,
		Timestamp:  ts,
	}
}

func TestDisabledConfigNeverFires(t *testing.T) {
	engine, _, _ := testEngine(t)

	task := personTask(30)
	task.Config.Enabled = false

	fired := engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "person", Confidence: 0.99}))
	assert.Nil(t, fired)
}

func TestLabelAllowListFilters(t *testing.T) {
	engine, _, _ := testEngine(t)
	task := personTask(30)

	fired := engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "dog", Confidence: 0.99}))
	assert.Nil(t, fired)

	fired = engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "person", Confidence: 0.99}))
	require.NotNil(t, fired)
	assert.Len(t, fired.Boxes, 1)
	assert.Equal(t, "person", fired.Boxes[0].Label)
}

func TestConfidenceThresholdFilters(t *testing.T) {
	engine, _, _ := testEngine(t)
	task := personTask(30)

	fired := engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "person", Confidence: 0.4}))
	assert.Nil(t, fired)
}

func TestEmptyAllowListAdmitsEveryLabel(t *testing.T) {
	engine, _, _ := testEngine(t)
	task := personTask(30)
	task.Config.Conditions = nil

	fired := engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "bicycle", Confidence: 0.9}))
	assert.NotNil(t, fired)
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	engine, _, _ := testEngine(t)
	task := personTask(30)

	t0 := time.Now()
	person := model.Detection{Label: "person", Confidence: 0.99}

	// t=0 fires, t=10 is inside the cooldown, t=31 fires again.
	assert.NotNil(t, engine.Evaluate(task, model.Frame{}, resultAt(t0, person)))
	assert.Nil(t, engine.Evaluate(task, model.Frame{}, resultAt(t0.Add(10*time.Second), person)))
	assert.NotNil(t, engine.Evaluate(task, model.Frame{}, resultAt(t0.Add(31*time.Second), person)))

	stats := engine.Stats()
	assert.Equal(t, uint64(2), stats.Alarms)
	assert.Equal(t, uint64(1), stats.Suppressed)
}

func TestCooldownIsPerTask(t *testing.T) {
	engine, _, _ := testEngine(t)

	taskA := personTask(30)
	taskB := personTask(30)
	taskB.ID = "task-2"

	t0 := time.Now()
	person := model.Detection{Label: "person", Confidence: 0.99}

	assert.NotNil(t, engine.Evaluate(taskA, model.Frame{}, resultAt(t0, person)))

	// A's cooldown does not suppress B.
	assert.NotNil(t, engine.Evaluate(taskB, model.Frame{}, resultAt(t0.Add(time.Second), person)))
}

func TestDefaultSeverityMapping(t *testing.T) {
	assert.Equal(t, "critical", DefaultSeverity("person", 0.95))
	assert.Equal(t, "warning", DefaultSeverity("person", 0.8))
	assert.Equal(t, "info", DefaultSeverity("person", 0.6))
}

func TestSeverityFollowsStrongestDetection(t *testing.T) {
	engine, _, _ := testEngine(t)
	task := personTask(30)
	task.Config.Conditions = nil

	fired := engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "person", Confidence: 0.6},
		model.Detection{Label: "car", Confidence: 0.95}))
	require.NotNil(t, fired)
	assert.Equal(t, "critical", fired.Severity)
}

func TestAlarmEventPublished(t *testing.T) {
	engine, dataSvc, bus := testEngine(t)
	task := personTask(30)

	events := make(chan model.AlarmEvent, 1)
	bus.Subscribe(eventbus.TopicAlarmCreated, func(evt eventbus.Event) {
		if ae, ok := evt.Data.(model.AlarmEvent); ok {
			events <- ae
		}
	})

	fired := engine.Evaluate(task, model.Frame{}, resultAt(time.Now(),
		model.Detection{Label: "person", Confidence: 0.99}))
	require.NotNil(t, fired)

	select {
	case ae := <-events:
		assert.Equal(t, fired.ID, ae.AlarmID)
		assert.Equal(t, "task-1", ae.TaskID)
		assert.False(t, ae.MediaPending)
	case <-time.After(2 * time.Second):
		t.Fatal("alarm event not published")
	}

	alarms, err := dataSvc.RetrieveAlarmsByTask("task-1")
	require.NoError(t, err)
	require.Len(t, alarms, 1)
	assert.Equal(t, fired.ID, alarms[0].ID)
}

func TestStillImageCapturedAsynchronously(t *testing.T) {
	engine, dataSvc, _ := testEngine(t)
	task := personTask(30)
	task.Config.SaveImages = true

	mat := gocv.NewMatWithSize(64, 64, gocv.MatTypeCV8UC3)
	defer mat.Close()

	frame := model.Frame{StreamID: "cam-1", Mat: mat, Timestamp: time.Now()}
	fired := engine.Evaluate(task, frame, resultAt(time.Now(),
		model.Detection{Label: "person", Confidence: 0.99}))
	require.NotNil(t, fired)

	// Media lands after the fact; the alarm record is updated in place.
	assert.Eventually(t, func() bool {
		rec, err := dataSvc.RetrieveAlarm(fired.ID)
		return err == nil && rec.Processed && rec.ImagePath != ""
	}, 5*time.Second, 50*time.Millisecond)
}
