package model

import (
	"fmt"
	"image"
	"runtime/debug"
	"time"

	"gocv.io/x/gocv"
)

type CustomError struct {
	Processor  string                 `json:"processor"`
	Inner      error                  `json:"innerError"`
	Message    string                 `json:"message"`
	StackTrace string                 `json:"stackTrace"`
	Misc       map[string]interface{} `json:"misc"`
}

func (e CustomError) Error() string {
	if e.Inner != nil {
		return fmt.Sprintf("%s: %s: %v", e.Processor, e.Message, e.Inner)
	}
	return fmt.Sprintf("%s: %s", e.Processor, e.Message)
}

func (e CustomError) Unwrap() error {
	return e.Inner
}

func GenError(proc string, err error, misc map[string]interface{}, messagef string, args ...interface{}) CustomError {
	return CustomError{
		Processor:  proc,
		Inner:      err,
		Message:    fmt.Sprintf(messagef, args...),
		StackTrace: string(debug.Stack()),
		Misc:       misc,
	}
}

// ValidationError marks synchronously rejected requests (bad references on
// stream/task create). Callers must not retry these.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

type StreamStatus string

const (
	StreamInactive   StreamStatus = "inactive"
	StreamConnecting StreamStatus = "connecting"
	StreamActive     StreamStatus = "active"
	StreamError      StreamStatus = "error"
)

type Stream struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	URL           string       `json:"url"`
	Transport     string       `json:"transport"` // rtsp, file, synthetic
	Status        StreamStatus `json:"status"`
	ConsumerCount int          `json:"consumerCount"`
	Width         int          `json:"width"`
	Height        int          `json:"height"`
	FPS           float64      `json:"fps"`
	LastFrameTime int64        `json:"lastFrameTime"`
	LastError     string       `json:"lastError"`
}

type InstanceState string

const (
	InstanceWarming InstanceState = "warming"
	InstanceIdle    InstanceState = "idle"
	InstanceBusy    InstanceState = "busy"
	InstanceError   InstanceState = "error"
)

type AlgorithmStatus string

const (
	AlgorithmReady    AlgorithmStatus = "ready"
	AlgorithmDegraded AlgorithmStatus = "degraded"
	AlgorithmFailed   AlgorithmStatus = "failed"
)

// Algorithm is immutable once loaded except for the instance counters and
// status, which the pool owns.
type Algorithm struct {
	ID               string          `json:"id"`
	PackageID        string          `json:"packageId"`
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	Device           string          `json:"device"` // cpu or gpu
	MaxInstances     int             `json:"maxInstances"`
	CurrentInstances int             `json:"currentInstances"`
	Status           AlgorithmStatus `json:"status"`
	LastError        string          `json:"lastError"`
}

type TaskStatus string

const (
	TaskCreated  TaskStatus = "created"
	TaskRunning  TaskStatus = "running"
	TaskStopping TaskStatus = "stopping"
	TaskStopped  TaskStatus = "stopped"
	TaskError    TaskStatus = "error"
)

// AlarmConfig is consumed verbatim from the task create request.
type AlarmConfig struct {
	Enabled             bool     `json:"enabled"`
	Conditions          []string `json:"conditions"` // label allow-list
	ConfidenceThreshold float32  `json:"confidence_threshold"`
	PreSeconds          int      `json:"pre_seconds"`
	PostSeconds         int      `json:"post_seconds"`
	SaveVideo           bool     `json:"save_video"`
	SaveImages          bool     `json:"save_images"`
	CooldownSeconds     int      `json:"cooldown_seconds"`
}

type TaskCounters struct {
	FramesProcessed int64   `json:"framesProcessed"`
	FramesDropped   int64   `json:"framesDropped"`
	Detections      int64   `json:"detections"`
	Alarms          int64   `json:"alarms"`
	LastLatencyMs   float64 `json:"lastLatencyMs"`
}

type Task struct {
	ID          string       `json:"id"`
	StreamID    string       `json:"streamId"`
	AlgorithmID string       `json:"algorithmId"`
	InstanceID  string       `json:"instanceId"`
	Config      AlarmConfig  `json:"config"`
	Status      TaskStatus   `json:"status"`
	Counters    TaskCounters `json:"counters"`
	LastError   string       `json:"lastError"`
	CreatedAt   int64        `json:"createdAt"`
}

type Detection struct {
	Label      string          `json:"label"`
	Confidence float32         `json:"confidence"`
	Rect       image.Rectangle `json:"rect"`
}

type Alarm struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"taskId"`
	StreamID  string      `json:"streamId"`
	Severity  string      `json:"severity"`
	Boxes     []Detection `json:"boxes"`
	ImagePath string      `json:"imagePath"` // empty while pending
	VideoPath string      `json:"videoPath"` // empty while pending
	CreatedAt int64       `json:"createdAt"`
	Processed bool        `json:"processed"`
}

// Frame is the unit shared between the capture path and consumers.
// The Mat is read-only after publish; the owning frame buffer closes it when
// the slot is recycled, so consumers must clone anything they retain.
type Frame struct {
	StreamID  string
	Seq       uint64
	Mat       gocv.Mat
	Width     int
	Height    int
	Timestamp time.Time
}

// InferenceResult is the structured outcome of one inference call. Worker
// failures are converted into Err; no panic crosses the worker boundary.
type InferenceResult struct {
	TaskID     string
	StreamID   string
	Seq        uint64
	Detections []Detection
	Timestamp  time.Time
	LatencyMs  float64
	Err        string
}

type StreamStats struct {
	StreamID  string `json:"streamId"`
	Frames    int64  `json:"frames"`
	Dropped   int64  `json:"dropped"`
	Errors    int64  `json:"errors"`
	FPS       int    `json:"fps"`
	Uptime    int64  `json:"uptime"`
	Timestamp int64  `json:"timestamp"`
}

type PoolStats struct {
	AlgorithmID string `json:"algorithmId"`
	Instances   int    `json:"instances"`
	Busy        int    `json:"busy"`
	Acquires    int64  `json:"acquires"`
	Exhausted   int64  `json:"exhausted"`
	Respawns    int64  `json:"respawns"`
	Timestamp   int64  `json:"timestamp"`
}
