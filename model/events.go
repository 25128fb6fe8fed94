package model

import "time"

// FrameReady is the payload of frame.ready events. Consumers use the slot id
// to acquire the shared payload from the stream's frame buffer.
type FrameReady struct {
	StreamID  string
	SlotID    uint64
	Seq       uint64
	Timestamp time.Time
}

// StreamStatusEvent is the payload of stream.status events.
type StreamStatusEvent struct {
	StreamID string       `json:"streamId"`
	Status   StreamStatus `json:"status"`
	Error    string       `json:"error,omitempty"`
}

// AlarmEvent is the payload of alarm.created events. Media references may
// still be pending when the event goes out; they are filled in on the alarm
// record as extraction completes.
type AlarmEvent struct {
	AlarmID      string      `json:"alarmId"`
	TaskID       string      `json:"taskId"`
	StreamID     string      `json:"streamId"`
	Severity     string      `json:"severity"`
	Boxes        []Detection `json:"boxes"`
	MediaPending bool        `json:"mediaPending"`
	Timestamp    int64       `json:"timestamp"`
}
