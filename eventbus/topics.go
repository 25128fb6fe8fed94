package eventbus

// Topics published by the core. External collaborators (broadcaster,
// API layer) subscribe to the alarm and status topics; everything else is
// internal signaling between modules.
const (
	TopicStreamAdded     = "stream.added"
	TopicStreamRemoved   = "stream.removed"
	TopicStreamStarted   = "stream.started"
	TopicStreamStopped   = "stream.stopped"
	TopicStreamStatus    = "stream.status"
	TopicStreamHeartbeat = "stream.heartbeat"
	TopicStreamError     = "stream.error"

	TopicFrameReady = "frame.ready"

	TopicTaskCreated = "task.created"
	TopicTaskStarted = "task.started"
	TopicTaskStopped = "task.stopped"
	TopicTaskError   = "task.error"
	TopicTaskResult  = "task.result"

	TopicAlarmCreated = "alarm.created"
)

// Default priorities per topic class. Alarms preempt frame traffic.
const (
	PriorityFrame  = 3
	PriorityStatus = 5
	PriorityAlarm  = 8
)
