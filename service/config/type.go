package config

type IService interface {
	GetModeMaxShutdownTime() int
	GetDataFolder() string
	GetRecordingsFolder() string
	GetSegmentsFolder() string

	GetEventBusDispatchers() int
	GetEventBusShutdownTimeout() int

	GetFrameBufferCapacity() int
	GetFrameBufferWaitMs() int

	GetStreamGracePeriod() int
	GetStreamMaxReconnects() int
	GetStreamReconnectDelay() int
	GetStreamMaxReconnectDelay() int
	GetStreamHeartbeatPeriod() int

	GetDefaultPoolSize() int
	GetPoolAcquireTimeout() int

	GetSegmentSeconds() int
	GetRetentionSeconds() int
	GetExtractWaitTimeout() int

	GetTaskInboxSize() int
	GetTaskStopTimeout() int

	GetWebhookURL() string
	GetWebhookTimeout() int
}
