package config

import (
	"os"
	"strconv"
)

type envService struct {
}

// NewEnv returns a config service backed by environment variables with
// defaults suitable for a single-node deployment. Env vars are expected to be
// loaded from a .env file by main in dev mode.
func NewEnv() IService {
	return &envService{}
}

func (svc *envService) GetModeMaxShutdownTime() int {
	return getInt("MODE_MAX_SHUTDOWN_TIME", 5)
}

func (svc *envService) GetDataFolder() string {
	return getString("DATA_FOLDER", "./data")
}

func (svc *envService) GetRecordingsFolder() string {
	return getString("RECORDINGS_FOLDER", "./recordings")
}

func (svc *envService) GetSegmentsFolder() string {
	return getString("SEGMENTS_FOLDER", "./segments")
}

func (svc *envService) GetEventBusDispatchers() int {
	// One dispatcher preserves FIFO order within a priority class. Raising
	// this trades ordering for dispatch throughput.
	return getInt("EVENT_BUS_DISPATCHERS", 1)
}

func (svc *envService) GetEventBusShutdownTimeout() int {
	return getInt("EVENT_BUS_SHUTDOWN_TIMEOUT", 3)
}

func (svc *envService) GetFrameBufferCapacity() int {
	return getInt("FRAME_BUFFER_CAPACITY", 30)
}

func (svc *envService) GetFrameBufferWaitMs() int {
	return getInt("FRAME_BUFFER_WAIT_MS", 20)
}

func (svc *envService) GetStreamGracePeriod() int {
	return getInt("STREAM_GRACE_PERIOD", 10)
}

func (svc *envService) GetStreamMaxReconnects() int {
	return getInt("STREAM_MAX_RECONNECTS", 5)
}

func (svc *envService) GetStreamReconnectDelay() int {
	return getInt("STREAM_RECONNECT_DELAY", 1)
}

func (svc *envService) GetStreamMaxReconnectDelay() int {
	return getInt("STREAM_MAX_RECONNECT_DELAY", 30)
}

func (svc *envService) GetStreamHeartbeatPeriod() int {
	return getInt("STREAM_HEARTBEAT_PERIOD", 30)
}

func (svc *envService) GetDefaultPoolSize() int {
	// 1 minimizes resident model memory; operators raise it for concurrency.
	return getInt("DEFAULT_POOL_SIZE", 1)
}

func (svc *envService) GetPoolAcquireTimeout() int {
	return getInt("POOL_ACQUIRE_TIMEOUT", 10)
}

func (svc *envService) GetSegmentSeconds() int {
	return getInt("SEGMENT_SECONDS", 1)
}

func (svc *envService) GetRetentionSeconds() int {
	return getInt("RETENTION_SECONDS", 10)
}

func (svc *envService) GetExtractWaitTimeout() int {
	return getInt("EXTRACT_WAIT_TIMEOUT", 10)
}

func (svc *envService) GetTaskInboxSize() int {
	return getInt("TASK_INBOX_SIZE", 100)
}

func (svc *envService) GetTaskStopTimeout() int {
	return getInt("TASK_STOP_TIMEOUT", 5)
}

func (svc *envService) GetWebhookURL() string {
	return getString("WEBHOOK_URL", "")
}

func (svc *envService) GetWebhookTimeout() int {
	return getInt("WEBHOOK_TIMEOUT", 5)
}

func getString(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getInt(key string, def int) int {
	val := os.Getenv(key)
	if val == "" {
		return def
	}

	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}
