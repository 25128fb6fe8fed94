package config

// HardCodedService returns fixed values. Tests tweak the exported fields to
// shrink timeouts and windows; production uses the env-backed service.
type HardCodedService struct {
	ModeMaxShutdownTime     int
	DataFolder              string
	RecordingsFolder        string
	SegmentsFolder          string
	EventBusDispatchers     int
	EventBusShutdownTimeout int
	FrameBufferCapacity     int
	FrameBufferWaitMs       int
	StreamGracePeriod       int
	StreamMaxReconnects     int
	StreamReconnectDelay    int
	StreamMaxReconnectDelay int
	StreamHeartbeatPeriod   int
	DefaultPoolSize         int
	PoolAcquireTimeout      int
	SegmentSeconds          int
	RetentionSeconds        int
	ExtractWaitTimeout      int
	TaskInboxSize           int
	TaskStopTimeout         int
	WebhookURL              string
	WebhookTimeout          int
}

func NewHardCoded() *HardCodedService {
	return &HardCodedService{
		ModeMaxShutdownTime:     5,
		DataFolder:              "./data",
		RecordingsFolder:        "./recordings",
		SegmentsFolder:          "./segments",
		EventBusDispatchers:     1,
		EventBusShutdownTimeout: 3,
		FrameBufferCapacity:     30,
		FrameBufferWaitMs:       20,
		StreamGracePeriod:       10,
		StreamMaxReconnects:     5,
		StreamReconnectDelay:    1,
		StreamMaxReconnectDelay: 30,
		StreamHeartbeatPeriod:   30,
		DefaultPoolSize:         1,
		PoolAcquireTimeout:      10,
		SegmentSeconds:          1,
		RetentionSeconds:        10,
		ExtractWaitTimeout:      10,
		TaskInboxSize:           100,
		TaskStopTimeout:         5,
		WebhookURL:              "",
		WebhookTimeout:          5,
	}
}

func (svc *HardCodedService) GetModeMaxShutdownTime() int     { return svc.ModeMaxShutdownTime }
func (svc *HardCodedService) GetDataFolder() string           { return svc.DataFolder }
func (svc *HardCodedService) GetRecordingsFolder() string     { return svc.RecordingsFolder }
func (svc *HardCodedService) GetSegmentsFolder() string       { return svc.SegmentsFolder }
func (svc *HardCodedService) GetEventBusDispatchers() int     { return svc.EventBusDispatchers }
func (svc *HardCodedService) GetEventBusShutdownTimeout() int { return svc.EventBusShutdownTimeout }
func (svc *HardCodedService) GetFrameBufferCapacity() int     { return svc.FrameBufferCapacity }
func (svc *HardCodedService) GetFrameBufferWaitMs() int       { return svc.FrameBufferWaitMs }
func (svc *HardCodedService) GetStreamGracePeriod() int       { return svc.StreamGracePeriod }
func (svc *HardCodedService) GetStreamMaxReconnects() int     { return svc.StreamMaxReconnects }
func (svc *HardCodedService) GetStreamReconnectDelay() int    { return svc.StreamReconnectDelay }
func (svc *HardCodedService) GetStreamMaxReconnectDelay() int { return svc.StreamMaxReconnectDelay }
func (svc *HardCodedService) GetStreamHeartbeatPeriod() int   { return svc.StreamHeartbeatPeriod }
func (svc *HardCodedService) GetDefaultPoolSize() int         { return svc.DefaultPoolSize }
func (svc *HardCodedService) GetPoolAcquireTimeout() int      { return svc.PoolAcquireTimeout }
func (svc *HardCodedService) GetSegmentSeconds() int          { return svc.SegmentSeconds }
func (svc *HardCodedService) GetRetentionSeconds() int        { return svc.RetentionSeconds }
func (svc *HardCodedService) GetExtractWaitTimeout() int      { return svc.ExtractWaitTimeout }
func (svc *HardCodedService) GetTaskInboxSize() int           { return svc.TaskInboxSize }
func (svc *HardCodedService) GetTaskStopTimeout() int         { return svc.TaskStopTimeout }
func (svc *HardCodedService) GetWebhookURL() string           { return svc.WebhookURL }
func (svc *HardCodedService) GetWebhookTimeout() int          { return svc.WebhookTimeout }
