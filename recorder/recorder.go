package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/config"
	"github.com/khaledhikmat/va-go/service/lgr"
	"github.com/khaledhikmat/va-go/service/vms"
	"github.com/khaledhikmat/va-go/stream"
)

type segment struct {
	path  string
	start time.Time
	end   time.Time
}

type streamRecorder struct {
	mu           sync.Mutex
	streamID     string
	consumerID   string
	subID        string
	segments     []segment // time-ordered, non-overlapping
	current      []model.Frame
	currentStart time.Time
	folder       string
	seq          int
}

// Extraction is the result of an alarm-triggered extraction. Partial marks a
// result shorter than requested because the buffer did not cover the window;
// that is not an error.
type Extraction struct {
	Path    string
	Start   time.Time
	End     time.Time
	Covered time.Duration
	Partial bool
}

// Recorder keeps, per active stream, a circular buffer of recent encoded
// segments covering a fixed retention window. It ingests continuously from
// the shared frame stream regardless of alarms and answers extraction
// requests around alarm timestamps.
type Recorder struct {
	cfgSvc    config.IService
	vmsSvc    vms.IService
	bus       *eventbus.Bus
	streamMgr *stream.Manager

	mu   sync.RWMutex
	recs map[string]*streamRecorder
}

func New(cfgSvc config.IService, vmsSvc vms.IService, bus *eventbus.Bus, streamMgr *stream.Manager) *Recorder {
	return &Recorder{
		cfgSvc:    cfgSvc,
		vmsSvc:    vmsSvc,
		bus:       bus,
		streamMgr: streamMgr,
		recs:      map[string]*streamRecorder{},
	}
}

// StartStream begins continuous ingestion for the stream. The recorder
// registers as a frame-buffer consumer directly; it does not hold a stream
// reference, so it never keeps an unconsumed stream alive.
func (r *Recorder) StartStream(streamID string) error {
	pool, err := r.streamMgr.Pool(streamID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.recs[streamID]; ok {
		return nil
	}

	folder := filepath.Join(r.cfgSvc.GetSegmentsFolder(), streamID)
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return err
	}

	sr := &streamRecorder{
		streamID:   streamID,
		consumerID: "recorder-" + streamID,
		folder:     folder,
	}
	pool.RegisterConsumer(sr.consumerID)

	sr.subID = r.bus.Subscribe(eventbus.TopicFrameReady, func(evt eventbus.Event) {
		ready, ok := evt.Data.(model.FrameReady)
		if !ok || ready.StreamID != streamID {
			return
		}
		r.ingest(sr, ready)
	})

	r.recs[streamID] = sr
	return nil
}

// StopStream ends ingestion and drops all buffered segments for the stream.
func (r *Recorder) StopStream(streamID string) {
	r.mu.Lock()
	sr, ok := r.recs[streamID]
	if ok {
		delete(r.recs, streamID)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.bus.Unsubscribe(sr.subID)
	if pool, err := r.streamMgr.Pool(streamID); err == nil {
		pool.UnregisterConsumer(sr.consumerID)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()

	for _, f := range sr.current {
		f.Mat.Close()
	}
	sr.current = nil

	for _, seg := range sr.segments {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			lgr.Logger.Warn("error removing segment file", slog.String("path", seg.path), lgr.Err(err))
		}
	}
	sr.segments = nil
}

// StopAll is used on shutdown.
func (r *Recorder) StopAll() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.recs))
	for id := range r.recs {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.StopStream(id)
	}
}

// ingest clones the shared payload into the open segment and rotates on the
// segment boundary. Runs on the bus dispatch path, so everything slow
// (encoding) is handed off.
func (r *Recorder) ingest(sr *streamRecorder, ready model.FrameReady) {
	pool, err := r.streamMgr.Pool(sr.streamID)
	if err != nil {
		return
	}

	frame, err := pool.Acquire(ready.SlotID, sr.consumerID)
	if err != nil {
		// Slot evicted under backpressure before we got to it.
		return
	}

	clone := model.Frame{
		StreamID:  frame.StreamID,
		Seq:       frame.Seq,
		Mat:       frame.Mat.Clone(),
		Width:     frame.Width,
		Height:    frame.Height,
		Timestamp: frame.Timestamp,
	}
	pool.Release(ready.SlotID, sr.consumerID)

	segmentLen := time.Duration(r.cfgSvc.GetSegmentSeconds()) * time.Second

	sr.mu.Lock()
	if len(sr.current) == 0 {
		sr.currentStart = clone.Timestamp
	}
	sr.current = append(sr.current, clone)

	if clone.Timestamp.Sub(sr.currentStart) < segmentLen {
		sr.mu.Unlock()
		return
	}

	frames := sr.current
	start := sr.currentStart
	end := clone.Timestamp
	sr.current = nil
	sr.seq++
	path := filepath.Join(sr.folder, fmt.Sprintf("segment_%06d.mp4", sr.seq))
	sr.mu.Unlock()

	go r.flush(sr, frames, path, start, end)
}

// flush encodes a completed segment, appends it to the buffer and evicts
// oldest-first past the retention window.
func (r *Recorder) flush(sr *streamRecorder, frames []model.Frame, path string, start, end time.Time) {
	defer func() {
		for _, f := range frames {
			f.Mat.Close()
		}
	}()

	seconds := end.Sub(start).Seconds()
	fps := float64(25)
	if seconds > 0 {
		fps = float64(len(frames)) / seconds
	}

	if err := r.vmsSvc.EncodeSegment(path, frames, fps); err != nil {
		lgr.Logger.Error(
			"error encoding segment",
			slog.String("streamID", sr.streamID),
			lgr.Err(err),
		)
		return
	}

	retention := time.Duration(r.cfgSvc.GetRetentionSeconds()) * time.Second

	sr.mu.Lock()
	// Flushes run concurrently; keep the buffer time-ordered on insert.
	sr.segments = append(sr.segments, segment{path: path, start: start, end: end})
	sort.Slice(sr.segments, func(i, j int) bool {
		return sr.segments[i].start.Before(sr.segments[j].start)
	})

	evicted := []segment{}
	for len(sr.segments) > 1 && sr.segments[len(sr.segments)-1].end.Sub(sr.segments[0].start) > retention {
		evicted = append(evicted, sr.segments[0])
		sr.segments = sr.segments[1:]
	}
	sr.mu.Unlock()

	for _, seg := range evicted {
		if err := os.Remove(seg.path); err != nil && !os.IsNotExist(err) {
			lgr.Logger.Warn("error evicting segment file", slog.String("path", seg.path), lgr.Err(err))
		}
	}
}

// Extract merges all buffered segments overlapping
// [center-pre, center+post] into one clip. When the window reaches past
// "now" it waits, bounded, for the post-roll to land in the buffer. A window
// the buffer cannot fully cover yields Partial=true and the covered
// duration, never an error.
func (r *Recorder) Extract(ctx context.Context, streamID string, center time.Time, preSeconds, postSeconds int) (Extraction, error) {
	r.mu.RLock()
	sr, ok := r.recs[streamID]
	r.mu.RUnlock()

	if !ok {
		return Extraction{}, fmt.Errorf("recorder not running for stream %s", streamID)
	}

	windowStart := center.Add(-time.Duration(preSeconds) * time.Second)
	windowEnd := center.Add(time.Duration(postSeconds) * time.Second)

	r.awaitPostRoll(ctx, sr, windowEnd)

	sr.mu.Lock()
	selected := []segment{}
	for _, seg := range sr.segments {
		if seg.end.After(windowStart) && seg.start.Before(windowEnd) {
			selected = append(selected, seg)
		}
	}
	sr.mu.Unlock()

	if len(selected) == 0 {
		return Extraction{Partial: true}, nil
	}

	coveredStart := windowStart
	if selected[0].start.After(windowStart) {
		coveredStart = selected[0].start
	}
	coveredEnd := windowEnd
	if selected[len(selected)-1].end.Before(windowEnd) {
		coveredEnd = selected[len(selected)-1].end
	}

	outPath := filepath.Join(r.cfgSvc.GetRecordingsFolder(), fmt.Sprintf("%s_alarm_%s.mp4", streamID, uuid.NewString()))
	if err := os.MkdirAll(r.cfgSvc.GetRecordingsFolder(), 0o755); err != nil {
		return Extraction{}, err
	}

	paths := make([]string, 0, len(selected))
	for _, seg := range selected {
		paths = append(paths, seg.path)
	}

	if err := r.vmsSvc.MergeSegments(paths, outPath); err != nil {
		return Extraction{}, fmt.Errorf("error merging segments: %w", err)
	}

	return Extraction{
		Path:    outPath,
		Start:   coveredStart,
		End:     coveredEnd,
		Covered: coveredEnd.Sub(coveredStart),
		Partial: coveredStart.After(windowStart) || coveredEnd.Before(windowEnd),
	}, nil
}

// awaitPostRoll polls until the buffer covers the window end, the window end
// turns out to be in the past, or the bounded wait elapses.
func (r *Recorder) awaitPostRoll(ctx context.Context, sr *streamRecorder, windowEnd time.Time) {
	timeout := time.Duration(r.cfgSvc.GetExtractWaitTimeout()) * time.Second
	deadline := time.Now().Add(timeout)

	for {
		sr.mu.Lock()
		covered := len(sr.segments) > 0 && !sr.segments[len(sr.segments)-1].end.Before(windowEnd)
		sr.mu.Unlock()

		if covered || time.Now().After(deadline) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}
