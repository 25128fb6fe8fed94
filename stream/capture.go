package stream

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khaledhikmat/va-go/eventbus"
	"github.com/khaledhikmat/va-go/framebuf"
	"github.com/khaledhikmat/va-go/model"
	"github.com/khaledhikmat/va-go/service/lgr"
)

// capture is the per-stream capture loop: connect with capped exponential
// backoff, publish frames into the stream's buffer, emit frame.ready, and
// heartbeat periodically. Decode failures reconnect internally; once retries
// are exhausted the stream goes Inactive with the last error preserved.
func (m *Manager) capture(ctx context.Context, ms *managedStream) {
	done := ms.done
	defer close(done)

	streamID := ms.rec.ID
	url := ms.rec.URL

	maxRetries := m.cfgSvc.GetStreamMaxReconnects()
	baseDelay := time.Duration(m.cfgSvc.GetStreamReconnectDelay()) * time.Second
	maxDelay := time.Duration(m.cfgSvc.GetStreamMaxReconnectDelay()) * time.Second

	heartbeat := time.NewTicker(time.Duration(m.cfgSvc.GetStreamHeartbeatPeriod()) * time.Second)
	defer heartbeat.Stop()

	var seq uint64
	var frames, dropped, errorsCount int64
	retries := 0

	var reader Reader
	defer func() {
		if reader != nil {
			reader.Close()
		}
	}()

connect:
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r, err := m.source.Open(url)
		if err == nil {
			reader = r
			retries = 0

			ms.mu.Lock()
			m.transitionLocked(ms, model.StreamActive, "")
			m.persistLocked(ms)
			ms.mu.Unlock()

			m.bus.Publish(eventbus.TopicStreamStarted, "stream_manager", streamID, eventbus.PriorityStatus)
			break
		}

		errorsCount++
		retries++
		m.bus.Publish(eventbus.TopicStreamError, "stream_manager",
			model.GenError("stream_capture", err, map[string]interface{}{"streamId": streamID},
				"error connecting to stream"), eventbus.PriorityStatus)

		ms.mu.Lock()
		m.transitionLocked(ms, model.StreamError, err.Error())
		m.persistLocked(ms)
		ms.mu.Unlock()

		if retries > maxRetries {
			lgr.Logger.Error(
				"stream reconnect retries exhausted",
				slog.String("streamID", streamID),
				slog.Int("retries", retries-1),
				lgr.Err(err),
			)

			ms.mu.Lock()
			ms.cancel = nil
			m.transitionLocked(ms, model.StreamInactive, err.Error())
			m.persistLocked(ms)
			ms.mu.Unlock()
			return
		}

		delay := backoff(retries, baseDelay, maxDelay)
		lgr.Logger.Warn(
			"retrying stream connection",
			slog.String("streamID", streamID),
			slog.Int("attempt", retries),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	// Capture frames, share them through the buffer and monitor cancellations
	for {
		select {
		case <-ctx.Done():
			lgr.Logger.Info(
				"capture loop context cancelled",
				slog.String("streamID", streamID),
			)
			return

		case <-heartbeat.C:
			uptime := int64(time.Since(ms.startedAt).Seconds())
			fps := 0
			if uptime > 0 {
				fps = int(frames / uptime)
			}

			stats := model.StreamStats{
				StreamID:  streamID,
				Frames:    frames,
				Dropped:   dropped,
				Errors:    errorsCount,
				FPS:       fps,
				Uptime:    uptime,
				Timestamp: time.Now().Unix(),
			}
			m.bus.Publish(eventbus.TopicStreamHeartbeat, "stream_manager", stats, eventbus.PriorityStatus)

			ms.mu.Lock()
			ms.rec.FPS = float64(fps)
			ms.stats = stats
			m.persistLocked(ms)
			ms.mu.Unlock()

		default:
			img, err := reader.Read()
			if err != nil {
				errorsCount++
				reader.Close()
				reader = nil

				ms.mu.Lock()
				m.transitionLocked(ms, model.StreamError, err.Error())
				m.persistLocked(ms)
				ms.mu.Unlock()

				m.bus.Publish(eventbus.TopicStreamError, "stream_manager",
					model.GenError("stream_capture", err, map[string]interface{}{"streamId": streamID},
						"error decoding frame"), eventbus.PriorityStatus)

				retries = 1
				goto connect
			}

			seq++
			now := time.Now()
			frame := model.Frame{
				StreamID:  streamID,
				Seq:       seq,
				Mat:       img,
				Width:     img.Cols(),
				Height:    img.Rows(),
				Timestamp: now,
			}

			slotID, err := ms.pool.Publish(frame)
			if err != nil {
				// No consumers: the frame was recycled at the gate, nothing
				// to signal downstream.
				if errors.Is(err, framebuf.ErrNoConsumers) {
					dropped++
					continue
				}
				if errors.Is(err, framebuf.ErrClosed) {
					return
				}
				continue
			}
			frames++

			ms.mu.Lock()
			ms.rec.LastFrameTime = now.Unix()
			ms.rec.Width = frame.Width
			ms.rec.Height = frame.Height
			ms.mu.Unlock()

			m.bus.Publish(eventbus.TopicFrameReady, "stream_manager", model.FrameReady{
				StreamID:  streamID,
				SlotID:    slotID,
				Seq:       seq,
				Timestamp: now,
			}, eventbus.PriorityFrame)
		}
	}
}

// backoff doubles the base delay per attempt up to the cap.
func backoff(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
