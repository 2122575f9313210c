package clocksync

import (
	"time"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

// PlaybackSnapshot is the state of the playback side, taken within
// the playback context.
type PlaybackSnapshot struct {
	Now     time.Time
	Latency time.Duration

	// DelayBytes is the amount of bytes buffered in the playback
	// context that were not yet posted to the capture context.
	DelayBytes uint64

	// SendCounter is the total amount of bytes posted to the capture context.
	SendCounter uint64

	// Generation identifies the playback source SendCounter refers to.
	Generation uint64
}

// CaptureSnapshot is the state of the capture side, taken within
// the capture context.
type CaptureSnapshot struct {
	Now     time.Time
	Latency time.Duration

	// DelayBytes is the amount of captured bytes not yet queued.
	DelayBytes uint64

	// RecvCounter is the total amount of playback bytes received from
	// the playback source identified by Generation.
	RecvCounter uint64
	Generation  uint64

	QueuedCaptureBytes  uint64
	QueuedPlaybackBytes uint64
}

// Snapshot is a point-in-time reading of both streams.
type Snapshot struct {
	Playback PlaybackSnapshot
	Capture  CaptureSnapshot
}

// Consistent reports whether both counters refer to the same playback
// source. If not, the playback source was replaced in between and the
// counters cannot be compared.
func (s Snapshot) Consistent() bool {
	return s.Playback.Generation == s.Capture.Generation
}

// BufferLatency is the amount of playback audio which is already
// produced, but was not yet matched against capture.
func (s Snapshot) BufferLatency(capture, playback types.Format) time.Duration {
	queuedPlayback := playback.DurationForBytes(s.Capture.QueuedPlaybackBytes)
	queuedCapture := capture.DurationForBytes(s.Capture.QueuedCaptureBytes)

	var latency time.Duration
	if queuedPlayback > queuedCapture {
		latency = queuedPlayback - queuedCapture
	}
	latency += capture.DurationForBytes(s.Capture.DelayBytes)
	latency += playback.DurationForBytes(s.Playback.DelayBytes)

	send := playback.DurationForBytes(s.Playback.SendCounter)
	recv := playback.DurationForBytes(s.Capture.RecvCounter)
	if recv <= send {
		latency += send - recv
	} else {
		latency = max(latency-(recv-send), 0)
	}
	return latency
}

// DiffTime returns the time-alignment error: negative means capture
// is running ahead of playback.
func (s Snapshot) DiffTime(capture, playback types.Format) time.Duration {
	sinkTime := s.Playback.Now.Add(s.Playback.Latency - s.BufferLatency(capture, playback))
	sourceTime := s.Capture.Now.Add(-s.Capture.Latency)
	return sinkTime.Sub(sourceTime)
}
