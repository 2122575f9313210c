package clocksync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

var (
	captureFormat  = types.Format{Channels: 1, SampleRate: 16000, PCMFormat: types.PCMFormatS16LE}
	playbackFormat = types.Format{Channels: 1, SampleRate: 16000, PCMFormat: types.PCMFormatFloat32LE}
)

// bytes of 1ms of audio
const (
	captureMs  = 16 * 2
	playbackMs = 16 * 4
)

func TestDiffTimeAligned(t *testing.T) {
	now := time.Now()
	s := Snapshot{
		Playback: PlaybackSnapshot{Now: now},
		Capture:  CaptureSnapshot{Now: now},
	}
	assert.Equal(t, time.Duration(0), s.DiffTime(captureFormat, playbackFormat))
}

func TestDiffTimeLatencies(t *testing.T) {
	now := time.Now()
	s := Snapshot{
		Playback: PlaybackSnapshot{Now: now, Latency: 30 * time.Millisecond},
		Capture:  CaptureSnapshot{Now: now.Add(time.Millisecond), Latency: 5 * time.Millisecond},
	}
	assert.Equal(t, 34*time.Millisecond, s.DiffTime(captureFormat, playbackFormat))
}

func TestBufferLatency(t *testing.T) {
	t.Run("queued playback exceeding capture", func(t *testing.T) {
		s := Snapshot{
			Capture: CaptureSnapshot{
				QueuedPlaybackBytes: 20 * playbackMs,
				QueuedCaptureBytes:  5 * captureMs,
			},
		}
		assert.Equal(t, 15*time.Millisecond, s.BufferLatency(captureFormat, playbackFormat))
	})
	t.Run("queued capture exceeding playback", func(t *testing.T) {
		s := Snapshot{
			Capture: CaptureSnapshot{
				QueuedPlaybackBytes: 5 * playbackMs,
				QueuedCaptureBytes:  20 * captureMs,
				DelayBytes:          2 * captureMs,
			},
			Playback: PlaybackSnapshot{DelayBytes: 3 * playbackMs},
		}
		assert.Equal(t, 5*time.Millisecond, s.BufferLatency(captureFormat, playbackFormat))
	})
	t.Run("bytes in flight", func(t *testing.T) {
		s := Snapshot{
			Playback: PlaybackSnapshot{SendCounter: 100 * playbackMs},
			Capture:  CaptureSnapshot{RecvCounter: 90 * playbackMs},
		}
		assert.Equal(t, 10*time.Millisecond, s.BufferLatency(captureFormat, playbackFormat))
	})
	t.Run("received more than sent is clamped", func(t *testing.T) {
		s := Snapshot{
			Playback: PlaybackSnapshot{SendCounter: 90 * playbackMs},
			Capture: CaptureSnapshot{
				RecvCounter:         100 * playbackMs,
				QueuedPlaybackBytes: 4 * playbackMs,
			},
		}
		assert.Equal(t, time.Duration(0), s.BufferLatency(captureFormat, playbackFormat))
	})
}

func TestDiffTimeCaptureAhead(t *testing.T) {
	now := time.Now()
	s := Snapshot{
		Playback: PlaybackSnapshot{Now: now, SendCounter: 40 * playbackMs},
		Capture:  CaptureSnapshot{Now: now, RecvCounter: 40 * playbackMs, QueuedPlaybackBytes: 40 * playbackMs},
	}
	assert.Equal(t, -40*time.Millisecond, s.DiffTime(captureFormat, playbackFormat))
}

func TestSnapshotConsistent(t *testing.T) {
	assert.True(t, Snapshot{}.Consistent())
	assert.True(t, Snapshot{
		Playback: PlaybackSnapshot{Generation: 3},
		Capture:  CaptureSnapshot{Generation: 3},
	}.Consistent())
	assert.False(t, Snapshot{
		Playback: PlaybackSnapshot{Generation: 4},
		Capture:  CaptureSnapshot{Generation: 3},
	}.Consistent())
}
