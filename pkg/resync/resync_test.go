package resync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

var (
	captureFormat  = types.Format{Channels: 1, SampleRate: 16000, PCMFormat: types.PCMFormatS16LE}
	playbackFormat = types.Format{Channels: 2, SampleRate: 16000, PCMFormat: types.PCMFormatFloat32LE}
)

func TestResolve(t *testing.T) {
	t.Run("capture ahead", func(t *testing.T) {
		s := Resolve(-10*time.Millisecond, captureFormat, playbackFormat)
		assert.Equal(t, uint64(160*8+SafetyMarginFrames*8), s.Playback)
		assert.Zero(t, s.Capture)
	})
	t.Run("capture behind", func(t *testing.T) {
		s := Resolve(10*time.Millisecond, captureFormat, playbackFormat)
		assert.Equal(t, uint64(160*2), s.Capture)
		assert.Zero(t, s.Playback)
	})
	t.Run("aligned", func(t *testing.T) {
		assert.True(t, Resolve(0, captureFormat, playbackFormat).IsZero())
	})
	t.Run("capture behind by less than a frame", func(t *testing.T) {
		frame := time.Second / time.Duration(captureFormat.SampleRate)
		assert.True(t, Resolve(frame-time.Nanosecond, captureFormat, playbackFormat).IsZero())
		assert.Equal(t, uint64(2), Resolve(frame, captureFormat, playbackFormat).Capture)
	})
}

func TestResolveSigns(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for range 1000 {
		diff := time.Duration(rng.Int63n(int64(2*time.Second))) - time.Second
		s := Resolve(diff, captureFormat, playbackFormat)
		switch {
		case diff < 0:
			require.NotZero(t, s.Playback, diff)
			require.Zero(t, s.Capture, diff)
		case diff > 0 && diff >= time.Second/time.Duration(captureFormat.SampleRate):
			require.NotZero(t, s.Capture, diff)
			require.Zero(t, s.Playback, diff)
		}
	}
}

func TestTakeCapture(t *testing.T) {
	const captureBlock, playbackBlock = 320, 1280

	s := SkipState{Capture: 2*captureBlock + 80}
	toSkip := s.TakeCapture(10*captureBlock, captureBlock, playbackBlock)
	assert.Equal(t, uint64(2*captureBlock), toSkip)
	assert.Zero(t, s.Capture)
	assert.Equal(t, uint64((captureBlock-80)*playbackBlock/captureBlock), s.Playback)

	// not enough data queued: skip what is aligned, keep the rest pending
	s = SkipState{Capture: 5 * captureBlock}
	toSkip = s.TakeCapture(2*captureBlock+10, captureBlock, playbackBlock)
	assert.Equal(t, uint64(2*captureBlock), toSkip)
	assert.Equal(t, uint64(3*captureBlock), s.Capture)
	assert.Zero(t, s.Playback)

	// everything consumed: the remainder stays until more data arrives
	s = SkipState{Capture: captureBlock + 7}
	toSkip = s.TakeCapture(captureBlock, captureBlock, playbackBlock)
	assert.Equal(t, uint64(captureBlock), toSkip)
	assert.Equal(t, uint64(7), s.Capture)
}

func TestTakePlayback(t *testing.T) {
	const playbackBlock = 1280

	s := SkipState{Playback: playbackBlock + 1}
	assert.Equal(t, uint64(2*playbackBlock), s.TakePlayback(10*playbackBlock, playbackBlock))
	assert.True(t, s.IsZero())

	s = SkipState{Playback: 3 * playbackBlock}
	assert.Equal(t, uint64(playbackBlock), s.TakePlayback(playbackBlock+100, playbackBlock))
	assert.Equal(t, uint64(2*playbackBlock), s.Playback)
}

func TestAppliedSkipsAreBlockAligned(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for range 1000 {
		captureBlock := uint64(1+rng.Intn(16)) * 2 * 64
		playbackBlock := captureBlock * uint64(1+rng.Intn(4))
		diff := time.Duration(rng.Int63n(int64(400*time.Millisecond))) - 200*time.Millisecond
		s := Resolve(diff, captureFormat, playbackFormat)

		for range 20 {
			captureAvailable := uint64(rng.Intn(20)) * 64
			playbackAvailable := uint64(rng.Intn(20)) * 64

			skipped := s.TakeCapture(captureAvailable, captureBlock, playbackBlock)
			require.LessOrEqual(t, skipped, captureAvailable)
			require.Zero(t, skipped%captureBlock)

			skipped = s.TakePlayback(playbackAvailable, playbackBlock)
			require.LessOrEqual(t, skipped, playbackAvailable)
			require.Zero(t, skipped%playbackBlock)
		}
	}
}
