package drift

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	// playback received 10% more than capture
	est, captureRem, playbackRem := Calculate(1000, 1100, 0, 0, 256, 256)
	require.True(t, est.Valid)
	assert.InDelta(t, 0.1, est.Value, 1e-12)
	assert.Equal(t, uint64(1000%256), captureRem)
	assert.Equal(t, uint64(1100%256), playbackRem)

	// the remainders of the previous iteration are not counted as consumed
	est, _, _ = Calculate(1000+232, 1000+76, 232, 76, 256, 256)
	require.True(t, est.Valid)
	assert.InDelta(t, 0, est.Value, 1e-12)
}

func TestCalculateZeroCaptureDelta(t *testing.T) {
	est, captureRem, playbackRem := Calculate(100, 300, 100, 0, 64, 64)
	assert.False(t, est.Valid)
	assert.Zero(t, est.Value)
	assert.Equal(t, uint64(100%64), captureRem)
	assert.Equal(t, uint64(300%64), playbackRem)
}

func TestEstimatorNeverEstimatesWithoutCaptureDelta(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for range 100 {
		captureBlock := uint64(1+rng.Intn(8)) * 64
		playbackBlock := uint64(1+rng.Intn(8)) * 64
		e := NewEstimator(captureBlock, playbackBlock)

		var prevCaptureRem uint64
		for range 200 {
			captureLen := uint64(rng.Intn(4096))
			if rng.Intn(4) == 0 {
				captureLen = prevCaptureRem
			}
			playbackLen := uint64(rng.Intn(4096))

			est := e.Estimate(captureLen, playbackLen)
			if captureLen == prevCaptureRem {
				require.False(t, est.Valid)
			} else {
				require.True(t, est.Valid)
			}
			prevCaptureRem = captureLen % captureBlock
		}
	}
}

func TestEstimatorReset(t *testing.T) {
	e := NewEstimator(100, 100)
	e.Estimate(150, 150)
	e.Reset()
	est := e.Estimate(150, 300)
	require.True(t, est.Valid)
	assert.InDelta(t, 1.0, est.Value, 1e-12)
}
