// Package drift estimates the relative rate mismatch between the capture
// and the playback clocks out of the queue consumption.
package drift

// Estimate is a normalized drift ratio; positive means playback runs faster
// than capture. Valid is false when no estimate could be made this cycle.
type Estimate struct {
	Value float64
	Valid bool
}

// Calculate computes the drift since the previous iteration.
//
// The consumed amount of each side is the current queue length minus the
// remainder left over from the previous iteration (remainder = length
// modulo block size). The new remainders are always returned, even if
// the estimate is not valid.
func Calculate(
	captureLen, playbackLen uint64,
	prevCaptureRem, prevPlaybackRem uint64,
	captureBlock, playbackBlock uint64,
) (_ Estimate, newCaptureRem uint64, newPlaybackRem uint64) {
	if captureBlock > 0 {
		newCaptureRem = captureLen % captureBlock
	}
	if playbackBlock > 0 {
		newPlaybackRem = playbackLen % playbackBlock
	}

	captureDelta := float64(captureLen) - float64(prevCaptureRem)
	playbackDelta := float64(playbackLen) - float64(prevPlaybackRem)
	if captureDelta == 0 {
		return Estimate{}, newCaptureRem, newPlaybackRem
	}

	return Estimate{
		Value: (playbackDelta - captureDelta) / captureDelta,
		Valid: true,
	}, newCaptureRem, newPlaybackRem
}

// Estimator keeps the remainders between iterations.
type Estimator struct {
	CaptureBlock  uint64
	PlaybackBlock uint64

	captureRem  uint64
	playbackRem uint64
}

func NewEstimator(captureBlock, playbackBlock uint64) *Estimator {
	return &Estimator{
		CaptureBlock:  captureBlock,
		PlaybackBlock: playbackBlock,
	}
}

func (e *Estimator) Estimate(captureLen, playbackLen uint64) Estimate {
	var result Estimate
	result, e.captureRem, e.playbackRem = Calculate(
		captureLen, playbackLen,
		e.captureRem, e.playbackRem,
		e.CaptureBlock, e.PlaybackBlock,
	)
	return result
}

// Reset forgets the remainders, e.g. after the queues were resynchronized.
func (e *Estimator) Reset() {
	e.captureRem = 0
	e.playbackRem = 0
}
