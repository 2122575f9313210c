// Package resync translates a time-alignment error between the capture
// and the playback streams into amounts of bytes to skip.
package resync

import (
	"fmt"
	"time"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

// SafetyMarginFrames is the amount of extra playback frames skipped
// when the capture runs ahead, to absorb jitter.
const SafetyMarginFrames = 10

// SkipState is the amount of bytes pending removal from each queue.
//
// Only one direction is set by Resolve; Playback may additionally
// receive the remainder of a Capture skip (see TakeCapture).
type SkipState struct {
	// Playback is the amount of playback bytes to drop (already heard).
	Playback uint64

	// Capture is the amount of capture bytes to forward uncancelled.
	Capture uint64
}

func (s SkipState) IsZero() bool {
	return s.Playback == 0 && s.Capture == 0
}

func (s SkipState) String() string {
	return fmt.Sprintf("skip{playback:%d, capture:%d}", s.Playback, s.Capture)
}

// Resolve converts the alignment error into a SkipState.
//
// diff < 0 means capture is ahead of playback: playback is skipped by
// the error plus SafetyMarginFrames. diff > 0 means capture lags behind:
// capture is skipped by the error.
func Resolve(
	diff time.Duration,
	capture types.Format,
	playback types.Format,
) SkipState {
	switch {
	case diff < 0:
		return SkipState{
			Playback: playback.BytesForDuration(-diff) + SafetyMarginFrames*uint64(playback.FrameSize()),
		}
	case diff > 0:
		return SkipState{
			Capture: capture.BytesForDuration(diff),
		}
	default:
		return SkipState{}
	}
}

// TakeCapture returns how many capture bytes to skip now, given the
// amount of queued capture bytes. The result is a multiple of captureBlock.
//
// If capture data remains queued after the skip and the pending capture
// skip is not block-aligned, its sub-block remainder is converted into
// an equivalent playback skip, so that the capture queue stays aligned.
func (s *SkipState) TakeCapture(
	available uint64,
	captureBlock uint64,
	playbackBlock uint64,
) uint64 {
	if s.Capture == 0 || captureBlock == 0 {
		return 0
	}

	toSkip := min(available, s.Capture)
	toSkip -= toSkip % captureBlock
	s.Capture -= toSkip

	if available > toSkip {
		if rem := s.Capture % captureBlock; rem != 0 {
			s.Playback += (captureBlock - rem) * playbackBlock / captureBlock
			s.Capture -= rem
		}
	}
	return toSkip
}

// TakePlayback returns how many playback bytes to drop now, given the
// amount of queued playback bytes. The pending playback skip is rounded
// up to whole playback blocks first, so the result is always a multiple
// of playbackBlock.
func (s *SkipState) TakePlayback(
	available uint64,
	playbackBlock uint64,
) uint64 {
	if s.Playback == 0 || playbackBlock == 0 {
		return 0
	}

	if rem := s.Playback % playbackBlock; rem != 0 {
		s.Playback += playbackBlock - rem
	}
	toSkip := min(available, s.Playback)
	toSkip -= toSkip % playbackBlock
	s.Playback -= toSkip
	return toSkip
}
