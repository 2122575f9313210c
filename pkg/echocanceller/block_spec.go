package echocanceller

import (
	"fmt"
	"math/bits"
	"time"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

// BlockSpec describes the fixed processing unit negotiated with an engine.
type BlockSpec struct {
	FramesPerBlock     uint
	CaptureFrameBytes  uint
	PlaybackFrameBytes uint
	OutputFrameBytes   uint
}

func NewBlockSpec(
	capture, playback, output types.Format,
	framesPerBlock uint,
) (BlockSpec, error) {
	if framesPerBlock == 0 {
		return BlockSpec{}, fmt.Errorf("frames per block is zero")
	}
	for _, f := range []struct {
		Name   string
		Format types.Format
	}{
		{"capture", capture},
		{"playback", playback},
		{"output", output},
	} {
		if err := f.Format.Validate(); err != nil {
			return BlockSpec{}, fmt.Errorf("invalid %s format %s: %w", f.Name, f.Format, err)
		}
	}
	return BlockSpec{
		FramesPerBlock:     framesPerBlock,
		CaptureFrameBytes:  capture.FrameSize(),
		PlaybackFrameBytes: playback.FrameSize(),
		OutputFrameBytes:   output.FrameSize(),
	}, nil
}

// BlockSpec returns the block geometry of the negotiated formats.
func (r InitResult) BlockSpec() (BlockSpec, error) {
	return NewBlockSpec(r.Capture, r.Playback, r.Output, r.FramesPerBlock)
}

func (s BlockSpec) CaptureBlockBytes() uint64 {
	return uint64(s.FramesPerBlock) * uint64(s.CaptureFrameBytes)
}

func (s BlockSpec) PlaybackBlockBytes() uint64 {
	return uint64(s.FramesPerBlock) * uint64(s.PlaybackFrameBytes)
}

func (s BlockSpec) OutputBlockBytes() uint64 {
	return uint64(s.FramesPerBlock) * uint64(s.OutputFrameBytes)
}

// BlockSizePowerOf2 returns the largest power of two not exceeding the
// amount of frames in frameSize (at least 1).
func BlockSizePowerOf2(rate types.SampleRate, frameSize time.Duration) uint {
	frames := uint64(rate) * uint64(max(frameSize, 0)) / uint64(time.Second)
	if frames == 0 {
		return 1
	}
	return 1 << (bits.Len64(frames) - 1)
}

// FramesForDuration returns the amount of frames in frameSize (at least 1).
func FramesForDuration(rate types.SampleRate, frameSize time.Duration) uint {
	return uint(max(uint64(rate)*uint64(max(frameSize, 0))/uint64(time.Second), 1))
}
