package types

import (
	"fmt"
	"time"
)

type SampleRate uint

type Channel uint

// Format is a negotiated raw PCM stream format.
type Format struct {
	Channels   Channel
	SampleRate SampleRate
	PCMFormat  PCMFormat
}

func (f Format) String() string {
	return fmt.Sprintf("%s/%dHz/%dch", f.PCMFormat, f.SampleRate, f.Channels)
}

func (f Format) Validate() error {
	if f.PCMFormat.Size() == 0 {
		return fmt.Errorf("unsupported PCM format: %s", f.PCMFormat)
	}
	if f.SampleRate == 0 {
		return fmt.Errorf("sample rate is not set")
	}
	if f.Channels == 0 {
		return fmt.Errorf("channels count is not set")
	}
	return nil
}

// FrameSize returns the size of one frame (one sample per channel) in bytes.
func (f Format) FrameSize() uint {
	return f.PCMFormat.Size() * uint(f.Channels)
}

// BytesForDuration returns the size of whole frames covering the duration
// (rounded down).
func (f Format) BytesForDuration(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	secs, rem := uint64(d/time.Second), uint64(d%time.Second)
	frames := secs*uint64(f.SampleRate) + rem*uint64(f.SampleRate)/uint64(time.Second)
	return frames * uint64(f.FrameSize())
}

// DurationForBytes returns the duration of the whole frames within n bytes.
func (f Format) DurationForBytes(n uint64) time.Duration {
	frameSize := uint64(f.FrameSize())
	if frameSize == 0 || f.SampleRate == 0 {
		return 0
	}
	frames := n / frameSize
	rate := uint64(f.SampleRate)
	return time.Duration(frames/rate)*time.Second +
		time.Duration((frames%rate)*uint64(time.Second)/rate)
}

// Silence returns one frame of silence.
func (f Format) Silence() []byte {
	sample := f.PCMFormat.Silence()
	frame := make([]byte, 0, len(sample)*int(f.Channels))
	for range f.Channels {
		frame = append(frame, sample...)
	}
	return frame
}
