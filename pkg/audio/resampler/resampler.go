package resampler

import (
	"fmt"
	"io"
	"sync"

	"github.com/xaionaro-go/echocancel/pkg/audio/pcm"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

const (
	distanceStep = 10000
)

type Format = types.Format

type channelMapping int

const (
	channelMappingUndefined = channelMapping(iota)
	channelMappingCopy
	channelMappingRepeat
	channelMappingAverage
)

type precalculated struct {
	inSampleSize    uint
	outSampleSize   uint
	inFrameSize     uint
	outFrameSize    uint
	channelMapping  channelMapping
	outDistanceStep uint64
}

// Resampler converts a PCM stream between sample formats, channel
// counts (1->N, N->1 and N->N) and sample rates (nearest neighbour).
type Resampler struct {
	inReader    io.Reader
	inFormat    Format
	outFormat   Format
	inDistance  uint64
	outDistance uint64
	locker      sync.Mutex
	buffer      []byte
	frame       []float64
	precalculated
}

var _ io.Reader = (*Resampler)(nil)

func NewResampler(
	inFormat Format,
	inReader io.Reader,
	outFormat Format,
) (*Resampler, error) {
	r := &Resampler{
		inReader:  inReader,
		inFormat:  inFormat,
		outFormat: outFormat,
	}
	err := r.init()
	if err != nil {
		return nil, fmt.Errorf("unable to initialize a resampler from %s to %s: %w", inFormat, outFormat, err)
	}
	return r, nil
}

func (r *Resampler) init() error {
	if err := r.inFormat.Validate(); err != nil {
		return fmt.Errorf("invalid input format: %w", err)
	}
	if err := r.outFormat.Validate(); err != nil {
		return fmt.Errorf("invalid output format: %w", err)
	}

	r.inSampleSize = r.inFormat.PCMFormat.Size()
	r.outSampleSize = r.outFormat.PCMFormat.Size()
	r.inFrameSize = r.inFormat.FrameSize()
	r.outFrameSize = r.outFormat.FrameSize()

	switch {
	case r.inFormat.Channels == r.outFormat.Channels:
		r.channelMapping = channelMappingCopy
	case r.inFormat.Channels == 1:
		r.channelMapping = channelMappingRepeat
	case r.outFormat.Channels == 1:
		r.channelMapping = channelMappingAverage
	default:
		return fmt.Errorf("do not know how to convert %d channels to %d", r.inFormat.Channels, r.outFormat.Channels)
	}
	r.frame = make([]float64, r.outFormat.Channels)

	sampleRateAdjust := float64(r.outFormat.SampleRate) / float64(r.inFormat.SampleRate)
	r.outDistanceStep = uint64(float64(distanceStep) / sampleRateAdjust)

	r.inDistance = 0
	r.outDistance = 0
	return nil
}

func (r *Resampler) decodeFrame(in []byte) {
	switch r.channelMapping {
	case channelMappingCopy:
		for ch := range r.frame {
			r.frame[ch] = pcm.Decode(r.inFormat.PCMFormat, in[uint(ch)*r.inSampleSize:])
		}
	case channelMappingRepeat:
		v := pcm.Decode(r.inFormat.PCMFormat, in)
		for ch := range r.frame {
			r.frame[ch] = v
		}
	case channelMappingAverage:
		var sum float64
		for ch := uint(0); ch < uint(r.inFormat.Channels); ch++ {
			sum += pcm.Decode(r.inFormat.PCMFormat, in[ch*r.inSampleSize:])
		}
		r.frame[0] = sum / float64(r.inFormat.Channels)
	}
}

func (r *Resampler) Read(p []byte) (int, error) {
	r.locker.Lock()
	defer r.locker.Unlock()

	maxOutFrames := uint64(len(p)) / uint64(r.outFrameSize)
	if maxOutFrames == 0 {
		return 0, nil
	}

	framesToRead := uint64(float64(maxOutFrames) * float64(r.inFormat.SampleRate) / float64(r.outFormat.SampleRate))
	if framesToRead == 0 {
		framesToRead = 1
	}
	bytesToRead := framesToRead * uint64(r.inFrameSize)
	if uint64(cap(r.buffer)) < bytesToRead {
		r.buffer = make([]byte, bytesToRead)
	} else {
		r.buffer = r.buffer[:bytesToRead]
	}
	n, err := r.inReader.Read(r.buffer)
	r.buffer = r.buffer[:n]

	if n > 0 && n%int(r.inFrameSize) != 0 {
		return 0, fmt.Errorf("read a number of bytes (%d) that is not a multiple of %d", n, r.inFrameSize)
	}
	framesRead := uint64(n) / uint64(r.inFrameSize)

	dstFrameIdx := uint64(0)
	srcFrameIdx := uint64(0)
	for srcFrameIdx < framesRead && dstFrameIdx < maxOutFrames {
		// the output is behind: skip input frames
		for r.inDistance < r.outDistance && srcFrameIdx < framesRead {
			srcFrameIdx++
			r.inDistance += distanceStep
		}
		if srcFrameIdx >= framesRead {
			break
		}

		r.decodeFrame(r.buffer[srcFrameIdx*uint64(r.inFrameSize):])

		// the output is ahead: repeat the frame
		for dstFrameIdx < maxOutFrames && r.outDistance <= r.inDistance {
			out := p[dstFrameIdx*uint64(r.outFrameSize):]
			for ch, v := range r.frame {
				pcm.Encode(r.outFormat.PCMFormat, out[uint(ch)*r.outSampleSize:], v)
			}
			dstFrameIdx++
			r.outDistance += r.outDistanceStep
		}

		srcFrameIdx++
		r.inDistance += distanceStep
	}

	return int(dstFrameIdx * uint64(r.outFrameSize)), err
}
