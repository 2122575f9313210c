package portaudio

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
	"unsafe"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/gordonklaus/portaudio"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/observability"
)

type sample interface {
	uint8 | int16 | int32 | float32
}

type direction int

const (
	directionPlayback = direction(iota)
	directionRecord
)

// Stream is a blocking-mode PortAudio stream in one direction.
type Stream struct {
	PortAudioStream *portaudio.Stream
	Buffer          []byte
	Direction       direction
	CancelFunc      context.CancelFunc
	WaitGroup       sync.WaitGroup
	closeOnce       sync.Once
	closeErr        error
	loopErr         error
}

var (
	_ types.PlayStream      = (*Stream)(nil)
	_ types.RecordStream    = (*Stream)(nil)
	_ types.LatencyReporter = (*Stream)(nil)
)

func openStream[T sample](
	ctx context.Context,
	dir direction,
	sampleRate types.SampleRate,
	channels types.Channel,
	bufferSize time.Duration,
) (*Stream, error) {
	frames := int(bufferSize.Seconds() * float64(sampleRate))
	if frames <= 0 {
		return nil, fmt.Errorf("the buffer size %v is too small for %d Hz", bufferSize, sampleRate)
	}
	buf := make([]T, frames*int(channels))
	logger.Debugf(ctx, "openStream[%T]: dir:%d, rate:%d, channels:%d, buffer:%s(%d frames)", buf, dir, sampleRate, channels, bufferSize, frames)

	var (
		stream *portaudio.Stream
		err    error
	)
	switch dir {
	case directionPlayback:
		stream, err = portaudio.OpenDefaultStream(0, int(channels), float64(sampleRate), frames, &buf)
	case directionRecord:
		stream, err = portaudio.OpenDefaultStream(int(channels), 0, float64(sampleRate), frames, buf)
	}
	if err != nil {
		return nil, fmt.Errorf("unable to open the default stream: %w", err)
	}

	var s T
	return &Stream{
		PortAudioStream: stream,
		Buffer:          unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(buf))), len(buf)*int(unsafe.Sizeof(s))),
		Direction:       dir,
	}, nil
}

func openStreamForFormat(
	ctx context.Context,
	dir direction,
	sampleRate types.SampleRate,
	channels types.Channel,
	format types.PCMFormat,
	bufferSize time.Duration,
) (*Stream, error) {
	switch format {
	case types.PCMFormatU8:
		return openStream[uint8](ctx, dir, sampleRate, channels, bufferSize)
	case types.PCMFormatS16LE:
		return openStream[int16](ctx, dir, sampleRate, channels, bufferSize)
	case types.PCMFormatS32LE:
		return openStream[int32](ctx, dir, sampleRate, channels, bufferSize)
	case types.PCMFormatFloat32LE:
		return openStream[float32](ctx, dir, sampleRate, channels, bufferSize)
	default:
		return nil, fmt.Errorf("do not know how to start a stream for PCM format %s", format)
	}
}

func (s *Stream) start(
	ctx context.Context,
	loop func(ctx context.Context) error,
) error {
	ctx, s.CancelFunc = context.WithCancel(ctx)
	if err := s.PortAudioStream.Start(); err != nil {
		s.CancelFunc()
		return fmt.Errorf("unable to start the stream: %w", err)
	}

	s.WaitGroup.Add(1)
	observability.Go(ctx, func(ctx context.Context) {
		defer s.WaitGroup.Done()
		defer s.CancelFunc()
		s.loopErr = loop(ctx)
	})
	return nil
}

func (s *Stream) playbackLoop(
	ctx context.Context,
	reader io.Reader,
) (_err error) {
	logger.Debugf(ctx, "playbackLoop")
	defer func() { logger.Debugf(ctx, "/playbackLoop: %v", _err) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, err := io.ReadFull(reader, s.Buffer)
		if err != nil {
			if n == 0 {
				return fmt.Errorf("unable to read: %w", err)
			}
			clear(s.Buffer[n:])
		}

		logger.Tracef(ctx, "Write")
		if err := s.PortAudioStream.Write(); err != nil {
			return fmt.Errorf("unable to write: %w", err)
		}
	}
}

func (s *Stream) recordLoop(
	ctx context.Context,
	writer io.Writer,
) (_err error) {
	logger.Debugf(ctx, "recordLoop")
	defer func() { logger.Debugf(ctx, "/recordLoop: %v", _err) }()

	out := make([]byte, len(s.Buffer))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		logger.Tracef(ctx, "Read")
		if err := s.PortAudioStream.Read(); err != nil {
			return fmt.Errorf("unable to read: %w", err)
		}
		copy(out, s.Buffer)
		n, err := writer.Write(out)
		if err != nil {
			return fmt.Errorf("unable to write: %w", err)
		}
		if n != len(out) {
			return fmt.Errorf("invalid write length: %d != %d", n, len(out))
		}
	}
}

// Latency returns the latency reported by PortAudio for the stream direction.
func (s *Stream) Latency() time.Duration {
	info := s.PortAudioStream.Info()
	if info == nil {
		return 0
	}
	if s.Direction == directionRecord {
		return info.InputLatency
	}
	return info.OutputLatency
}

// Drain waits until the stream loop ends.
func (s *Stream) Drain() error {
	s.WaitGroup.Wait()
	return s.loopErr
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.CancelFunc != nil {
			s.CancelFunc()
		}
		s.closeErr = s.PortAudioStream.Abort()
		s.WaitGroup.Wait()
		if err := s.PortAudioStream.Close(); err != nil && s.closeErr == nil {
			s.closeErr = err
		}
	})
	return s.closeErr
}
