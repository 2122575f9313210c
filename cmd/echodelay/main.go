package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/spf13/pflag"
	"github.com/xaionaro-go/datacounter"
	"github.com/xaionaro-go/echocancel/pkg/audio"
	_ "github.com/xaionaro-go/echocancel/pkg/audio/backends/portaudio"
	_ "github.com/xaionaro-go/echocancel/pkg/audio/backends/pulseaudio"
	"github.com/xaionaro-go/echocancel/pkg/audio/pcm"
	"github.com/xaionaro-go/echocancel/pkg/audio/resampler"
	"github.com/xaionaro-go/echocancel/pkg/syncer/implementations/gccphat"
)

// lockedBuffer is written by the recorder goroutine and read after it stops.
type lockedBuffer struct {
	locker sync.Mutex
	buf    bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.locker.Lock()
	defer b.locker.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.locker.Lock()
	defer b.locker.Unlock()
	return bytes.Clone(b.buf.Bytes())
}

func main() {
	loggerLevel := logger.LevelInfo
	pflag.Var(&loggerLevel, "log-level", "Log level")
	sampleRate := pflag.Uint("rate", 48000, "sample rate to play and record at")
	probeDuration := pflag.Duration("probe", 2*time.Second, "duration of the generated noise probe, used when no ogg file is given")
	tailDuration := pflag.Duration("tail", 500*time.Millisecond, "how long to keep recording after the playback ended")
	capturePath := pflag.String("save-capture", "", "a path to save the recorded raw mono float32le capture to")
	playbackPath := pflag.String("save-playback", "", "a path to save the played raw mono float32le signal to")
	pflag.Parse()

	if pflag.NArg() > 1 {
		panic(fmt.Errorf("expected at most one argument: [<probe-ogg-file>]"))
	}

	l := logrus.Default().WithLevel(loggerLevel)
	ctx := logger.CtxWithLogger(context.Background(), l)
	logger.Default = func() logger.Logger {
		return l
	}
	defer belt.Flush(ctx)

	ctx, cancelFn := signal.NotifyContext(ctx, os.Interrupt)
	defer cancelFn()

	format := audio.Format{
		Channels:   1,
		SampleRate: audio.SampleRate(*sampleRate),
		PCMFormat:  audio.PCMFormatFloat32LE,
	}

	var probe []byte
	if pflag.NArg() == 1 {
		f, err := os.Open(pflag.Arg(0))
		assertNoError(err)
		defer f.Close()
		r, fileFormat, err := audio.NewVorbisReader(f)
		assertNoError(err)
		r, err = resampler.NewResampler(fileFormat, r, format)
		assertNoError(err)
		probe, err = io.ReadAll(r)
		assertNoError(err)
	} else {
		probe = noiseProbe(format, *probeDuration)
	}
	logger.Debugf(ctx, "probe: %d bytes of %s", len(probe), format)

	recorder := audio.NewRecorderAuto(ctx)
	defer recorder.Close()
	player := audio.NewPlayerAuto(ctx)
	defer player.Close()

	captured := &lockedBuffer{}
	wc := datacounter.NewWriterCounter(captured)
	logger.Tracef(ctx, "recorder.RecordFormat")
	streamRecord, err := recorder.RecordFormat(ctx, format, wc)
	logger.Tracef(ctx, "/recorder.RecordFormat: %v", err)
	assertNoError(err)

	// The capture position at which the playback was started.
	startOffset := wc.Count()
	logger.Tracef(ctx, "player.PlayFormat")
	streamPlay, err := player.PlayFormat(ctx, format, audio.BufferSize, bytes.NewReader(probe))
	logger.Tracef(ctx, "/player.PlayFormat: %v", err)
	assertNoError(err)
	logger.Infof(ctx, "started (%T -> %T)", player.PlayerPCM, recorder.RecorderPCM)
	if err := streamPlay.Drain(); err != nil {
		logger.Errorf(ctx, "unable to drain the playback: %v", err)
	}
	assertNoError(streamPlay.Close())

	select {
	case <-ctx.Done():
	case <-time.After(*tailDuration):
	}
	assertNoError(streamRecord.Close())

	capture := captured.Bytes()
	frameSize := uint64(format.FrameSize())
	startOffset -= startOffset % frameSize
	if startOffset > uint64(len(capture)) {
		startOffset = uint64(len(capture))
	}
	capture = capture[startOffset:]
	logger.Infof(ctx, "recorded %d bytes, %d since the playback start", wc.Count(), len(capture))

	if *capturePath != "" {
		assertNoError(os.WriteFile(*capturePath, capture, 0640))
	}
	if *playbackPath != "" {
		assertNoError(os.WriteFile(*playbackPath, probe, 0640))
	}

	s, err := gccphat.NewSyncer(format)
	assertNoError(err)
	defer s.Close()
	results, err := s.CalculateShiftBetween(ctx, probe, capture)
	assertNoError(err)

	// A positive shift means the capture leads, so the echo delay is its negation.
	delay := time.Duration(-results[0].Shift * float64(time.Second) / float64(format.SampleRate))
	fmt.Printf("echo delay: %v (%.1f frames), confidence: %.3f\n", delay, -results[0].Shift, results[0].Confidence)
}

// noiseProbe returns a Hann-windowed white noise burst, which has
// a sharp cross-correlation peak.
func noiseProbe(format audio.Format, duration time.Duration) []byte {
	frames := int(duration.Seconds() * float64(format.SampleRate))
	samples := make([]float64, frames)
	for idx := range samples {
		window := 0.5 - 0.5*math.Cos(2*math.Pi*float64(idx)/float64(frames))
		samples[idx] = 0.5 * window * (rand.Float64()*2 - 1)
	}
	out := make([]byte, len(samples)*int(format.PCMFormat.Size()))
	pcm.EncodeSlice(format.PCMFormat, out, samples)
	return out
}

func assertNoError(err error) {
	if err != nil {
		panic(err)
	}
}
