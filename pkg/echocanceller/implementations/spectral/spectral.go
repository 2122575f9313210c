// Package spectral implements a frequency-domain echo suppressor.
//
// Every block is analyzed together with the previous one (50% overlap,
// square root of a periodic Hann window on both analysis and synthesis).
// The echo path magnitude is estimated per bin out of the smoothed
// cross-spectrum between the far-end and the near-end, and the estimated
// echo is attenuated by a spectral gain. The output lags behind the
// capture by exactly one block.
package spectral

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"github.com/brettbuddin/fourier"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/pcm"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
)

const Name = "spectral"

const (
	sampleFormat = types.PCMFormatFloat32LE
	epsilon      = 1e-10
)

type Config struct {
	// Overestimation scales the estimated echo before subtraction.
	Overestimation float64

	// Floor is the minimal gain applied to a bin.
	Floor float64

	// Smoothing is the forgetting factor of the spectra estimates (0..1).
	Smoothing float64
}

func DefaultConfig() Config {
	return Config{
		Overestimation: 1.5,
		Floor:          0.05,
		Smoothing:      0.9,
	}
}

func ParseConfig(args echocanceller.Args) (Config, error) {
	if err := args.CheckKnown("overestimation", "floor", "smoothing"); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	var err error
	if cfg.Overestimation, err = args.Float("overestimation", cfg.Overestimation); err != nil {
		return Config{}, err
	}
	if cfg.Floor, err = args.Float("floor", cfg.Floor); err != nil {
		return Config{}, err
	}
	if cfg.Smoothing, err = args.Float("smoothing", cfg.Smoothing); err != nil {
		return Config{}, err
	}
	switch {
	case cfg.Overestimation <= 0:
		return Config{}, fmt.Errorf("overestimation must be positive, but is %f", cfg.Overestimation)
	case cfg.Floor < 0 || cfg.Floor > 1:
		return Config{}, fmt.Errorf("floor must be within [0, 1], but is %f", cfg.Floor)
	case cfg.Smoothing < 0 || cfg.Smoothing >= 1:
		return Config{}, fmt.Errorf("smoothing must be within [0, 1), but is %f", cfg.Smoothing)
	}
	return cfg, nil
}

func init() {
	echocanceller.Register(Name, func(args echocanceller.Args) (echocanceller.EchoCanceller, error) {
		cfg, err := ParseConfig(args)
		if err != nil {
			return nil, err
		}
		return New(cfg), nil
	})
}

type EchoCanceller struct {
	Config Config

	isInitialized bool
	isClosed      bool

	captureFormat  types.Format
	playbackFormat types.Format
	blockSize      int

	window  []float64
	prevFar []float64
	farSxx  []float64
	far     []complex128

	channels []channelState

	// scratch buffers
	samples []float64
	mono    []float64
	near    []complex128
}

type channelState struct {
	prev []float64
	tail []float64
	sxy  []complex128
}

var _ echocanceller.Combined = (*EchoCanceller)(nil)

func New(cfg Config) *EchoCanceller {
	return &EchoCanceller{
		Config: cfg,
	}
}

func (e *EchoCanceller) Init(
	ctx context.Context,
	capture types.Format,
	playback types.Format,
	frameSize time.Duration,
) (_ echocanceller.InitResult, _err error) {
	logger.Tracef(ctx, "Init")
	defer func() { logger.Tracef(ctx, "/Init: %v", _err) }()

	if e.isInitialized {
		return echocanceller.InitResult{}, fmt.Errorf("already initialized")
	}
	if err := capture.Validate(); err != nil {
		return echocanceller.InitResult{}, fmt.Errorf("invalid capture format %s: %w", capture, err)
	}
	if err := playback.Validate(); err != nil {
		return echocanceller.InitResult{}, fmt.Errorf("invalid playback format %s: %w", playback, err)
	}

	e.captureFormat = types.Format{
		Channels:   capture.Channels,
		SampleRate: capture.SampleRate,
		PCMFormat:  sampleFormat,
	}
	e.playbackFormat = types.Format{
		Channels:   playback.Channels,
		SampleRate: capture.SampleRate,
		PCMFormat:  sampleFormat,
	}
	blockSize := echocanceller.BlockSizePowerOf2(capture.SampleRate, frameSize)
	if blockSize < 2 {
		return echocanceller.InitResult{}, fmt.Errorf("frame size %v is too small for sample rate %d", frameSize, capture.SampleRate)
	}
	e.blockSize = int(blockSize)
	fftSize := 2 * e.blockSize

	e.window = make([]float64, fftSize)
	for idx := range e.window {
		// square root of the periodic Hann window
		e.window[idx] = math.Sin(math.Pi * float64(idx) / float64(fftSize))
	}
	e.prevFar = make([]float64, e.blockSize)
	e.farSxx = make([]float64, fftSize)
	e.far = make([]complex128, fftSize)
	e.near = make([]complex128, fftSize)
	e.mono = make([]float64, e.blockSize)
	e.samples = make([]float64, e.blockSize*max(int(capture.Channels), int(playback.Channels)))
	e.channels = make([]channelState, capture.Channels)
	for ch := range e.channels {
		e.channels[ch] = channelState{
			prev: make([]float64, e.blockSize),
			tail: make([]float64, e.blockSize),
			sxy:  make([]complex128, fftSize),
		}
	}

	e.isInitialized = true
	result := echocanceller.InitResult{
		Capture:        e.captureFormat,
		Playback:       e.playbackFormat,
		Output:         e.captureFormat,
		FramesPerBlock: blockSize,
	}
	logger.Debugf(ctx, "spectral echo canceller: %#+v", result)
	return result, nil
}

func (*EchoCanceller) DriftCompensation() bool {
	return false
}

// analyze fills dst with the spectrum of the windowed concatenation of
// prev and cur, and then moves cur into prev.
func (e *EchoCanceller) analyze(dst []complex128, prev, cur []float64) {
	for idx, v := range prev {
		dst[idx] = complex(v*e.window[idx], 0)
	}
	for idx, v := range cur {
		dst[e.blockSize+idx] = complex(v*e.window[e.blockSize+idx], 0)
	}
	copy(prev, cur)
	if err := fourier.Forward(dst); err != nil {
		panic(fmt.Errorf("unable to transform a block of %d samples: %w", len(dst), err))
	}
}

// inverse transforms the spectrum back into the time domain in place.
func inverse(x []complex128) {
	for idx, v := range x {
		x[idx] = cmplx.Conj(v)
	}
	if err := fourier.Forward(x); err != nil {
		panic(fmt.Errorf("unable to transform a block of %d samples: %w", len(x), err))
	}
	scale := 1 / float64(len(x))
	for idx, v := range x {
		x[idx] = complex(real(v)*scale, -imag(v)*scale)
	}
}

func (e *EchoCanceller) Run(
	ctx context.Context,
	capture, playback, output []byte,
) {
	blockSize := e.blockSize
	smoothing := e.Config.Smoothing

	playbackChannels := int(e.playbackFormat.Channels)
	samples := e.samples[:blockSize*playbackChannels]
	pcm.DecodeSlice(sampleFormat, samples, playback)
	mono := e.mono
	for frame := range blockSize {
		var sum float64
		for ch := range playbackChannels {
			sum += samples[frame*playbackChannels+ch]
		}
		mono[frame] = sum / float64(playbackChannels)
	}
	e.analyze(e.far, e.prevFar, mono)
	for bin, x := range e.far {
		e.farSxx[bin] = smoothing*e.farSxx[bin] + (1-smoothing)*sqAbs(x)
	}

	captureChannels := len(e.channels)
	samples = e.samples[:blockSize*captureChannels]
	pcm.DecodeSlice(sampleFormat, samples, capture)
	near := mono
	for ch := range e.channels {
		state := &e.channels[ch]
		for frame := range blockSize {
			near[frame] = samples[frame*captureChannels+ch]
		}
		e.analyze(e.near, state.prev, near)

		for bin, y := range e.near {
			x := e.far[bin]
			state.sxy[bin] = complex(smoothing, 0)*state.sxy[bin] + complex(1-smoothing, 0)*y*cmplx.Conj(x)
			gainSq := sqAbs(state.sxy[bin]) / ((e.farSxx[bin] + epsilon) * (e.farSxx[bin] + epsilon))
			echo := gainSq * sqAbs(x)
			gain := max(1-e.Config.Overestimation*echo/(sqAbs(y)+epsilon), e.Config.Floor)
			e.near[bin] = complex(gain, 0) * y
		}
		inverse(e.near)

		for frame := range blockSize {
			samples[frame*captureChannels+ch] = real(e.near[frame])*e.window[frame] + state.tail[frame]
			state.tail[frame] = real(e.near[blockSize+frame]) * e.window[blockSize+frame]
		}
	}
	pcm.EncodeSlice(sampleFormat, output, samples)
}

func sqAbs(c complex128) float64 {
	return real(c)*real(c) + imag(c)*imag(c)
}

func (e *EchoCanceller) Close() error {
	if e.isClosed {
		return fmt.Errorf("already closed")
	}
	e.isClosed = true
	e.channels = nil
	return nil
}
