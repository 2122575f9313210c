// Package nlms implements a time-domain echo canceller based on a
// normalized least mean squares adaptive filter.
//
// The far-end (playback) signal is mixed down to mono and kept in a
// history buffer which is read at a fractional rate, so that the clock
// drift between playback and capture is compensated inside the engine.
package nlms

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/pcm"
	"github.com/xaionaro-go/echocancel/pkg/audio/planar"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
)

const Name = "nlms"

const (
	sampleFormat = types.PCMFormatFloat32LE

	// maxDrift bounds the far-end read rate correction.
	maxDrift = 0.05

	regularization = 1e-6
)

type Config struct {
	// FilterLength is the length of the echo path model in frames.
	FilterLength uint

	// Step is the NLMS adaptation step (0..2).
	Step float64

	// Delay is the bulk delay of the echo path applied to the far-end.
	Delay time.Duration

	// Probe enables a one-shot GCC-PHAT estimation of the bulk delay.
	Probe bool

	// ProbeLength is the amount of signal collected for the probe.
	ProbeLength time.Duration

	// ProbeConfidence is the minimal confidence to apply the probed delay.
	ProbeConfidence float64
}

func DefaultConfig() Config {
	return Config{
		FilterLength:    1024,
		Step:            0.3,
		Probe:           false,
		ProbeLength:     time.Second,
		ProbeConfidence: 0.3,
	}
}

func ParseConfig(args echocanceller.Args) (Config, error) {
	if err := args.CheckKnown(
		"filter_length", "step", "delay",
		"probe", "probe_length", "probe_confidence",
	); err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	var err error
	if cfg.FilterLength, err = args.Uint("filter_length", cfg.FilterLength); err != nil {
		return Config{}, err
	}
	if cfg.Step, err = args.Float("step", cfg.Step); err != nil {
		return Config{}, err
	}
	if cfg.Delay, err = args.Duration("delay", cfg.Delay); err != nil {
		return Config{}, err
	}
	if cfg.Probe, err = args.Bool("probe", cfg.Probe); err != nil {
		return Config{}, err
	}
	if cfg.ProbeLength, err = args.Duration("probe_length", cfg.ProbeLength); err != nil {
		return Config{}, err
	}
	if cfg.ProbeConfidence, err = args.Float("probe_confidence", cfg.ProbeConfidence); err != nil {
		return Config{}, err
	}
	switch {
	case cfg.FilterLength == 0:
		return Config{}, fmt.Errorf("filter_length must be positive")
	case cfg.Step <= 0 || cfg.Step >= 2:
		return Config{}, fmt.Errorf("step must be within (0, 2), but is %f", cfg.Step)
	case cfg.Delay < 0:
		return Config{}, fmt.Errorf("delay must not be negative, but is %v", cfg.Delay)
	case cfg.Probe && cfg.ProbeLength <= 0:
		return Config{}, fmt.Errorf("probe_length must be positive, but is %v", cfg.ProbeLength)
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

	// far-end history: farBase is the absolute index of far[0]
	far     []float64
	farBase uint64
	readPos float64
	rate    float64

	// reference history: ref[refPos] is the newest sample
	ref       []float64
	refPos    int
	refEnergy float64
	weights   [][]float64

	probe *delayProbe

	// scratch buffers
	planarBuf  []byte
	channelBuf [][]float64
	mixBuf     []float64
}

var _ echocanceller.Split = (*EchoCanceller)(nil)

func New(cfg Config) *EchoCanceller {
	return &EchoCanceller{
		Config: cfg,
		rate:   1,
	}
}

// Init negotiates float32 samples for every stream, and the capture
// sample rate for the playback.
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
	framesPerBlock := echocanceller.FramesForDuration(capture.SampleRate, frameSize)

	filterLength := int(e.Config.FilterLength)
	e.ref = make([]float64, filterLength)
	e.weights = make([][]float64, capture.Channels)
	e.channelBuf = make([][]float64, capture.Channels)
	for ch := range e.weights {
		e.weights[ch] = make([]float64, filterLength)
		e.channelBuf[ch] = make([]float64, framesPerBlock)
	}
	e.planarBuf = make([]byte, uint64(framesPerBlock)*uint64(e.captureFormat.FrameSize()))

	delayFrames := e.captureFormat.BytesForDuration(e.Config.Delay) / uint64(e.captureFormat.FrameSize())
	e.far = make([]float64, delayFrames)

	if e.Config.Probe {
		probeFrames := e.captureFormat.BytesForDuration(e.Config.ProbeLength) / uint64(e.captureFormat.FrameSize())
		e.probe = newDelayProbe(int(max(probeFrames, 1)), float64(capture.SampleRate), e.Config.ProbeConfidence)
	}

	e.isInitialized = true
	result := echocanceller.InitResult{
		Capture:        e.captureFormat,
		Playback:       e.playbackFormat,
		Output:         e.captureFormat,
		FramesPerBlock: framesPerBlock,
	}
	logger.Debugf(ctx, "nlms echo canceller: %#+v; delay: %d frames", result, delayFrames)
	return result, nil
}

func (*EchoCanceller) DriftCompensation() bool {
	return true
}

// Play appends a playback block to the far-end history.
func (e *EchoCanceller) Play(
	ctx context.Context,
	playback []byte,
) {
	channels := int(e.playbackFormat.Channels)
	frames := len(playback) / int(e.playbackFormat.FrameSize())
	samples := e.decode(playback, frames*channels)
	for frame := range frames {
		var sum float64
		for ch := range channels {
			sum += samples[frame*channels+ch]
		}
		e.far = append(e.far, sum/float64(channels))
	}
}

func (e *EchoCanceller) decode(b []byte, count int) []float64 {
	if cap(e.mixBuf) < count {
		e.mixBuf = make([]float64, count)
	}
	e.mixBuf = e.mixBuf[:count]
	pcm.DecodeSlice(sampleFormat, e.mixBuf, b)
	return e.mixBuf
}

// SetDrift sets the relative speed of the far-end clock; positive values
// mean the playback is faster than the capture.
func (e *EchoCanceller) SetDrift(drift float64) {
	if math.IsNaN(drift) || math.IsInf(drift, 0) {
		return
	}
	e.rate = 1 + max(-maxDrift, min(maxDrift, drift))
}

// Record cancels the echo out of a capture block.
func (e *EchoCanceller) Record(
	ctx context.Context,
	capture []byte,
	output []byte,
) {
	channels := e.captureFormat.Channels
	sampleSize := sampleFormat.Size()
	frames := len(capture) / int(e.captureFormat.FrameSize())
	if frames > len(e.channelBuf[0]) {
		panic(fmt.Errorf("capture block is too large: %d > %d frames", frames, len(e.channelBuf[0])))
	}
	planarBuf := e.planarBuf[:len(capture)]
	if err := planar.Planarize(channels, sampleSize, planarBuf, capture); err != nil {
		panic(err)
	}
	channelBytes := frames * int(sampleSize)
	for ch := range e.channelBuf {
		pcm.DecodeSlice(sampleFormat, e.channelBuf[ch][:frames], planarBuf[ch*channelBytes:])
	}

	for frame := range frames {
		x := e.nextFarSample()
		e.pushReference(x)
		var nearMix float64
		for ch, samples := range e.channelBuf {
			nearMix += samples[frame]
			samples[frame] = e.filter(ch, samples[frame])
		}
		if e.probe != nil {
			e.probe.Add(x, nearMix/float64(channels))
		}
	}

	for ch := range e.channelBuf {
		pcm.EncodeSlice(sampleFormat, planarBuf[ch*channelBytes:], e.channelBuf[ch][:frames])
	}
	if err := planar.Unplanarize(channels, sampleSize, output[:len(capture)], planarBuf); err != nil {
		panic(err)
	}

	e.trimFar()

	if e.probe != nil && e.probe.IsFull() {
		e.applyProbe(ctx)
	}
}

// nextFarSample returns the far-end sample at the read position (linearly
// interpolated) and advances the read position by the current rate.
func (e *EchoCanceller) nextFarSample() float64 {
	pos := e.readPos - float64(e.farBase)
	e.readPos += e.rate
	if pos < 0 {
		return 0
	}
	idx := int(pos)
	if idx >= len(e.far) {
		return 0
	}
	frac := pos - float64(idx)
	if idx+1 >= len(e.far) || frac == 0 {
		return e.far[idx]
	}
	return e.far[idx]*(1-frac) + e.far[idx+1]*frac
}

func (e *EchoCanceller) pushReference(x float64) {
	e.refPos++
	if e.refPos == len(e.ref) {
		e.refPos = 0
	}
	old := e.ref[e.refPos]
	e.ref[e.refPos] = x
	e.refEnergy += x*x - old*old
	if e.refEnergy < 0 {
		e.refEnergy = 0
	}
}

// filter returns the error signal of the channel and adapts its weights.
func (e *EchoCanceller) filter(ch int, near float64) float64 {
	w := e.weights[ch]
	n := len(w)

	var estimate float64
	pos := e.refPos
	for tap := range n {
		estimate += w[tap] * e.ref[pos]
		pos--
		if pos < 0 {
			pos = n - 1
		}
	}
	errSignal := near - estimate

	mu := e.Config.Step * errSignal / (e.refEnergy + regularization*float64(n))
	pos = e.refPos
	for tap := range n {
		w[tap] += mu * e.ref[pos]
		pos--
		if pos < 0 {
			pos = n - 1
		}
	}
	return errSignal
}

// trimFar releases the far-end history which cannot be read anymore.
func (e *EchoCanceller) trimFar() {
	keepFrom := int64(math.Floor(e.readPos)) - 1
	if e.probe != nil {
		keepFrom -= int64(e.probe.Len())
	}
	drop := keepFrom - int64(e.farBase)
	if drop <= 0 {
		return
	}
	drop = min(drop, int64(len(e.far)))
	e.far = append(e.far[:0], e.far[drop:]...)
	e.farBase += uint64(drop)
}

func (e *EchoCanceller) applyProbe(ctx context.Context) {
	probe := e.probe
	e.probe = nil

	delay, ok := probe.Delay(ctx)
	if !ok {
		return
	}
	if delay == 0 {
		return
	}
	logger.Debugf(ctx, "nlms: applying the probed far-end delay: %d frames", delay)
	e.readPos = max(e.readPos-float64(delay), float64(e.farBase))
	for _, w := range e.weights {
		clear(w)
	}
	clear(e.ref)
	e.refEnergy = 0
}

func (e *EchoCanceller) Close() error {
	if e.isClosed {
		return fmt.Errorf("already closed")
	}
	e.isClosed = true
	e.far = nil
	e.ref = nil
	e.weights = nil
	e.probe = nil
	return nil
}
