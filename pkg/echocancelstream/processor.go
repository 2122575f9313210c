package echocancelstream

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/blockqueue"
	"github.com/xaionaro-go/echocancel/pkg/clocksync"
	"github.com/xaionaro-go/echocancel/pkg/drift"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
	"github.com/xaionaro-go/echocancel/pkg/resync"
	"golang.org/x/time/rate"
)

const (
	queueCapture  = "capture"
	queuePlayback = "playback"

	blockModeRun     = "run"
	blockModeRecord  = "record"
	blockModeSkipped = "skipped"

	warnInterval = 5 * time.Second
)

// EmitFunc receives every output block. The slice is only valid until
// the function returns.
type EmitFunc func(ctx context.Context, output []byte)

// ResyncFunc performs a full resynchronization; see Processor.OnResyncRequest.
type ResyncFunc func(ctx context.Context)

// Processor pairs capture blocks with playback blocks and feeds them to
// the echo canceller. It is the capture-context core of the pipeline and
// is not safe for concurrent use.
type Processor struct {
	// OnResyncRequest is called from PushCapture when a resync was
	// requested: playback started or was replaced, a queue overflowed or
	// a playback underrun ended. It may call back into the Processor
	// (e.g. PushPlayback and ApplyDiffTime). If not set, the queues are
	// assumed to be aligned.
	OnResyncRequest ResyncFunc

	engine   echocanceller.EchoCanceller
	combined echocanceller.Combined
	split    echocanceller.Split

	captureFormat  types.Format
	playbackFormat types.Format
	outputFormat   types.Format
	blockSpec      echocanceller.BlockSpec

	captureQueue  *blockqueue.Queue
	playbackQueue *blockqueue.Queue

	skip           resync.SkipState
	driftEstimator *drift.Estimator

	playbackActive     bool
	underrun           bool
	playedFrames       uint64
	recordedFrames     uint64
	resyncRequested    bool
	recvCounter        uint64
	playbackGeneration uint64

	emit           EmitFunc
	metrics        *Metrics
	underflowLimit *rate.Limiter
	overflowLimit  *rate.Limiter

	outputBuf       []byte
	outputSilence   []byte
	sameFormatSkips bool
	isClosed        bool
}

// NewProcessor negotiates the formats with the engine and allocates the
// queues. If it fails, the engine is closed.
func NewProcessor(
	ctx context.Context,
	cfg Config,
	engine echocanceller.EchoCanceller,
	captureFormat types.Format,
	playbackFormat types.Format,
	emit EmitFunc,
	metrics *Metrics,
) (_ *Processor, _err error) {
	logger.Tracef(ctx, "NewProcessor")
	defer func() { logger.Tracef(ctx, "/NewProcessor: %v", _err) }()

	defer func() {
		if _err != nil {
			if err := engine.Close(); err != nil {
				logger.Errorf(ctx, "unable to close the echo canceller: %v", err)
			}
		}
	}()

	if err := captureFormat.Validate(); err != nil {
		return nil, fmt.Errorf("%w: capture format %s: %w", ErrInvalidConfig, captureFormat, err)
	}
	if err := playbackFormat.Validate(); err != nil {
		return nil, fmt.Errorf("%w: playback format %s: %w", ErrInvalidConfig, playbackFormat, err)
	}
	if err := echocanceller.CheckMode(engine); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}

	result, err := engine.Init(ctx, captureFormat, playbackFormat, cfg.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	blockSpec, err := result.BlockSpec()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
	}
	if minQueue := max(blockSpec.CaptureBlockBytes(), blockSpec.PlaybackBlockBytes()); cfg.QueueMaxBytes < minQueue {
		return nil, fmt.Errorf("%w: queue_max_bytes %d is less than one block (%d bytes)", ErrInvalidConfig, cfg.QueueMaxBytes, minQueue)
	}
	logger.Debugf(ctx, "negotiated: capture %s, playback %s, output %s; %d frames per block; drift compensation: %v",
		result.Capture, result.Playback, result.Output, blockSpec.FramesPerBlock, engine.DriftCompensation())

	p := &Processor{
		engine:          engine,
		captureFormat:   result.Capture,
		playbackFormat:  result.Playback,
		outputFormat:    result.Output,
		blockSpec:       blockSpec,
		captureQueue:    blockqueue.New(cfg.QueueMaxBytes, nil),
		playbackQueue:   blockqueue.New(cfg.QueueMaxBytes, result.Playback.Silence()),
		emit:            emit,
		metrics:         metrics,
		underflowLimit:  rate.NewLimiter(rate.Every(warnInterval), 1),
		overflowLimit:   rate.NewLimiter(rate.Every(warnInterval), 1),
		outputBuf:       make([]byte, blockSpec.OutputBlockBytes()),
		sameFormatSkips: result.Capture == result.Output,
	}
	if engine.DriftCompensation() {
		p.split = engine.(echocanceller.Split)
		p.driftEstimator = drift.NewEstimator(uint64(blockSpec.FramesPerBlock), uint64(blockSpec.FramesPerBlock))
	} else {
		p.combined = engine.(echocanceller.Combined)
	}
	if !p.sameFormatSkips {
		p.outputSilence = bytes.Repeat(result.Output.Silence(), int(blockSpec.FramesPerBlock))
	}
	return p, nil
}

func (p *Processor) CaptureFormat() types.Format {
	return p.captureFormat
}

func (p *Processor) PlaybackFormat() types.Format {
	return p.playbackFormat
}

func (p *Processor) OutputFormat() types.Format {
	return p.outputFormat
}

func (p *Processor) BlockSpec() echocanceller.BlockSpec {
	return p.blockSpec
}

func (p *Processor) DriftCompensation() bool {
	return p.split != nil
}

func (p *Processor) PlaybackActive() bool {
	return p.playbackActive
}

func (p *Processor) SkipState() resync.SkipState {
	return p.skip
}

func (p *Processor) RecvCounter() uint64 {
	return p.recvCounter
}

// PlaybackGeneration identifies the playback source RecvCounter refers to.
func (p *Processor) PlaybackGeneration() uint64 {
	return p.playbackGeneration
}

// AttachPlayback switches to a new playback source: the receive counter
// restarts from zero, the already queued playback is kept. A resync is
// requested.
func (p *Processor) AttachPlayback(ctx context.Context, generation uint64) {
	if p.isClosed {
		return
	}
	logger.Debugf(ctx, "playback source %d attached (was %d, received %d bytes)", generation, p.playbackGeneration, p.recvCounter)
	p.playbackGeneration = generation
	p.recvCounter = 0
	p.resyncRequested = true
}

// PushPlayback queues rendered playback bytes. Receiving playback while
// playback is inactive activates it.
func (p *Processor) PushPlayback(ctx context.Context, data []byte) {
	if p.isClosed {
		return
	}
	if !p.playbackActive {
		p.SetPlaybackActive(ctx, true)
	}
	p.recvCounter += uint64(len(data))
	p.metrics.playback(len(data))
	if dropped := p.playbackQueue.Push(data); dropped > 0 {
		p.onOverflow(ctx, queuePlayback, dropped)
	}
}

// RewindPlayback retracts the most recent playback bytes which were
// not played after all.
func (p *Processor) RewindPlayback(ctx context.Context, n uint64) {
	if p.isClosed {
		return
	}
	rewound := p.playbackQueue.Rewind(n)
	logger.Debugf(ctx, "playback rewind by %d bytes (%d were queued)", n, rewound)
	p.recvCounter -= min(n, p.recvCounter)
}

// SetPlaybackActive switches between the pass-through mode (playback
// stopped: the queue is flushed and every capture block is processed
// against silence) and the normal mode. Activation requests a resync.
func (p *Processor) SetPlaybackActive(ctx context.Context, active bool) {
	if p.isClosed || p.playbackActive == active {
		return
	}
	logger.Debugf(ctx, "playback active: %v", active)
	p.playbackActive = active
	if !active {
		p.playbackQueue.Flush()
		p.skip = resync.SkipState{}
		p.underrun = false
		return
	}
	if p.driftEstimator != nil {
		p.driftEstimator.Reset()
	}
	p.playedFrames, p.recordedFrames = 0, 0
	p.resyncRequested = true
}

// RequestResync makes the next PushCapture call OnResyncRequest.
func (p *Processor) RequestResync() {
	p.resyncRequested = true
}

// ApplyDiffTime converts the alignment error into the pending skips.
func (p *Processor) ApplyDiffTime(ctx context.Context, diff time.Duration) {
	if p.isClosed {
		return
	}
	p.skip = resync.Resolve(diff, p.captureFormat, p.playbackFormat)
	logger.Debugf(ctx, "diff %v: %s", diff, p.skip)
	switch {
	case p.skip.Playback > 0:
		p.metrics.resync(queuePlayback)
	case p.skip.Capture > 0:
		p.metrics.resync(queueCapture)
	default:
		p.metrics.resync("none")
	}
	if p.driftEstimator != nil {
		p.driftEstimator.Reset()
	}
}

// CaptureSnapshot returns the capture side of a latency snapshot.
func (p *Processor) CaptureSnapshot(
	now time.Time,
	latency time.Duration,
	delayBytes uint64,
) clocksync.CaptureSnapshot {
	return clocksync.CaptureSnapshot{
		Now:                 now,
		Latency:             latency,
		DelayBytes:          delayBytes,
		RecvCounter:         p.recvCounter,
		Generation:          p.playbackGeneration,
		QueuedCaptureBytes:  p.captureQueue.Len(),
		QueuedPlaybackBytes: p.playbackQueue.Len(),
	}
}

// PushCapture queues captured bytes and processes every complete block.
func (p *Processor) PushCapture(ctx context.Context, data []byte) {
	if p.isClosed {
		return
	}
	p.metrics.captured(len(data))
	if dropped := p.captureQueue.Push(data); dropped > 0 {
		p.onOverflow(ctx, queueCapture, dropped)
	}
	defer func() { p.metrics.queued(p.captureQueue.Len(), p.playbackQueue.Len()) }()

	captureBlock := p.blockSpec.CaptureBlockBytes()
	if p.captureQueue.Len() < captureBlock {
		return
	}

	if p.resyncRequested {
		p.resyncRequested = false
		if p.OnResyncRequest != nil {
			p.OnResyncRequest(ctx)
		}
	}

	if !p.skip.IsZero() {
		p.applySkips(ctx)
	}

	if p.captureQueue.Len() < captureBlock {
		return
	}

	if p.split != nil {
		p.processDrift(ctx)
	} else {
		p.processNormal(ctx)
	}
}

func (p *Processor) onOverflow(ctx context.Context, queue string, dropped uint64) {
	p.metrics.overflow(queue, dropped)
	if p.overflowLimit.Allow() {
		logger.Warnf(ctx, "the %s queue overflowed, dropped the oldest %d bytes", queue, dropped)
	}
	p.resyncRequested = true
}

func (p *Processor) applySkips(ctx context.Context) {
	captureBlock := p.blockSpec.CaptureBlockBytes()
	playbackBlock := p.blockSpec.PlaybackBlockBytes()

	captureSkip := p.skip.TakeCapture(p.captureQueue.Len(), captureBlock, playbackBlock)
	for skipped := uint64(0); skipped < captureSkip; skipped += captureBlock {
		block := p.captureQueue.PeekFixed(captureBlock)
		if p.sameFormatSkips {
			p.emitOutput(ctx, block.Data)
		} else {
			p.emitOutput(ctx, p.outputSilence)
		}
		p.captureQueue.Drop(captureBlock)
		p.metrics.block(blockModeSkipped)
	}
	p.metrics.skipped(queueCapture, captureSkip)

	playbackSkip := p.skip.TakePlayback(p.playbackQueue.Len(), playbackBlock)
	p.playbackQueue.Drop(playbackSkip)
	p.metrics.skipped(queuePlayback, playbackSkip)

	if captureSkip > 0 || playbackSkip > 0 {
		logger.Debugf(ctx, "skipped %d capture bytes and %d playback bytes; pending: %s", captureSkip, playbackSkip, p.skip)
	}
}

func (p *Processor) processNormal(ctx context.Context) {
	captureBlock := p.blockSpec.CaptureBlockBytes()
	playbackBlock := p.blockSpec.PlaybackBlockBytes()
	for p.captureQueue.Len() >= captureBlock {
		capture := p.captureQueue.PeekFixed(captureBlock)
		playback := p.playbackQueue.PeekFixed(playbackBlock)
		if p.playbackActive {
			if playback.Partial() {
				p.onUnderrun(ctx, playback.Silence)
			} else {
				p.onPlaybackAvailable(ctx)
			}
		}
		p.combined.Run(ctx, capture.Data, playback.Data, p.outputBuf)
		p.captureQueue.Drop(captureBlock)
		p.playbackQueue.Drop(playbackBlock)
		p.metrics.block(blockModeRun)
		p.emitOutput(ctx, p.outputBuf)
	}
}

func (p *Processor) processDrift(ctx context.Context) {
	captureBlock := p.blockSpec.CaptureBlockBytes()
	playbackBlock := p.blockSpec.PlaybackBlockBytes()

	estimate := p.driftEstimator.Estimate(
		p.captureQueue.Len()/uint64(p.blockSpec.CaptureFrameBytes),
		p.playbackQueue.Len()/uint64(p.blockSpec.PlaybackFrameBytes),
	)

	for p.playbackQueue.Len() >= playbackBlock {
		playback := p.playbackQueue.PeekFixed(playbackBlock)
		p.split.Play(ctx, playback.Data)
		p.playbackQueue.Drop(playbackBlock)
		p.playedFrames += uint64(p.blockSpec.FramesPerBlock)
	}

	if estimate.Valid && p.playbackActive {
		p.split.SetDrift(estimate.Value)
		p.metrics.setDrift(estimate.Value)
	}

	for p.captureQueue.Len() >= captureBlock {
		capture := p.captureQueue.PeekFixed(captureBlock)
		p.split.Record(ctx, capture.Data, p.outputBuf)
		p.captureQueue.Drop(captureBlock)
		p.recordedFrames += uint64(p.blockSpec.FramesPerBlock)
		p.metrics.block(blockModeRecord)
		p.emitOutput(ctx, p.outputBuf)
	}

	// the engine runs out of playback once it was given less of it than
	// of capture
	if p.playbackActive {
		if p.playedFrames < p.recordedFrames {
			p.onUnderrun(ctx, (p.recordedFrames-p.playedFrames)*uint64(p.blockSpec.PlaybackFrameBytes))
		} else {
			p.onPlaybackAvailable(ctx)
		}
	}
}

func (p *Processor) onUnderrun(ctx context.Context, missing uint64) {
	p.underrun = true
	p.metrics.underflow()
	if p.underflowLimit.Allow() {
		logger.Warnf(ctx, "playback underflow: %d bytes short of a block", missing)
	}
}

// onPlaybackAvailable requests a resync when an underrun is over, since
// the alignment was lost during it.
func (p *Processor) onPlaybackAvailable(ctx context.Context) {
	if !p.underrun {
		return
	}
	p.underrun = false
	logger.Debugf(ctx, "the playback underrun is over, requesting a resync")
	p.resyncRequested = true
}

func (p *Processor) emitOutput(ctx context.Context, output []byte) {
	p.metrics.output(len(output))
	if p.emit != nil {
		p.emit(ctx, output)
	}
}

// Close tears the engine down and drops the queues.
func (p *Processor) Close(ctx context.Context) error {
	if p.isClosed {
		return nil
	}
	p.isClosed = true
	p.captureQueue.Flush()
	p.playbackQueue.Flush()
	if err := p.engine.Close(); err != nil {
		return fmt.Errorf("unable to close the echo canceller: %w", err)
	}
	return nil
}
