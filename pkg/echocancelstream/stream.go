// Package echocancelstream keeps a playback stream and a capture stream
// time-aligned and feeds matching blocks of them to an echo canceller.
//
// The capture side is an io.Writer (give it to a recorder), the playback
// side is a tap around the reader given to a player (or around the writer
// which renders the playback), and the echo-cancelled capture is read
// back through io.Reader.
package echocancelstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/iamcalledrob/circular"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/clocksync"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
	"github.com/xaionaro-go/observability"
	"golang.org/x/time/rate"
)

type options struct {
	Metrics       *Metrics
	EchoCanceller echocanceller.EchoCanceller
}

type Option func(*options)

// WithMetrics makes the stream report to the given metrics.
func WithMetrics(m *Metrics) Option {
	return func(opts *options) {
		opts.Metrics = m
	}
}

// WithEchoCanceller makes the stream use the given engine instead of
// the one named in the Config. The stream takes the ownership of it.
func WithEchoCanceller(ec echocanceller.EchoCanceller) Option {
	return func(opts *options) {
		opts.EchoCanceller = ec
	}
}

type Stream struct {
	Config Config

	ctx          context.Context
	cancelFunc   context.CancelFunc
	processor    *Processor
	synchronizer *clocksync.Synchronizer
	metrics      *Metrics

	inbox               *mailbox[message]
	captureChunks       *mailbox[[]byte]
	pendingCaptureBytes atomic.Uint64

	tap                     atomic.Pointer[playbackTap]
	tapGeneration           atomic.Uint64
	playbackLatencyReporter atomic.Pointer[types.LatencyReporter]
	captureLatencyReporter  atomic.Pointer[types.LatencyReporter]

	outputLocker       sync.Mutex
	outputBuffer       *circular.Buffer
	outputProgressedCh chan struct{}
	overrunLimit       *rate.Limiter

	isClosed  atomic.Bool
	closeOnce sync.Once
	closedCh  chan struct{}
	waitGroup sync.WaitGroup
}

var (
	_ io.ReadWriteCloser            = (*Stream)(nil)
	_ clocksync.Resyncer            = (*Stream)(nil)
	_ clocksync.PlaybackSnapshotter = (*Stream)(nil)
	_ clocksync.CaptureSnapshotter  = (*Stream)(nil)
)

// New negotiates the formats with the echo canceller and starts the
// capture context (and the clock synchronizer, if enabled). The formats
// to be used for capture and playback are returned by CaptureFormat and
// PlaybackFormat, and may differ from the requested ones.
func New(
	ctx context.Context,
	cfg Config,
	captureFormat types.Format,
	playbackFormat types.Format,
	opts ...Option,
) (_ *Stream, _err error) {
	logger.Tracef(ctx, "New")
	defer func() { logger.Tracef(ctx, "/New: %v", _err) }()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		if o.EchoCanceller != nil {
			if err := o.EchoCanceller.Close(); err != nil {
				logger.Errorf(ctx, "unable to close the echo canceller: %v", err)
			}
		}
		return nil, err
	}

	engine := o.EchoCanceller
	if engine == nil {
		args, err := echocanceller.ParseArgs(cfg.EngineArgs)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		engine, err = echocanceller.New(cfg.Engine, args)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEngineInit, err)
		}
	}

	s := &Stream{
		Config:             cfg,
		metrics:            o.Metrics,
		inbox:              newMailbox[message](),
		captureChunks:      newMailbox[[]byte](),
		outputProgressedCh: make(chan struct{}),
		overrunLimit:       rate.NewLimiter(rate.Every(warnInterval), 1),
		closedCh:           make(chan struct{}),
	}

	processor, err := NewProcessor(ctx, cfg, engine, captureFormat, playbackFormat, s.writeOutput, o.Metrics)
	if err != nil {
		return nil, err
	}
	if uint64(cfg.OutputBufferSize) < processor.BlockSpec().OutputBlockBytes() {
		if err := processor.Close(ctx); err != nil {
			logger.Errorf(ctx, "%v", err)
		}
		return nil, fmt.Errorf("%w: output_buffer_size %d is less than one output block (%d bytes)",
			ErrInvalidConfig, cfg.OutputBufferSize, processor.BlockSpec().OutputBlockBytes())
	}
	processor.OnResyncRequest = s.fullResync
	s.processor = processor
	s.outputBuffer = circular.NewBuffer(int(cfg.OutputBufferSize))

	ctx, cancelFn := context.WithCancel(ctx)
	s.ctx = ctx
	s.cancelFunc = cancelFn

	s.waitGroup.Add(1)
	observability.Go(ctx, func(ctx context.Context) {
		defer s.waitGroup.Done()
		s.captureLoop(ctx)
	})

	if cfg.AdjustTime > 0 && !processor.DriftCompensation() {
		s.synchronizer = clocksync.New(
			clocksync.Config{
				Interval:  cfg.AdjustTime,
				Threshold: cfg.AdjustThreshold,
				Timeout:   cfg.SnapshotTimeout,
			},
			processor.CaptureFormat(), processor.PlaybackFormat(),
			s, s, s,
		)
		s.synchronizer.OnMeasurement = func(m clocksync.Measurement) {
			s.metrics.setAlignmentError(m.Diff)
		}
		s.synchronizer.Start(ctx)
	}
	return s, nil
}

func (s *Stream) CaptureFormat() types.Format {
	return s.processor.CaptureFormat()
}

func (s *Stream) PlaybackFormat() types.Format {
	return s.processor.PlaybackFormat()
}

func (s *Stream) OutputFormat() types.Format {
	return s.processor.OutputFormat()
}

func (s *Stream) BlockSpec() echocanceller.BlockSpec {
	return s.processor.BlockSpec()
}

// Synchronizer returns nil if the periodic clock synchronization is disabled.
func (s *Stream) Synchronizer() *clocksync.Synchronizer {
	return s.synchronizer
}

func (s *Stream) SetPlaybackLatencyReporter(r types.LatencyReporter) {
	if r == nil {
		s.playbackLatencyReporter.Store(nil)
		return
	}
	s.playbackLatencyReporter.Store(&r)
}

func (s *Stream) SetCaptureLatencyReporter(r types.LatencyReporter) {
	if r == nil {
		s.captureLatencyReporter.Store(nil)
		return
	}
	s.captureLatencyReporter.Store(&r)
}

func (s *Stream) playbackLatency() time.Duration {
	return latencyOf(s.playbackLatencyReporter.Load())
}

func (s *Stream) captureLatency() time.Duration {
	return latencyOf(s.captureLatencyReporter.Load())
}

func latencyOf(r *types.LatencyReporter) time.Duration {
	if r == nil {
		return 0
	}
	return (*r).Latency()
}

// Write consumes captured audio in the capture format. It never blocks.
func (s *Stream) Write(p []byte) (int, error) {
	if s.isClosed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	s.pendingCaptureBytes.Add(uint64(len(chunk)))
	if err := s.captureChunks.Post(chunk); err != nil {
		return 0, err
	}
	return len(p), nil
}

// PlaybackReader wraps the reader which is given to the player. It replaces
// the previously attached playback tap, if any.
func (s *Stream) PlaybackReader(r io.Reader) *PlaybackReader {
	tap := newPlaybackTap(s)
	return &PlaybackReader{
		playbackTap: tap,
		Reader:      r,
	}
}

// PlaybackWriter wraps the writer which renders the playback. It replaces
// the previously attached playback tap, if any.
func (s *Stream) PlaybackWriter(w io.Writer) *PlaybackWriter {
	tap := newPlaybackTap(s)
	return &PlaybackWriter{
		playbackTap: tap,
		Writer:      w,
	}
}

func (s *Stream) detachTap(t *playbackTap) {
	s.tap.CompareAndSwap(t, nil)
}

// SetPlaybackActive tells whether the playback is running, e.g. on pause.
func (s *Stream) SetPlaybackActive(active bool) error {
	return s.inbox.Post(playbackState{Active: active})
}

// RequestResync asks the capture context to realign the streams by diff.
func (s *Stream) RequestResync(ctx context.Context, diff time.Duration) {
	if err := s.inbox.Post(applyDiffTime{Diff: diff}); err != nil {
		logger.Debugf(ctx, "unable to request a resync: %v", err)
	}
}

func (s *Stream) PlaybackSnapshot(ctx context.Context) (clocksync.PlaybackSnapshot, error) {
	tap := s.tap.Load()
	if tap == nil {
		return clocksync.PlaybackSnapshot{}, ErrNoPlayback
	}
	return tap.snapshot(ctx)
}

func (s *Stream) CaptureSnapshot(ctx context.Context) (clocksync.CaptureSnapshot, error) {
	reply := make(chan clocksync.CaptureSnapshot, 1)
	if err := s.inbox.Post(captureSnapshotRequest{Reply: reply}); err != nil {
		return clocksync.CaptureSnapshot{}, err
	}
	select {
	case snapshot := <-reply:
		return snapshot, nil
	case <-ctx.Done():
		return clocksync.CaptureSnapshot{}, ctx.Err()
	}
}

func (s *Stream) captureLoop(ctx context.Context) {
	logger.Debugf(ctx, "captureLoop")
	defer logger.Debugf(ctx, "/captureLoop")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.inbox.Notify():
		case <-s.captureChunks.Notify():
		}

		for {
			s.drainInbox(ctx)
			chunk, ok := s.captureChunks.Pop()
			if !ok {
				break
			}
			s.pendingCaptureBytes.Add(-uint64(len(chunk)))
			s.processor.PushCapture(ctx, chunk)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (s *Stream) drainInbox(ctx context.Context) {
	for _, msg := range s.inbox.Drain() {
		s.handleMessage(ctx, msg)
	}
}

func (s *Stream) handleMessage(ctx context.Context, msg message) {
	switch msg := msg.(type) {
	case playbackAttach:
		s.processor.AttachPlayback(ctx, msg.Generation)
	case playbackData:
		if s.isStale(ctx, msg, msg.Generation) {
			return
		}
		s.processor.PushPlayback(ctx, msg.Data)
	case playbackRewind:
		if s.isStale(ctx, msg, msg.Generation) {
			return
		}
		s.processor.RewindPlayback(ctx, msg.Bytes)
	case playbackState:
		if s.isStale(ctx, msg, msg.Generation) {
			return
		}
		s.processor.SetPlaybackActive(ctx, msg.Active)
	case captureSnapshotRequest:
		msg.Reply <- s.captureSnapshot()
	case applyDiffTime:
		s.processor.ApplyDiffTime(ctx, msg.Diff)
	default:
		logger.Errorf(ctx, "unexpected message type %T", msg)
	}
}

// isStale reports whether the message came from a replaced playback tap.
func (s *Stream) isStale(ctx context.Context, msg message, generation uint64) bool {
	if generation == 0 || generation == s.processor.PlaybackGeneration() {
		return false
	}
	logger.Debugf(ctx, "ignoring %T of the replaced playback tap %d", msg, generation)
	return true
}

func (s *Stream) captureSnapshot() clocksync.CaptureSnapshot {
	return s.processor.CaptureSnapshot(time.Now(), s.captureLatency(), s.pendingCaptureBytes.Load())
}

// fullResync measures the alignment error right away (within the capture
// context) and applies it.
func (s *Stream) fullResync(ctx context.Context) {
	logger.Tracef(ctx, "fullResync")
	defer logger.Tracef(ctx, "/fullResync")

	tap := s.tap.Load()
	if tap == nil {
		logger.Debugf(ctx, "no playback is attached, skipping the resync")
		return
	}

	snapshotCtx, cancelFn := context.WithTimeout(ctx, s.Config.SnapshotTimeout)
	defer cancelFn()
	playback, err := tap.snapshot(snapshotCtx)
	if err != nil {
		logger.Warnf(ctx, "unable to get the playback snapshot, skipping the resync: %v", err)
		return
	}
	s.drainInbox(ctx)

	snapshot := clocksync.Snapshot{
		Playback: playback,
		Capture:  s.captureSnapshot(),
	}
	if !snapshot.Consistent() {
		logger.Debugf(ctx, "the playback tap was replaced meanwhile, skipping the resync")
		return
	}
	diff := snapshot.DiffTime(s.processor.CaptureFormat(), s.processor.PlaybackFormat())
	s.metrics.setAlignmentError(diff)
	s.processor.ApplyDiffTime(ctx, diff)
}

func (s *Stream) writeOutput(ctx context.Context, output []byte) {
	s.outputLocker.Lock()
	defer s.outputLocker.Unlock()

	_, err := s.outputBuffer.Write(output)
	switch {
	case err == nil:
	case errors.Is(err, circular.ErrNoSpace):
		s.metrics.outputOverrun()
		if s.overrunLimit.Allow() {
			logger.Warnf(ctx, "the output reader falls behind, dropping %d bytes", len(output))
		}
		return
	default:
		logger.Errorf(ctx, "unable to write to the output buffer: %v", err)
		return
	}

	var oldCh chan struct{}
	oldCh, s.outputProgressedCh = s.outputProgressedCh, make(chan struct{})
	close(oldCh)
}

// Read returns the echo-cancelled capture in the output format. It blocks
// until there is data; after Close it returns the remaining data and
// then io.EOF.
func (s *Stream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	s.outputLocker.Lock()
	defer s.outputLocker.Unlock()
	for {
		n, err := s.outputBuffer.Read(p)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, io.EOF) {
			return n, err
		}
		if s.isClosed.Load() {
			return 0, io.EOF
		}
		s.waitForOutput()
	}
}

func (s *Stream) waitForOutput() {
	ch := s.outputProgressedCh
	s.outputLocker.Unlock()
	defer s.outputLocker.Lock()
	select {
	case <-ch:
	case <-s.closedCh:
	}
}

// Close stops the stream and releases the echo canceller. It is safe
// to call it multiple times; it always returns nil.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		ctx := s.ctx
		logger.Debugf(ctx, "Close")
		defer logger.Debugf(ctx, "/Close")

		s.isClosed.Store(true)
		if s.synchronizer != nil {
			if err := s.synchronizer.Close(); err != nil {
				logger.Errorf(ctx, "unable to close the clock synchronizer: %v", err)
			}
		}
		s.cancelFunc()
		s.waitGroup.Wait()
		s.inbox.Close()
		s.captureChunks.Close()
		if err := s.processor.Close(ctx); err != nil {
			logger.Errorf(ctx, "%v", err)
		}
		close(s.closedCh)
	})
	return nil
}
