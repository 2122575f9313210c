// Package clocksync periodically measures the time-alignment error between
// the playback and the capture streams and requests a resync when needed.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/observability"
)

const (
	DefaultInterval  = time.Second
	DefaultThreshold = 5 * time.Millisecond
	DefaultTimeout   = 100 * time.Millisecond
)

var (
	ErrSnapshotTimeout = errors.New("snapshot round trip timed out")
	ErrSourceReplaced  = errors.New("the playback source was replaced during the measurement")
)

type PlaybackSnapshotter interface {
	PlaybackSnapshot(ctx context.Context) (PlaybackSnapshot, error)
}

type CaptureSnapshotter interface {
	CaptureSnapshot(ctx context.Context) (CaptureSnapshot, error)
}

type Resyncer interface {
	RequestResync(ctx context.Context, diff time.Duration)
}

type State int32

const (
	StateIdle = State(iota)
	StateMeasuring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMeasuring:
		return "measuring"
	default:
		return fmt.Sprintf("unknown_state_%d", int32(s))
	}
}

type Config struct {
	// Interval is the period between measurements; non-positive
	// disables the periodic measurements.
	Interval time.Duration

	// Threshold is the tolerated positive alignment error.
	Threshold time.Duration

	// Timeout bounds each snapshot round trip.
	Timeout time.Duration
}

// Measurement is the result of a single Tick.
type Measurement struct {
	Snapshot Snapshot
	Diff     time.Duration
	Resync   bool
}

// Decide reports whether the alignment error requires a resync.
func Decide(diff, threshold time.Duration) bool {
	return diff < 0 || diff > threshold
}

type Synchronizer struct {
	Config         Config
	CaptureFormat  types.Format
	PlaybackFormat types.Format
	Playback       PlaybackSnapshotter
	Capture        CaptureSnapshotter
	Resyncer       Resyncer

	// OnMeasurement is called after every successful measurement, if set.
	OnMeasurement func(Measurement)

	state      atomic.Int32
	locker     sync.Mutex
	cancelFunc context.CancelFunc
	waitGroup  sync.WaitGroup
}

func New(
	cfg Config,
	captureFormat, playbackFormat types.Format,
	playback PlaybackSnapshotter,
	capture CaptureSnapshotter,
	resyncer Resyncer,
) *Synchronizer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Synchronizer{
		Config:         cfg,
		CaptureFormat:  captureFormat,
		PlaybackFormat: playbackFormat,
		Playback:       playback,
		Capture:        capture,
		Resyncer:       resyncer,
	}
}

func (s *Synchronizer) State() State {
	return State(s.state.Load())
}

// Start launches the timer loop. It does nothing if the interval is
// not positive or if the loop is already running.
func (s *Synchronizer) Start(ctx context.Context) {
	if s.Config.Interval <= 0 {
		logger.Debugf(ctx, "the periodic clock synchronization is disabled")
		return
	}

	s.locker.Lock()
	defer s.locker.Unlock()
	if s.cancelFunc != nil {
		return
	}

	ctx, cancelFn := context.WithCancel(ctx)
	s.cancelFunc = cancelFn
	s.waitGroup.Add(1)
	observability.Go(ctx, func(ctx context.Context) {
		defer s.waitGroup.Done()
		s.loop(ctx)
	})
}

func (s *Synchronizer) loop(ctx context.Context) {
	logger.Debugf(ctx, "loop")
	defer logger.Debugf(ctx, "/loop")

	t := time.NewTicker(s.Config.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		if _, err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warnf(ctx, "skipping the clock synchronization cycle: %v", err)
		}
	}
}

// Tick performs one measurement: a playback snapshot, then a capture
// snapshot, then the alignment error. A resync is requested if needed.
func (s *Synchronizer) Tick(ctx context.Context) (_ Measurement, _err error) {
	logger.Tracef(ctx, "Tick")
	defer func() { logger.Tracef(ctx, "/Tick: %v", _err) }()

	s.state.Store(int32(StateMeasuring))
	defer s.state.Store(int32(StateIdle))

	var (
		snapshot Snapshot
		err      error
	)
	snapshot.Playback, err = roundTrip(ctx, s.Config.Timeout, s.Playback.PlaybackSnapshot)
	if err != nil {
		return Measurement{}, fmt.Errorf("unable to get the playback snapshot: %w", err)
	}
	snapshot.Capture, err = roundTrip(ctx, s.Config.Timeout, s.Capture.CaptureSnapshot)
	if err != nil {
		return Measurement{}, fmt.Errorf("unable to get the capture snapshot: %w", err)
	}
	if !snapshot.Consistent() {
		return Measurement{}, fmt.Errorf("%w: generation %d vs %d", ErrSourceReplaced, snapshot.Playback.Generation, snapshot.Capture.Generation)
	}

	m := Measurement{
		Snapshot: snapshot,
		Diff:     snapshot.DiffTime(s.CaptureFormat, s.PlaybackFormat),
	}
	m.Resync = Decide(m.Diff, s.Config.Threshold)
	logger.Debugf(ctx, "diff: %v (threshold: %v); resync: %v", m.Diff, s.Config.Threshold, m.Resync)
	if s.OnMeasurement != nil {
		s.OnMeasurement(m)
	}
	if m.Resync {
		s.Resyncer.RequestResync(ctx, m.Diff)
	}
	return m, nil
}

func roundTrip[T any](
	ctx context.Context,
	timeout time.Duration,
	fn func(context.Context) (T, error),
) (T, error) {
	ctx, cancelFn := context.WithTimeout(ctx, timeout)
	defer cancelFn()
	result, err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrSnapshotTimeout, err)
	}
	return result, err
}

// Close stops the timer loop and waits for it to finish.
func (s *Synchronizer) Close() error {
	s.locker.Lock()
	cancelFn := s.cancelFunc
	s.locker.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
	s.waitGroup.Wait()
	return nil
}
