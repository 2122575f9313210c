package echocancelstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
)

type fakeEngine struct {
	locker     sync.Mutex
	drift      bool
	initErr    error
	closeErr   error
	output     *types.Format
	calls      []string
	playbacks  [][]byte
	drifts     []float64
	closeCount int
}

func (e *fakeEngine) Init(
	ctx context.Context,
	capture types.Format,
	playback types.Format,
	frameSize time.Duration,
) (echocanceller.InitResult, error) {
	if e.initErr != nil {
		return echocanceller.InitResult{}, e.initErr
	}
	output := capture
	if e.output != nil {
		output = *e.output
	}
	return echocanceller.InitResult{
		Capture:        capture,
		Playback:       playback,
		Output:         output,
		FramesPerBlock: echocanceller.FramesForDuration(capture.SampleRate, frameSize),
	}, nil
}

func (e *fakeEngine) DriftCompensation() bool {
	return e.drift
}

func (e *fakeEngine) Close() error {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.closeCount++
	if e.closeCount > 1 {
		return fmt.Errorf("already closed")
	}
	return e.closeErr
}

func (e *fakeEngine) record(call string, playback []byte) {
	e.locker.Lock()
	defer e.locker.Unlock()
	e.calls = append(e.calls, call)
	if playback != nil {
		e.playbacks = append(e.playbacks, append([]byte(nil), playback...))
	}
}

func (e *fakeEngine) Calls() []string {
	e.locker.Lock()
	defer e.locker.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Playbacks() [][]byte {
	e.locker.Lock()
	defer e.locker.Unlock()
	return append([][]byte(nil), e.playbacks...)
}

func (e *fakeEngine) CloseCount() int {
	e.locker.Lock()
	defer e.locker.Unlock()
	return e.closeCount
}

// fakeCombined copies the capture to the output.
type fakeCombined struct {
	*fakeEngine
}

func (e fakeCombined) Run(ctx context.Context, capture, playback, output []byte) {
	e.record("run", playback)
	copy(output, capture)
}

type fakeSplit struct {
	*fakeEngine
}

func (e fakeSplit) Play(ctx context.Context, playback []byte) {
	e.record("play", playback)
}

func (e fakeSplit) SetDrift(drift float64) {
	e.record("drift", nil)
	e.locker.Lock()
	defer e.locker.Unlock()
	e.drifts = append(e.drifts, drift)
}

func (e fakeSplit) Record(ctx context.Context, capture, output []byte) {
	e.record("record", nil)
	copy(output, capture)
}

var (
	testFormat = types.Format{
		Channels:   1,
		SampleRate: 8000,
		PCMFormat:  types.PCMFormatS16LE,
	}

	// 80 frames of s16le mono
	testBlock = 160
)

// pattern returns n bytes which are unique within a test, starting at seed.
func pattern(seed byte, n int) []byte {
	b := make([]byte, n)
	for idx := range b {
		b[idx] = seed + byte(idx%251)
	}
	return b
}
