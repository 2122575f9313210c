// Package null implements an echo canceller which does not cancel anything.
//
// It is useful to measure the overhead of the pipeline and to record the
// capture through the same path as a real engine.
package null

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/echocanceller"
)

const Name = "null"

func init() {
	echocanceller.Register(Name, func(args echocanceller.Args) (echocanceller.EchoCanceller, error) {
		if err := args.CheckKnown(); err != nil {
			return nil, err
		}
		return New(), nil
	})
}

type EchoCanceller struct {
	isClosed atomic.Bool
}

var _ echocanceller.Combined = (*EchoCanceller)(nil)

func New() *EchoCanceller {
	return &EchoCanceller{}
}

func (*EchoCanceller) Init(
	ctx context.Context,
	capture types.Format,
	playback types.Format,
	frameSize time.Duration,
) (echocanceller.InitResult, error) {
	if err := capture.Validate(); err != nil {
		return echocanceller.InitResult{}, fmt.Errorf("invalid capture format %s: %w", capture, err)
	}
	if err := playback.Validate(); err != nil {
		return echocanceller.InitResult{}, fmt.Errorf("invalid playback format %s: %w", playback, err)
	}
	result := echocanceller.InitResult{
		Capture:        capture,
		Playback:       playback,
		Output:         capture,
		FramesPerBlock: echocanceller.FramesForDuration(capture.SampleRate, frameSize),
	}
	logger.Debugf(ctx, "null echo canceller: %#+v", result)
	return result, nil
}

func (*EchoCanceller) DriftCompensation() bool {
	return false
}

func (*EchoCanceller) Run(
	ctx context.Context,
	capture, playback, output []byte,
) {
	copy(output, capture)
}

func (e *EchoCanceller) Close() error {
	if e.isClosed.Swap(true) {
		return fmt.Errorf("already closed")
	}
	return nil
}
