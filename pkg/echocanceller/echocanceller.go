// Package echocanceller defines the interface of pluggable acoustic echo
// cancellation engines.
package echocanceller

import (
	"context"
	"io"
	"time"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

// InitResult is the outcome of the format negotiation. The engine may
// rewrite the capture and playback formats; the caller must use the
// returned ones.
type InitResult struct {
	Capture        types.Format
	Playback       types.Format
	Output         types.Format
	FramesPerBlock uint
}

// EchoCanceller is an engine. Exactly one of Combined or Split must be
// implemented: Split if and only if DriftCompensation returns true.
type EchoCanceller interface {
	// Close releases the engine resources. It must be called exactly
	// once; the engine is unusable afterwards.
	io.Closer

	Init(
		ctx context.Context,
		capture types.Format,
		playback types.Format,
		frameSize time.Duration,
	) (InitResult, error)

	// DriftCompensation tells if the engine compensates the clock drift
	// itself (split mode) or relies on periodic resyncs (combined mode).
	DriftCompensation() bool
}

// Combined is an engine which processes a capture block and the matching
// playback block at once.
type Combined interface {
	EchoCanceller

	// Run writes exactly one output block. The blocks must have the
	// sizes negotiated by Init.
	Run(ctx context.Context, capture, playback, output []byte)
}

// Split is an engine which receives playback and capture separately and
// compensates the drift between them.
type Split interface {
	EchoCanceller

	Play(ctx context.Context, playback []byte)
	SetDrift(drift float64)
	Record(ctx context.Context, capture, output []byte)
}

/* for easier copy&paste:

func () Close() error {
}

func () Init(
	ctx context.Context,
	capture types.Format,
	playback types.Format,
	frameSize time.Duration,
) (echocanceller.InitResult, error) {
}

func () DriftCompensation() bool {
}

func () Run(
	ctx context.Context,
	capture, playback, output []byte,
) {
}

*/
