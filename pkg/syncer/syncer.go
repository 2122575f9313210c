// Package syncer defines estimators of the time shift between two tracks.
package syncer

import (
	"context"
	"io"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
)

type ShiftResult struct {
	Shift      float64 // Delay relative to reference in frames (positive means comparison is ahead)
	Confidence float64 // Confidence score (0..1)
}

type Syncer interface {
	io.Closer

	// Format returns the format of the tracks passed to CalculateShiftBetween.
	Format() types.Format

	// CalculateShiftBetween returns the amount of frames that
	// needs to be shifted by, to get a comparison track synced
	// with the reference track. It also returns a confidence
	// score (0..1) for each result.
	CalculateShiftBetween(
		ctx context.Context,
		referenceTrack []byte,
		comparisonTracks ...[]byte,
	) ([]ShiftResult, error)
}

/* for easier copy&paste:

func () Close() error {
}

func () Format() types.Format {
}

func () CalculateShiftBetween(
	ctx context.Context,
	referenceTrack []byte,
	comparisonTracks ...[]byte,
) ([]syncer.ShiftResult, error) {
}

*/
