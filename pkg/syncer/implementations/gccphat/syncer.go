// Package gccphat implements an audio synchronization algorithm using
// Generalized Cross-Correlation with Phase Transform (GCC-PHAT).
//
// The algorithm calculates the time delay between two signals by
// looking at their cross-correlation in the frequency domain. By
// normalizing the magnitude (the Phase Transform), it becomes
// robust against variations in volume and certain types of noise,
// focusing only on the phase information that indicates the delay.
package gccphat

import (
	"context"
	"fmt"

	"github.com/xaionaro-go/echocancel/pkg/audio/types"
	"github.com/xaionaro-go/echocancel/pkg/syncer"
)

const (
	DefaultMinFreq = 100
	DefaultMaxFreq = 12000
)

type Syncer struct {
	FormatValue types.Format
	MinFreq     float64
	MaxFreq     float64
}

var _ syncer.Syncer = (*Syncer)(nil)

// NewSyncer initializes a new one-shot GCC-PHAT syncer.
func NewSyncer(
	format types.Format,
) (*Syncer, error) {
	if err := format.Validate(); err != nil {
		return nil, fmt.Errorf("invalid format %s: %w", format, err)
	}

	return &Syncer{
		FormatValue: format,
		// 100Hz to 12000Hz captures most informative audio
		// while filtering out low-frequency rumble and high-frequency digital noise.
		MinFreq: DefaultMinFreq,
		MaxFreq: DefaultMaxFreq,
	}, nil
}

func (s *Syncer) Close() error {
	return nil
}

func (s *Syncer) Format() types.Format {
	return s.FormatValue
}

func (s *Syncer) CalculateShiftBetween(
	ctx context.Context,
	referenceTrack []byte,
	comparisonTracks ...[]byte,
) ([]syncer.ShiftResult, error) {
	refSamples, err := ToSamples(s.FormatValue, referenceTrack)
	if err != nil {
		return nil, fmt.Errorf("failed to convert reference track to samples: %w", err)
	}

	results := make([]syncer.ShiftResult, len(comparisonTracks))
	for i, comparisonTrack := range comparisonTracks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		compSamples, err := ToSamples(s.FormatValue, comparisonTrack)
		if err != nil {
			return nil, fmt.Errorf("failed to convert comparison track %d to samples: %w", i, err)
		}

		shift, confidence, err := ShiftBetweenSamples(
			refSamples, compSamples,
			float64(s.FormatValue.SampleRate),
			s.MinFreq, s.MaxFreq,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to cross-correlate track %d: %w", i, err)
		}
		results[i] = syncer.ShiftResult{
			Shift:      shift,
			Confidence: confidence,
		}
	}
	return results, nil
}
