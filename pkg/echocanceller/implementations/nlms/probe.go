package nlms

import (
	"context"
	"math"

	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/xaionaro-go/echocancel/pkg/syncer/implementations/gccphat"
)

// delayProbe collects the far-end as it is fed to the filter and the
// near-end, to estimate the residual bulk delay between them.
type delayProbe struct {
	far           []float64
	near          []float64
	sampleRate    float64
	minConfidence float64
}

func newDelayProbe(length int, sampleRate float64, minConfidence float64) *delayProbe {
	return &delayProbe{
		far:           make([]float64, 0, length),
		near:          make([]float64, 0, length),
		sampleRate:    sampleRate,
		minConfidence: minConfidence,
	}
}

func (p *delayProbe) Len() int {
	return cap(p.far)
}

func (p *delayProbe) Add(far, near float64) {
	if p.IsFull() {
		return
	}
	p.far = append(p.far, far)
	p.near = append(p.near, near)
}

func (p *delayProbe) IsFull() bool {
	return len(p.far) == cap(p.far)
}

// Delay returns how many frames the near-end lags behind the far-end.
func (p *delayProbe) Delay(ctx context.Context) (int, bool) {
	shift, confidence, err := gccphat.ShiftBetweenSamples(
		p.far, p.near,
		p.sampleRate,
		gccphat.DefaultMinFreq, gccphat.DefaultMaxFreq,
	)
	if err != nil {
		logger.Warnf(ctx, "unable to estimate the echo path delay: %v", err)
		return 0, false
	}
	logger.Debugf(ctx, "nlms: probed shift %f (confidence: %f)", shift, confidence)
	if confidence < p.minConfidence {
		return 0, false
	}
	return int(math.Round(-shift)), true
}
