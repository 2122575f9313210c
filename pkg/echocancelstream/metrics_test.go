package echocancelstream

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	m, err := NewMetrics(registry)
	require.NoError(t, err)

	_, err = NewMetrics(registry)
	assert.Error(t, err, "registering twice must fail")

	cfg := DefaultConfig()
	cfg.QueueMaxBytes = 4 * uint64(testBlock)
	p, err := NewProcessor(ctx, cfg, fakeCombined{&fakeEngine{}}, testFormat, testFormat, nil, m)
	require.NoError(t, err)
	defer p.Close(ctx)

	p.PushPlayback(ctx, pattern(1, testBlock/2))
	p.ApplyDiffTime(ctx, 10*time.Millisecond)
	p.PushCapture(ctx, pattern(2, 5*testBlock))

	assert.Equal(t, float64(testBlock/2), testutil.ToFloat64(m.playbackBytesTotal))
	assert.Equal(t, float64(5*testBlock), testutil.ToFloat64(m.capturedBytesTotal))
	assert.Equal(t, float64(testBlock), testutil.ToFloat64(m.overflowBytesTotal.WithLabelValues(queueCapture)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resyncsTotal.WithLabelValues(queueCapture)))
	assert.Equal(t, float64(testBlock), testutil.ToFloat64(m.skippedBytesTotal.WithLabelValues(queueCapture)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.blocksTotal.WithLabelValues(blockModeSkipped)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.blocksTotal.WithLabelValues(blockModeRun)))
	// the playback ran out after half a block
	assert.Equal(t, float64(3), testutil.ToFloat64(m.underflowsTotal))
	assert.Equal(t, float64(4*testBlock), testutil.ToFloat64(m.outputBytesTotal))
	assert.Zero(t, testutil.ToFloat64(m.queuedBytes.WithLabelValues(queueCapture)))

	count, err := testutil.GatherAndCount(registry, "echocancel_playback_underflows_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetricsNil(t *testing.T) {
	var m *Metrics
	m.captured(1)
	m.playback(1)
	m.output(1)
	m.block(blockModeRun)
	m.skipped(queueCapture, 1)
	m.overflow(queueCapture, 1)
	m.underflow()
	m.outputOverrun()
	m.resync(queueCapture)
	m.queued(1, 1)
	m.setDrift(1)
	m.setAlignmentError(time.Second)
}
