package echocancelstream

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "echocancel"

// Metrics are the pipeline counters. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	capturedBytesTotal  prometheus.Counter
	playbackBytesTotal  prometheus.Counter
	outputBytesTotal    prometheus.Counter
	blocksTotal         *prometheus.CounterVec
	skippedBytesTotal   *prometheus.CounterVec
	overflowBytesTotal  *prometheus.CounterVec
	underflowsTotal     prometheus.Counter
	outputOverrunsTotal prometheus.Counter
	resyncsTotal        *prometheus.CounterVec
	queuedBytes         *prometheus.GaugeVec
	drift               prometheus.Gauge
	alignmentError      prometheus.Gauge
}

var _ prometheus.Collector = (*Metrics)(nil)

func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		capturedBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "captured_bytes_total",
			Help:      "Total amount of captured bytes received",
		}),
		playbackBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playback_bytes_total",
			Help:      "Total amount of playback bytes received",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "output_bytes_total",
			Help:      "Total amount of bytes emitted downstream",
		}),
		blocksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "blocks_total",
			Help:      "Total amount of capture blocks by the way they were handled",
		}, []string{"mode"}), // mode: run, record, skipped
		skippedBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "skipped_bytes_total",
			Help:      "Total amount of bytes skipped to realign the streams",
		}, []string{"queue"}),
		overflowBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "overflow_bytes_total",
			Help:      "Total amount of bytes dropped because a queue was full",
		}, []string{"queue"}),
		underflowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "playback_underflows_total",
			Help:      "Total amount of playback blocks padded with silence",
		}),
		outputOverrunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "output_overruns_total",
			Help:      "Total amount of output blocks dropped because the reader fell behind",
		}),
		resyncsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resyncs_total",
			Help:      "Total amount of applied alignment corrections",
		}, []string{"direction"}), // direction: playback, capture, none
		queuedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queued_bytes",
			Help:      "Amount of bytes waiting in the queue",
		}, []string{"queue"}),
		drift: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "drift_ratio",
			Help:      "The last estimated relative clock drift",
		}),
		alignmentError: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "alignment_error_seconds",
			Help:      "The last measured alignment error between the streams",
		}),
	}
	if registerer != nil {
		if err := registerer.Register(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.capturedBytesTotal,
		m.playbackBytesTotal,
		m.outputBytesTotal,
		m.blocksTotal,
		m.skippedBytesTotal,
		m.overflowBytesTotal,
		m.underflowsTotal,
		m.outputOverrunsTotal,
		m.resyncsTotal,
		m.queuedBytes,
		m.drift,
		m.alignmentError,
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *Metrics) captured(n int) {
	if m == nil {
		return
	}
	m.capturedBytesTotal.Add(float64(n))
}

func (m *Metrics) playback(n int) {
	if m == nil {
		return
	}
	m.playbackBytesTotal.Add(float64(n))
}

func (m *Metrics) output(n int) {
	if m == nil {
		return
	}
	m.outputBytesTotal.Add(float64(n))
}

func (m *Metrics) block(mode string) {
	if m == nil {
		return
	}
	m.blocksTotal.WithLabelValues(mode).Inc()
}

func (m *Metrics) skipped(queue string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.skippedBytesTotal.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) overflow(queue string, n uint64) {
	if m == nil || n == 0 {
		return
	}
	m.overflowBytesTotal.WithLabelValues(queue).Add(float64(n))
}

func (m *Metrics) underflow() {
	if m == nil {
		return
	}
	m.underflowsTotal.Inc()
}

func (m *Metrics) outputOverrun() {
	if m == nil {
		return
	}
	m.outputOverrunsTotal.Inc()
}

func (m *Metrics) resync(direction string) {
	if m == nil {
		return
	}
	m.resyncsTotal.WithLabelValues(direction).Inc()
}

func (m *Metrics) queued(captureBytes, playbackBytes uint64) {
	if m == nil {
		return
	}
	m.queuedBytes.WithLabelValues(queueCapture).Set(float64(captureBytes))
	m.queuedBytes.WithLabelValues(queuePlayback).Set(float64(playbackBytes))
}

func (m *Metrics) setDrift(v float64) {
	if m == nil {
		return
	}
	m.drift.Set(v)
}

func (m *Metrics) setAlignmentError(d time.Duration) {
	if m == nil {
		return
	}
	m.alignmentError.Set(d.Seconds())
}
