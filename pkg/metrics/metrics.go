// Package metrics provides Prometheus instrumentation for snowstream.
//
// # Overview
//
// A Metrics value owns every collector the library records to. Collectors are
// registered on the Registerer passed to New, so tests and embedding
// applications can use their own registry instead of the global one:
//
//	reg := prometheus.NewRegistry()
//	m := metrics.New(reg)
//	client, err := ingest.NewClient(ctx, cfg, ingest.WithMetrics(m))
//
// All recording methods are safe on a nil *Metrics, which records nothing.
//
// # Metric Types
//
// Counter: token refreshes, retry transitions, rows, chunks and bytes appended,
// channel state transitions.
// Histogram: HTTP request duration, channel close wait.
// Gauge: source throughput in rows per second.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name
const Namespace = "snowstream"

// Metrics holds the collectors recorded by token, retry, dispatch and ingest.
type Metrics struct {
	TokenRefreshes     *prometheus.CounterVec
	TokenClamped       prometheus.Counter
	RequestDuration    *prometheus.HistogramVec
	RetryTransitions   *prometheus.CounterVec
	RowsAppended       *prometheus.CounterVec
	ChunksAppended     *prometheus.CounterVec
	BytesAppended      *prometheus.CounterVec
	ChannelTransitions *prometheus.CounterVec
	CloseWait          prometheus.Histogram
	Throughput         *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TokenRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "token_refreshes_total",
				Help:      "Token refresh attempts by result",
			},
			[]string{"result"},
		),
		TokenClamped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "token_lifetime_clamped_total",
				Help:      "Refreshes whose requested lifetime was clamped into bounds",
			},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of dispatched requests including retries",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"operation", "code"},
		),
		RetryTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "retry_transitions_total",
				Help:      "Classified attempt outcomes seen by the retry coordinator",
			},
			[]string{"operation", "outcome"},
		),
		RowsAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "rows_appended_total",
				Help:      "Rows acknowledged by the ingest service",
			},
			[]string{"pipe"},
		),
		ChunksAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "chunks_appended_total",
				Help:      "Append requests acknowledged by the ingest service",
			},
			[]string{"pipe"},
		),
		BytesAppended: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "bytes_appended_total",
				Help:      "Uncompressed NDJSON bytes acknowledged by the ingest service",
			},
			[]string{"pipe"},
		),
		ChannelTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "channel_transitions_total",
				Help:      "Channel state transitions by target state",
			},
			[]string{"state"},
		),
		CloseWait: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "channel_close_wait_seconds",
				Help:      "Time spent waiting for commits to catch up during close",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		Throughput: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "throughput_rows_per_second",
				Help:      "Current row throughput per source",
			},
			[]string{"source"},
		),
	}
}

// RecordRefresh counts a token refresh with result "signed", "reused", "exchanged" or "error"
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(result).Inc()
}

// RecordClamp counts a refresh whose lifetime was clamped
func (m *Metrics) RecordClamp() {
	if m == nil {
		return
	}
	m.TokenClamped.Inc()
}

// ObserveRequest records the duration of a dispatched operation. status 0 means no response.
func (m *Metrics) ObserveRequest(operation string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := "none"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.RequestDuration.WithLabelValues(operation, code).Observe(d.Seconds())
}

// RecordRetry counts a classified attempt outcome
func (m *Metrics) RecordRetry(operation, outcome string) {
	if m == nil {
		return
	}
	m.RetryTransitions.WithLabelValues(operation, outcome).Inc()
}

// RecordAppend counts one acknowledged chunk
func (m *Metrics) RecordAppend(pipe string, rows, bytes int) {
	if m == nil {
		return
	}
	m.RowsAppended.WithLabelValues(pipe).Add(float64(rows))
	m.ChunksAppended.WithLabelValues(pipe).Inc()
	m.BytesAppended.WithLabelValues(pipe).Add(float64(bytes))
}

// RecordTransition counts a channel state transition
func (m *Metrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	m.ChannelTransitions.WithLabelValues(state).Inc()
}

// ObserveCloseWait records how long close waited on commits
func (m *Metrics) ObserveCloseWait(d time.Duration) {
	if m == nil {
		return
	}
	m.CloseWait.Observe(d.Seconds())
}

// Timer provides a simple timing mechanism for measuring operation durations.
type Timer struct {
	start time.Time
	now   func() time.Time
}

// NewTimer creates a new timer and starts timing immediately. now may be nil
// to use the wall clock.
func NewTimer(now func() time.Time) *Timer {
	if now == nil {
		now = time.Now
	}
	return &Timer{start: now(), now: now}
}

// Stop returns the elapsed duration since creation. It can be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return t.now().Sub(t.start)
}

// ThroughputTracker tracks rows per second for one source.
// Thread-safe for concurrent use.
type ThroughputTracker struct {
	mu        sync.Mutex
	count     int64
	lastReset time.Time
	source    string
	gauge     *prometheus.GaugeVec
}

// NewThroughputTracker creates a tracker that publishes to m's throughput gauge.
// m may be nil, in which case only the returned value is computed.
func (m *Metrics) NewThroughputTracker(source string) *ThroughputTracker {
	t := &ThroughputTracker{lastReset: time.Now(), source: source}
	if m != nil {
		t.gauge = m.Throughput
	}
	return t
}

// Increment adds n to the row count
func (t *ThroughputTracker) Increment(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.count += n
}

// GetAndReset returns rows per second since the last reset, publishes it and resets the window
func (t *ThroughputTracker) GetAndReset() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	elapsed := time.Since(t.lastReset).Seconds()
	if elapsed == 0 {
		return 0
	}

	throughput := float64(t.count) / elapsed
	t.count = 0
	t.lastReset = time.Now()

	if t.gauge != nil {
		t.gauge.WithLabelValues(t.source).Set(throughput)
	}
	return throughput
}
