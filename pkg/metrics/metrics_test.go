package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Recorders(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordRefresh("signed")
	m.RecordRefresh("signed")
	m.RecordClamp()
	m.RecordRetry("append_rows", "transient")
	m.RecordAppend("DB.S.P", 10, 420)
	m.RecordAppend("DB.S.P", 5, 80)
	m.RecordTransition("closed")
	m.ObserveRequest("open_channel", 200, 50*time.Millisecond)
	m.ObserveCloseWait(2 * time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("signed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenClamped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RetryTransitions.WithLabelValues("append_rows", "transient")))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.RowsAppended.WithLabelValues("DB.S.P")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ChunksAppended.WithLabelValues("DB.S.P")))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.BytesAppended.WithLabelValues("DB.S.P")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ChannelTransitions.WithLabelValues("closed")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRefresh("error")
		m.RecordClamp()
		m.RecordRetry("x", "fatal")
		m.RecordAppend("p", 1, 1)
		m.RecordTransition("failed")
		m.ObserveRequest("x", 0, time.Second)
		m.ObserveCloseWait(time.Second)
		tr := m.NewThroughputTracker("file")
		tr.Increment(3)
		tr.GetAndReset()
	})
}

func TestTimer(t *testing.T) {
	now := time.Unix(100, 0)
	timer := NewTimer(func() time.Time { return now })
	now = now.Add(3 * time.Second)
	assert.Equal(t, 3*time.Second, timer.Stop())
}
