package retry

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	tu "github.com/ajitpratap0/snowstream/pkg/testutil"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	coord   *Coordinator
	clock   *clock.Fake
	logs    *observer.ObservedLogs
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, plan Plan) fixture {
	t.Helper()
	fake := clock.NewFake(epoch)
	log, logs := tu.ObservedLogger(zapcore.DebugLevel)
	m := metrics.New(prometheus.NewRegistry())
	return fixture{
		coord:   NewCoordinator(plan, WithClock(fake), WithLogger(log), WithMetrics(m), WithRand(fixed(0.5))),
		clock:   fake,
		logs:    logs,
		metrics: m,
	}
}

func respond(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

// script returns an AttemptFunc that replays statuses in order and counts calls.
func script(calls *atomic.Int32, statuses ...int) AttemptFunc {
	return func(_ context.Context, attempt int) (*http.Response, error) {
		n := int(calls.Add(1))
		if n != attempt {
			panic("attempt numbering out of order")
		}
		if n > len(statuses) {
			n = len(statuses)
		}
		return respond(statuses[n-1], `{"message":"scripted"}`), nil
	}
}

func TestExecute_UnauthorizedRefreshesOnceThenSucceeds(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls, refreshes atomic.Int32

	resp, err := f.coord.Execute(context.Background(), OpOpenChannel, script(&calls, 401, 200),
		func(context.Context) error { refreshes.Add(1); return nil })

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, refreshes.Load())
	assert.Empty(t, f.clock.Waits())
	assert.Equal(t, 1, f.logs.FilterMessage("retry.scheduling").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RetryTransitions.WithLabelValues("open_channel", "unauthorized")))
}

func TestExecute_SecondUnauthorizedIsAuthError(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls, refreshes atomic.Int32

	_, err := f.coord.Execute(context.Background(), OpAppendRows, script(&calls, 401, 401, 200),
		func(context.Context) error { refreshes.Add(1); return nil })

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.EqualValues(t, 2, calls.Load(), "no third attempt")
	assert.EqualValues(t, 1, refreshes.Load())

	status, _ := errors.DetailOf(err, errors.DetailStatus)
	assert.Equal(t, 401, status)
	attempts, _ := errors.DetailOf(err, errors.DetailAttempts)
	assert.Equal(t, 2, attempts)
}

func TestExecute_UnauthorizedWithoutRetry(t *testing.T) {
	plan := DefaultPlan()
	plan.RetryOnUnauthorized = false
	f := newFixture(t, plan)
	var calls, refreshes atomic.Int32

	_, err := f.coord.Execute(context.Background(), OpOpenChannel, script(&calls, 401, 200),
		func(context.Context) error { refreshes.Add(1); return nil })

	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.EqualValues(t, 1, calls.Load())
	assert.Zero(t, refreshes.Load())
}

func TestExecute_RefreshErrorPropagatesUnchanged(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32
	keyErr := errors.New(errors.ErrorTypeKey, "encrypted private key provided but no passphrase set")

	_, err := f.coord.Execute(context.Background(), OpOpenChannel, script(&calls, 401),
		func(context.Context) error { return keyErr })

	assert.Same(t, keyErr, err)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecute_RateLimitedWaitsFixedDelay(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32

	resp, err := f.coord.Execute(context.Background(), OpAppendRows, script(&calls, 429, 200), nil)

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.clock.Waits())

	warnings := f.logs.FilterMessage("retry.scheduling").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, zapcore.WarnLevel, warnings[0].Level)
	assert.Equal(t, "rate_limited", warnings[0].ContextMap()["outcome"])

	outcome := f.logs.FilterMessage("retry.outcome").All()
	require.Len(t, outcome, 1)
	assert.Equal(t, true, outcome[0].ContextMap()["success"])
	assert.Equal(t, 2*time.Second, outcome[0].ContextMap()["total_delay"])
}

func TestExecute_RateLimitExhausted(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32

	_, err := f.coord.Execute(context.Background(), OpAppendRows, script(&calls, 429), nil)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHTTP))
	assert.EqualValues(t, 2, calls.Load())
	status, _ := errors.DetailOf(err, errors.DetailStatus)
	assert.Equal(t, 429, status)
	body, _ := errors.DetailOf(err, errors.DetailBody)
	assert.Equal(t, `{"message":"scripted"}`, body)
}

func TestExecute_TransientExhaustsAttempts(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32

	_, err := f.coord.Execute(context.Background(), OpChannelStatus, script(&calls, 503), nil)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHTTP))
	assert.EqualValues(t, 4, calls.Load())
	// rnd is 0.5 under full jitter: half of 200ms, 360ms, 648ms.
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 180 * time.Millisecond, 324 * time.Millisecond}, f.clock.Waits())

	elapsed, _ := errors.DetailOf(err, errors.DetailElapsed)
	assert.Equal(t, 604*time.Millisecond, elapsed)
	assert.Equal(t, 3, f.logs.FilterMessage("retry.scheduling").Len())
}

func TestExecute_TransientThenSuccess(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32

	resp, err := f.coord.Execute(context.Background(), OpDiscoverHost, script(&calls, 502, 504, 200), nil)

	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 3, calls.Load())
}

func TestExecute_FatalIsImmediate(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32

	_, err := f.coord.Execute(context.Background(), OpOpenChannel, script(&calls, 400, 200), nil)

	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, f.clock.Waits())
	op, _ := errors.DetailOf(err, errors.DetailOperation)
	assert.Equal(t, "open_channel", op)
	assert.Contains(t, err.Error(), "status=400")
}

func TestExecute_TransportErrorRetried(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var calls atomic.Int32

	attempt := func(_ context.Context, n int) (*http.Response, error) {
		calls.Add(1)
		if n == 1 {
			return nil, io.ErrUnexpectedEOF
		}
		return respond(200, "ok"), nil
	}

	resp, err := f.coord.Execute(context.Background(), OpAppendRows, attempt, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.EqualValues(t, 2, calls.Load())
}

func TestExecute_ParentCancellationIsFatal(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	attempt := func(ctx context.Context, _ int) (*http.Response, error) {
		calls.Add(1)
		cancel()
		return nil, ctx.Err()
	}

	_, err := f.coord.Execute(ctx, OpAppendRows, attempt, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, calls.Load())
}

func TestExecute_ClosesDiscardedBodies(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	var closed atomic.Int32

	attempt := func(_ context.Context, n int) (*http.Response, error) {
		status := 503
		if n == 3 {
			status = 200
		}
		return &http.Response{StatusCode: status, Body: &trackingBody{Reader: strings.NewReader("x"), closed: &closed}}, nil
	}

	resp, err := f.coord.Execute(context.Background(), OpAppendRows, attempt, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 2, closed.Load())
	require.NoError(t, resp.Body.Close())
}

type trackingBody struct {
	io.Reader
	closed *atomic.Int32
}

func (b *trackingBody) Close() error {
	b.closed.Add(1)
	return nil
}

func TestExecute_CredentialErrorFromAttemptIsReturnedUnchanged(t *testing.T) {
	f := newFixture(t, DefaultPlan())
	signErr := errors.New(errors.ErrorTypeSigning, "rsa signing failed")

	_, err := f.coord.Execute(context.Background(), OpOpenChannel,
		func(context.Context, int) (*http.Response, error) { return nil, signErr }, nil)

	assert.Same(t, signErr, err)
}
