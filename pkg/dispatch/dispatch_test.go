package dispatch

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/clients"
	"github.com/ajitpratap0/snowstream/pkg/compression"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	"github.com/ajitpratap0/snowstream/pkg/retry"
	tu "github.com/ajitpratap0/snowstream/pkg/testutil"
	"github.com/ajitpratap0/snowstream/pkg/token"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	srv     *tu.ScriptedServer
	dc      *Context
	guard   *token.Guard
	spans   *tracetest.SpanRecorder
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	srv := tu.NewScriptedServer(t)
	fake := clock.NewFake(epoch)
	log := tu.TestLogger(t)

	policy, err := token.NewPolicy(time.Hour, 0, token.DefaultBounds())
	require.NoError(t, err)
	guard, err := token.NewGuard(token.KeyPair{Account: "acct", User: "svc", Key: tu.RSAKey(t)}, policy,
		token.WithClock(fake), token.WithLogger(log))
	require.NoError(t, err)

	rec := tracetest.NewSpanRecorder()
	m := metrics.New(prometheus.NewRegistry())
	coord := retry.NewCoordinator(retry.DefaultPlan(), retry.WithClock(fake), retry.WithLogger(log))
	transport := clients.NewHTTPClient(&clients.HTTPConfig{RequestTimeout: 5 * time.Second, UserAgent: "snowstream-test"}, log)

	base := []Option{
		WithClock(fake),
		WithLogger(log),
		WithMetrics(m),
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))),
	}
	dc := New(transport, guard, coord, append(base, opts...)...)
	return fixture{srv: srv, dc: dc, guard: guard, spans: rec, metrics: m}
}

func TestDo_SetsAuthenticationHeaders(t *testing.T) {
	f := newFixture(t)
	f.srv.On(http.MethodPut, "/channels/c1", tu.JSON(`{"ok":true}`))

	resp, err := f.dc.Do(context.Background(), Request{
		Operation: retry.OpOpenChannel,
		Method:    http.MethodPut,
		URL:       f.srv.URL + "/channels/c1",
		Body:      []byte(`{}`),
		Header:    map[string]string{HeaderRequestID: "req-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	reqs := f.srv.Requests()
	require.Len(t, reqs, 1)
	h := reqs[0].Header
	env, ok := f.guard.Current()
	require.True(t, ok)
	assert.Equal(t, "Bearer "+env.Value, h.Get("Authorization"))
	assert.Equal(t, "KEYPAIR_JWT", h.Get("X-Snowflake-Authorization-Token-Type"))
	assert.Equal(t, "snowstream-test", h.Get("User-Agent"))
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "req-1", h.Get("X-Request-ID"))
	assert.Empty(t, h.Get("Content-Encoding"))
	assert.Equal(t, "{}", string(reqs[0].Body))
}

func TestDo_EncodesQuery(t *testing.T) {
	f := newFixture(t)
	f.srv.On(http.MethodPost, "/rows", tu.JSON(`{}`))

	_, err := f.dc.Do(context.Background(), Request{
		Operation: retry.OpAppendRows,
		Method:    http.MethodPost,
		URL:       f.srv.URL + "/rows",
		Query:     url.Values{"continuationToken": {"ct 1"}, "offsetToken": {"7"}},
		Body:      []byte("{}\n"),
	})
	require.NoError(t, err)
	q := f.srv.Requests()[0].Query
	assert.Equal(t, "ct 1", q["continuationToken"])
	assert.Equal(t, "7", q["offsetToken"])
}

func TestDo_UnauthorizedPresentsFreshToken(t *testing.T) {
	f := newFixture(t)
	f.srv.On(http.MethodGet, "/hostname", tu.Status(http.StatusUnauthorized), tu.Step{Status: 200, Body: "ingest.host"})

	resp, err := f.dc.Do(context.Background(), Request{Operation: retry.OpDiscoverHost, Method: http.MethodGet, URL: f.srv.URL + "/hostname"})
	require.NoError(t, err)
	assert.Equal(t, "ingest.host", string(resp.Body))

	reqs := f.srv.Requests()
	require.Len(t, reqs, 2)
	assert.NotEqual(t, reqs[0].Header.Get("Authorization"), reqs[1].Header.Get("Authorization"))
	assert.Empty(t, reqs[0].Header.Get("Content-Type"))
}

func TestDo_CompressesWhenRequested(t *testing.T) {
	gz, err := compression.NewCompressor(compression.Gzip, compression.Fastest)
	require.NoError(t, err)
	f := newFixture(t, WithCompressor(gz))
	f.srv.On(http.MethodPost, "/rows", tu.JSON(`{}`))

	payload := bytes.Repeat([]byte(`{"a":1}`+"\n"), 100)
	_, err = f.dc.Do(context.Background(), Request{
		Operation: retry.OpAppendRows, Method: http.MethodPost, URL: f.srv.URL + "/rows",
		Body: payload, ContentType: ContentTypeNDJSON, Compress: true,
	})
	require.NoError(t, err)

	req := f.srv.Requests()[0]
	assert.Equal(t, "gzip", req.Header.Get("Content-Encoding"))
	assert.Equal(t, ContentTypeNDJSON, req.Header.Get("Content-Type"))
	r, err := compression.NewReader(bytes.NewReader(req.Body), compression.Gzip)
	require.NoError(t, err)
	plain, _ := io.ReadAll(r)
	assert.Equal(t, payload, plain)
}

func TestDoJSON(t *testing.T) {
	f := newFixture(t)
	f.srv.On(http.MethodPost, "/good", tu.JSON(`{"next_continuation_token":"ct-2"}`))
	f.srv.On(http.MethodPost, "/bad", tu.JSON(`{"next_continuation_token":`))

	var out struct {
		Next string `json:"next_continuation_token"`
	}
	require.NoError(t, f.dc.DoJSON(context.Background(), Request{Operation: retry.OpAppendRows, Method: http.MethodPost, URL: f.srv.URL + "/good", Body: []byte("{}")}, &out))
	assert.Equal(t, "ct-2", out.Next)

	err := f.dc.DoJSON(context.Background(), Request{Operation: retry.OpAppendRows, Method: http.MethodPost, URL: f.srv.URL + "/bad", Body: []byte("{}")}, &out)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeHTTP))
	assert.Equal(t, 1, f.srv.Count(http.MethodPost, "/bad"), "malformed JSON is not retried")
}

func TestDo_RecordsSpanAndMetrics(t *testing.T) {
	f := newFixture(t)
	f.srv.On(http.MethodDelete, "/channels/c1", tu.Status(http.StatusNotFound))

	_, err := f.dc.Do(context.Background(), Request{Operation: retry.OpDropChannel, Method: http.MethodDelete, URL: f.srv.URL + "/channels/c1"})
	require.Error(t, err)

	spans := f.spans.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "snowstream.drop_channel", spans[0].Name())
	var status int64
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "http.response.status_code" {
			status = kv.Value.AsInt64()
		}
	}
	assert.EqualValues(t, http.StatusNotFound, status)
	assert.Equal(t, 1, testutil.CollectAndCount(f.metrics.RequestDuration))
}

func TestWithCredentials_ReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.srv.On(http.MethodGet, "/x", tu.Status(http.StatusOK))

	scoped := staticCreds{value: "scoped", kind: "OAUTH"}
	derived := f.dc.WithCredentials(scoped)
	assert.NotSame(t, f.dc, derived)
	assert.Equal(t, "KEYPAIR_JWT", f.dc.Credentials().TokenType())

	_, err := derived.Do(context.Background(), Request{Operation: retry.OpOpenChannel, Method: http.MethodGet, URL: f.srv.URL + "/x"})
	require.NoError(t, err)
	h := f.srv.Requests()[0].Header
	assert.Equal(t, "Bearer scoped", h.Get("Authorization"))
	assert.Equal(t, "OAUTH", h.Get("X-Snowflake-Authorization-Token-Type"))
}

type staticCreds struct{ value, kind string }

func (s staticCreds) EnsureValid(context.Context) (string, error)          { return s.value, nil }
func (s staticCreds) ForceRefresh(context.Context, string) (string, error) { return s.value, nil }
func (s staticCreds) TokenType() string                                    { return s.kind }

func TestDo_LogsCarryRequestContext(t *testing.T) {
	log, logs := tu.ObservedLogger(zapcore.DebugLevel)
	f := newFixture(t, WithLogger(log))
	f.srv.On(http.MethodPost, "/channels/c1/rows", tu.JSON(`{}`))
	f.srv.On(http.MethodDelete, "/channels/c1", tu.Status(http.StatusBadRequest))

	ctx := logger.ContextWith(context.Background(), logger.ChannelKey, "c1")
	_, err := f.dc.Do(ctx, Request{
		Operation: retry.OpAppendRows,
		Method:    http.MethodPost,
		URL:       f.srv.URL + "/channels/c1/rows",
		Body:      []byte(`{"id":1}`),
		Header:    map[string]string{HeaderRequestID: "req-7"},
	})
	require.NoError(t, err)

	done := logs.FilterMessage("request completed").All()
	require.Len(t, done, 1)
	fields := done[0].ContextMap()
	assert.Equal(t, "req-7", fields["request_id"])
	assert.Equal(t, "c1", fields["channel"])

	_, err = f.dc.Do(ctx, Request{
		Operation: retry.OpDropChannel,
		Method:    http.MethodDelete,
		URL:       f.srv.URL + "/channels/c1",
		Header:    map[string]string{HeaderRequestID: "req-8"},
	})
	require.Error(t, err)
	failed := logs.FilterMessage("request failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "req-8", failed[0].ContextMap()["request_id"])
	assert.EqualValues(t, http.StatusBadRequest, failed[0].ContextMap()["status"])
}
