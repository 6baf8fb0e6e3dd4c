// Package dispatch sends one logical request through credentials, retry and
// transport. A Context is immutable; WithCredentials derives a copy bound to
// another token source.
package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/clients"
	"github.com/ajitpratap0/snowstream/pkg/compression"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/json"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	"github.com/ajitpratap0/snowstream/pkg/observability"
	"github.com/ajitpratap0/snowstream/pkg/retry"
)

// Header names sent on every request.
const (
	HeaderAuthorization   = "Authorization"
	HeaderTokenType       = "X-Snowflake-Authorization-Token-Type"
	HeaderContentType     = "Content-Type"
	HeaderContentEncoding = "Content-Encoding"
	HeaderRequestID       = "X-Request-ID"

	ContentTypeJSON   = "application/json"
	ContentTypeNDJSON = "application/x-ndjson"
)

// maxResponseBody bounds how much of a response is read.
const maxResponseBody = 16 << 20

// Credentials supplies bearer tokens. *token.Guard and
// *clients.ScopedTokenSource implement it.
type Credentials interface {
	// EnsureValid returns a token valid beyond the refresh margin.
	EnsureValid(ctx context.Context) (string, error)
	// ForceRefresh replaces rejected unless another caller already did.
	ForceRefresh(ctx context.Context, rejected string) (string, error)
	// TokenType is the value of the token type header.
	TokenType() string
}

// Request describes one logical call.
type Request struct {
	Operation retry.Operation
	Method    string
	URL       string
	// Query is appended to URL.
	Query url.Values
	Body  []byte
	// ContentType defaults to application/json when Body is set.
	ContentType string
	// Compress applies the context's compressor to Body.
	Compress bool
	Header   map[string]string
}

// Response is a fully read 2xx response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Context carries everything needed to send authenticated requests.
type Context struct {
	transport  *clients.HTTPClient
	creds      Credentials
	coord      *retry.Coordinator
	compressor compression.Compressor
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	logger     *zap.Logger
	clock      clock.Clock
}

// Option configures a Context.
type Option func(*Context)

// WithCompressor compresses bodies of requests that ask for it.
func WithCompressor(c compression.Compressor) Option {
	return func(d *Context) { d.compressor = c }
}

// WithMetrics records request durations on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Context) { d.metrics = m }
}

// WithTracerProvider creates spans from tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Context) { d.tracer = observability.Tracer(tp) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Context) { d.logger = l }
}

// WithClock sets the clock used to time requests.
func WithClock(c clock.Clock) Option {
	return func(d *Context) { d.clock = c }
}

// New creates a dispatch context.
func New(transport *clients.HTTPClient, creds Credentials, coord *retry.Coordinator, opts ...Option) *Context {
	d := &Context{
		transport: transport,
		creds:     creds,
		coord:     coord,
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = observability.Tracer(nil)
	}
	d.logger = logger.Component(logger.OrDefault(d.logger), "dispatch")
	return d
}

// WithCredentials returns a copy of d that authenticates with c.
func (d *Context) WithCredentials(c Credentials) *Context {
	cp := *d
	cp.creds = c
	return &cp
}

// Credentials returns the token source in use.
func (d *Context) Credentials() Credentials { return d.creds }

// Transport returns the underlying HTTP client.
func (d *Context) Transport() *clients.HTTPClient { return d.transport }

// Coordinator returns the retry coordinator.
func (d *Context) Coordinator() *retry.Coordinator { return d.coord }

// Do sends req, retrying per the coordinator's plan, and returns the read
// response. Non-2xx results are returned as errors.
func (d *Context) Do(ctx context.Context, req Request) (resp *Response, err error) {
	target := req.URL
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	if id := req.Header[HeaderRequestID]; id != "" {
		ctx = logger.ContextWith(ctx, logger.RequestIDKey, id)
	}
	log := logger.WithContext(ctx, d.logger)

	ctx, span := observability.StartSpan(ctx, d.tracer, "snowstream."+string(req.Operation),
		attribute.String("http.request.method", req.Method),
		attribute.String("snowstream.operation", string(req.Operation)),
		attribute.String("snowstream.token_type", d.creds.TokenType()),
		attribute.Int("http.request.body.size", len(req.Body)),
	)
	start := d.clock.Now()
	status := 0
	defer func() {
		span.SetAttributes(attribute.Int("http.response.status_code", status))
		observability.EndSpan(span, err)
		d.metrics.ObserveRequest(string(req.Operation), status, d.clock.Now().Sub(start))
	}()

	body, encoding, err := d.encodeBody(req)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string, len(req.Header)+4)
	for k, v := range req.Header {
		headers[k] = v
	}
	if body != nil {
		ct := req.ContentType
		if ct == "" {
			ct = ContentTypeJSON
		}
		headers[HeaderContentType] = ct
	}
	if encoding != "" {
		headers[HeaderContentEncoding] = encoding
	}
	headers[HeaderTokenType] = d.creds.TokenType()

	var presented string
	attempt := func(ctx context.Context, n int) (*http.Response, error) {
		tok, err := d.creds.EnsureValid(ctx)
		if err != nil {
			return nil, err
		}
		presented = tok
		hr, err := d.transport.NewRequest(ctx, req.Method, target, body, headers)
		if err != nil {
			return nil, err
		}
		hr.Header.Set(HeaderAuthorization, "Bearer "+tok)
		observability.InjectHeaders(ctx, hr.Header)
		if n > 1 {
			span.AddEvent("retry", trace.WithAttributes(attribute.Int("attempt", n)))
		}
		return d.transport.Do(hr)
	}
	refresh := func(ctx context.Context) error {
		_, err := d.creds.ForceRefresh(ctx, presented)
		return err
	}

	hresp, err := d.coord.Execute(ctx, req.Operation, attempt, refresh)
	if err != nil {
		if v, ok := errors.DetailOf(err, errors.DetailStatus); ok {
			if s, ok := v.(int); ok {
				status = s
			}
		}
		log.Debug("request failed",
			zap.String("operation", string(req.Operation)),
			zap.Int("status", status),
			zap.Error(err))
		return nil, err
	}
	defer hresp.Body.Close()
	status = hresp.StatusCode

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeHTTP, "failed to read response body").
			WithDetail(errors.DetailOperation, string(req.Operation)).
			WithDetail(errors.DetailStatus, status)
	}

	log.Debug("request completed",
		zap.String("operation", string(req.Operation)),
		zap.Int("status", status),
		zap.Int("request_bytes", len(body)),
		zap.Int("response_bytes", len(data)),
		zap.Duration("elapsed", d.clock.Now().Sub(start)))

	return &Response{Status: status, Header: hresp.Header, Body: data}, nil
}

// DoJSON sends req and decodes the response body into out. An empty body
// leaves out untouched. A malformed body is an HttpError and is not retried.
func (d *Context) DoJSON(ctx context.Context, req Request, out interface{}) error {
	resp, err := d.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeHTTP, "malformed JSON response").
			WithDetail(errors.DetailOperation, string(req.Operation)).
			WithDetail(errors.DetailStatus, resp.Status).
			WithDetail(errors.DetailBody, excerpt(resp.Body))
	}
	return nil
}

func (d *Context) encodeBody(req Request) ([]byte, string, error) {
	if req.Body == nil || !req.Compress || d.compressor == nil || d.compressor.ContentEncoding() == "" {
		return req.Body, "", nil
	}
	packed, err := d.compressor.Compress(req.Body)
	if err != nil {
		return nil, "", err
	}
	return packed, d.compressor.ContentEncoding(), nil
}

func excerpt(b []byte) string {
	const limit = 512
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
