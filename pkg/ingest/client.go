package ingest

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/clients"
	"github.com/ajitpratap0/snowstream/pkg/compression"
	"github.com/ajitpratap0/snowstream/pkg/config"
	"github.com/ajitpratap0/snowstream/pkg/dispatch"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/json"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	"github.com/ajitpratap0/snowstream/pkg/retry"
	"github.com/ajitpratap0/snowstream/pkg/token"
)

const (
	hostnamePath  = "/v2/streaming/hostname"
	streamingPath = "/v2/streaming"
)

// Client discovers the ingest host for one pipe and opens channels on it.
// It is safe for concurrent use; channels opened from one client share its
// transport, token guard and retry plan.
type Client struct {
	database string
	schema   string
	pipe     string

	controlURL string
	ingestURL  string

	guard     *token.Guard
	scoped    *clients.ScopedTokenSource
	transport *clients.HTTPClient
	control   *dispatch.Context
	data      *dispatch.Context

	channelCfg config.ChannelConfig
	chunkLimit int

	clock   clock.Clock
	base    *zap.Logger
	logger  *zap.Logger
	metrics *metrics.Metrics
}

type options struct {
	clock      clock.Clock
	logger     *zap.Logger
	metrics    *metrics.Metrics
	transport  *clients.HTTPClient
	tracer     trace.TracerProvider
	rnd        func() float64
	chunkLimit int
}

// Option configures a Client.
type Option func(*options)

// WithClock injects the clock used for token lifetimes, backoff and close polling.
func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithMetrics records client activity on m.
func WithMetrics(m *metrics.Metrics) Option { return func(o *options) { o.metrics = m } }

// WithHTTPClient replaces the transport built from the http section.
func WithHTTPClient(c *clients.HTTPClient) Option { return func(o *options) { o.transport = c } }

// WithTracerProvider creates request spans from tp.
func WithTracerProvider(tp trace.TracerProvider) Option { return func(o *options) { o.tracer = tp } }

// WithJitterSource replaces the random source for retry jitter.
func WithJitterSource(f func() float64) Option { return func(o *options) { o.rnd = f } }

// WithChunkLimit lowers the packed chunk cap, mainly for tests.
func WithChunkLimit(n int) Option { return func(o *options) { o.chunkLimit = n } }

// NewClient validates cfg, builds the token guard, discovers the ingest host
// and, when scoped tokens are enabled, performs the first exchange.
func NewClient(ctx context.Context, cfg *config.ClientConfig, opts ...Option) (*Client, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	base := logger.OrDefault(o.logger)
	l := logger.Component(base, "ingest")

	c := *cfg
	if c.DSN != "" {
		if err := c.ApplyDSN(); err != nil {
			return nil, err
		}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.Database == "" || c.Schema == "" || c.Pipe == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "database, schema and pipe are required")
	}
	controlURL, err := c.ControlURL()
	if err != nil {
		return nil, err
	}

	guard, err := newGuard(&c, o, base)
	if err != nil {
		return nil, err
	}

	plan, err := retry.PlanFromConfig(&c)
	if err != nil {
		return nil, err
	}
	coordOpts := []retry.CoordinatorOption{retry.WithClock(o.clock), retry.WithLogger(base), retry.WithMetrics(o.metrics)}
	if o.rnd != nil {
		coordOpts = append(coordOpts, retry.WithRand(o.rnd))
	}
	coord := retry.NewCoordinator(plan, coordOpts...)

	transport := o.transport
	if transport == nil {
		transport = clients.NewHTTPClient(clients.HTTPConfigFrom(c.HTTP), base)
	}

	alg, err := compression.Parse(c.HTTP.Compression)
	if err != nil {
		return nil, err
	}
	compressor, err := compression.NewCompressor(alg, compression.Default)
	if err != nil {
		return nil, err
	}

	dopts := []dispatch.Option{
		dispatch.WithClock(o.clock),
		dispatch.WithLogger(base),
		dispatch.WithMetrics(o.metrics),
		dispatch.WithCompressor(compressor),
	}
	if o.tracer != nil {
		dopts = append(dopts, dispatch.WithTracerProvider(o.tracer))
	}

	client := &Client{
		database:   c.Database,
		schema:     c.Schema,
		pipe:       c.Pipe,
		controlURL: controlURL,
		guard:      guard,
		transport:  transport,
		control:    dispatch.New(transport, guard, coord, dopts...),
		channelCfg: c.Channel,
		chunkLimit: o.chunkLimit,
		clock:      o.clock,
		base:       base,
		logger:     l.With(zap.String("pipe", c.Pipe)),
		metrics:    o.metrics,
	}
	if client.chunkLimit <= 0 {
		client.chunkLimit = MaxChunkBytes
	}
	client.data = client.control

	ingestURL, err := client.DiscoverIngestHost(ctx)
	if err != nil {
		return nil, err
	}
	client.ingestURL = ingestURL

	if c.ScopedToken {
		scope := ingestURL
		if u, err := url.Parse(ingestURL); err == nil && u.Host != "" {
			scope = u.Host
		}
		client.scoped = clients.NewScopedTokenSource(transport, guard, coord, controlURL, scope,
			clients.WithScopedClock(o.clock),
			clients.WithScopedLogger(base),
			clients.WithScopedMetrics(o.metrics))
		if _, err := client.scoped.EnsureValid(ctx); err != nil {
			return nil, err
		}
		client.data = client.control.WithCredentials(client.scoped)
	}

	client.logger.Info("ingest client ready",
		zap.String("control_url", controlURL),
		zap.String("ingest_url", ingestURL),
		zap.String("token_type", client.data.Credentials().TokenType()))
	return client, nil
}

func newGuard(c *config.ClientConfig, o options, l *zap.Logger) (*token.Guard, error) {
	policy, err := token.NewPolicy(c.JWTLifetime(), c.RefreshMargin(), token.DefaultBounds())
	if err != nil {
		return nil, err
	}
	gopts := []token.GuardOption{token.WithClock(o.clock), token.WithLogger(l), token.WithMetrics(o.metrics)}

	if c.UsesPrecomputedToken() {
		return token.NewGuard(token.PrecomputedToken{Value: c.JWTToken}, policy, gopts...)
	}

	key := c.DSNKey()
	if c.PrivateKey != "" || c.PrivateKeyPath != "" {
		pem, err := c.KeyPEM()
		if err != nil {
			return nil, err
		}
		if key, err = token.LoadPrivateKey(pem, c.PrivateKeyPassphrase); err != nil {
			return nil, err
		}
	}

	return token.NewGuard(token.KeyPair{
		Account:     c.Account,
		User:        c.SubjectUser(),
		Key:         key,
		Fingerprint: c.PublicKeyFP,
		Audience:    c.Audience,
	}, policy, gopts...)
}

// Database returns the target database.
func (c *Client) Database() string { return c.database }

// Schema returns the target schema.
func (c *Client) Schema() string { return c.schema }

// Pipe returns the target pipe.
func (c *Client) Pipe() string { return c.pipe }

// IngestURL returns the discovered ingest base URL.
func (c *Client) IngestURL() string { return c.ingestURL }

// Guard returns the JWT guard.
func (c *Client) Guard() *token.Guard { return c.guard }

// DiscoverIngestHost asks the control plane for the ingest host of the
// account. The body may be plain text, a JSON string or a JSON object with a
// hostname field. A host without a scheme gets https.
func (c *Client) DiscoverIngestHost(ctx context.Context) (string, error) {
	resp, err := c.control.Do(ctx, c.request(retry.OpDiscoverHost, http.MethodGet, c.controlURL+hostnamePath, nil))
	if err != nil {
		return "", err
	}
	host, err := parseHostname(resp.Body)
	if err != nil {
		return "", err
	}
	c.logger.Info("discovered ingest host", zap.String("host", host))
	return host, nil
}

func parseHostname(body []byte) (string, error) {
	raw := strings.TrimSpace(string(body))
	switch {
	case strings.HasPrefix(raw, `"`):
		var s string
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return "", hostnameError(raw, err)
		}
		raw = s
	case strings.HasPrefix(raw, "{"):
		var h hostnameResponse
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return "", hostnameError(raw, err)
		}
		raw = h.Hostname
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", hostnameError(string(body), nil)
	}
	if strings.Contains(raw, "://") {
		return strings.TrimRight(raw, "/"), nil
	}
	return "https://" + strings.TrimRight(raw, "/"), nil
}

func hostnameError(body string, cause error) error {
	var e *errors.Error
	if cause != nil {
		e = errors.Wrap(cause, errors.ErrorTypeHTTP, "malformed ingest host response")
	} else {
		e = errors.New(errors.ErrorTypeHTTP, "empty ingest host response")
	}
	return e.WithDetail(errors.DetailOperation, string(retry.OpDiscoverHost)).
		WithDetail(errors.DetailBody, body)
}

// OpenChannel opens (or reopens) a channel on the pipe. Reopening resumes
// from the server's last committed offset.
func (c *Client) OpenChannel(ctx context.Context, name string) (*Channel, error) {
	if name == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "channel name is required")
	}
	var resp openChannelResponse
	if err := c.data.DoJSON(c.logContext(ctx, name), c.request(retry.OpOpenChannel, http.MethodPut, c.channelURL(name), []byte("{}")), &resp); err != nil {
		return nil, err
	}
	committed, err := resp.ChannelStatus.CommittedOffset()
	if err != nil {
		return nil, err
	}

	ch := newChannel(c, name, resp.NextContinuationToken, committed)
	c.metrics.RecordTransition(StateOpen.String())
	ch.logger.Info("channel opened",
		zap.String("database", c.database),
		zap.String("schema", c.schema),
		zap.Int64("committed_offset", committed),
		zap.String("status_code", resp.ChannelStatus.ChannelStatusCode))
	return ch, nil
}

// BulkChannelStatus returns the server status of the named channels. Names
// the server does not know are absent from the result.
func (c *Client) BulkChannelStatus(ctx context.Context, names ...string) (map[string]ChannelStatus, error) {
	body, err := json.Marshal(bulkStatusRequest{ChannelNames: names})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode status request")
	}
	var resp bulkStatusResponse
	if err := c.data.DoJSON(c.logContext(ctx, ""), c.request(retry.OpChannelStatus, http.MethodPost, c.pipeURL()+":bulk-channel-status", body), &resp); err != nil {
		return nil, err
	}
	if resp.ChannelStatuses == nil {
		resp.ChannelStatuses = map[string]ChannelStatus{}
	}
	return resp.ChannelStatuses, nil
}

// Close releases idle connections. Open channels are not closed.
func (c *Client) Close() error {
	return c.transport.Close()
}

// logContext tags ctx with the pipe and, when set, the channel so dispatch
// logs carry them.
func (c *Client) logContext(ctx context.Context, channel string) context.Context {
	ctx = logger.ContextWith(ctx, logger.PipeKey, c.database+"."+c.schema+"."+c.pipe)
	if channel != "" {
		ctx = logger.ContextWith(ctx, logger.ChannelKey, channel)
	}
	return ctx
}

func (c *Client) request(op retry.Operation, method, target string, body []byte) dispatch.Request {
	return dispatch.Request{
		Operation: op,
		Method:    method,
		URL:       target,
		Body:      body,
		Header:    map[string]string{dispatch.HeaderRequestID: uuid.NewString()},
	}
}

func (c *Client) pipeURL() string {
	return c.ingestURL + streamingPath +
		"/databases/" + url.PathEscape(c.database) +
		"/schemas/" + url.PathEscape(c.schema) +
		"/pipes/" + url.PathEscape(c.pipe)
}

func (c *Client) channelURL(name string) string {
	return c.pipeURL() + "/channels/" + url.PathEscape(name)
}

func (c *Client) rowsURL(name string) string {
	return c.ingestURL + streamingPath + "/data" +
		"/databases/" + url.PathEscape(c.database) +
		"/schemas/" + url.PathEscape(c.schema) +
		"/pipes/" + url.PathEscape(c.pipe) +
		"/channels/" + url.PathEscape(name) + "/rows"
}
