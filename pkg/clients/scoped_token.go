package clients

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
	"github.com/ajitpratap0/snowstream/pkg/retry"
)

const (
	// TokenTypeOAuth is the token type header value for scoped tokens.
	TokenTypeOAuth = "OAUTH"

	jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

	// DefaultScopedTokenLifetime is how long an exchanged token is reused
	// before a fresh exchange, absent a 401.
	DefaultScopedTokenLifetime = 50 * time.Minute
)

// AssertionSource supplies the signed JWT presented to the token endpoint.
// *token.Guard implements it.
type AssertionSource interface {
	EnsureValid(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context, rejected string) (string, error)
	TokenType() string
}

// ScopedTokenSource exchanges the account JWT for a token scoped to one ingest
// host. Concurrent callers share a single exchange.
type ScopedTokenSource struct {
	http      *HTTPClient
	assertion AssertionSource
	coord     *retry.Coordinator
	tokenURL  string
	scope     string
	lifetime  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Metrics

	current   atomic.Pointer[oauth2.Token]
	flight    singleflight.Group
	exchanges atomic.Int64
}

// ScopedOption configures a ScopedTokenSource.
type ScopedOption func(*ScopedTokenSource)

// WithScopedLifetime sets how long an exchanged token is reused.
func WithScopedLifetime(d time.Duration) ScopedOption {
	return func(s *ScopedTokenSource) { s.lifetime = d }
}

// WithScopedClock sets the clock used for token expiry.
func WithScopedClock(c clock.Clock) ScopedOption {
	return func(s *ScopedTokenSource) { s.clock = c }
}

// WithScopedLogger sets the logger.
func WithScopedLogger(l *zap.Logger) ScopedOption {
	return func(s *ScopedTokenSource) { s.logger = l }
}

// WithScopedMetrics records exchanges on m.
func WithScopedMetrics(m *metrics.Metrics) ScopedOption {
	return func(s *ScopedTokenSource) { s.metrics = m }
}

// NewScopedTokenSource creates a source that exchanges at
// {controlURL}/oauth/token for the given ingest host scope.
func NewScopedTokenSource(httpClient *HTTPClient, assertion AssertionSource, coord *retry.Coordinator, controlURL, scope string, opts ...ScopedOption) *ScopedTokenSource {
	s := &ScopedTokenSource{
		http:      httpClient,
		assertion: assertion,
		coord:     coord,
		tokenURL:  strings.TrimRight(controlURL, "/") + "/oauth/token",
		scope:     scope,
		lifetime:  DefaultScopedTokenLifetime,
		clock:     clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.Component(logger.OrDefault(s.logger), "scoped_token")
	return s
}

// TokenType returns OAUTH.
func (s *ScopedTokenSource) TokenType() string { return TokenTypeOAuth }

// Exchanges returns how many exchanges have completed.
func (s *ScopedTokenSource) Exchanges() int64 { return s.exchanges.Load() }

// EnsureValid returns the cached scoped token, exchanging when it is missing
// or past its reuse lifetime.
func (s *ScopedTokenSource) EnsureValid(ctx context.Context) (string, error) {
	if tok := s.current.Load(); tok != nil && s.clock.Now().Before(tok.Expiry) {
		return tok.AccessToken, nil
	}
	return s.refresh(ctx, "", false)
}

// ForceRefresh exchanges again unless another caller already replaced the
// rejected token.
func (s *ScopedTokenSource) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	return s.refresh(ctx, rejected, true)
}

func (s *ScopedTokenSource) refresh(ctx context.Context, rejected string, force bool) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	v, err, _ := s.flight.Do("exchange", func() (interface{}, error) {
		if tok := s.current.Load(); tok != nil {
			if force && tok.AccessToken != rejected {
				return tok.AccessToken, nil
			}
			if !force && s.clock.Now().Before(tok.Expiry) {
				return tok.AccessToken, nil
			}
		}
		return s.exchange(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *ScopedTokenSource) exchange(ctx context.Context) (string, error) {
	form := url.Values{"grant_type": {jwtBearerGrant}, "scope": {s.scope}}
	body := []byte(form.Encode())
	var assertion string

	attempt := func(ctx context.Context, _ int) (*http.Response, error) {
		jwt, err := s.assertion.EnsureValid(ctx)
		if err != nil {
			return nil, err
		}
		assertion = jwt
		req, err := s.http.NewRequest(ctx, http.MethodPost, s.tokenURL, body, map[string]string{
			"Content-Type":                         "application/x-www-form-urlencoded",
			"Authorization":                        "Bearer " + jwt,
			"X-Snowflake-Authorization-Token-Type": s.assertion.TokenType(),
		})
		if err != nil {
			return nil, err
		}
		return s.http.Do(req)
	}
	refresh := func(ctx context.Context) error {
		_, err := s.assertion.ForceRefresh(ctx, assertion)
		return err
	}

	resp, err := s.coord.Execute(ctx, retry.OpScopedToken, attempt, refresh)
	if err != nil {
		s.metrics.RecordRefresh("error")
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		s.metrics.RecordRefresh("error")
		return "", errors.Wrap(err, errors.ErrorTypeHTTP, "failed to read scoped token")
	}
	value := strings.TrimSpace(string(raw))
	if value == "" {
		s.metrics.RecordRefresh("error")
		return "", errors.New(errors.ErrorTypeHTTP, "token endpoint returned an empty scoped token").
			WithDetail(errors.DetailOperation, string(retry.OpScopedToken))
	}

	now := s.clock.Now()
	s.current.Store(&oauth2.Token{
		AccessToken: value,
		TokenType:   TokenTypeOAuth,
		Expiry:      now.Add(s.lifetime),
	})
	s.exchanges.Add(1)
	s.metrics.RecordRefresh("exchanged")
	s.logger.Info("scoped token acquired",
		zap.String("scope", s.scope),
		zap.Int("length", len(value)),
		zap.Duration("reuse_for", s.lifetime))
	return value, nil
}
