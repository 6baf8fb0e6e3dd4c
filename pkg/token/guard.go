package token

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
)

// TokenTypeKeypairJWT is the companion header value for self-signed JWTs.
const TokenTypeKeypairJWT = "KEYPAIR_JWT"

const flightKey = "refresh"

// Guard owns the current token envelope. The envelope pointer is the only
// mutable state; it is written solely from inside the singleflight group.
type Guard struct {
	signer      *signer
	precomputed bool
	policy      Policy

	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	current    atomic.Pointer[Envelope]
	flight     singleflight.Group
	refreshing atomic.Bool
	signings   atomic.Int64

	warnMu sync.Mutex
	warned map[time.Duration]struct{}

	// beforeSign runs inside the flight ahead of signing; tests use it to
	// hold a refresh open.
	beforeSign func()
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithClock sets the time source.
func WithClock(c clock.Clock) GuardOption {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// WithMetrics records refreshes on m.
func WithMetrics(m *metrics.Metrics) GuardOption {
	return func(g *Guard) { g.metrics = m }
}

// NewGuard validates the policy and credential source. No token is signed
// until the first EnsureValid.
func NewGuard(src CredentialSource, policy Policy, opts ...GuardOption) (*Guard, error) {
	g := &Guard{
		policy: policy,
		clock:  clock.Real(),
		warned: make(map[time.Duration]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = logger.Component(g.logger, "token_guard")

	switch s := src.(type) {
	case KeyPair:
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		sg, err := newSigner(s)
		if err != nil {
			return nil, err
		}
		g.signer = sg
	case PrecomputedToken:
		if s.Value == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "precomputed token is empty")
		}
		env := precomputedEnvelope(s.Value, g.clock.Now())
		g.current.Store(&env)
		g.precomputed = true
		g.logger.Warn("precomputed jwt_token is deprecated; configure key material so tokens can be refreshed",
			zap.Time("expires_at", env.ExpiresAt))
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unsupported credential source %T", src)
	}
	return g, nil
}

// EnsureValid returns a token with more than the policy margin left. The
// fast path is a single atomic load.
func (g *Guard) EnsureValid(ctx context.Context) (string, error) {
	if env := g.current.Load(); env != nil && (g.precomputed || !env.NeedsRefresh(g.clock.Now(), g.policy.Margin)) {
		return env.Value, nil
	}
	env, err := g.refresh(ctx, "", false)
	if err != nil {
		return "", err
	}
	return env.Value, nil
}

// ForceRefresh replaces the token regardless of its remaining lifetime,
// unless the current token already differs from rejected, in which case
// another caller refreshed first and that token is returned. For a
// precomputed token it returns the same value.
func (g *Guard) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	if g.precomputed {
		return g.current.Load().Value, nil
	}
	env, err := g.refresh(ctx, rejected, true)
	if err != nil {
		return "", err
	}
	// A forced caller that joined a flight which found the rejected token
	// still fresh gets one more flight of its own.
	if env.Value == rejected {
		if env, err = g.refresh(ctx, rejected, true); err != nil {
			return "", err
		}
	}
	return env.Value, nil
}

// Current returns the stored envelope without refreshing.
func (g *Guard) Current() (Envelope, bool) {
	env := g.current.Load()
	if env == nil {
		return Envelope{}, false
	}
	return *env, true
}

// Refreshing reports whether a refresh is in flight.
func (g *Guard) Refreshing() bool {
	return g.refreshing.Load()
}

// TokenType returns the value for the X-Snowflake-Authorization-Token-Type header.
func (g *Guard) TokenType() string {
	return TokenTypeKeypairJWT
}

// Policy returns the policy the guard was built with.
func (g *Guard) Policy() Policy {
	return g.policy
}

func (g *Guard) refresh(ctx context.Context, rejected string, force bool) (*Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, shared := g.flight.Do(flightKey, func() (interface{}, error) {
		if env := g.current.Load(); env != nil {
			if force && env.Value != rejected {
				g.metrics.RecordRefresh("reused")
				return env, nil
			}
			if !force && !env.NeedsRefresh(g.clock.Now(), g.policy.Margin) {
				g.metrics.RecordRefresh("reused")
				return env, nil
			}
		}
		return g.sign()
	})
	if err != nil {
		return nil, err
	}
	if shared {
		g.logger.Debug("joined in-flight token refresh")
	}
	return v.(*Envelope), nil
}

func (g *Guard) sign() (*Envelope, error) {
	g.refreshing.Store(true)
	defer g.refreshing.Store(false)
	if g.beforeSign != nil {
		g.beforeSign()
	}

	now := g.clock.Now()
	effective, clamped := ClampLifetime(g.policy.Requested, g.policy.Bounds)
	if clamped {
		g.warnClamped(g.policy.Requested, effective)
	}

	env, err := g.signer.sign(now, effective)
	if err != nil {
		g.metrics.RecordRefresh("error")
		g.logger.Error("token refresh failed", zap.Error(err))
		return nil, err
	}
	g.current.Store(&env)
	g.signings.Add(1)
	g.metrics.RecordRefresh("signed")

	g.logger.Info("token refreshed",
		zap.Duration("remaining_ttl", env.Remaining(now)),
		zap.Duration("effective_lifetime", effective),
		zap.Duration("requested_lifetime", g.policy.Requested),
		zap.Bool("clamped", clamped),
		zap.String("jti", env.ID))
	return &env, nil
}

// warnClamped logs once per distinct requested lifetime.
func (g *Guard) warnClamped(requested, effective time.Duration) {
	g.metrics.RecordClamp()

	g.warnMu.Lock()
	_, seen := g.warned[requested]
	g.warned[requested] = struct{}{}
	g.warnMu.Unlock()
	if seen {
		return
	}
	g.logger.Warn("token lifetime clamped",
		zap.Duration("requested_lifetime", requested),
		zap.Duration("effective_lifetime", effective),
		zap.Duration("min_lifetime", g.policy.Bounds.Min),
		zap.Duration("max_lifetime", g.policy.Bounds.Max))
}
