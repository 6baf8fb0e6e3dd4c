// Package retry classifies the outcome of each HTTP attempt and applies the
// recovery policy for it: a forced token refresh for 401, a bounded pause for
// 429, capped exponential backoff for transient failures, and nothing for
// fatal ones.
package retry

import (
	"math"
	"strings"
	"time"

	"github.com/ajitpratap0/snowstream/pkg/config"
	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// Jitter selects how randomness is applied to transient backoff.
type Jitter string

const (
	// JitterFull scales each delay by a uniform factor in [0, 1).
	JitterFull Jitter = "full"
	// JitterDecorrelated scales each delay by a uniform factor in [0.5, 1.5), capped at MaxDelay.
	JitterDecorrelated Jitter = "decorrelated"
)

// ParseJitter parses "full" or "decorrelated", case-insensitively.
func ParseJitter(s string) (Jitter, error) {
	switch j := Jitter(strings.ToLower(strings.TrimSpace(s))); j {
	case JitterFull, JitterDecorrelated:
		return j, nil
	default:
		return "", errors.Newf(errors.ErrorTypeConfig, "unknown jitter strategy %q; expected full or decorrelated", s)
	}
}

// Plan is the immutable per-outcome retry policy.
type Plan struct {
	// RetryOnUnauthorized enables one forced refresh and one retry after a 401.
	RetryOnUnauthorized bool

	// RateLimitDelay is the pause before retrying a 429. RateLimitJitter adds a
	// uniform [0, RateLimitJitter] on top; zero keeps the pause deterministic.
	RateLimitDelay      time.Duration
	RateLimitJitter     time.Duration
	MaxRateLimitRetries int

	// MaxAttempts bounds the total attempts of one call for transient retries.
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       Jitter
}

// DefaultPlan returns the production defaults: one 401 retry, one 429 retry
// after a fixed 2s, and up to 4 attempts with 200ms * 1.8^n backoff capped at 5s.
func DefaultPlan() Plan {
	return Plan{
		RetryOnUnauthorized: true,
		RateLimitDelay:      2 * time.Second,
		MaxRateLimitRetries: 1,
		MaxAttempts:         4,
		InitialDelay:        200 * time.Millisecond,
		Multiplier:          1.8,
		MaxDelay:            5 * time.Second,
		Jitter:              JitterFull,
	}
}

// Validate rejects plans that cannot terminate or that misuse the backoff fields.
func (p Plan) Validate() error {
	switch {
	case p.MaxAttempts < 1:
		return errors.New(errors.ErrorTypeConfig, "retry plan needs at least one attempt")
	case p.MaxRateLimitRetries < 0:
		return errors.New(errors.ErrorTypeConfig, "max rate limit retries cannot be negative")
	case p.RateLimitDelay < 0 || p.RateLimitJitter < 0:
		return errors.New(errors.ErrorTypeConfig, "rate limit delay cannot be negative")
	case p.InitialDelay < 0 || p.MaxDelay < p.InitialDelay:
		return errors.New(errors.ErrorTypeConfig, "max delay must be at least the initial delay")
	case p.Multiplier < 1:
		return errors.New(errors.ErrorTypeConfig, "backoff multiplier must be at least 1")
	}
	if _, err := ParseJitter(string(p.Jitter)); err != nil {
		return err
	}
	return nil
}

// Backoff returns the pause before attempt number next (2 for the first
// retry). rnd must return values in [0, 1).
func (p Plan) Backoff(next int, rnd func() float64) time.Duration {
	if next < 2 {
		next = 2
	}
	base := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(next-2))
	if base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	var delay float64
	switch p.Jitter {
	case JitterDecorrelated:
		delay = base * (0.5 + rnd())
	default:
		delay = base * rnd()
	}
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// RateLimitBackoff returns the pause before retrying a 429.
func (p Plan) RateLimitBackoff(rnd func() float64) time.Duration {
	if p.RateLimitJitter <= 0 {
		return p.RateLimitDelay
	}
	return p.RateLimitDelay + time.Duration(rnd()*float64(p.RateLimitJitter))
}

// PlanFromConfig builds a Plan from a defaulted client configuration.
func PlanFromConfig(cfg *config.ClientConfig) (Plan, error) {
	jitter, err := ParseJitter(cfg.Retry.Jitter)
	if err != nil {
		return Plan{}, err
	}
	p := Plan{
		RetryOnUnauthorized: cfg.RetriesUnauthorized(),
		RateLimitDelay:      cfg.Retry.RateLimitDelay,
		RateLimitJitter:     cfg.Retry.RateLimitJitter,
		MaxRateLimitRetries: cfg.Retry.MaxRateLimitRetries,
		MaxAttempts:         cfg.Retry.MaxAttempts,
		InitialDelay:        cfg.Retry.InitialDelay,
		Multiplier:          cfg.Retry.Multiplier,
		MaxDelay:            cfg.Retry.MaxDelay,
		Jitter:              jitter,
	}
	return p, p.Validate()
}
