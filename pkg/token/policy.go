package token

import (
	"time"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

const (
	// MinMargin is the smallest refresh margin a caller may configure.
	MinMargin = 30 * time.Second
	// DefaultMinLifetime and DefaultMaxLifetime bound the signed token lifetime.
	DefaultMinLifetime = 30 * time.Second
	DefaultMaxLifetime = 3600 * time.Second

	maxDerivedMargin = 2 * time.Minute
)

// Bounds is the closed interval a requested lifetime is clamped into.
type Bounds struct {
	Min time.Duration
	Max time.Duration
}

// DefaultBounds returns [30s, 3600s].
func DefaultBounds() Bounds {
	return Bounds{Min: DefaultMinLifetime, Max: DefaultMaxLifetime}
}

// Policy governs proactive refresh. Build it with NewPolicy so the
// Margin < Effective invariant holds.
type Policy struct {
	Margin    time.Duration
	Bounds    Bounds
	Requested time.Duration
	Effective time.Duration
	Clamped   bool
}

// ClampLifetime clamps requested into bounds and reports whether it had to.
func ClampLifetime(requested time.Duration, bounds Bounds) (effective time.Duration, clamped bool) {
	switch {
	case requested < bounds.Min:
		return bounds.Min, true
	case requested > bounds.Max:
		return bounds.Max, true
	default:
		return requested, false
	}
}

// DeriveMargin picks a margin for a lifetime when none is configured: a fifth
// of the lifetime, capped at two minutes.
func DeriveMargin(lifetime time.Duration) time.Duration {
	m := lifetime / 5
	if m > maxDerivedMargin {
		m = maxDerivedMargin
	}
	return m
}

// NewPolicy clamps requested into bounds and validates margin against the
// result. A zero margin is derived from the effective lifetime; an explicit
// one must be at least MinMargin. A zero Bounds means DefaultBounds.
func NewPolicy(requested, margin time.Duration, bounds Bounds) (Policy, error) {
	if bounds == (Bounds{}) {
		bounds = DefaultBounds()
	}
	effective, clamped := ClampLifetime(requested, bounds)
	p := Policy{
		Margin:    margin,
		Bounds:    bounds,
		Requested: requested,
		Effective: effective,
		Clamped:   clamped,
	}
	if margin == 0 {
		p.Margin = DeriveMargin(effective)
	} else if margin < MinMargin {
		return Policy{}, errors.Newf(errors.ErrorTypeConfig, "refresh margin %s is below the minimum %s", margin, MinMargin)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks the invariants clamping cannot repair.
func (p Policy) Validate() error {
	if p.Bounds.Min <= 0 || p.Bounds.Max < p.Bounds.Min {
		return errors.Newf(errors.ErrorTypeConfig, "invalid lifetime bounds [%s, %s]", p.Bounds.Min, p.Bounds.Max)
	}
	if p.Margin <= 0 {
		return errors.New(errors.ErrorTypeConfig, "refresh margin must be positive")
	}
	if p.Margin >= p.Bounds.Max {
		return errors.Newf(errors.ErrorTypeConfig, "refresh margin %s must be below the maximum lifetime %s", p.Margin, p.Bounds.Max)
	}
	if p.Margin >= p.Effective {
		return errors.Newf(errors.ErrorTypeConfig, "refresh margin %s must be below the effective lifetime %s", p.Margin, p.Effective)
	}
	return nil
}
