package token

import (
	"time"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// Envelope is a signed token together with the times that govern refresh.
type Envelope struct {
	Value     string
	IssuedAt  time.Time
	ExpiresAt time.Time
	// ID is the jti claim of a signed token, empty for precomputed tokens
	ID string
}

// NewEnvelope builds an Envelope, rejecting one that expires at or before issuance.
func NewEnvelope(value string, issuedAt, expiresAt time.Time) (Envelope, error) {
	if !expiresAt.After(issuedAt) {
		return Envelope{}, errors.New(errors.ErrorTypeConfig, "token expires before or at issuance").
			WithDetail(errors.DetailDeadline, expiresAt)
	}
	return Envelope{Value: value, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Remaining returns the lifetime left at now; negative once expired.
func (e Envelope) Remaining(now time.Time) time.Duration {
	return e.ExpiresAt.Sub(now)
}

// Lifetime returns the full issued-to-expiry span.
func (e Envelope) Lifetime() time.Duration {
	return e.ExpiresAt.Sub(e.IssuedAt)
}

// NeedsRefresh reports whether the remaining lifetime is at or inside margin.
func (e Envelope) NeedsRefresh(now time.Time, margin time.Duration) bool {
	return e.Remaining(now) <= margin
}
