package clients

import (
	"context"
	"math"

	"golang.org/x/time/rate"
)

// RateLimiter throttles outbound requests.
type RateLimiter interface {
	// Allow reports whether a request may proceed now without waiting.
	Allow() bool
	// Wait blocks until a request may proceed or ctx is done.
	Wait(ctx context.Context) error
}

// NewRateLimiter returns a token bucket refilled at rps with the given burst.
// A burst below 1 becomes max(1, ceil(rps)).
func NewRateLimiter(rps float64, burst int) RateLimiter {
	if burst < 1 {
		burst = int(math.Max(1, math.Ceil(rps)))
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}
