package retry

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/snowstream/internal/clock"
	"github.com/ajitpratap0/snowstream/pkg/errors"
	"github.com/ajitpratap0/snowstream/pkg/logger"
	"github.com/ajitpratap0/snowstream/pkg/metrics"
)

// bodyExcerptLimit bounds how much of a failed response body is kept on errors.
const bodyExcerptLimit = 512

// AttemptFunc performs one attempt. attempt starts at 1. It must build a fresh
// request each time, so the current token is read per attempt.
type AttemptFunc func(ctx context.Context, attempt int) (*http.Response, error)

// RefreshFunc forces a credential refresh after a 401.
type RefreshFunc func(ctx context.Context) error

// Coordinator runs attempts under a Plan. It holds no per-call state and is
// safe for concurrent use.
type Coordinator struct {
	plan    Plan
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics
	rnd     func() float64
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock sets the clock used for backoff sleeps.
func WithClock(c clock.Clock) CoordinatorOption {
	return func(co *Coordinator) { co.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) CoordinatorOption {
	return func(co *Coordinator) { co.logger = l }
}

// WithMetrics records retry transitions on m.
func WithMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(co *Coordinator) { co.metrics = m }
}

// WithRand replaces the jitter source. f must return values in [0, 1) and be
// safe for concurrent use.
func WithRand(f func() float64) CoordinatorOption {
	return func(co *Coordinator) { co.rnd = f }
}

// NewCoordinator creates a Coordinator for plan.
func NewCoordinator(plan Plan, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		plan:  plan,
		clock: clock.Real(),
		rnd:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.Component(logger.OrDefault(c.logger), "retry")
	return c
}

// Plan returns the coordinator's plan.
func (c *Coordinator) Plan() Plan { return c.plan }

// Execute runs attempt until it succeeds or the plan gives up. On success the
// caller owns the response body. refresh may be nil, in which case a 401 is
// terminal.
func (c *Coordinator) Execute(ctx context.Context, op Operation, attempt AttemptFunc, refresh RefreshFunc) (*http.Response, error) {
	var (
		start          = c.clock.Now()
		attempts       int
		refreshed      bool
		rateLimitTries int
		totalDelay     time.Duration
		lastStatus     int
	)

	finish := func(success bool) {
		Summary{
			Operation:  op,
			Attempts:   attempts,
			Success:    success,
			TotalDelay: totalDelay,
			Elapsed:    c.clock.Now().Sub(start),
			LastStatus: lastStatus,
		}.log(c.logger)
	}
	fail := func(err *errors.Error) (*http.Response, error) {
		finish(false)
		return nil, err.
			WithDetail(errors.DetailOperation, string(op)).
			WithDetail(errors.DetailAttempts, attempts).
			WithDetail(errors.DetailElapsed, c.clock.Now().Sub(start))
	}

	for {
		if err := ctx.Err(); err != nil {
			return fail(errors.Wrap(err, errors.ErrorTypeHTTP, string(op)+" cancelled"))
		}

		attempts++
		resp, err := attempt(ctx, attempts)

		// Structured errors come from building the request (credentials,
		// configuration), not from the wire, and are returned unchanged.
		var local *errors.Error
		if err != nil && errors.As(err, &local) {
			finish(false)
			return nil, err
		}

		outcome := Classify(resp, err)
		if err != nil && ctx.Err() != nil {
			// The parent context ended; whatever the transport reported is fatal.
			outcome = Fatal
		}
		if resp != nil {
			lastStatus = resp.StatusCode
		}
		c.metrics.RecordRetry(string(op), outcome.String())

		if outcome == Success {
			finish(true)
			return resp, nil
		}

		body := drain(resp)
		var delay time.Duration

		switch outcome {
		case Unauthorized:
			if !c.plan.RetryOnUnauthorized || refresh == nil {
				return fail(statusError(errors.ErrorTypeAuthentication, string(op)+" unauthorized", lastStatus, body))
			}
			if refreshed {
				return fail(statusError(errors.ErrorTypeAuthentication, string(op)+" unauthorized after token refresh", lastStatus, body))
			}
			c.schedule(op, attempts, outcome, lastStatus, 0, err)
			if rerr := refresh(ctx); rerr != nil {
				finish(false)
				return nil, rerr
			}
			refreshed = true
			continue

		case RateLimited:
			if rateLimitTries >= c.plan.MaxRateLimitRetries {
				return fail(statusError(errors.ErrorTypeHTTP, string(op)+" rate limited", lastStatus, body))
			}
			rateLimitTries++
			delay = c.plan.RateLimitBackoff(c.rnd)

		case Transient:
			if attempts >= c.plan.MaxAttempts {
				if err != nil {
					return fail(errors.Wrap(err, errors.ErrorTypeHTTP, string(op)+" failed after retries"))
				}
				return fail(statusError(errors.ErrorTypeHTTP, string(op)+" failed after retries", lastStatus, body))
			}
			delay = c.plan.Backoff(attempts+1, c.rnd)

		default:
			if err != nil {
				return fail(errors.Wrap(err, errors.ErrorTypeHTTP, string(op)+" request failed"))
			}
			return fail(statusError(errors.ErrorTypeHTTP, string(op)+" failed", lastStatus, body))
		}

		c.schedule(op, attempts, outcome, lastStatus, delay, err)
		if serr := clock.Sleep(ctx, c.clock, delay); serr != nil {
			return fail(errors.Wrap(serr, errors.ErrorTypeHTTP, string(op)+" cancelled during backoff"))
		}
		totalDelay += delay
	}
}

func (c *Coordinator) schedule(op Operation, attempt int, outcome Outcome, status int, delay time.Duration, err error) {
	fields := []zap.Field{
		zap.String("operation", string(op)),
		zap.Int("attempt", attempt),
		zap.Int("max_attempts", c.plan.MaxAttempts),
		zap.String("outcome", outcome.String()),
		zap.Int("status", status),
		zap.Duration("delay", delay),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	c.logger.Warn("retry.scheduling", fields...)
}

func statusError(t errors.ErrorType, msg string, status int, body string) *errors.Error {
	e := errors.New(t, msg).WithDetail(errors.DetailStatus, status)
	if body != "" {
		e.WithDetail(errors.DetailBody, body)
	}
	return e
}

// drain reads an excerpt of a discarded response and closes it.
func drain(resp *http.Response) string {
	if resp == nil || resp.Body == nil {
		return ""
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, bodyExcerptLimit))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return strings.TrimSpace(string(b))
}
