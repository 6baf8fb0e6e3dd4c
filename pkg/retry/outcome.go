package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Outcome is the classification of one attempt.
type Outcome int

const (
	Success Outcome = iota
	Unauthorized
	RateLimited
	Transient
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Unauthorized:
		return "unauthorized"
	case RateLimited:
		return "rate_limited"
	case Transient:
		return "transient"
	default:
		return "fatal"
	}
}

// Operation names a logical call for logs, metrics and errors.
type Operation string

const (
	OpDiscoverHost  Operation = "discover_ingest_host"
	OpScopedToken   Operation = "get_scoped_token"
	OpOpenChannel   Operation = "open_channel"
	OpAppendRows    Operation = "append_rows"
	OpChannelStatus Operation = "bulk_channel_status"
	OpDropChannel   Operation = "drop_channel"
)

// Classify maps a response or transport error to an Outcome. Cancellation is
// fatal; timeouts, resets, refused connections and truncated responses are
// transient.
func Classify(resp *http.Response, err error) Outcome {
	if err != nil {
		return classifyError(err)
	}
	if resp == nil {
		return Fatal
	}
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusUnauthorized:
		return Unauthorized
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout,
		code == http.StatusInternalServerError,
		code == http.StatusBadGateway,
		code == http.StatusServiceUnavailable,
		code == http.StatusGatewayTimeout:
		return Transient
	default:
		return Fatal
	}
}

func classifyError(err error) Outcome {
	if errors.Is(err, context.Canceled) {
		return Fatal
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient
	}
	return Fatal
}

// Summary describes a finished Execute call.
type Summary struct {
	Operation  Operation
	Attempts   int
	Success    bool
	TotalDelay time.Duration
	Elapsed    time.Duration
	LastStatus int
}

func (s Summary) log(l *zap.Logger) {
	l.Info("retry.outcome",
		zap.String("operation", string(s.Operation)),
		zap.Int("attempts", s.Attempts),
		zap.Bool("success", s.Success),
		zap.Int("status", s.LastStatus),
		zap.Duration("total_delay", s.TotalDelay),
		zap.Duration("elapsed", s.Elapsed))
}
