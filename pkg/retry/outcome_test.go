package retry

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify_Status(t *testing.T) {
	tests := []struct {
		status int
		want   Outcome
	}{
		{200, Success},
		{204, Success},
		{401, Unauthorized},
		{429, RateLimited},
		{408, Transient},
		{500, Transient},
		{502, Transient},
		{503, Transient},
		{504, Transient},
		{400, Fatal},
		{403, Fatal},
		{404, Fatal},
		{409, Fatal},
		{501, Fatal},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(&http.Response{StatusCode: tt.status}, nil))
		})
	}
}

func TestClassify_Errors(t *testing.T) {
	reset := &url.Error{Op: "Post", URL: "https://x", Err: &net.OpError{
		Op: "read", Net: "tcp", Err: os.NewSyscallError("read", syscall.ECONNRESET),
	}}
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"timeout", &url.Error{Op: "Get", URL: "https://x", Err: timeoutErr{}}, Transient},
		{"reset", reset, Transient},
		{"refused", refused, Transient},
		{"unexpected eof", fmt.Errorf("reading body: %w", io.ErrUnexpectedEOF), Transient},
		{"cancelled", &url.Error{Op: "Get", URL: "https://x", Err: context.Canceled}, Fatal},
		{"tls or other", fmt.Errorf("x509: certificate signed by unknown authority"), Fatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(nil, tt.err))
		})
	}

	assert.Equal(t, Fatal, Classify(nil, nil))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "rate_limited", RateLimited.String())
	assert.Equal(t, "fatal", Outcome(42).String())
}
