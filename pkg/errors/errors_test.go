package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap_PreservesStackAndCause(t *testing.T) {
	inner := New(ErrorTypeKey, "bad key")
	outer := Wrap(inner, ErrorTypeConfig, "cannot build guard")

	require.NotNil(t, outer)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.ErrorIs(t, outer, inner)
	assert.Nil(t, Wrap(nil, ErrorTypeConfig, "nothing"))
}

func TestDetailOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", New(ErrorTypeHTTP, "boom").WithDetail(DetailStatus, 503))

	v, ok := DetailOf(err, DetailStatus)
	require.True(t, ok)
	assert.Equal(t, 503, v)

	_, ok = DetailOf(err, DetailAttempts)
	assert.False(t, ok)

	_, ok = DetailOf(io.EOF, DetailStatus)
	assert.False(t, ok)
}

func TestError_RendersKnownDetailsOnly(t *testing.T) {
	err := New(ErrorTypeTimeout, "close deadline exceeded").
		WithDetail(DetailPushedOffset, int64(7)).
		WithDetail(DetailCommittedOffset, int64(5)).
		WithDetail("unrendered", "x")

	assert.Equal(t, "timeout: close deadline exceeded (pushed_offset=7, committed_offset=5)", err.Error())
}

func TestHasType_StopsAtForeignErrors(t *testing.T) {
	assert.False(t, HasType(io.EOF, ErrorTypeHTTP))
	assert.True(t, HasType(Wrap(io.EOF, ErrorTypeHTTP, "x"), ErrorTypeHTTP))
}
