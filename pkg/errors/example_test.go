// Package errors provides examples of structured error handling in snowstream.
package errors_test

import (
	"fmt"
	"io"
	"time"

	"github.com/ajitpratap0/snowstream/pkg/errors"
)

// Example demonstrates basic error creation with diagnostic details.
func Example() {
	err := errors.New(errors.ErrorTypeDataTooLarge, "row exceeds request size limit").
		WithDetail(errors.DetailRowIndex, 3).
		WithDetail(errors.DetailSize, 9000000).
		WithDetail(errors.DetailPackedSize, 18000001).
		WithDetail(errors.DetailLimit, 16777216)

	fmt.Println(err.Error())

	// Output:
	// data_too_large: row exceeds request size limit (row_index=3, size=9000000, packed_size=18000001, limit=16777216)
}

// ExampleWrap shows how to wrap existing errors with context.
func ExampleWrap() {
	err := errors.Wrap(io.ErrUnexpectedEOF, errors.ErrorTypeHTTP, "append_rows failed after retries").
		WithDetail(errors.DetailAttempts, 4).
		WithDetail(errors.DetailElapsed, 3*time.Second)

	if errors.IsType(err, errors.ErrorTypeHTTP) {
		fmt.Println("This is an HTTP error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		fmt.Println("Caused by an unexpected EOF")
	}

	// Output:
	// This is an HTTP error
	// Caused by an unexpected EOF
}

// ExampleIsRetryable shows which terminal errors a caller may retry with a fresh call.
func ExampleIsRetryable() {
	httpErr := errors.New(errors.ErrorTypeHTTP, "service unavailable")
	keyErr := errors.New(errors.ErrorTypeKey, "encrypted private key requires a passphrase")

	fmt.Println(errors.IsRetryable(httpErr))
	fmt.Println(errors.IsRetryable(keyErr))

	// Output:
	// true
	// false
}

// ExampleHasType finds a structured error anywhere in the cause chain.
func ExampleHasType() {
	keyErr := errors.New(errors.ErrorTypeKey, "unsupported PEM block")
	wrapped := errors.Wrap(keyErr, errors.ErrorTypeHTTP, "open_channel failed")

	fmt.Println(errors.IsType(wrapped, errors.ErrorTypeKey))
	fmt.Println(errors.HasType(wrapped, errors.ErrorTypeKey))

	// Output:
	// false
	// true
}
