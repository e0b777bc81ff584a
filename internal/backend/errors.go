package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"
)

// Classification distinguishes failures that are worth retrying on another
// backend attempt from those that are not going to succeed no matter how
// often they are repeated.
type Classification int

const (
	// ClassRetryable covers timeouts, connection failures, rate limits and
	// 5xx-equivalent provider errors.
	ClassRetryable Classification = iota

	// ClassPermanent covers authentication and request validation failures.
	ClassPermanent
)

// String returns the string representation of the classification.
func (c Classification) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified backend call failure.
type Error struct {
	// Backend is the id of the backend that failed.
	Backend string

	// Classification tells the dispatcher and circuit breaker how to treat
	// the failure.
	Classification Classification

	// StatusCode is the HTTP status, when the failure came from a response.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("backend %s: %s failure (status %d): %v",
			e.Backend, e.Classification, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("backend %s: %s failure: %v", e.Backend, e.Classification, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is classified as retryable.
func (e *Error) Retryable() bool {
	return e.Classification == ClassRetryable
}

// NewRetryableError wraps err as a retryable backend failure.
func NewRetryableError(backendID string, err error) *Error {
	return &Error{Backend: backendID, Classification: ClassRetryable, Err: err}
}

// NewPermanentError wraps err as a permanent backend failure.
func NewPermanentError(backendID string, err error) *Error {
	return &Error{Backend: backendID, Classification: ClassPermanent, Err: err}
}

// retryableStatusCodes are HTTP statuses worth retrying on another backend.
var retryableStatusCodes = map[int]bool{
	408: true, // Request Timeout
	429: true, // Too Many Requests
	500: true, // Internal Server Error
	502: true, // Bad Gateway
	503: true, // Service Unavailable
	504: true, // Gateway Timeout
}

// ClassifyStatusCode classifies an HTTP status code.
func ClassifyStatusCode(code int) Classification {
	if retryableStatusCodes[code] || code >= 500 {
		return ClassRetryable
	}
	return ClassPermanent
}

// Classify returns the classification of err. Already-classified errors keep
// their classification; network-level failures, timeouts and context
// expiration are retryable, everything else is permanent.
func Classify(err error) Classification {
	var be *Error
	if errors.As(err, &be) {
		return be.Classification
	}
	if IsNetworkError(err) {
		return ClassRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassRetryable
	}
	return ClassPermanent
}

// IsRetryable reports whether err should advance the circuit breaker's
// failure counter and be treated as transient.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}

// IsNetworkError reports whether err is a connection-level failure.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary()
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	return false
}
