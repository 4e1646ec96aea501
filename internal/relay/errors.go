package relay

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTarget marks a captured request that can never be sent
// (bad URL, unsupported scheme, unknown method).
var ErrInvalidTarget = errors.New("relay: invalid target")

// DeliveryTransportError is a failure to get any HTTP response: dial,
// TLS, timeout or a connection reset while reading.
type DeliveryTransportError struct {
	URL     string
	Timeout bool
	Err     error
}

func (e *DeliveryTransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("deliver %s: timeout: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("deliver %s: %v", e.URL, e.Err)
}

func (e *DeliveryTransportError) Unwrap() error { return e.Err }

// DeliveryRejectedError is a non-2xx response. Retryable reports whether
// the status code allows another attempt (5xx, 429, 408).
type DeliveryRejectedError struct {
	StatusCode int
	Body       string
	Retryable  bool
	RetryAfter time.Duration
}

func (e *DeliveryRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

// RetryAfterError is implemented by errors that carry a server-provided
// retry hint.
type RetryAfterError interface {
	error
	RetryAfterHint() time.Duration
}

func (e *DeliveryRejectedError) RetryAfterHint() time.Duration { return e.RetryAfter }

// RetryAfterHint extracts a retry hint from err, or 0.
func RetryAfterHint(err error) time.Duration {
	var ra RetryAfterError
	if errors.As(err, &ra) {
		if d := ra.RetryAfterHint(); d > 0 {
			return d
		}
	}
	return 0
}
