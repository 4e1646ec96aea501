package relay

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cronrelay/internal/storage"
)

// Classify maps an HTTP status code to an attempt outcome.
//
//   - 2xx: success
//   - 408, 429, 5xx: retryable
//   - anything else: rejected (terminal)
func Classify(status int) storage.Outcome {
	switch {
	case status >= 200 && status <= 299:
		return storage.OutcomeSuccess
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests:
		return storage.OutcomeRetryable
	case status >= 500 && status <= 599:
		return storage.OutcomeRetryable
	default:
		return storage.OutcomeRejected
	}
}

// ParseRetryAfter reads a Retry-After value (delay-seconds or HTTP-date)
// relative to now. Missing, malformed or past values yield 0.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		// a day is far beyond any retry cap
		if secs > 86400 {
			secs = 86400
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
