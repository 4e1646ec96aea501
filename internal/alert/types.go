package alert

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisabled  = errors.New("alert: disabled")
	ErrQueueFull = errors.New("alert: queue full")
	ErrStopped   = errors.New("alert: stopped")
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int           // default 2
	QueueSize       int           // default 256
	RatePerSec      int           // default 3
	RetryMax        int           // extra attempts per sink
	RetryBase       time.Duration // default 500ms
	RetryMaxDelay   time.Duration // default 10s
	DedupWindow     time.Duration // 0 disables dedup
	DedupMaxEntries int           // default 2000
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Alert is one operator-facing message. Key groups alerts for dedup; an
// empty key is never suppressed.
type Alert struct {
	Key      string
	Severity Severity
	Title    string
	Text     string
	At       time.Time
}

// Sink delivers alerts to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type HistoryItem struct {
	At    time.Time
	Sink  string
	Title string
	Err   string `json:",omitempty"`
}
