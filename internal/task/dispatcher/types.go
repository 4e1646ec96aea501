package dispatcher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"cronrelay/internal/relay"
	"cronrelay/internal/storage"
)

type Config struct {
	Enabled bool

	Workers      int           // default 8
	PollInterval time.Duration // default 500ms
	LeaseTTL     time.Duration // default 1m
	ReapInterval time.Duration // default 5s

	// MaxAttempts applies to intents stored without a ceiling.
	MaxAttempts int
	Retry       relay.Policy

	// Owner names this process in leases and attempt rows.
	Owner string
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = storage.DefaultMaxAttempts
	}
	if c.Owner == "" {
		c.Owner = defaultOwner()
	}
	return c
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "cronrelay"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Store is the slice of storage the dispatcher needs.
type Store interface {
	ClaimIntents(ctx context.Context, c storage.Claim) ([]storage.Claimed, error)
	ExtendLease(ctx context.Context, id, token string, until time.Time) error
	FinishAttempt(ctx context.Context, r storage.AttemptResult) error
	ReclaimExpired(ctx context.Context, now time.Time) (storage.Reclaimed, error)
	ReleaseClaim(ctx context.Context, id, token string, now time.Time) error
	Backlog(ctx context.Context, now time.Time) (storage.Backlog, error)
}

// Deliverer sends one attempt. *relay.Client implements it.
type Deliverer interface {
	Deliver(ctx context.Context, d relay.Delivery) relay.Result
}

// Status is the dispatcher's operational state for /healthz.
type Status struct {
	Enabled   bool            `json:"enabled"`
	Running   bool            `json:"running"`
	Owner     string          `json:"owner"`
	Workers   int             `json:"workers"`
	InFlight  int             `json:"in_flight"`
	Attempts  uint64          `json:"attempts"`
	Succeeded uint64          `json:"succeeded"`
	Retried   uint64          `json:"retried"`
	Exhausted uint64          `json:"exhausted"`
	Reclaimed uint64          `json:"reclaimed"`
	Backlog   storage.Backlog `json:"backlog"`
	LastError string          `json:"last_error,omitempty"`
}
