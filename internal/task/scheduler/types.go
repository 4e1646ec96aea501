package scheduler

import (
	"context"
	"strings"
	"time"

	"cronrelay/internal/storage"
)

// CatchUpPolicy decides what happens to occurrences missed while the
// scheduler was not running.
type CatchUpPolicy string

const (
	// CatchUpLatest fires only the most recent missed occurrence.
	CatchUpLatest CatchUpPolicy = "latest"
	// CatchUpReplay fires every missed occurrence, bounded by MaxCatchUp.
	CatchUpReplay CatchUpPolicy = "replay"
)

func ParseCatchUpPolicy(s string) CatchUpPolicy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(CatchUpReplay):
		return CatchUpReplay
	default:
		return CatchUpLatest
	}
}

type Config struct {
	Enabled bool

	// Location applies to jobs without their own timezone. Nil means UTC.
	Location     *time.Location
	PollInterval time.Duration // default 1s
	TickTimeout  time.Duration // default 30s
	BatchSize    int           // jobs per phase per tick; default 100

	CatchUp    CatchUpPolicy
	MaxCatchUp int // replay only; default 10

	// MaxAttempts is stamped on intents of jobs without their own ceiling.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.TickTimeout <= 0 {
		c.TickTimeout = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CatchUp == "" {
		c.CatchUp = CatchUpLatest
	}
	if c.MaxCatchUp <= 0 {
		c.MaxCatchUp = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = storage.DefaultMaxAttempts
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

// Store is the slice of storage the scheduler needs.
type Store interface {
	UnscheduledJobs(ctx context.Context, limit int) ([]storage.Job, error)
	InitSchedule(ctx context.Context, id string, next time.Time) (bool, error)
	DueJobs(ctx context.Context, now time.Time, limit int) ([]storage.Job, error)
	FireJob(ctx context.Context, f storage.Fire) (storage.FireResult, error)
	DisableJob(ctx context.Context, id, reason string, now time.Time) error
	ListJobs(ctx context.Context, f storage.JobFilter) ([]storage.Job, error)
}

// TickReport summarizes one tick.
type TickReport struct {
	Now         time.Time     `json:"now"`
	Initialized int           `json:"initialized"`
	Due         int           `json:"due"`
	Fired       int           `json:"fired"`
	Created     int           `json:"created"`
	Duplicates  int           `json:"duplicates"`
	Skipped     int           `json:"skipped"` // occurrences dropped by the catch-up policy
	Disabled    int           `json:"disabled"`
	Stale       int           `json:"stale"`
	Failed      int           `json:"failed"`
	Took        time.Duration `json:"took"`
}

// Status is the scheduler's operational state for /healthz.
type Status struct {
	Enabled     bool          `json:"enabled"`
	Running     bool          `json:"running"`
	Timezone    string        `json:"timezone"`
	CatchUp     CatchUpPolicy `json:"catch_up"`
	Ticks       uint64        `json:"ticks"`
	LastTick    *TickReport   `json:"last_tick,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	EnabledJobs int           `json:"enabled_jobs"`
}
