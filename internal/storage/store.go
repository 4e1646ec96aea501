package storage

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"strings"
	"time"

	logx "cronrelay/pkg/logx"
)

// JobStore holds job definitions and their schedule cursor.
type JobStore interface {
	CreateJob(ctx context.Context, j Job) error
	GetJob(ctx context.Context, id string) (Job, error)
	UpdateJob(ctx context.Context, u JobUpdate) error
	DeleteJob(ctx context.Context, id string) error
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)

	// UnscheduledJobs returns enabled jobs without next_fire_at, ascending id.
	UnscheduledJobs(ctx context.Context, limit int) ([]Job, error)
	// InitSchedule sets next_fire_at only while it is still null.
	InitSchedule(ctx context.Context, id string, next time.Time) (bool, error)
	// DueJobs returns enabled jobs with next_fire_at <= now, ascending id.
	DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error)
	FireJob(ctx context.Context, f Fire) (FireResult, error)
	DisableJob(ctx context.Context, id, reason string, now time.Time) error
}

// IntentStore holds delivery intents and the attempt log.
type IntentStore interface {
	ClaimIntents(ctx context.Context, c Claim) ([]Claimed, error)
	ExtendLease(ctx context.Context, id, token string, until time.Time) error
	FinishAttempt(ctx context.Context, r AttemptResult) error
	ReclaimExpired(ctx context.Context, now time.Time) (Reclaimed, error)
	// ReleaseClaim undoes a claim whose attempt never started: the pending
	// attempt row is removed, the attempt count restored and the intent is
	// due again.
	ReleaseClaim(ctx context.Context, id, token string, now time.Time) error

	GetIntent(ctx context.Context, id string) (Intent, error)
	ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error)
	ListAttempts(ctx context.Context, intentID string) ([]Attempt, error)
	Backlog(ctx context.Context, now time.Time) (Backlog, error)
}

type Store interface {
	JobStore
	IntentStore
	Ping(ctx context.Context) error
	Close() error
}

// Open initializes the configured store and applies its schema.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return OpenSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pgx":
		return OpenPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// ts normalizes a timestamp to what every backend can round-trip.
func ts(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func tsPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := ts(*t)
	return &v
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return ts(*a).Equal(ts(*b))
}

// attemptStart keeps attempt start times strictly increasing per intent.
func attemptStart(now time.Time, last *time.Time) time.Time {
	now = ts(now)
	if last != nil && !now.After(*last) {
		return last.Add(time.Millisecond)
	}
	return now
}

func effectiveMaxAttempts(n int) int {
	if n <= 0 {
		return DefaultMaxAttempts
	}
	return n
}

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

func decodeHeaders(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var h map[string]string
	if err := json.Unmarshal(b, &h); err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, nil
	}
	return h, nil
}

func cloneJob(j Job) Job {
	j.Target.Headers = maps.Clone(j.Target.Headers)
	j.NextFireAt = tsPtr(j.NextFireAt)
	j.LastFireAt = tsPtr(j.LastFireAt)
	return j
}

func cloneIntent(in Intent) Intent {
	in.Request.Headers = maps.Clone(in.Request.Headers)
	in.LastAttemptAt = tsPtr(in.LastAttemptAt)
	in.LeaseUntil = tsPtr(in.LeaseUntil)
	in.CompletedAt = tsPtr(in.CompletedAt)
	return in
}

func cloneAttempt(a Attempt) Attempt {
	a.FinishedAt = tsPtr(a.FinishedAt)
	return a
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
