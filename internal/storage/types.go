package storage

import (
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "memory"
//   - "sqlite": Path required
//   - "postgres": DSN required
type Config struct {
	Driver string
	Path   string
	DSN    string

	MaxConnections int           // postgres; 0 means 10
	BusyTimeout    time.Duration // sqlite; 0 means 1s
	SlowQuery      time.Duration // postgres; statements at or above are logged at warn
}

// Target is a job's HTTP request template. Headers values and Body are
// text/template sources rendered per occurrence.
type Target struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

type Job struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
	Target   Target `json:"target"`

	// MaxAttempts overrides the dispatcher ceiling when > 0.
	MaxAttempts int `json:"max_attempts,omitempty"`

	Enabled        bool       `json:"enabled"`
	NextFireAt     *time.Time `json:"next_fire_at,omitempty"`
	LastFireAt     *time.Time `json:"last_fire_at,omitempty"`
	DisabledReason string     `json:"disabled_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobUpdate replaces a job definition. It is applied only while the stored
// enabled flag and next_fire_at still equal ExpectEnabled and ExpectNext;
// otherwise ErrStaleSchedule is returned and nothing is written. The
// schedule cursor is never written from the caller's copy: last_fire_at is
// kept and next_fire_at is kept or, with Reschedule, cleared.
type JobUpdate struct {
	Job           Job
	ExpectEnabled bool
	ExpectNext    *time.Time
	Reschedule    bool
}

type IntentState string

const (
	IntentPending        IntentState = "pending"
	IntentAttempting     IntentState = "attempting"
	IntentRetryScheduled IntentState = "retry_scheduled"
	IntentSuccess        IntentState = "success"
	IntentExhausted      IntentState = "exhausted"
)

func (s IntentState) Terminal() bool { return s == IntentSuccess || s == IntentExhausted }

func (s IntentState) Valid() bool {
	switch s {
	case IntentPending, IntentAttempting, IntentRetryScheduled, IntentSuccess, IntentExhausted:
		return true
	}
	return false
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSuccess   Outcome = "success"
	OutcomeRetryable Outcome = "retryable"
	OutcomeRejected  Outcome = "rejected"
	OutcomeInvalid   Outcome = "invalid"
	OutcomeAbandoned Outcome = "abandoned"
)

// Request is the rendered HTTP request captured when an intent is created.
// It is replayed byte for byte on every attempt.
type Request struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// Intent is the durable obligation to deliver one occurrence of a job.
type Intent struct {
	ID      string    `json:"id"`
	JobID   string    `json:"job_id"`
	FireAt  time.Time `json:"fire_at"`
	Request Request   `json:"request"`

	State         IntentState   `json:"state"`
	MaxAttempts   int           `json:"max_attempts"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"next_attempt_at"`
	NextDelay     time.Duration `json:"next_delay"`
	LastAttemptAt *time.Time    `json:"last_attempt_at,omitempty"`
	LastError     string        `json:"last_error,omitempty"`

	LeaseOwner string     `json:"lease_owner,omitempty"`
	LeaseToken string     `json:"-"`
	LeaseUntil *time.Time `json:"lease_until,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Attempt is one delivery try. Rows are created pending at claim time and
// completed once.
type Attempt struct {
	IntentID   string        `json:"intent_id"`
	Seq        int           `json:"seq"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Delay      time.Duration `json:"delay"`
	Outcome    Outcome       `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	Worker     string        `json:"worker,omitempty"`
}

// NewIntent is an intent to create as part of FireJob.
type NewIntent struct {
	ID          string
	FireAt      time.Time
	Request     Request
	MaxAttempts int
}

// Fire advances one job's schedule and records its intents atomically.
//
// The update only applies while the stored next_fire_at equals ExpectedNext.
// A nil NextFireAt disables the job with DisableReason.
type Fire struct {
	JobID         string
	ExpectedNext  time.Time
	LastFireAt    time.Time
	NextFireAt    *time.Time
	DisableReason string
	Intents       []NewIntent
	Now           time.Time
}

type FireResult struct {
	Created    int
	Duplicates int
	Disabled   bool
}

// Claim asks for up to Limit due intents under a lease owned by Owner.
type Claim struct {
	Owner    string
	Now      time.Time
	Limit    int
	LeaseTTL time.Duration
}

// Claimed is an intent now in attempting state plus its pending attempt row.
type Claimed struct {
	Intent  Intent
	Attempt Attempt
}

// AttemptResult completes a claimed attempt. State is the intent's next
// state: success, retry_scheduled (with NextAttemptAt) or exhausted.
type AttemptResult struct {
	IntentID   string
	LeaseToken string
	Seq        int

	FinishedAt time.Time
	Outcome    Outcome
	StatusCode int
	Error      string

	State         IntentState
	NextAttemptAt time.Time
	NextDelay     time.Duration
}

// Reclaimed reports what ReclaimExpired did.
type Reclaimed struct {
	Retried   []string
	Exhausted []string
}

func (r Reclaimed) Total() int { return len(r.Retried) + len(r.Exhausted) }

type JobFilter struct {
	Enabled *bool
	Limit   int
}

type IntentFilter struct {
	JobID string
	State IntentState
	Limit int
}

// Backlog counts non-terminal intents. Due counts pending and
// retry_scheduled intents whose next attempt time has passed.
type Backlog struct {
	Pending        int `json:"pending"`
	Attempting     int `json:"attempting"`
	RetryScheduled int `json:"retry_scheduled"`
	Due            int `json:"due"`
}

// DefaultMaxAttempts is used when neither the job nor the caller sets a ceiling.
const DefaultMaxAttempts = 5
