package storage

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store. All methods return copies.
type Memory struct {
	mu       sync.Mutex
	closed   bool
	jobs     map[string]*Job
	intents  map[string]*Intent
	byFire   map[string]string // job_id|fire_at -> intent id
	attempts map[string][]Attempt
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs:     map[string]*Job{},
		intents:  map[string]*Intent{},
		byFire:   map[string]string{},
		attempts: map[string][]Attempt{},
	}
}

func fireKey(jobID string, at time.Time) string {
	return jobID + "|" + ts(at).Format(time.RFC3339Nano)
}

func (m *Memory) check() error {
	if m.closed {
		return &StoreError{Op: "memory", Err: ErrUnavailable}
	}
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check()
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) CreateJob(ctx context.Context, j Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.jobs[j.ID]; ok {
		return ErrJobExists
	}
	j = cloneJob(j)
	j.CreatedAt, j.UpdatedAt = ts(j.CreatedAt), ts(j.UpdatedAt)
	m.jobs[j.ID] = &j
	return nil
}

func (m *Memory) GetJob(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Job{}, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return cloneJob(*j), nil
}

func (m *Memory) UpdateJob(ctx context.Context, u JobUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	cur, ok := m.jobs[u.Job.ID]
	if !ok {
		return ErrJobNotFound
	}
	if cur.Enabled != u.ExpectEnabled || !sameInstant(cur.NextFireAt, u.ExpectNext) {
		return ErrStaleSchedule
	}
	j := cloneJob(u.Job)
	j.CreatedAt = cur.CreatedAt
	j.LastFireAt = tsPtr(cur.LastFireAt)
	j.NextFireAt = tsPtr(cur.NextFireAt)
	if u.Reschedule {
		j.NextFireAt = nil
	}
	j.UpdatedAt = ts(j.UpdatedAt)
	m.jobs[j.ID] = &j
	return nil
}

func (m *Memory) DeleteJob(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	if _, ok := m.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *Memory) sortedJobs(keep func(*Job) bool, limit int) []Job {
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if keep(j) {
			out = append(out, cloneJob(*j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.sortedJobs(func(j *Job) bool {
		return f.Enabled == nil || j.Enabled == *f.Enabled
	}, f.Limit), nil
}

func (m *Memory) UnscheduledJobs(ctx context.Context, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	return m.sortedJobs(func(j *Job) bool { return j.Enabled && j.NextFireAt == nil }, limit), nil
}

func (m *Memory) InitSchedule(ctx context.Context, id string, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return false, err
	}
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.NextFireAt != nil {
		return false, nil
	}
	n := ts(next)
	j.NextFireAt = &n
	return true, nil
}

func (m *Memory) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	now = ts(now)
	return m.sortedJobs(func(j *Job) bool {
		return j.Enabled && j.NextFireAt != nil && !j.NextFireAt.After(now)
	}, limit), nil
}

func (m *Memory) FireJob(ctx context.Context, f Fire) (FireResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return FireResult{}, err
	}
	j, ok := m.jobs[f.JobID]
	if !ok {
		return FireResult{}, ErrJobNotFound
	}
	if !j.Enabled || j.NextFireAt == nil || !j.NextFireAt.Equal(ts(f.ExpectedNext)) {
		return FireResult{}, ErrStaleSchedule
	}

	now := ts(f.Now)
	var res FireResult
	for _, ni := range f.Intents {
		key := fireKey(f.JobID, ni.FireAt)
		if _, dup := m.byFire[key]; dup {
			res.Duplicates++
			continue
		}
		if _, dup := m.intents[ni.ID]; dup {
			res.Duplicates++
			continue
		}
		in := &Intent{
			ID:            ni.ID,
			JobID:         f.JobID,
			FireAt:        ts(ni.FireAt),
			Request:       ni.Request,
			State:         IntentPending,
			MaxAttempts:   effectiveMaxAttempts(ni.MaxAttempts),
			NextAttemptAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		*in = cloneIntent(*in)
		m.intents[in.ID] = in
		m.byFire[key] = in.ID
		res.Created++
	}

	last := ts(f.LastFireAt)
	j.LastFireAt = &last
	j.NextFireAt = tsPtr(f.NextFireAt)
	if f.NextFireAt == nil {
		j.Enabled = false
		j.DisabledReason = f.DisableReason
		res.Disabled = true
	}
	j.UpdatedAt = now
	return res, nil
}

func (m *Memory) DisableJob(ctx context.Context, id, reason string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	j, ok := m.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	j.Enabled = false
	j.DisabledReason = reason
	j.UpdatedAt = ts(now)
	return nil
}

func (m *Memory) ClaimIntents(ctx context.Context, c Claim) ([]Claimed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if c.Limit <= 0 {
		return nil, nil
	}
	now := ts(c.Now)

	due := make([]*Intent, 0)
	for _, in := range m.intents {
		if (in.State == IntentPending || in.State == IntentRetryScheduled) && !in.NextAttemptAt.After(now) {
			due = append(due, in)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		if !due[i].NextAttemptAt.Equal(due[k].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[k].NextAttemptAt)
		}
		return due[i].ID < due[k].ID
	})
	if len(due) > c.Limit {
		due = due[:c.Limit]
	}

	until := now.Add(c.LeaseTTL)
	out := make([]Claimed, 0, len(due))
	for _, in := range due {
		started := attemptStart(now, in.LastAttemptAt)
		in.State = IntentAttempting
		in.Attempts++
		in.LeaseOwner = c.Owner
		in.LeaseToken = uuid.NewString()
		lu := until
		in.LeaseUntil = &lu
		in.LastAttemptAt = &started
		in.UpdatedAt = now

		a := Attempt{
			IntentID:  in.ID,
			Seq:       in.Attempts,
			StartedAt: started,
			Delay:     in.NextDelay,
			Outcome:   OutcomePending,
			Worker:    c.Owner,
		}
		m.attempts[in.ID] = append(m.attempts[in.ID], a)
		out = append(out, Claimed{Intent: cloneIntent(*in), Attempt: a})
	}
	return out, nil
}

func (m *Memory) ReleaseClaim(ctx context.Context, id, token string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	in, err := m.leased(id, token)
	if err != nil {
		return err
	}
	rows := m.attempts[id]
	if n := len(rows); n > 0 && rows[n-1].Seq == in.Attempts && rows[n-1].Outcome == OutcomePending {
		rows = rows[:n-1]
		m.attempts[id] = rows
	}
	in.Attempts--
	in.State = IntentPending
	if in.Attempts > 0 {
		in.State = IntentRetryScheduled
	}
	in.LastAttemptAt = nil
	if n := len(rows); n > 0 {
		in.LastAttemptAt = tsPtr(&rows[n-1].StartedAt)
	}
	in.LeaseOwner, in.LeaseToken, in.LeaseUntil = "", "", nil
	in.UpdatedAt = ts(now)
	return nil
}

func (m *Memory) leased(id, token string) (*Intent, error) {
	in, ok := m.intents[id]
	if !ok {
		return nil, ErrIntentNotFound
	}
	if in.State != IntentAttempting || in.LeaseToken != token {
		return nil, ErrLeaseLost
	}
	return in, nil
}

func (m *Memory) ExtendLease(ctx context.Context, id, token string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	in, err := m.leased(id, token)
	if err != nil {
		return err
	}
	u := ts(until)
	in.LeaseUntil = &u
	return nil
}

func (m *Memory) FinishAttempt(ctx context.Context, r AttemptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return err
	}
	in, err := m.leased(r.IntentID, r.LeaseToken)
	if err != nil {
		return err
	}
	finished := ts(r.FinishedAt)
	atts := m.attempts[in.ID]
	for i := range atts {
		if atts[i].Seq == r.Seq && atts[i].Outcome == OutcomePending {
			atts[i].FinishedAt = &finished
			atts[i].Outcome = r.Outcome
			atts[i].StatusCode = r.StatusCode
			atts[i].Error = r.Error
		}
	}
	m.finishIntent(in, r.State, r.Error, ts(r.NextAttemptAt), r.NextDelay, finished)
	return nil
}

func (m *Memory) finishIntent(in *Intent, state IntentState, lastErr string, next time.Time, delay time.Duration, now time.Time) {
	in.State = state
	in.LeaseOwner, in.LeaseToken, in.LeaseUntil = "", "", nil
	in.LastError = lastErr
	in.UpdatedAt = now
	switch state {
	case IntentRetryScheduled:
		in.NextAttemptAt = next
		in.NextDelay = delay
	default:
		c := now
		in.CompletedAt = &c
	}
}

func (m *Memory) ReclaimExpired(ctx context.Context, now time.Time) (Reclaimed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Reclaimed{}, err
	}
	now = ts(now)
	var res Reclaimed
	ids := make([]string, 0)
	for id, in := range m.intents {
		if in.State == IntentAttempting && in.LeaseUntil != nil && in.LeaseUntil.Before(now) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		in := m.intents[id]
		atts := m.attempts[id]
		for i := range atts {
			if atts[i].Outcome == OutcomePending {
				atts[i].Outcome = OutcomeAbandoned
				atts[i].Error = reclaimError
				f := now
				atts[i].FinishedAt = &f
			}
		}
		if in.Attempts >= in.MaxAttempts {
			m.finishIntent(in, IntentExhausted, reclaimError, time.Time{}, 0, now)
			res.Exhausted = append(res.Exhausted, id)
			continue
		}
		m.finishIntent(in, IntentRetryScheduled, reclaimError, now, 0, now)
		res.Retried = append(res.Retried, id)
	}
	return res, nil
}

const reclaimError = "lease expired before the attempt finished"

func (m *Memory) GetIntent(ctx context.Context, id string) (Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Intent{}, err
	}
	in, ok := m.intents[id]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return cloneIntent(*in), nil
}

func (m *Memory) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	out := make([]Intent, 0)
	for _, in := range m.intents {
		if f.JobID != "" && in.JobID != f.JobID {
			continue
		}
		if f.State != "" && in.State != f.State {
			continue
		}
		out = append(out, cloneIntent(*in))
	}
	sortIntents(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// sortIntents orders newest occurrence first, matching the SQL backends.
func sortIntents(in []Intent) {
	sort.Slice(in, func(i, k int) bool {
		if !in[i].FireAt.Equal(in[k].FireAt) {
			return in[i].FireAt.After(in[k].FireAt)
		}
		return strings.Compare(in[i].ID, in[k].ID) < 0
	})
}

func (m *Memory) ListAttempts(ctx context.Context, intentID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return nil, err
	}
	if _, ok := m.intents[intentID]; !ok {
		return nil, ErrIntentNotFound
	}
	atts := m.attempts[intentID]
	out := make([]Attempt, len(atts))
	for i, a := range atts {
		out[i] = cloneAttempt(a)
	}
	return out, nil
}

func (m *Memory) Backlog(ctx context.Context, now time.Time) (Backlog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(); err != nil {
		return Backlog{}, err
	}
	now = ts(now)
	var b Backlog
	for _, in := range m.intents {
		switch in.State {
		case IntentPending:
			b.Pending++
		case IntentAttempting:
			b.Attempting++
		case IntentRetryScheduled:
			b.RetryScheduled++
		default:
			continue
		}
		if in.State != IntentAttempting && !in.NextAttemptAt.After(now) {
			b.Due++
		}
	}
	return b, nil
}
