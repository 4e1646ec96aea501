package jobs

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

// Store is the subset of storage the management surface needs.
type Store interface {
	storage.JobStore
	GetIntent(ctx context.Context, id string) (storage.Intent, error)
	ListIntents(ctx context.Context, f storage.IntentFilter) ([]storage.Intent, error)
	ListAttempts(ctx context.Context, intentID string) ([]storage.Attempt, error)
}

// Spec is a job definition as submitted by an operator.
type Spec struct {
	ID          string         `json:"id,omitempty"`
	Name        string         `json:"name"`
	Schedule    string         `json:"schedule"`
	Timezone    string         `json:"timezone,omitempty"`
	Target      storage.Target `json:"target"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty"`
}

// Delivery is one intent with its full attempt history.
type Delivery struct {
	storage.Intent
	History []storage.Attempt `json:"history"`
}

type Options struct {
	Location *time.Location
	Now      func() time.Time
	Log      logx.Logger
}

type Service struct {
	store Store
	loc   *time.Location
	now   func() time.Time
	log   logx.Logger
}

func NewService(store Store, opts Options) *Service {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &Service{store: store, loc: opts.Location, now: opts.Now, log: opts.Log.With(logx.String("comp", "jobs"))}
}

func (s *Service) Location() *time.Location { return s.loc }

func (sp Spec) job(now time.Time) storage.Job {
	enabled := true
	if sp.Enabled != nil {
		enabled = *sp.Enabled
	}
	t := sp.Target
	t.URL = strings.TrimSpace(t.URL)
	t.Method = NormalizeMethod(t.Method)
	t.Headers = maps.Clone(t.Headers)
	return storage.Job{
		ID:          strings.TrimSpace(sp.ID),
		Name:        strings.TrimSpace(sp.Name),
		Schedule:    strings.TrimSpace(sp.Schedule),
		Timezone:    strings.TrimSpace(sp.Timezone),
		Target:      t,
		MaxAttempts: sp.MaxAttempts,
		Enabled:     enabled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// ValidateSpec checks a submitted definition without storing it.
func ValidateSpec(sp Spec, def *time.Location) error {
	return Validate(sp.job(time.Time{}), def)
}

// Create stores a new job. next_fire_at stays empty until the scheduler
// derives it on its next tick.
func (s *Service) Create(ctx context.Context, sp Spec) (storage.Job, error) {
	if strings.TrimSpace(sp.ID) == "" {
		sp.ID = uuid.NewString()
	}
	j := sp.job(s.now().UTC())
	if j.Name == "" {
		j.Name = j.ID
	}
	if err := Validate(j, s.loc); err != nil {
		return storage.Job{}, err
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job created", logx.String("job_id", j.ID), logx.String("schedule", j.Schedule))
	return s.store.GetJob(ctx, j.ID)
}

func (s *Service) Get(ctx context.Context, id string) (storage.Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) List(ctx context.Context, enabled *bool) ([]storage.Job, error) {
	return s.store.ListJobs(ctx, storage.JobFilter{Enabled: enabled})
}

// staleRetries bounds how often Update re-reads a job whose schedule the
// scheduler moved underneath it.
const staleRetries = 3

// Update replaces a job definition. Changing the schedule or timezone, or
// re-enabling a disabled job, clears next_fire_at so the scheduler
// recomputes it from the current time. The write is guarded on the schedule
// state it was derived from, so a concurrent fire is never rolled back.
func (s *Service) Update(ctx context.Context, id string, sp Spec) (storage.Job, error) {
	var err error
	for i := 0; i < staleRetries; i++ {
		var j storage.Job
		j, err = s.update(ctx, id, sp)
		if !errors.Is(err, storage.ErrStaleSchedule) {
			return j, err
		}
		s.log.Debug("job schedule moved during update; retrying", logx.String("job_id", id), logx.Int("try", i+1))
	}
	return storage.Job{}, err
}

func (s *Service) update(ctx context.Context, id string, sp Spec) (storage.Job, error) {
	cur, err := s.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	sp.ID = id
	if sp.Enabled == nil {
		e := cur.Enabled
		sp.Enabled = &e
	}
	next := sp.job(s.now().UTC())
	if next.Name == "" {
		next.Name = cur.Name
	}
	next.CreatedAt = cur.CreatedAt

	if err := Validate(next, s.loc); err != nil {
		return storage.Job{}, err
	}

	reschedule := next.Schedule != cur.Schedule || next.Timezone != cur.Timezone
	reenabled := next.Enabled && !cur.Enabled
	switch {
	case next.Enabled:
		next.DisabledReason = ""
	case !cur.Enabled:
		next.DisabledReason = cur.DisabledReason
	default:
		next.DisabledReason = "disabled by operator"
	}

	err = s.store.UpdateJob(ctx, storage.JobUpdate{
		Job:           next,
		ExpectEnabled: cur.Enabled,
		ExpectNext:    cur.NextFireAt,
		Reschedule:    reschedule || reenabled,
	})
	if err != nil {
		return storage.Job{}, err
	}
	s.log.Info("job updated",
		logx.String("job_id", id),
		logx.Bool("enabled", next.Enabled),
		logx.Bool("rescheduled", reschedule || reenabled),
	)
	return s.store.GetJob(ctx, id)
}

// Upsert creates the job or updates it when the stored definition differs.
// Used for jobs declared in the config file.
func (s *Service) Upsert(ctx context.Context, sp Spec) (storage.Job, bool, error) {
	cur, err := s.store.GetJob(ctx, sp.ID)
	if errors.Is(err, storage.ErrJobNotFound) {
		j, err := s.Create(ctx, sp)
		return j, err == nil, err
	}
	if err != nil {
		return storage.Job{}, false, err
	}
	want := sp.job(cur.CreatedAt)
	if want.Name == "" {
		want.Name = cur.Name
	}
	if sameDefinition(cur, want) {
		return cur, false, nil
	}
	j, err := s.Update(ctx, sp.ID, sp)
	return j, err == nil, err
}

func sameDefinition(a, b storage.Job) bool {
	return a.Name == b.Name &&
		a.Schedule == b.Schedule &&
		a.Timezone == b.Timezone &&
		a.Target.URL == b.Target.URL &&
		a.Target.Method == b.Target.Method &&
		a.Target.Body == b.Target.Body &&
		maps.Equal(a.Target.Headers, b.Target.Headers) &&
		a.MaxAttempts == b.MaxAttempts &&
		a.Enabled == b.Enabled
}

// Delete removes the definition. Its delivery history stays queryable.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	s.log.Info("job deleted", logx.String("job_id", id))
	return nil
}

// Deliveries lists a job's intents, newest occurrence first, each with its attempts.
func (s *Service) Deliveries(ctx context.Context, jobID string, state storage.IntentState, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	intents, err := s.store.ListIntents(ctx, storage.IntentFilter{JobID: jobID, State: state, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Delivery, 0, len(intents))
	for _, in := range intents {
		atts, err := s.store.ListAttempts(ctx, in.ID)
		if err != nil {
			return nil, fmt.Errorf("attempts of %s: %w", in.ID, err)
		}
		out = append(out, Delivery{Intent: in, History: atts})
	}
	return out, nil
}

func (s *Service) Delivery(ctx context.Context, id string) (Delivery, error) {
	in, err := s.store.GetIntent(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	atts, err := s.store.ListAttempts(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{Intent: in, History: atts}, nil
}

// Preview lists the next n fire times of a schedule from now.
func (s *Service) Preview(schedule, tz string, n int) ([]time.Time, error) {
	return Preview(schedule, tz, s.loc, s.now(), n)
}
