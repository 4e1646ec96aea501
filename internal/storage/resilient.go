package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	logx "cronrelay/pkg/logx"
)

// ResilientConfig bounds retries of transient failures and the circuit
// breaker that trips when they persist.
type ResilientConfig struct {
	RetryInitial     time.Duration // default 50ms
	RetryMaxInterval time.Duration // default 1s
	RetryMaxElapsed  time.Duration // default 5s

	BreakerFailures    int           // consecutive transient failures before opening; default 5
	BreakerOpenTimeout time.Duration // default 30s

	OnStateChange func(from, to string)
	OnError       func(op string, err error)
}

// Resilient decorates a Store with retry and a circuit breaker. Only
// transient StoreErrors are retried or counted against the breaker.
type Resilient struct {
	inner Store
	cfg   ResilientConfig
	cb    *gobreaker.CircuitBreaker
	log   logx.Logger
}

var _ Store = (*Resilient)(nil)

func NewResilient(inner Store, cfg ResilientConfig, log logx.Logger) *Resilient {
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = 50 * time.Millisecond
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = time.Second
	}
	if cfg.RetryMaxElapsed <= 0 {
		cfg.RetryMaxElapsed = 5 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Resilient{inner: inner, cfg: cfg, log: log.With(logx.String("comp", "storage"))}
	failures := uint32(cfg.BreakerFailures)
	r.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "storage",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= failures },
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				r.log.Error("storage circuit opened", logx.String("from", from.String()))
			} else {
				r.log.Info("storage circuit state changed", logx.String("from", from.String()), logx.String("to", to.String()))
			}
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(from.String(), to.String())
			}
		},
	})
	return r
}

// Unwrap returns the decorated store.
func (r *Resilient) Unwrap() Store { return r.inner }

// Health fails while the circuit is open.
func (r *Resilient) Health() error {
	if st := r.cb.State(); st == gobreaker.StateOpen {
		return fmt.Errorf("%w: circuit %s", ErrUnavailable, st)
	}
	return nil
}

func (r *Resilient) State() string { return r.cb.State().String() }

func (r *Resilient) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMaxInterval
	b.MaxElapsedTime = r.cfg.RetryMaxElapsed
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// do runs fn through the breaker, retrying transient failures.
func do[T any](r *Resilient, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	attempt := func() error {
		v, err := r.cb.Execute(func() (any, error) { return fn(ctx) })
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(&StoreError{Op: op, Err: fmt.Errorf("%w: %v", ErrUnavailable, err), Transient: true})
			}
			if !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out, _ = v.(T)
		return nil
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("storage retry", logx.String("op", op), logx.Duration("backoff", wait), logx.Err(err))
	}
	err := backoff.RetryNotify(attempt, r.newBackOff(ctx), notify)
	if err != nil {
		if r.cfg.OnError != nil && !isDomainErr(err) {
			r.cfg.OnError(op, err)
		}
		var zero T
		return zero, err
	}
	return out, nil
}

// do0 adapts error-only calls.
func do0(r *Resilient, ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := do(r, ctx, op, func(ctx context.Context) (struct{}, error) { return struct{}{}, fn(ctx) })
	return err
}

func (r *Resilient) CreateJob(ctx context.Context, j Job) error {
	return do0(r, ctx, "create_job", func(ctx context.Context) error { return r.inner.CreateJob(ctx, j) })
}

func (r *Resilient) GetJob(ctx context.Context, id string) (Job, error) {
	return do(r, ctx, "get_job", func(ctx context.Context) (Job, error) { return r.inner.GetJob(ctx, id) })
}

func (r *Resilient) UpdateJob(ctx context.Context, u JobUpdate) error {
	return do0(r, ctx, "update_job", func(ctx context.Context) error { return r.inner.UpdateJob(ctx, u) })
}

func (r *Resilient) DeleteJob(ctx context.Context, id string) error {
	return do0(r, ctx, "delete_job", func(ctx context.Context) error { return r.inner.DeleteJob(ctx, id) })
}

func (r *Resilient) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	return do(r, ctx, "list_jobs", func(ctx context.Context) ([]Job, error) { return r.inner.ListJobs(ctx, f) })
}

func (r *Resilient) UnscheduledJobs(ctx context.Context, limit int) ([]Job, error) {
	return do(r, ctx, "unscheduled_jobs", func(ctx context.Context) ([]Job, error) { return r.inner.UnscheduledJobs(ctx, limit) })
}

func (r *Resilient) InitSchedule(ctx context.Context, id string, next time.Time) (bool, error) {
	return do(r, ctx, "init_schedule", func(ctx context.Context) (bool, error) { return r.inner.InitSchedule(ctx, id, next) })
}

func (r *Resilient) DueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	return do(r, ctx, "due_jobs", func(ctx context.Context) ([]Job, error) { return r.inner.DueJobs(ctx, now, limit) })
}

func (r *Resilient) FireJob(ctx context.Context, f Fire) (FireResult, error) {
	return do(r, ctx, "fire_job", func(ctx context.Context) (FireResult, error) { return r.inner.FireJob(ctx, f) })
}

func (r *Resilient) DisableJob(ctx context.Context, id, reason string, now time.Time) error {
	return do0(r, ctx, "disable_job", func(ctx context.Context) error { return r.inner.DisableJob(ctx, id, reason, now) })
}

func (r *Resilient) ClaimIntents(ctx context.Context, c Claim) ([]Claimed, error) {
	return do(r, ctx, "claim_intents", func(ctx context.Context) ([]Claimed, error) { return r.inner.ClaimIntents(ctx, c) })
}

func (r *Resilient) ExtendLease(ctx context.Context, id, token string, until time.Time) error {
	return do0(r, ctx, "extend_lease", func(ctx context.Context) error { return r.inner.ExtendLease(ctx, id, token, until) })
}

func (r *Resilient) FinishAttempt(ctx context.Context, res AttemptResult) error {
	return do0(r, ctx, "finish_attempt", func(ctx context.Context) error { return r.inner.FinishAttempt(ctx, res) })
}

func (r *Resilient) ReclaimExpired(ctx context.Context, now time.Time) (Reclaimed, error) {
	return do(r, ctx, "reclaim_expired", func(ctx context.Context) (Reclaimed, error) { return r.inner.ReclaimExpired(ctx, now) })
}

func (r *Resilient) ReleaseClaim(ctx context.Context, id, token string, now time.Time) error {
	return do0(r, ctx, "release_claim", func(ctx context.Context) error { return r.inner.ReleaseClaim(ctx, id, token, now) })
}

func (r *Resilient) GetIntent(ctx context.Context, id string) (Intent, error) {
	return do(r, ctx, "get_intent", func(ctx context.Context) (Intent, error) { return r.inner.GetIntent(ctx, id) })
}

func (r *Resilient) ListIntents(ctx context.Context, f IntentFilter) ([]Intent, error) {
	return do(r, ctx, "list_intents", func(ctx context.Context) ([]Intent, error) { return r.inner.ListIntents(ctx, f) })
}

func (r *Resilient) ListAttempts(ctx context.Context, intentID string) ([]Attempt, error) {
	return do(r, ctx, "list_attempts", func(ctx context.Context) ([]Attempt, error) { return r.inner.ListAttempts(ctx, intentID) })
}

func (r *Resilient) Backlog(ctx context.Context, now time.Time) (Backlog, error) {
	return do(r, ctx, "backlog", func(ctx context.Context) (Backlog, error) { return r.inner.Backlog(ctx, now) })
}

func (r *Resilient) Ping(ctx context.Context) error {
	return do0(r, ctx, "ping", r.inner.Ping)
}

func (r *Resilient) Close() error { return r.inner.Close() }
