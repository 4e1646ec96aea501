package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "cronrelay/pkg/logx"
)

var base = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// forEachStore runs fn against every backend available in this environment.
// Postgres runs only when CRONRELAY_TEST_POSTGRES_DSN is set.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), Config{Path: filepath.Join(t.TempDir(), "relay.db")}, logx.Nop())
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("postgres", func(t *testing.T) {
		dsn := os.Getenv("CRONRELAY_TEST_POSTGRES_DSN")
		if dsn == "" {
			t.Skip("CRONRELAY_TEST_POSTGRES_DSN not set")
		}
		ctx := context.Background()
		s, err := OpenPostgres(ctx, Config{DSN: dsn, MaxConnections: 4}, logx.Nop())
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		if _, err := s.pool.Exec(ctx, `TRUNCATE cronrelay_attempts, cronrelay_intents, cronrelay_jobs`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		fn(t, s)
	})
}

func newJob(id string) Job {
	return Job{
		ID:        id,
		Name:      "job " + id,
		Schedule:  "* * * * *",
		Target:    Target{URL: "https://example.com/hook", Method: "POST", Headers: map[string]string{"X-Env": "test"}, Body: `{"id":"{{.JobID}}"}`},
		Enabled:   true,
		CreatedAt: base,
		UpdatedAt: base,
	}
}

func mustCreate(t *testing.T, s Store, j Job) {
	t.Helper()
	if err := s.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("create %s: %v", j.ID, err)
	}
}

func ptr(t time.Time) *time.Time { return &t }

// fireOnce schedules j at first, fires it and returns the created intent id.
func fireOnce(t *testing.T, s Store, jobID string, at time.Time, maxAttempts int) string {
	t.Helper()
	ctx := context.Background()
	if _, err := s.InitSchedule(ctx, jobID, at); err != nil {
		t.Fatalf("init schedule: %v", err)
	}
	id := jobID + "-" + at.Format("150405")
	res, err := s.FireJob(ctx, Fire{
		JobID:        jobID,
		ExpectedNext: at,
		LastFireAt:   at,
		NextFireAt:   ptr(at.Add(time.Minute)),
		Intents: []NewIntent{{
			ID:          id,
			FireAt:      at,
			Request:     Request{Method: "POST", URL: "https://example.com/hook", Headers: map[string]string{"A": "1"}, Body: "{}"},
			MaxAttempts: maxAttempts,
		}},
		Now: at,
	})
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if res.Created != 1 {
		t.Fatalf("created=%d", res.Created)
	}
	return id
}

func TestJobCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("b"))
		mustCreate(t, s, newJob("a"))

		if err := s.CreateJob(ctx, newJob("a")); !errors.Is(err, ErrJobExists) {
			t.Fatalf("duplicate create err=%v", err)
		}

		got, err := s.GetJob(ctx, "a")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Target.Headers["X-Env"] != "test" || got.Target.Body != `{"id":"{{.JobID}}"}` || !got.Enabled {
			t.Fatalf("job=%+v", got)
		}
		if !got.CreatedAt.Equal(base) {
			t.Fatalf("created_at=%v", got.CreatedAt)
		}

		upd := got
		upd.Enabled = false
		upd.DisabledReason = "paused"
		upd.UpdatedAt = base.Add(time.Second)
		if err := s.UpdateJob(ctx, JobUpdate{Job: upd, ExpectEnabled: true}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if err := s.UpdateJob(ctx, JobUpdate{Job: newJob("zzz"), ExpectEnabled: true}); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("update missing err=%v", err)
		}

		enabled := true
		list, err := s.ListJobs(ctx, JobFilter{Enabled: &enabled})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(list) != 1 || list[0].ID != "b" {
			t.Fatalf("enabled jobs=%+v", list)
		}
		all, _ := s.ListJobs(ctx, JobFilter{})
		if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
			t.Fatalf("all jobs=%+v", all)
		}

		if err := s.DeleteJob(ctx, "a"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.GetJob(ctx, "a"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("get deleted err=%v", err)
		}
		if err := s.DeleteJob(ctx, "a"); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("delete twice err=%v", err)
		}
	})
}

func TestScheduleCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("j2"))
		mustCreate(t, s, newJob("j1"))

		un, err := s.UnscheduledJobs(ctx, 10)
		if err != nil || len(un) != 2 || un[0].ID != "j1" {
			t.Fatalf("unscheduled=%+v err=%v", un, err)
		}

		t1 := base.Add(time.Minute)
		if ok, err := s.InitSchedule(ctx, "j1", t1); !ok || err != nil {
			t.Fatalf("init j1 ok=%v err=%v", ok, err)
		}
		if ok, _ := s.InitSchedule(ctx, "j1", t1.Add(time.Hour)); ok {
			t.Fatalf("second init must not overwrite")
		}
		if _, err := s.InitSchedule(ctx, "j2", t1); err != nil {
			t.Fatalf("init j2: %v", err)
		}

		due, _ := s.DueJobs(ctx, base, 10)
		if len(due) != 0 {
			t.Fatalf("nothing due before t1, got %d", len(due))
		}
		due, _ = s.DueJobs(ctx, t1, 10)
		if len(due) != 2 || due[0].ID != "j1" || due[1].ID != "j2" {
			t.Fatalf("due=%+v", due)
		}
		if !due[0].NextFireAt.Equal(t1) {
			t.Fatalf("next_fire_at=%v", due[0].NextFireAt)
		}

		t2 := t1.Add(time.Minute)
		f := Fire{
			JobID: "j1", ExpectedNext: t1, LastFireAt: t1, NextFireAt: &t2, Now: t1,
			Intents: []NewIntent{{ID: "i1", FireAt: t1, Request: Request{Method: "POST", URL: "https://x"}}},
		}
		res, err := s.FireJob(ctx, f)
		if err != nil || res.Created != 1 || res.Disabled {
			t.Fatalf("fire res=%+v err=%v", res, err)
		}
		if _, err := s.FireJob(ctx, f); !errors.Is(err, ErrStaleSchedule) {
			t.Fatalf("replayed fire err=%v", err)
		}

		j, _ := s.GetJob(ctx, "j1")
		if !j.NextFireAt.Equal(t2) || !j.LastFireAt.Equal(t1) {
			t.Fatalf("cursor next=%v last=%v", j.NextFireAt, j.LastFireAt)
		}

		in, err := s.GetIntent(ctx, "i1")
		if err != nil {
			t.Fatalf("get intent: %v", err)
		}
		if in.State != IntentPending || in.MaxAttempts != DefaultMaxAttempts || !in.NextAttemptAt.Equal(t1) {
			t.Fatalf("intent=%+v", in)
		}
	})
}

func TestFireDeduplicatesOccurrence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("j"))
		fireOnce(t, s, "j", base, 0)

		// a reschedule lands on an occurrence that already fired; it must not create a second intent
		j, _ := s.GetJob(ctx, "j")
		if err := s.UpdateJob(ctx, JobUpdate{Job: j, ExpectEnabled: true, ExpectNext: j.NextFireAt, Reschedule: true}); err != nil {
			t.Fatalf("update: %v", err)
		}
		if ok, err := s.InitSchedule(ctx, "j", base); !ok || err != nil {
			t.Fatalf("re-init ok=%v err=%v", ok, err)
		}
		res, err := s.FireJob(ctx, Fire{
			JobID: "j", ExpectedNext: base, LastFireAt: base, NextFireAt: ptr(base.Add(time.Minute)), Now: base,
			Intents: []NewIntent{{ID: "other-id", FireAt: base, Request: Request{Method: "POST", URL: "https://x"}}},
		})
		if err != nil {
			t.Fatalf("fire: %v", err)
		}
		if res.Created != 0 || res.Duplicates != 1 {
			t.Fatalf("res=%+v", res)
		}
		list, _ := s.ListIntents(ctx, IntentFilter{JobID: "j"})
		if len(list) != 1 {
			t.Fatalf("intents=%d", len(list))
		}
	})
}

func TestFireWithoutNextDisables(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("once"))
		if _, err := s.InitSchedule(ctx, "once", base); err != nil {
			t.Fatal(err)
		}
		res, err := s.FireJob(ctx, Fire{
			JobID: "once", ExpectedNext: base, LastFireAt: base, Now: base, DisableReason: "no future occurrence",
			Intents: []NewIntent{{ID: "x", FireAt: base, Request: Request{Method: "POST", URL: "https://x"}}},
		})
		if err != nil || !res.Disabled || res.Created != 1 {
			t.Fatalf("res=%+v err=%v", res, err)
		}
		j, _ := s.GetJob(ctx, "once")
		if j.Enabled || j.NextFireAt != nil || j.DisabledReason != "no future occurrence" {
			t.Fatalf("job=%+v", j)
		}
		due, _ := s.DueJobs(ctx, base.Add(time.Hour), 0)
		if len(due) != 0 {
			t.Fatalf("disabled job must not be due")
		}
	})
}

func TestDeleteJobKeepsIntents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("gone"))
		id := fireOnce(t, s, "gone", base, 0)
		if err := s.DeleteJob(ctx, "gone"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.GetIntent(ctx, id); err != nil {
			t.Fatalf("intent should survive job deletion: %v", err)
		}
	})
}

func TestClaimFinishLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("j"))
		id := fireOnce(t, s, "j", base, 3)

		claimed, err := s.ClaimIntents(ctx, Claim{Owner: "w1", Now: base, Limit: 10, LeaseTTL: time.Minute})
		if err != nil || len(claimed) != 1 {
			t.Fatalf("claim=%+v err=%v", claimed, err)
		}
		c := claimed[0]
		if c.Intent.State != IntentAttempting || c.Intent.Attempts != 1 || c.Attempt.Seq != 1 || c.Intent.LeaseToken == "" {
			t.Fatalf("claimed=%+v", c)
		}
		if c.Intent.Request.Headers["A"] != "1" {
			t.Fatalf("request headers=%v", c.Intent.Request.Headers)
		}

		again, _ := s.ClaimIntents(ctx, Claim{Owner: "w2", Now: base, Limit: 10, LeaseTTL: time.Minute})
		if len(again) != 0 {
			t.Fatalf("attempting intent was claimed twice")
		}

		if err := s.FinishAttempt(ctx, AttemptResult{IntentID: id, LeaseToken: "bogus", Seq: 1, FinishedAt: base, Outcome: OutcomeSuccess, State: IntentSuccess}); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("wrong token err=%v", err)
		}

		retryAt := base.Add(2 * time.Second)
		if err := s.FinishAttempt(ctx, AttemptResult{
			IntentID: id, LeaseToken: c.Intent.LeaseToken, Seq: 1, FinishedAt: base.Add(100 * time.Millisecond),
			Outcome: OutcomeRetryable, StatusCode: 500, Error: "status 500",
			State: IntentRetryScheduled, NextAttemptAt: retryAt, NextDelay: 2 * time.Second,
		}); err != nil {
			t.Fatalf("finish retry: %v", err)
		}
		if err := s.FinishAttempt(ctx, AttemptResult{IntentID: id, LeaseToken: c.Intent.LeaseToken, Seq: 1, FinishedAt: base, Outcome: OutcomeSuccess, State: IntentSuccess}); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("finish twice err=%v", err)
		}

		early, _ := s.ClaimIntents(ctx, Claim{Owner: "w1", Now: base.Add(time.Second), Limit: 10, LeaseTTL: time.Minute})
		if len(early) != 0 {
			t.Fatalf("retry claimed before its time")
		}
		second, err := s.ClaimIntents(ctx, Claim{Owner: "w1", Now: retryAt, Limit: 10, LeaseTTL: time.Minute})
		if err != nil || len(second) != 1 {
			t.Fatalf("second claim=%+v err=%v", second, err)
		}
		if second[0].Attempt.Seq != 2 || second[0].Attempt.Delay != 2*time.Second {
			t.Fatalf("second attempt=%+v", second[0].Attempt)
		}
		if err := s.FinishAttempt(ctx, AttemptResult{
			IntentID: id, LeaseToken: second[0].Intent.LeaseToken, Seq: 2, FinishedAt: retryAt.Add(time.Millisecond),
			Outcome: OutcomeSuccess, StatusCode: 200, State: IntentSuccess,
		}); err != nil {
			t.Fatalf("finish success: %v", err)
		}

		in, _ := s.GetIntent(ctx, id)
		if in.State != IntentSuccess || in.CompletedAt == nil || in.Attempts != 2 || in.LeaseToken != "" {
			t.Fatalf("final intent=%+v", in)
		}
		atts, err := s.ListAttempts(ctx, id)
		if err != nil || len(atts) != 2 {
			t.Fatalf("attempts=%+v err=%v", atts, err)
		}
		if atts[0].Outcome != OutcomeRetryable || atts[0].StatusCode != 500 || atts[1].Outcome != OutcomeSuccess {
			t.Fatalf("attempt outcomes=%+v", atts)
		}
		if !atts[1].StartedAt.After(atts[0].StartedAt) {
			t.Fatalf("attempt start times must increase")
		}
		if _, err := s.ListAttempts(ctx, "nope"); !errors.Is(err, ErrIntentNotFound) {
			t.Fatalf("missing intent err=%v", err)
		}
	})
}

func TestAttemptStartStrictlyIncreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("j"))
		id := fireOnce(t, s, "j", base, 5)

		var last time.Time
		for i := 0; i < 3; i++ {
			cl, err := s.ClaimIntents(ctx, Claim{Owner: "w", Now: base, Limit: 1, LeaseTTL: time.Minute})
			if err != nil || len(cl) != 1 {
				t.Fatalf("claim %d: %+v %v", i, cl, err)
			}
			if !cl[0].Attempt.StartedAt.After(last) {
				t.Fatalf("attempt %d started %v, previous %v", i, cl[0].Attempt.StartedAt, last)
			}
			last = cl[0].Attempt.StartedAt
			if err := s.FinishAttempt(ctx, AttemptResult{
				IntentID: id, LeaseToken: cl[0].Intent.LeaseToken, Seq: cl[0].Attempt.Seq, FinishedAt: base,
				Outcome: OutcomeRetryable, State: IntentRetryScheduled, NextAttemptAt: base,
			}); err != nil {
				t.Fatal(err)
			}
		}
	})
}

func TestReclaimExpired(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("a"))
		mustCreate(t, s, newJob("b"))
		retry := fireOnce(t, s, "a", base, 3)
		last := fireOnce(t, s, "b", base, 1)

		cl, err := s.ClaimIntents(ctx, Claim{Owner: "crashed", Now: base, Limit: 10, LeaseTTL: time.Second})
		if err != nil || len(cl) != 2 {
			t.Fatalf("claim=%d err=%v", len(cl), err)
		}

		// a heartbeat keeps the lease alive
		tok := cl[0].Intent.LeaseToken
		if err := s.ExtendLease(ctx, cl[0].Intent.ID, tok, base.Add(time.Hour)); err != nil {
			t.Fatalf("extend: %v", err)
		}
		res, err := s.ReclaimExpired(ctx, base.Add(2*time.Second))
		if err != nil || res.Total() != 1 {
			t.Fatalf("reclaim=%+v err=%v", res, err)
		}
		if err := s.ExtendLease(ctx, cl[1].Intent.ID, cl[1].Intent.LeaseToken, base.Add(time.Hour)); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("extend after reclaim err=%v", err)
		}

		// expire the extended one as well
		res2, err := s.ReclaimExpired(ctx, base.Add(2*time.Hour))
		if err != nil || res2.Total() != 1 {
			t.Fatalf("second reclaim=%+v err=%v", res2, err)
		}

		ri, _ := s.GetIntent(ctx, retry)
		if ri.State != IntentRetryScheduled {
			t.Fatalf("retry intent state=%s", ri.State)
		}
		li, _ := s.GetIntent(ctx, last)
		if li.State != IntentExhausted || li.CompletedAt == nil {
			t.Fatalf("ceiling intent=%+v", li)
		}
		atts, _ := s.ListAttempts(ctx, retry)
		if len(atts) != 1 || atts[0].Outcome != OutcomeAbandoned || atts[0].FinishedAt == nil {
			t.Fatalf("abandoned attempt=%+v", atts)
		}

		again, err := s.ClaimIntents(ctx, Claim{Owner: "w", Now: base.Add(2 * time.Hour), Limit: 10, LeaseTTL: time.Minute})
		if err != nil || len(again) != 1 || again[0].Intent.ID != retry || again[0].Attempt.Seq != 2 {
			t.Fatalf("reclaimed intent not retried: %+v err=%v", again, err)
		}
	})
}

func TestBacklog(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("a"))
		mustCreate(t, s, newJob("b"))
		fireOnce(t, s, "a", base, 0)
		fireOnce(t, s, "b", base, 0)
		if _, err := s.ClaimIntents(ctx, Claim{Owner: "w", Now: base, Limit: 1, LeaseTTL: time.Minute}); err != nil {
			t.Fatal(err)
		}
		b, err := s.Backlog(ctx, base)
		if err != nil {
			t.Fatal(err)
		}
		if b.Pending != 1 || b.Attempting != 1 || b.Due != 1 || b.RetryScheduled != 0 {
			t.Fatalf("backlog=%+v", b)
		}
	})
}

func nopLogger() logx.Logger { return logx.Nop() }

func TestDisableJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("bad"))
		if _, err := s.InitSchedule(ctx, "bad", base); err != nil {
			t.Fatal(err)
		}
		if err := s.DisableJob(ctx, "bad", "template: missing key", base); err != nil {
			t.Fatalf("disable: %v", err)
		}
		j, err := s.GetJob(ctx, "bad")
		if err != nil {
			t.Fatal(err)
		}
		if j.Enabled || j.DisabledReason != "template: missing key" {
			t.Fatalf("job=%+v", j)
		}
		due, _ := s.DueJobs(ctx, base.Add(time.Hour), 0)
		if len(due) != 0 {
			t.Fatalf("disabled job must not be due")
		}
		if err := s.DisableJob(ctx, "missing", "x", base); !errors.Is(err, ErrJobNotFound) {
			t.Fatalf("err=%v", err)
		}
	})
}

func TestUpdateJobGuardsScheduleCursor(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("g"))
		fireOnce(t, s, "g", base, 0)
		snap, err := s.GetJob(ctx, "g")
		if err != nil {
			t.Fatal(err)
		}

		// the scheduler advances the cursor after the snapshot was taken
		next := base.Add(2 * time.Minute)
		if _, err := s.FireJob(ctx, Fire{
			JobID: "g", ExpectedNext: *snap.NextFireAt, LastFireAt: *snap.NextFireAt, NextFireAt: &next, Now: base,
		}); err != nil {
			t.Fatalf("fire: %v", err)
		}

		renamed := snap
		renamed.Name = "renamed"
		renamed.NextFireAt = ptr(base)
		renamed.LastFireAt = nil
		err = s.UpdateJob(ctx, JobUpdate{Job: renamed, ExpectEnabled: snap.Enabled, ExpectNext: snap.NextFireAt})
		if !errors.Is(err, ErrStaleSchedule) {
			t.Fatalf("stale update err=%v", err)
		}

		cur, _ := s.GetJob(ctx, "g")
		if cur.Name == "renamed" || !cur.NextFireAt.Equal(next) {
			t.Fatalf("stale update was applied: %+v", cur)
		}

		// with a fresh snapshot the rename lands and the cursor fields are not taken from the caller
		if err := s.UpdateJob(ctx, JobUpdate{Job: renamed, ExpectEnabled: cur.Enabled, ExpectNext: cur.NextFireAt}); err != nil {
			t.Fatalf("update: %v", err)
		}
		cur, _ = s.GetJob(ctx, "g")
		if cur.Name != "renamed" || !cur.NextFireAt.Equal(next) || cur.LastFireAt == nil || !cur.LastFireAt.Equal(base.Add(time.Minute)) {
			t.Fatalf("job=%+v", cur)
		}
	})
}

func TestReleaseClaimRestoresIntent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		mustCreate(t, s, newJob("r"))
		id := fireOnce(t, s, "r", base, 3)

		// first attempt runs and fails so the intent is retry_scheduled
		cl, err := s.ClaimIntents(ctx, Claim{Owner: "w", Now: base, Limit: 1, LeaseTTL: time.Minute})
		if err != nil || len(cl) != 1 {
			t.Fatalf("claim=%d err=%v", len(cl), err)
		}
		first := cl[0]
		if err := s.FinishAttempt(ctx, AttemptResult{
			IntentID: id, LeaseToken: first.Intent.LeaseToken, Seq: 1, FinishedAt: base.Add(time.Second),
			Outcome: OutcomeRetryable, State: IntentRetryScheduled, NextAttemptAt: base.Add(2 * time.Second), NextDelay: time.Second,
		}); err != nil {
			t.Fatalf("finish: %v", err)
		}

		at := base.Add(5 * time.Second)
		cl, err = s.ClaimIntents(ctx, Claim{Owner: "w", Now: at, Limit: 1, LeaseTTL: time.Minute})
		if err != nil || len(cl) != 1 || cl[0].Attempt.Seq != 2 {
			t.Fatalf("second claim=%+v err=%v", cl, err)
		}
		if err := s.ReleaseClaim(ctx, id, "bogus", at); !errors.Is(err, ErrLeaseLost) {
			t.Fatalf("wrong token err=%v", err)
		}
		if err := s.ReleaseClaim(ctx, id, cl[0].Intent.LeaseToken, at); err != nil {
			t.Fatalf("release: %v", err)
		}

		in, err := s.GetIntent(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if in.State != IntentRetryScheduled || in.Attempts != 1 || in.LeaseToken != "" || in.LeaseUntil != nil {
			t.Fatalf("intent=%+v", in)
		}
		if in.LastAttemptAt == nil || !in.LastAttemptAt.Equal(first.Attempt.StartedAt) {
			t.Fatalf("last_attempt_at=%v want %v", in.LastAttemptAt, first.Attempt.StartedAt)
		}
		atts, _ := s.ListAttempts(ctx, id)
		if len(atts) != 1 || atts[0].Outcome != OutcomeRetryable {
			t.Fatalf("attempts=%+v", atts)
		}

		// the released attempt number is handed out again
		cl, err = s.ClaimIntents(ctx, Claim{Owner: "w", Now: at, Limit: 1, LeaseTTL: time.Minute})
		if err != nil || len(cl) != 1 || cl[0].Attempt.Seq != 2 {
			t.Fatalf("reclaim after release=%+v err=%v", cl, err)
		}
		if !cl[0].Attempt.StartedAt.After(first.Attempt.StartedAt) {
			t.Fatalf("start %v not after %v", cl[0].Attempt.StartedAt, first.Attempt.StartedAt)
		}
	})
}
