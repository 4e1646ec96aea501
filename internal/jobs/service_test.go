package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"cronrelay/internal/storage"
)

func newTestService(now time.Time) (*Service, *storage.Memory) {
	st := storage.NewMemory()
	return NewService(st, Options{Now: func() time.Time { return now }}), st
}

func TestCreateLeavesScheduleToScheduler(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, _ := newTestService(now)
	j, err := svc.Create(context.Background(), Spec{
		Name:     "ping",
		Schedule: "*/5 * * * *",
		Target:   storage.Target{URL: "https://example.com"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if j.ID == "" || !j.Enabled || j.NextFireAt != nil || j.Target.Method != "POST" {
		t.Fatalf("job=%+v", j)
	}
	if _, err := svc.Create(context.Background(), Spec{ID: j.ID, Schedule: "* * * * *", Target: storage.Target{URL: "https://example.com"}}); !errors.Is(err, storage.ErrJobExists) {
		t.Fatalf("duplicate err=%v", err)
	}
	if _, err := svc.Create(context.Background(), Spec{Schedule: "nope", Target: storage.Target{URL: "https://example.com"}}); err == nil {
		t.Fatalf("invalid schedule accepted")
	}
}

func TestUpdateResetsScheduleCursor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, st := newTestService(now)
	j, err := svc.Create(ctx, Spec{ID: "j", Schedule: "* * * * *", Target: storage.Target{URL: "https://example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.InitSchedule(ctx, j.ID, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	// a name change keeps the cursor
	got, err := svc.Update(ctx, "j", Spec{Name: "renamed", Schedule: "* * * * *", Target: storage.Target{URL: "https://example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.NextFireAt == nil || got.Name != "renamed" {
		t.Fatalf("job=%+v", got)
	}

	// a new schedule clears it
	got, err = svc.Update(ctx, "j", Spec{Name: "renamed", Schedule: "0 * * * *", Target: storage.Target{URL: "https://example.com"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.NextFireAt != nil {
		t.Fatalf("schedule change must reset next_fire_at: %v", got.NextFireAt)
	}

	off := false
	got, err = svc.Update(ctx, "j", Spec{Schedule: "0 * * * *", Target: storage.Target{URL: "https://example.com"}, Enabled: &off})
	if err != nil {
		t.Fatal(err)
	}
	if got.Enabled || got.DisabledReason == "" || got.Name != "renamed" {
		t.Fatalf("disabled job=%+v", got)
	}

	if _, err := svc.Update(ctx, "missing", Spec{Schedule: "* * * * *", Target: storage.Target{URL: "https://x.io"}}); !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("missing err=%v", err)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _ := newTestService(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	sp := Spec{ID: "seed", Name: "seed", Schedule: "@hourly", Target: storage.Target{URL: "https://example.com", Headers: map[string]string{"A": "b"}}}

	if _, changed, err := svc.Upsert(ctx, sp); err != nil || !changed {
		t.Fatalf("first upsert changed=%v err=%v", changed, err)
	}
	if _, changed, err := svc.Upsert(ctx, sp); err != nil || changed {
		t.Fatalf("second upsert changed=%v err=%v", changed, err)
	}
	sp.Schedule = "@daily"
	if j, changed, err := svc.Upsert(ctx, sp); err != nil || !changed || j.Schedule != "@daily" {
		t.Fatalf("third upsert job=%+v changed=%v err=%v", j, changed, err)
	}
}

func TestDeliveriesSurviveDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc, st := newTestService(now)
	if _, err := svc.Create(ctx, Spec{ID: "j", Schedule: "* * * * *", Target: storage.Target{URL: "https://example.com"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InitSchedule(ctx, "j", now); err != nil {
		t.Fatal(err)
	}
	next := now.Add(time.Minute)
	if _, err := st.FireJob(ctx, storage.Fire{
		JobID: "j", ExpectedNext: now, LastFireAt: now, NextFireAt: &next, Now: now,
		Intents: []storage.NewIntent{{ID: "d1", FireAt: now, Request: storage.Request{Method: "POST", URL: "https://example.com"}}},
	}); err != nil {
		t.Fatal(err)
	}
	if err := svc.Delete(ctx, "j"); err != nil {
		t.Fatal(err)
	}
	ds, err := svc.Deliveries(ctx, "j", "", 0)
	if err != nil || len(ds) != 1 || ds[0].ID != "d1" {
		t.Fatalf("deliveries=%+v err=%v", ds, err)
	}
	d, err := svc.Delivery(ctx, "d1")
	if err != nil || d.JobID != "j" || len(d.History) != 0 {
		t.Fatalf("delivery=%+v err=%v", d, err)
	}
}

// racingStore runs before once, right ahead of the first UpdateJob, as if
// the scheduler committed between the service's read and its write.
type racingStore struct {
	*storage.Memory
	before  func()
	updates int
}

func (r *racingStore) UpdateJob(ctx context.Context, u storage.JobUpdate) error {
	r.updates++
	if r.before != nil {
		r.before()
		r.before = nil
	}
	return r.Memory.UpdateJob(ctx, u)
}

func TestUpdateDoesNotRewindConcurrentFire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)
	mem := storage.NewMemory()
	st := &racingStore{Memory: mem}
	svc := NewService(st, Options{Now: func() time.Time { return t0 }})

	target := storage.Target{URL: "https://example.com"}
	if _, err := svc.Create(ctx, Spec{ID: "j", Schedule: "* * * * *", Target: target}); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.InitSchedule(ctx, "j", t0); err != nil {
		t.Fatal(err)
	}
	t1 := t0.Add(time.Minute)
	st.before = func() {
		if _, err := mem.FireJob(ctx, storage.Fire{
			JobID: "j", ExpectedNext: t0, LastFireAt: t0, NextFireAt: &t1, Now: t0,
			Intents: []storage.NewIntent{{ID: "d1", FireAt: t0, Request: storage.Request{Method: "POST", URL: target.URL}}},
		}); err != nil {
			t.Errorf("fire: %v", err)
		}
	}

	got, err := svc.Update(ctx, "j", Spec{Name: "renamed", Schedule: "* * * * *", Target: target})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.updates != 2 {
		t.Fatalf("updates=%d, want a retry after the stale write", st.updates)
	}
	if got.Name != "renamed" {
		t.Fatalf("name=%q", got.Name)
	}
	if got.NextFireAt == nil || got.LastFireAt == nil || !got.NextFireAt.Equal(t1) || !got.LastFireAt.Equal(t0) {
		t.Fatalf("cursor next=%v last=%v", got.NextFireAt, got.LastFireAt)
	}
	if !got.NextFireAt.After(*got.LastFireAt) {
		t.Fatalf("next_fire_at %v not after last_fire_at %v", got.NextFireAt, got.LastFireAt)
	}
}

func TestUpdateDoesNotReenableConcurrentlyDisabledJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)
	mem := storage.NewMemory()
	st := &racingStore{Memory: mem}
	svc := NewService(st, Options{Now: func() time.Time { return t0 }})

	target := storage.Target{URL: "https://example.com"}
	if _, err := svc.Create(ctx, Spec{ID: "j", Schedule: "* * * * *", Target: target}); err != nil {
		t.Fatal(err)
	}
	if _, err := mem.InitSchedule(ctx, "j", t0); err != nil {
		t.Fatal(err)
	}
	st.before = func() {
		if _, err := mem.FireJob(ctx, storage.Fire{
			JobID: "j", ExpectedNext: t0, LastFireAt: t0, Now: t0, DisableReason: "no future occurrence",
		}); err != nil {
			t.Errorf("fire: %v", err)
		}
	}

	got, err := svc.Update(ctx, "j", Spec{Name: "renamed", Schedule: "* * * * *", Target: target})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Enabled || got.NextFireAt != nil || got.DisabledReason != "no future occurrence" {
		t.Fatalf("job=%+v", got)
	}
}

func TestUpdateGivesUpWhenScheduleKeepsMoving(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 10, 1, 0, 0, time.UTC)
	mem := storage.NewMemory()
	svc := NewService(stalingStore{mem}, Options{Now: func() time.Time { return t0 }})
	if _, err := svc.Create(ctx, Spec{ID: "j", Schedule: "* * * * *", Target: storage.Target{URL: "https://example.com"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Update(ctx, "j", Spec{Schedule: "* * * * *", Target: storage.Target{URL: "https://example.com"}}); !errors.Is(err, storage.ErrStaleSchedule) {
		t.Fatalf("err=%v", err)
	}
}

type stalingStore struct{ *storage.Memory }

func (stalingStore) UpdateJob(context.Context, storage.JobUpdate) error {
	return storage.ErrStaleSchedule
}
