package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/relay"
	"cronrelay/internal/storage"
)

var t0 = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type delivererFunc func(ctx context.Context, d relay.Delivery) relay.Result

func (f delivererFunc) Deliver(ctx context.Context, d relay.Delivery) relay.Result { return f(ctx, d) }

// seed stores a job and one pending intent for its t0 occurrence.
func seed(t *testing.T, st *storage.Memory, url string, maxAttempts int) (storage.Job, string) {
	t.Helper()
	ctx := context.Background()
	j := storage.Job{ID: "job", Name: "job", Schedule: "* * * * *", Target: storage.Target{URL: url, Method: "POST"}, Enabled: true, CreatedAt: t0, UpdatedAt: t0}
	if err := st.CreateJob(ctx, j); err != nil {
		t.Fatal(err)
	}
	if _, err := st.InitSchedule(ctx, j.ID, t0); err != nil {
		t.Fatal(err)
	}
	next := t0.Add(time.Minute)
	_, err := st.FireJob(ctx, storage.Fire{
		JobID: j.ID, ExpectedNext: t0, LastFireAt: t0, NextFireAt: &next, Now: t0,
		Intents: []storage.NewIntent{{ID: "d1", FireAt: t0, MaxAttempts: maxAttempts, Request: storage.Request{Method: "POST", URL: url, Body: `{"n":1}`}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	j, err = st.GetJob(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	return j, "d1"
}

func statusServer(t *testing.T, codes ...int) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&hits, 1))
		code := codes[len(codes)-1]
		if n <= len(codes) {
			code = codes[n-1]
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func drain(t *testing.T, d *Service, clock *fakeClock, rounds int) {
	t.Helper()
	for i := 0; i < rounds; i++ {
		if _, err := d.ProcessDue(context.Background()); err != nil {
			t.Fatalf("process: %v", err)
		}
		clock.Advance(2 * time.Second)
	}
}

func newTestDispatcher(st Store, clock *fakeClock, opts ...Option) *Service {
	cfg := Config{
		Enabled:     true,
		Workers:     4,
		LeaseTTL:    time.Minute,
		MaxAttempts: 5,
		Retry:       relay.Policy{Base: 100 * time.Millisecond, Max: 2 * time.Second},
		Owner:       "test",
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(cfg, st, relay.NewClient(relay.Options{Timeout: 2 * time.Second}), opts...)
}

func TestRetryThenSuccess(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	srv, hits := statusServer(t, 500, 500, 500, 200)
	_, id := seed(t, st, srv.URL, 0)
	clock := &fakeClock{t: t0}
	d := newTestDispatcher(st, clock)

	drain(t, d, clock, 8)

	in, err := st.GetIntent(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if in.State != storage.IntentSuccess || in.Attempts != 4 || atomic.LoadInt32(hits) != 4 {
		t.Fatalf("intent=%+v hits=%d", in, atomic.LoadInt32(hits))
	}
	atts, err := st.ListAttempts(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	wantDelay := []time.Duration{0, 100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	wantOutcome := []storage.Outcome{storage.OutcomeRetryable, storage.OutcomeRetryable, storage.OutcomeRetryable, storage.OutcomeSuccess}
	if len(atts) != 4 {
		t.Fatalf("attempts=%d", len(atts))
	}
	for i, a := range atts {
		if a.Seq != i+1 || a.Delay != wantDelay[i] || a.Outcome != wantOutcome[i] {
			t.Fatalf("attempt %d=%+v", i, a)
		}
		if i > 0 && !a.StartedAt.After(atts[i-1].StartedAt) {
			t.Fatalf("attempt %d started at %v, not after %v", i, a.StartedAt, atts[i-1].StartedAt)
		}
	}
	if s := d.Status(); s.Succeeded != 1 || s.Retried != 3 || s.Attempts != 4 {
		t.Fatalf("status=%+v", s)
	}
}

func TestAlways503ExhaustsAtCeiling(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	srv, hits := statusServer(t, 503)
	job, id := seed(t, st, srv.URL, 5)
	clock := &fakeClock{t: t0}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	defer unsub()
	d := newTestDispatcher(st, clock, WithBus(bus))

	drain(t, d, clock, 10)

	in, _ := st.GetIntent(context.Background(), id)
	if in.State != storage.IntentExhausted || in.Attempts != 5 || atomic.LoadInt32(hits) != 5 {
		t.Fatalf("intent=%+v hits=%d", in, atomic.LoadInt32(hits))
	}
	if in.CompletedAt == nil || !strings.Contains(in.LastError, "503") {
		t.Fatalf("intent=%+v", in)
	}

	// delivery outcome never moves the schedule
	after, _ := st.GetJob(context.Background(), job.ID)
	if !after.Enabled || !after.NextFireAt.Equal(*job.NextFireAt) {
		t.Fatalf("job changed: before=%+v after=%+v", job, after)
	}

	var exhausted int
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.DeliveryExhausted {
			exhausted++
			if dd := e.Data.(eventbus.DeliveryData); dd.Attempts != 5 || dd.Status != 503 {
				t.Fatalf("event=%+v", dd)
			}
		}
	}
	if exhausted != 1 {
		t.Fatalf("exhausted events=%d", exhausted)
	}
}

func TestRejectedIsTerminal(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	srv, hits := statusServer(t, 404)
	_, id := seed(t, st, srv.URL, 0)
	clock := &fakeClock{t: t0}
	d := newTestDispatcher(st, clock)

	drain(t, d, clock, 3)

	in, _ := st.GetIntent(context.Background(), id)
	if in.State != storage.IntentExhausted || in.Attempts != 1 || atomic.LoadInt32(hits) != 1 {
		t.Fatalf("intent=%+v", in)
	}
	atts, _ := st.ListAttempts(context.Background(), id)
	if len(atts) != 1 || atts[0].Outcome != storage.OutcomeRejected || atts[0].StatusCode != 404 {
		t.Fatalf("attempts=%+v", atts)
	}
}

func TestInvalidTargetIsTerminal(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	_, id := seed(t, st, "ftp://example.com/x", 0)
	clock := &fakeClock{t: t0}
	d := newTestDispatcher(st, clock)

	drain(t, d, clock, 2)

	atts, _ := st.ListAttempts(context.Background(), id)
	if len(atts) != 1 || atts[0].Outcome != storage.OutcomeInvalid {
		t.Fatalf("attempts=%+v", atts)
	}
}

func TestRetryAfterHint(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	_, id := seed(t, st, srv.URL, 0)
	clock := &fakeClock{t: t0}
	d := newTestDispatcher(st, clock)

	if _, err := d.ProcessDue(context.Background()); err != nil {
		t.Fatal(err)
	}
	in, _ := st.GetIntent(context.Background(), id)
	if in.State != storage.IntentRetryScheduled || in.NextDelay != time.Second || !in.NextAttemptAt.Equal(t0.Add(time.Second)) {
		t.Fatalf("intent=%+v", in)
	}
}

func TestRestartReclaimsOrphanedAttempt(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	srv, _ := statusServer(t, 200)
	_, id := seed(t, st, srv.URL, 0)

	// a previous process claimed the intent and died
	claimed, err := st.ClaimIntents(ctx, storage.Claim{Owner: "crashed", Now: t0, Limit: 1, LeaseTTL: time.Second})
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim=%v err=%v", claimed, err)
	}

	clock := &fakeClock{t: t0.Add(5 * time.Second)}
	d := newTestDispatcher(st, clock)
	r, err := d.Reclaim(ctx)
	if err != nil || len(r.Retried) != 1 {
		t.Fatalf("reclaim=%+v err=%v", r, err)
	}
	if n, err := d.ProcessDue(ctx); err != nil || n != 1 {
		t.Fatalf("process n=%d err=%v", n, err)
	}

	in, _ := st.GetIntent(ctx, id)
	if in.State != storage.IntentSuccess || in.Attempts != 2 {
		t.Fatalf("intent=%+v", in)
	}
	atts, _ := st.ListAttempts(ctx, id)
	if len(atts) != 2 || atts[0].Outcome != storage.OutcomeAbandoned || atts[1].Outcome != storage.OutcomeSuccess {
		t.Fatalf("attempts=%+v", atts)
	}
	list, _ := st.ListIntents(ctx, storage.IntentFilter{JobID: "job"})
	if len(list) != 1 {
		t.Fatalf("intents=%d; reclaim must not duplicate", len(list))
	}
}

func TestHeartbeatKeepsLease(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	_, id := seed(t, st, "https://example.com", 0)

	started := make(chan struct{})
	slow := delivererFunc(func(ctx context.Context, d relay.Delivery) relay.Result {
		close(started)
		select {
		case <-time.After(300 * time.Millisecond):
		case <-ctx.Done():
		}
		return relay.Result{Outcome: storage.OutcomeSuccess, StatusCode: 200}
	})
	d := New(Config{Enabled: true, Workers: 1, LeaseTTL: 90 * time.Millisecond, Owner: "hb"}, st, slow)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := d.ProcessDue(ctx); err != nil {
			t.Errorf("process: %v", err)
		}
	}()
	<-started
	time.Sleep(200 * time.Millisecond)
	r, err := st.ReclaimExpired(ctx, time.Now())
	if err != nil || r.Total() != 0 {
		t.Fatalf("lease expired despite heartbeat: %+v err=%v", r, err)
	}
	<-done

	in, _ := st.GetIntent(ctx, id)
	if in.State != storage.IntentSuccess {
		t.Fatalf("intent=%+v", in)
	}
}

func TestStartDeliversAndStops(t *testing.T) {
	t.Parallel()

	st := storage.NewMemory()
	srv, _ := statusServer(t, 200)
	_, id := seed(t, st, srv.URL, 0)

	d := New(Config{
		Enabled:      true,
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		ReapInterval: 20 * time.Millisecond,
		Owner:        "loop",
	}, st, relay.NewClient(relay.Options{}))
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		in, _ := st.GetIntent(context.Background(), id)
		if in.State == storage.IntentSuccess {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("not delivered: %+v", in)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)
	if s := d.Status(); s.Running || s.Succeeded != 1 {
		t.Fatalf("status=%+v", s)
	}
}

func TestUnstartedClaimIsReleasedOnStop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st := storage.NewMemory()
	srv, hits := statusServer(t, 200)
	_, id := seed(t, st, srv.URL, 1)
	clock := &fakeClock{t: t0}
	d := newTestDispatcher(st, clock)

	// the claim sits in the work queue when the workers exit
	claimed, err := d.claim(ctx, d.config(), 1)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claimed=%d err=%v", len(claimed), err)
	}
	work := make(chan storage.Claimed, 1)
	work <- claimed[0]
	if n := d.releaseUnstarted(work); n != 1 {
		t.Fatalf("released=%d", n)
	}
	if got := d.Status().InFlight; got != 0 {
		t.Fatalf("in_flight=%d", got)
	}

	in, err := st.GetIntent(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if in.State != storage.IntentPending || in.Attempts != 0 || in.LeaseToken != "" || in.LastAttemptAt != nil {
		t.Fatalf("released intent=%+v", in)
	}
	if atts, _ := st.ListAttempts(ctx, id); len(atts) != 0 {
		t.Fatalf("attempt rows=%+v", atts)
	}

	// a restart reclaims nothing and the single allowed attempt is still available
	clock.Advance(2 * time.Minute)
	if r, err := d.Reclaim(ctx); err != nil || r.Total() != 0 {
		t.Fatalf("reclaimed=%+v err=%v", r, err)
	}
	drain(t, d, clock, 1)
	in, _ = st.GetIntent(ctx, id)
	if in.State != storage.IntentSuccess || in.Attempts != 1 || atomic.LoadInt32(hits) != 1 {
		t.Fatalf("intent=%+v hits=%d", in, atomic.LoadInt32(hits))
	}
}
