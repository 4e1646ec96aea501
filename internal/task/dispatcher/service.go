package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/observability/metrics"
	rtsup "cronrelay/internal/runtime/supervisor"
	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	client  Deliverer
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand

	sup *rtsup.Supervisor
	// attempts run under their own context so Stop can let them finish
	attemptCtx    context.Context
	attemptCancel context.CancelFunc

	work      chan storage.Claimed
	slotFreed chan struct{}
	reserved  int32

	attempts  uint64
	succeeded uint64
	retried   uint64
	exhausted uint64
	reclaimed uint64

	stMu    sync.Mutex
	backlog storage.Backlog
	lastErr string
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(log logx.Logger) Option     { return func(s *Service) { s.log = log } }

// WithRand fixes the jitter source (tests).
func WithRand(r *rand.Rand) Option { return func(s *Service) { s.rng = r } }

func New(cfg Config, store Store, client Deliverer, opts ...Option) *Service {
	s := &Service{
		cfg:    cfg.withDefaults(),
		store:  store,
		client: client,
		log:    logx.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s.log = s.log.With(logx.String("comp", "dispatcher"))
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the retry policy, ceiling and poll interval at runtime.
// Worker count and lease settings need a restart.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg = cfg.withDefaults()
	s.cfg.Retry = cfg.Retry
	s.cfg.MaxAttempts = cfg.MaxAttempts
	s.cfg.PollInterval = cfg.PollInterval
	s.cfg.ReapInterval = cfg.ReapInterval
}

func (s *Service) Owner() string { return s.config().Owner }

// Start reclaims leases orphaned by a previous run, then launches the
// feeder, the workers and the reaper.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.config()
	if !cfg.Enabled {
		s.log.Info("dispatcher disabled")
		return nil
	}
	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if _, err := s.Reclaim(ctx); err != nil {
		return fmt.Errorf("dispatcher: reclaim: %w", err)
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	actx, acancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.sup = sup
	s.attemptCtx, s.attemptCancel = actx, acancel
	s.work = make(chan storage.Claimed, cfg.Workers)
	s.slotFreed = make(chan struct{}, 1)
	atomic.StoreInt32(&s.reserved, 0)
	work := s.work
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("dispatcher.worker.%d", i), func(c context.Context) error {
			return s.worker(c, actx, work)
		})
	}
	sup.GoRestart("dispatcher.feeder", func(c context.Context) error {
		return s.feeder(c, work)
	}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	sup.GoRestart("dispatcher.reaper", s.reaper, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	s.log.Info("dispatcher started",
		logx.String("owner", cfg.Owner),
		logx.Int("workers", cfg.Workers),
		logx.Duration("lease_ttl", cfg.LeaseTTL),
		logx.Duration("poll", cfg.PollInterval),
	)
	return nil
}

// Stop stops claiming and waits for in-flight attempts. When ctx expires
// first, in-flight requests are aborted and recorded as retryable. Claims
// no worker picked up are released without spending an attempt.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	acancel := s.attemptCancel
	work := s.work
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}

	start := time.Now()
	err := sup.Stop(ctx)
	if err != nil && ctx.Err() != nil {
		s.log.Warn("dispatcher stop timed out; aborting in-flight attempts", logx.Int("in_flight", int(atomic.LoadInt32(&s.reserved))))
		acancel()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = sup.Wait(wctx)
		cancel()
	}
	acancel()
	if n := s.releaseUnstarted(work); n > 0 {
		s.log.Info("unstarted claims released", logx.Int("count", n))
	}
	s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) releaseUnstarted(work chan storage.Claimed) int {
	n := 0
	for {
		select {
		case c := <-work:
			s.release(c)
			n++
		default:
			return n
		}
	}
}

// release hands a claim back before any request was sent for it.
func (s *Service) release(c storage.Claimed) {
	atomic.AddInt32(&s.reserved, -1)
	ctx, cancel := context.WithTimeout(context.Background(), finishTimeout)
	defer cancel()
	err := s.store.ReleaseClaim(ctx, c.Intent.ID, c.Intent.LeaseToken, s.now())
	if err != nil && !errors.Is(err, storage.ErrLeaseLost) {
		s.metrics.StoreError("release_claim")
		s.log.Warn("release claim failed; the reaper will reclaim it",
			logx.String("delivery_id", c.Intent.ID), logx.Err(err))
	}
}

func (s *Service) feeder(ctx context.Context, work chan<- storage.Claimed) error {
	for {
		cfg := s.config()
		free := cfg.Workers - int(atomic.LoadInt32(&s.reserved))
		full := free <= 0
		if free > 0 {
			claimed, err := s.claim(ctx, cfg, free)
			if err != nil && ctx.Err() == nil {
				s.setErr(err)
				s.log.Warn("claim failed", logx.Err(err))
			}
			for i, c := range claimed {
				select {
				case work <- c:
				case <-ctx.Done():
					for _, rest := range claimed[i:] {
						s.release(rest)
					}
					return ctx.Err()
				}
			}
			full = len(claimed) == free
		}

		// with every slot used more may be due: claim again once a worker frees up
		var freed <-chan struct{}
		if full {
			freed = s.slotFreed
		}
		t := time.NewTimer(cfg.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-freed:
			t.Stop()
		case <-t.C:
		}
	}
}

func (s *Service) claim(ctx context.Context, cfg Config, limit int) ([]storage.Claimed, error) {
	atomic.AddInt32(&s.reserved, int32(limit))
	claimed, err := s.store.ClaimIntents(ctx, storage.Claim{
		Owner:    cfg.Owner,
		Now:      s.now(),
		Limit:    limit,
		LeaseTTL: cfg.LeaseTTL,
	})
	// give back the slots that were not filled
	atomic.AddInt32(&s.reserved, -int32(limit-len(claimed)))
	if err != nil {
		s.metrics.StoreError("claim_intents")
		return nil, err
	}
	s.metrics.IntentsDispatched(len(claimed))
	return claimed, nil
}

func (s *Service) worker(ctx, actx context.Context, work <-chan storage.Claimed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case c := <-work:
			s.execute(actx, c)
			atomic.AddInt32(&s.reserved, -1)
			select {
			case s.slotFreed <- struct{}{}:
			default:
			}
		}
	}
}

func (s *Service) reaper(ctx context.Context) error {
	for {
		cfg := s.config()
		t := time.NewTimer(cfg.ReapInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if _, err := s.Reclaim(ctx); err != nil && ctx.Err() == nil {
			s.setErr(err)
			s.log.Warn("reclaim failed", logx.Err(err))
		}
		if _, err := s.SampleBacklog(ctx); err != nil && ctx.Err() == nil {
			s.log.Debug("backlog sample failed", logx.Err(err))
		}
	}
}

// Reclaim returns expired leases to the queue (or exhausts them when the
// ceiling is reached).
func (s *Service) Reclaim(ctx context.Context) (storage.Reclaimed, error) {
	r, err := s.store.ReclaimExpired(ctx, s.now())
	if err != nil {
		s.metrics.StoreError("reclaim_expired")
		return r, err
	}
	if r.Total() == 0 {
		return r, nil
	}
	atomic.AddUint64(&s.reclaimed, uint64(r.Total()))
	s.metrics.Reclaimed(r)
	s.log.Warn("expired leases reclaimed",
		logx.Int("retried", len(r.Retried)),
		logx.Int("exhausted", len(r.Exhausted)),
	)
	for _, id := range r.Exhausted {
		atomic.AddUint64(&s.exhausted, 1)
		s.publish(eventbus.DeliveryExhausted, eventbus.DeliveryData{IntentID: id, Error: "lease expired on the final attempt"})
	}
	return r, nil
}

// SampleBacklog refreshes the backlog gauges.
func (s *Service) SampleBacklog(ctx context.Context) (storage.Backlog, error) {
	b, err := s.store.Backlog(ctx, s.now())
	if err != nil {
		s.metrics.StoreError("backlog")
		return b, err
	}
	s.metrics.Backlog(b)
	s.stMu.Lock()
	s.backlog = b
	s.stMu.Unlock()
	return b, nil
}

// ProcessDue claims up to Workers due intents and runs them inline, one
// after another. It returns how many attempts were made.
func (s *Service) ProcessDue(ctx context.Context) (int, error) {
	cfg := s.config()
	claimed, err := s.claim(ctx, cfg, cfg.Workers)
	if err != nil {
		return 0, err
	}
	for _, c := range claimed {
		s.execute(ctx, c)
		atomic.AddInt32(&s.reserved, -1)
	}
	return len(claimed), nil
}

func (s *Service) delay(retry int, hint time.Duration) time.Duration {
	p := s.config().Retry
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return p.Delay(retry, hint, s.rng)
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

func (s *Service) setErr(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	s.stMu.Lock()
	s.lastErr = err.Error()
	s.stMu.Unlock()
}

func (s *Service) Status() Status {
	cfg := s.config()
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()
	s.stMu.Lock()
	b, lastErr := s.backlog, s.lastErr
	s.stMu.Unlock()
	return Status{
		Enabled:   cfg.Enabled,
		Running:   running,
		Owner:     cfg.Owner,
		Workers:   cfg.Workers,
		InFlight:  int(atomic.LoadInt32(&s.reserved)),
		Attempts:  atomic.LoadUint64(&s.attempts),
		Succeeded: atomic.LoadUint64(&s.succeeded),
		Retried:   atomic.LoadUint64(&s.retried),
		Exhausted: atomic.LoadUint64(&s.exhausted),
		Reclaimed: atomic.LoadUint64(&s.reclaimed),
		Backlog:   b,
		LastError: lastErr,
	}
}
