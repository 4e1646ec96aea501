package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"cronrelay/internal/eventbus"
	"cronrelay/internal/jobs"
	"cronrelay/internal/observability/metrics"
	rtsup "cronrelay/internal/runtime/supervisor"
	"cronrelay/internal/storage"
	logx "cronrelay/pkg/logx"
)

// intentNamespace derives delivery ids from (job id, fire time), so every
// scheduler instance names an occurrence the same way.
var intentNamespace = uuid.MustParse("6f1c8a52-3d0e-4b7e-9f55-2a7c1d9e4b10")

// IntentID is the delivery id of one occurrence of a job.
func IntentID(jobID string, fireAt time.Time) string {
	key := jobID + "|" + fireAt.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
	return uuid.NewSHA1(intentNamespace, []byte(key)).String()
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	store   Store
	log     logx.Logger
	bus     eventbus.Bus
	metrics *metrics.Metrics
	now     func() time.Time

	sup *rtsup.Supervisor

	ticks     uint64
	lastMu    sync.Mutex
	lastTick  *TickReport
	lastErr   string
	enabledAt int

	// store failure warnings, throttled per job
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type Option func(*Service)

func WithBus(b eventbus.Bus) Option         { return func(s *Service) { s.bus = b } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithLogger(log logx.Logger) Option     { return func(s *Service) { s.log = log } }

func New(cfg Config, store Store, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		log:      logx.Nop(),
		now:      time.Now,
		lastWarn: map[string]time.Time{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With(logx.String("comp", "scheduler"))
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps tunables at runtime. The poll loop picks them up on its next
// iteration.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

// Start counts enabled jobs and launches the poll loop under parent's
// lifetime. Start is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) error {
	cfg := s.config()
	if !cfg.Enabled {
		s.log.Info("scheduler disabled")
		return nil
	}

	s.mu.Lock()
	if s.sup != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	enabled := true
	list, err := s.store.ListJobs(ctx, storage.JobFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("scheduler: list jobs: %w", err)
	}

	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.mu.Lock()
	s.sup = sup
	s.mu.Unlock()
	s.lastMu.Lock()
	s.enabledAt = len(list)
	s.lastMu.Unlock()

	sup.GoRestart("scheduler.loop", s.run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	s.log.Info("scheduler started",
		logx.Int("enabled_jobs", len(list)),
		logx.String("tz", cfg.Location.String()),
		logx.String("catch_up", string(cfg.CatchUp)),
		logx.Duration("poll", cfg.PollInterval),
	)
	return nil
}

// Stop cancels the loop and waits for the running tick to finish.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	start := time.Now()
	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler stop", logx.Err(err))
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) run(ctx context.Context) error {
	for {
		cfg := s.config()
		tctx, cancel := context.WithTimeout(ctx, cfg.TickTimeout)
		rep, err := s.Tick(tctx, s.now())
		cancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.log.Warn("tick failed", logx.Err(err))
		}

		// a full batch means more jobs are waiting: tick again right away
		wait := cfg.PollInterval
		if err == nil && (rep.Due >= cfg.BatchSize || rep.Initialized >= cfg.BatchSize) && rep.Fired+rep.Initialized > 0 {
			wait = 0
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one scheduling pass at now. It is safe to call concurrently
// from several processes against the same store.
func (s *Service) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	cfg := s.config()
	start := time.Now()
	now = now.UTC()
	rep := TickReport{Now: now}

	err := s.initSchedules(ctx, cfg, now, &rep)
	if err == nil {
		err = s.fireDue(ctx, cfg, now, &rep)
	}

	rep.Took = time.Since(start)
	s.metrics.Tick(rep.Took)
	atomic.AddUint64(&s.ticks, 1)
	s.lastMu.Lock()
	r := rep
	s.lastTick = &r
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.lastMu.Unlock()

	if rep.Fired > 0 || rep.Disabled > 0 || rep.Failed > 0 {
		s.log.Debug("tick",
			logx.Int("fired", rep.Fired),
			logx.Int("created", rep.Created),
			logx.Int("duplicates", rep.Duplicates),
			logx.Int("disabled", rep.Disabled),
			logx.Int("failed", rep.Failed),
			logx.Duration("took", rep.Took),
		)
	}
	return rep, err
}

func (s *Service) initSchedules(ctx context.Context, cfg Config, now time.Time, rep *TickReport) error {
	list, err := s.store.UnscheduledJobs(ctx, cfg.BatchSize)
	if err != nil {
		s.metrics.StoreError("unscheduled_jobs")
		return fmt.Errorf("unscheduled jobs: %w", err)
	}
	for _, j := range list {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		sched, err := jobs.ParseSchedule(j.Schedule, j.Timezone, cfg.Location)
		if err != nil {
			s.disable(ctx, j.ID, err, now, rep)
			continue
		}
		next, ok := sched.Next(now)
		if !ok {
			s.disable(ctx, j.ID, &jobs.ScheduleError{JobID: j.ID, Expr: j.Schedule, Err: errors.New("no future occurrence")}, now, rep)
			continue
		}
		set, err := s.store.InitSchedule(ctx, j.ID, next)
		if err != nil {
			if errors.Is(err, storage.ErrJobNotFound) {
				continue
			}
			rep.Failed++
			s.storeFailed(j.ID, "init_schedule", err)
			continue
		}
		if set {
			rep.Initialized++
			s.log.Debug("schedule initialized", logx.String("job_id", j.ID), logx.Time("next_fire_at", next))
		}
	}
	return nil
}

func (s *Service) fireDue(ctx context.Context, cfg Config, now time.Time, rep *TickReport) error {
	due, err := s.store.DueJobs(ctx, now, cfg.BatchSize)
	if err != nil {
		s.metrics.StoreError("due_jobs")
		return fmt.Errorf("due jobs: %w", err)
	}
	rep.Due = len(due)
	for _, j := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.fireJob(ctx, cfg, j, now, rep)
	}
	return nil
}

func (s *Service) fireJob(ctx context.Context, cfg Config, j storage.Job, now time.Time, rep *TickReport) {
	if j.NextFireAt == nil {
		return
	}
	cursor := *j.NextFireAt

	sched, err := jobs.ParseSchedule(j.Schedule, j.Timezone, cfg.Location)
	if err != nil {
		s.disable(ctx, j.ID, err, now, rep)
		return
	}

	plan := planFires(sched, cursor, now, cfg.CatchUp, cfg.MaxCatchUp)
	maxAttempts := j.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = cfg.MaxAttempts
	}

	intents := make([]storage.NewIntent, 0, len(plan.fires))
	for _, at := range plan.fires {
		id := IntentID(j.ID, at)
		req, err := jobs.Render(j.Target, jobs.RenderContext{
			JobID:       j.ID,
			JobName:     j.Name,
			DeliveryID:  id,
			FireAt:      at,
			ScheduledAt: now,
		})
		if err != nil {
			s.disable(ctx, j.ID, err, now, rep)
			return
		}
		intents = append(intents, storage.NewIntent{ID: id, FireAt: at, Request: req, MaxAttempts: maxAttempts})
	}

	f := storage.Fire{
		JobID:        j.ID,
		ExpectedNext: cursor,
		LastFireAt:   plan.fires[len(plan.fires)-1],
		NextFireAt:   plan.next,
		Intents:      intents,
		Now:          now,
	}
	if plan.next == nil {
		f.DisableReason = "schedule has no future occurrence"
	}

	res, err := s.store.FireJob(ctx, f)
	switch {
	case errors.Is(err, storage.ErrStaleSchedule), errors.Is(err, storage.ErrJobNotFound):
		// another scheduler or an operator got there first
		rep.Stale++
		s.log.Debug("fire skipped: schedule moved", logx.String("job_id", j.ID), logx.Time("expected", cursor))
		return
	case err != nil:
		rep.Failed++
		s.storeFailed(j.ID, "fire_job", err)
		return
	}

	rep.Fired++
	rep.Created += res.Created
	rep.Duplicates += res.Duplicates
	rep.Skipped += plan.skipped
	s.metrics.JobFired(res.Created, res.Duplicates)

	fields := []logx.Field{
		logx.String("job_id", j.ID),
		logx.Time("fire_at", f.LastFireAt),
		logx.Int("intents", res.Created),
		logx.TimePtr("next_fire_at", plan.next),
	}
	if plan.skipped > 0 {
		fields = append(fields, logx.Int("skipped", plan.skipped))
	}
	s.log.Info("job fired", fields...)
	s.publish(eventbus.JobFired, eventbus.JobFiredData{JobID: j.ID, FireAt: f.LastFireAt, Created: res.Created, Disabled: res.Disabled})

	if res.Disabled {
		rep.Disabled++
		serr := &jobs.ScheduleError{JobID: j.ID, Expr: j.Schedule, Err: errors.New("no future occurrence")}
		s.metrics.ScheduleError("schedule")
		s.log.Error("job disabled", logx.String("job_id", j.ID), logx.Err(serr))
		s.publish(eventbus.JobDisabled, eventbus.JobDisabledData{JobID: j.ID, Reason: f.DisableReason, Kind: "schedule"})
	}
}

// disable turns a job off after a schedule or configuration error. The
// job keeps its definition so an operator can fix and re-enable it.
func (s *Service) disable(ctx context.Context, id string, cause error, now time.Time, rep *TickReport) {
	kind := errorKind(cause)
	s.metrics.ScheduleError(kind)
	if err := s.store.DisableJob(ctx, id, cause.Error(), now); err != nil {
		if errors.Is(err, storage.ErrJobNotFound) {
			return
		}
		rep.Failed++
		s.storeFailed(id, "disable_job", err)
		return
	}
	rep.Disabled++
	s.log.Error("job disabled", logx.String("job_id", id), logx.String("kind", kind), logx.Err(cause))
	s.publish(eventbus.JobDisabled, eventbus.JobDisabledData{JobID: id, Reason: cause.Error(), Kind: kind})
}

func errorKind(err error) string {
	var ce *jobs.ConfigurationError
	if errors.As(err, &ce) {
		return "configuration"
	}
	return "schedule"
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
}

// Status reports loop state and the last tick.
func (s *Service) Status() Status {
	cfg := s.config()
	s.mu.Lock()
	running := s.sup != nil
	s.mu.Unlock()

	st := Status{
		Enabled:  cfg.Enabled,
		Running:  running,
		Timezone: cfg.Location.String(),
		CatchUp:  cfg.CatchUp,
		Ticks:    atomic.LoadUint64(&s.ticks),
	}
	s.lastMu.Lock()
	if s.lastTick != nil {
		r := *s.lastTick
		st.LastTick = &r
	}
	st.LastError = s.lastErr
	st.EnabledJobs = s.enabledAt
	s.lastMu.Unlock()
	return st
}
