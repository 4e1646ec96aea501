// Package app wires configuration, storage, the scheduler, the dispatcher
// and the HTTP surfaces into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cronrelay/internal/alert"
	"cronrelay/internal/alert/telegram"
	"cronrelay/internal/api"
	"cronrelay/internal/config"
	"cronrelay/internal/eventbus"
	"cronrelay/internal/httpserver"
	"cronrelay/internal/jobs"
	"cronrelay/internal/observability"
	"cronrelay/internal/observability/metrics"
	"cronrelay/internal/relay"
	"cronrelay/internal/runtime/sdnotify"
	rtsup "cronrelay/internal/runtime/supervisor"
	"cronrelay/internal/storage"
	"cronrelay/internal/task/dispatcher"
	"cronrelay/internal/task/scheduler"
	logx "cronrelay/pkg/logx"
)

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager
	sup     *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   *storage.Resilient

	jobs   *jobs.Service
	sched  *scheduler.Service
	disp   *dispatcher.Service
	alerts *alert.Service

	api *httpserver.Server
	obs *httpserver.Server
	sd  *sdnotify.Notifier
}

// New loads the config, opens the store and upserts the configured jobs.
// Configuration problems are returned as *config.ConfigError.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, &config.ConfigError{Path: cfgPath, Err: err}
	}

	logSvc, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(nil),
	}

	sc, _ := mapStorage(cfg)
	inner, err := storage.Open(ctx, sc, root)
	if err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	rc, _ := mapResilience(cfg)
	rc.OnStateChange = func(from, to string) {
		a.metrics.BreakerState(to)
		a.bus.Publish(eventbus.Event{Type: eventbus.StorageBreaker, Data: eventbus.BreakerData{From: from, To: to}})
	}
	rc.OnError = func(op string, _ error) { a.metrics.StoreError(op) }
	a.store = storage.NewResilient(inner, rc, root)
	log.Info("storage ready", logx.String("driver", sc.Driver))

	loc, _ := mapLocation(cfg)
	a.jobs = jobs.NewService(a.store, jobs.Options{Location: loc, Log: root})
	if err := a.seedJobs(ctx, cfg); err != nil {
		_ = a.store.Close()
		logSvc.Close()
		return nil, err
	}

	schedCfg, _ := mapScheduler(cfg)
	a.sched = scheduler.New(schedCfg, a.store,
		scheduler.WithBus(a.bus),
		scheduler.WithMetrics(a.metrics),
		scheduler.WithLogger(root),
	)

	relayOpts, _ := mapRelay(cfg, root)
	dispCfg, _ := mapDispatcher(cfg)
	a.disp = dispatcher.New(dispCfg, a.store, relay.NewClient(relayOpts),
		dispatcher.WithBus(a.bus),
		dispatcher.WithMetrics(a.metrics),
		dispatcher.WithLogger(root),
	)

	alertCfg, _ := mapAlerts(cfg)
	sinks, err := buildSinks(cfg, root)
	if err != nil {
		_ = a.store.Close()
		logSvc.Close()
		return nil, &config.ConfigError{Path: cfgPath, Err: err}
	}
	a.alerts = alert.New(alertCfg, sinks, a.bus, root)

	if cfg.API.Enabled {
		hc, _ := mapAPIServer(cfg)
		if !httpserver.IsLoopbackAddr(hc.Addr) && strings.TrimSpace(cfg.API.Token) == "" {
			log.Warn("api listens beyond loopback without a token", logx.String("addr", hc.Addr))
		}
		a.api = httpserver.New(hc, api.New(a.jobs, api.Options{Token: cfg.API.Token, Log: root}), root)
	}
	if oc := cfg.Observability; oc.Enabled {
		if oc.Pprof && !httpserver.IsLoopbackAddr(oc.Addr) && strings.TrimSpace(oc.Token) == "" {
			log.Warn("pprof exposed beyond loopback without a token", logx.String("addr", oc.Addr))
		}
		a.obs = httpserver.New(mapObservabilityServer(cfg), observability.Handler(observability.Options{
			Metrics:     a.metrics,
			Ready:       a.ready,
			Status:      a.status,
			Pprof:       oc.Pprof,
			PprofPrefix: oc.PprofPrefix,
			Token:       oc.Token,
		}), root)
	}
	if cfg.Systemd.Notify {
		a.sd = sdnotify.New(a.store.Health, root)
	}
	return a, nil
}

func (a *App) seedJobs(ctx context.Context, cfg *config.Config) error {
	var created, updated int
	for _, sp := range mapSeedJobs(cfg) {
		cur, err := a.jobs.Get(ctx, sp.ID)
		existed := err == nil
		if err != nil && !errors.Is(err, storage.ErrJobNotFound) {
			return fmt.Errorf("seed job %s: %w", sp.ID, err)
		}
		_, changed, err := a.jobs.Upsert(ctx, sp)
		if err != nil {
			var (
				se *jobs.ScheduleError
				ce *jobs.ConfigurationError
			)
			if errors.As(err, &se) || errors.As(err, &ce) {
				return &config.ConfigError{Path: a.cfgPath, Err: err}
			}
			return fmt.Errorf("seed job %s: %w", sp.ID, err)
		}
		switch {
		case !existed:
			created++
		case changed:
			updated++
			a.log.Debug("seed job updated", logx.String("job_id", cur.ID))
		}
	}
	if len(cfg.Jobs) > 0 {
		a.log.Info("seed jobs applied", logx.Int("declared", len(cfg.Jobs)), logx.Int("created", created), logx.Int("updated", updated))
	}
	return nil
}

func buildSinks(cfg *config.Config, log logx.Logger) ([]alert.Sink, error) {
	sinks := []alert.Sink{alert.LogSink{Log: log.With(logx.String("comp", "alert"))}}
	if cfg.Alerts == nil || !cfg.Alerts.Telegram.Enabled {
		return sinks, nil
	}
	tc := cfg.Alerts.Telegram
	tg, err := telegram.New(telegram.Config{Token: tc.Token, ChatID: tc.ChatID, ThreadID: tc.ThreadID})
	if err != nil {
		return nil, err
	}
	return append(sinks, tg), nil
}

// Done is closed when the app supervisor stops (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) ready(ctx context.Context) error {
	if err := a.store.Health(); err != nil {
		return err
	}
	return a.store.Ping(ctx)
}

func (a *App) status() any {
	out := map[string]any{
		"scheduler":  a.sched.Status(),
		"dispatcher": a.disp.Status(),
		"store":      a.store.State(),
	}
	if h := a.alerts.Snapshot(); len(h) > 0 {
		out["alerts"] = h[max(0, len(h)-10):]
	}
	if a.sup != nil {
		out["tasks"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.alerts.Start(runCtx)
	if err := a.disp.Start(runCtx); err != nil {
		return err
	}
	if err := a.sched.Start(runCtx); err != nil {
		return err
	}
	if a.api != nil {
		a.api.Start(runCtx)
	}
	if a.obs != nil {
		a.obs.Start(runCtx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
		return nil
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if a.sd != nil {
		a.sd.Ready()
		a.sd.Status("running")
		a.sd.Watch(a.sup)
	}
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	last := a.cfgm.Get()
	for {
		var next *config.Config
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			next = cfg
		}
		// coalesce bursts; only the newest config matters
	drain:
		for {
			select {
			case newer := <-sub:
				if newer != nil {
					next = newer
				}
			default:
				break drain
			}
		}
		a.apply(ctx, last, next)
		last = next
	}
}

// apply pushes the live-reloadable sections. The reload validator already
// mapped every section, so mapping errors cannot happen here.
func (a *App) apply(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogging(cfg))

	schedCfg, _ := mapScheduler(cfg)
	wasSched := a.sched.Status().Running
	a.sched.Apply(schedCfg)
	switch {
	case wasSched && !schedCfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasSched && schedCfg.Enabled:
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler start failed", logx.Err(err))
		}
	}

	dispCfg, _ := mapDispatcher(cfg)
	wasDisp := a.disp.Status().Running
	a.disp.Apply(dispCfg)
	switch {
	case wasDisp && !dispCfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		a.disp.Stop(stopCtx)
		cancel()
	case !wasDisp && dispCfg.Enabled:
		if err := a.disp.Start(ctx); err != nil {
			a.log.Warn("dispatcher start failed", logx.Err(err))
		}
	}

	alertCfg, _ := mapAlerts(cfg)
	wasAlerts := a.alerts.Enabled()
	if sinks, err := buildSinks(cfg, a.log); err != nil {
		a.log.Warn("alert sinks unchanged", logx.Err(err))
	} else {
		a.alerts.SetSinks(sinks)
	}
	a.alerts.Apply(alertCfg)
	switch {
	case wasAlerts && !alertCfg.Enabled:
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !wasAlerts && alertCfg.Enabled:
		a.alerts.Start(ctx)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stuck component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sd != nil {
		a.sd.Stopping()
	}

	step := func(name string, limit time.Duration, fn func(context.Context)) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			limit = min(limit, time.Until(dl))
		}
		if limit <= 0 {
			a.log.Warn("stop step skipped: deadline reached", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, limit)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("panic in stop step", logx.String("name", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// intake first, then producers, then the consumers that drain them
	step("api", 3*time.Second, func(c context.Context) {
		if a.api != nil {
			a.api.Stop(c)
		}
	})
	step("scheduler", 5*time.Second, a.sched.Stop)
	step("dispatcher", 15*time.Second, a.disp.Stop)
	step("alerts", 2*time.Second, a.alerts.Stop)
	step("observability", 2*time.Second, func(c context.Context) {
		if a.obs != nil {
			a.obs.Stop(c)
		}
	})
	step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Stop(c) })
	step("storage", 2*time.Second, func(context.Context) {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	})

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
