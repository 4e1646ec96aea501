package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"cronrelay/internal/alert"
	"cronrelay/internal/config"
	"cronrelay/internal/httpserver"
	"cronrelay/internal/jobs"
	"cronrelay/internal/relay"
	"cronrelay/internal/storage"
	"cronrelay/internal/task/dispatcher"
	"cronrelay/internal/task/scheduler"
	logx "cronrelay/pkg/logx"
)

// Every map* function turns a config section into a component config,
// applying defaults. They double as the reload validator, so a bad hot
// reload is rejected before anything is applied.

func durations(cfg *config.Config) (config.Durations, error) {
	d, errs := cfg.ParseDurations()
	return d, errors.Join(errs...)
}

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	d, err := durations(cfg)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if (driver == "sqlite" || driver == "sqlite3") && strings.TrimSpace(sc.Path) == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
	}
	return storage.Config{
		Driver:         driver,
		Path:           strings.TrimSpace(sc.Path),
		DSN:            strings.TrimSpace(sc.DSN),
		MaxConnections: sc.MaxConnections,
		BusyTimeout:    d.StorageBusyTimeout,
		SlowQuery:      d.StorageSlowQuery,
	}, nil
}

func mapResilience(cfg *config.Config) (storage.ResilientConfig, error) {
	d, err := durations(cfg)
	if err != nil {
		return storage.ResilientConfig{}, err
	}
	return storage.ResilientConfig{
		RetryInitial:       d.StoreRetryStart,
		RetryMaxInterval:   d.StoreRetryMax,
		RetryMaxElapsed:    d.StoreRetryBudget,
		BreakerFailures:    cfg.Resilience.BreakerFailures,
		BreakerOpenTimeout: d.BreakerOpenFor,
	}, nil
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	loc, err := mapLocation(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	d, err := durations(cfg)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      sc.Enabled,
		Location:     loc,
		PollInterval: d.SchedulerPoll,
		TickTimeout:  d.SchedulerTickTimeout,
		BatchSize:    sc.BatchSize,
		CatchUp:      scheduler.ParseCatchUpPolicy(sc.CatchUp.Policy),
		MaxCatchUp:   sc.CatchUp.Max,
		MaxAttempts:  cfg.Dispatcher.MaxAttempts,
	}, nil
}

func mapDispatcher(cfg *config.Config) (dispatcher.Config, error) {
	dc := cfg.Dispatcher
	d, err := durations(cfg)
	if err != nil {
		return dispatcher.Config{}, err
	}
	jitter := dc.RetryJitter
	if jitter == 0 {
		jitter = 0.2
	}
	return dispatcher.Config{
		Enabled:      dc.Enabled,
		Workers:      dc.Workers,
		MaxAttempts:  dc.MaxAttempts,
		PollInterval: d.DispatcherPoll,
		LeaseTTL:     d.LeaseTTL,
		ReapInterval: d.ReapInterval,
		Retry:        relay.Policy{Base: d.RetryBase, Max: d.RetryMaxDelay, Jitter: jitter},
	}, nil
}

func mapRelay(cfg *config.Config, log logx.Logger) (relay.Options, error) {
	d, err := durations(cfg)
	if err != nil {
		return relay.Options{}, err
	}
	return relay.Options{
		Timeout:             d.RequestTimeout,
		UserAgent:           cfg.Dispatcher.UserAgent,
		MaxIdleConnsPerHost: cfg.Dispatcher.Workers,
		Log:                 log,
	}, nil
}

// mapAlerts defaults to the log sink only when the section is omitted.
func mapAlerts(cfg *config.Config) (alert.Config, error) {
	a := cfg.Alerts
	if a == nil {
		return alert.Config{Enabled: true, DedupWindow: 10 * time.Minute}, nil
	}
	d, err := durations(cfg)
	if err != nil {
		return alert.Config{}, err
	}
	return alert.Config{
		Enabled:         a.Enabled,
		Workers:         a.Workers,
		QueueSize:       a.QueueSize,
		RatePerSec:      a.RatePerSec,
		RetryMax:        a.RetryMax,
		RetryBase:       d.AlertRetryBase,
		RetryMaxDelay:   d.AlertRetryMaxDelay,
		DedupWindow:     d.AlertDedupWindow,
		DedupMaxEntries: a.DedupMaxEntries,
	}, nil
}

func mapAPIServer(cfg *config.Config) (httpserver.Config, error) {
	d, err := durations(cfg)
	if err != nil {
		return httpserver.Config{}, err
	}
	addr := strings.TrimSpace(cfg.API.Addr)
	if addr == "" {
		addr = ":8080"
	}
	return httpserver.Config{
		Name:         "api",
		Addr:         addr,
		ReadTimeout:  d.APIRead,
		WriteTimeout: d.APIWrite,
		IdleTimeout:  d.APIIdle,
	}, nil
}

func mapObservabilityServer(cfg *config.Config) httpserver.Config {
	addr := strings.TrimSpace(cfg.Observability.Addr)
	if addr == "" {
		addr = ":5001"
	}
	// profiles can run for 30s+
	return httpserver.Config{Name: "observability", Addr: addr, WriteTimeout: 2 * time.Minute}
}

func mapSeedJobs(cfg *config.Config) []jobs.Spec {
	out := make([]jobs.Spec, 0, len(cfg.Jobs))
	for _, j := range cfg.Jobs {
		enabled := !j.Disabled
		out = append(out, jobs.Spec{
			ID:       strings.TrimSpace(j.ID),
			Name:     j.Name,
			Schedule: j.Schedule,
			Timezone: j.Timezone,
			Target: storage.Target{
				URL:     j.URL,
				Method:  j.Method,
				Headers: j.Headers,
				Body:    j.Body,
			},
			MaxAttempts: j.MaxAttempts,
			Enabled:     &enabled,
		})
	}
	return out
}

// validate maps every section once; used as the reload validator.
func validate(cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapResilience(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapDispatcher(cfg); err != nil {
		return err
	}
	if _, err := mapRelay(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapAlerts(cfg); err != nil {
		return err
	}
	if _, err := mapAPIServer(cfg); err != nil {
		return err
	}
	loc, _ := mapLocation(cfg)
	for _, sp := range mapSeedJobs(cfg) {
		if err := jobs.ValidateSpec(sp, loc); err != nil {
			return fmt.Errorf("jobs[%s]: %w", sp.ID, err)
		}
	}
	return nil
}
