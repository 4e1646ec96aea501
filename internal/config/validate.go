package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	logx "cronrelay/pkg/logx"
)

// Validate performs structural checks that do not depend on runtime defaults,
// including every duration setting and its bounds.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, durErrs := cfg.ParseDurations()
	errs = append(errs, durErrs...)

	if _, err := logx.ParseLevel(cfg.Logging.Level); err != nil {
		add(fmt.Errorf("logging.level: %w", err))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "memory", "sqlite", "sqlite3":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add(errors.New("storage.dsn is required when storage.driver=postgres"))
		}
	default:
		add(fmt.Errorf("storage.driver: unknown %q", cfg.Storage.Driver))
	}
	if cfg.Storage.MaxConnections < 0 {
		add(errors.New("storage.max_connections must be >= 0"))
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err))
		}
	}
	if cfg.Scheduler.BatchSize < 0 {
		add(errors.New("scheduler.batch_size must be >= 0"))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Scheduler.CatchUp.Policy)) {
	case "", "latest", "replay":
	default:
		add(fmt.Errorf("scheduler.catch_up.policy: unknown %q (use latest or replay)", cfg.Scheduler.CatchUp.Policy))
	}
	if cfg.Scheduler.CatchUp.Max < 0 {
		add(errors.New("scheduler.catch_up.max must be >= 0"))
	}

	d := cfg.Dispatcher
	if d.Workers < 0 {
		add(errors.New("dispatcher.workers must be >= 0"))
	}
	if d.MaxAttempts < 0 {
		add(errors.New("dispatcher.max_attempts must be >= 0"))
	}
	if d.RetryJitter < 0 || d.RetryJitter >= 1 {
		add(errors.New("dispatcher.retry_jitter must be in [0, 1)"))
	}

	if cfg.Resilience.BreakerFailures < 0 {
		add(errors.New("resilience.breaker_failures must be >= 0"))
	}

	if a := cfg.Alerts; a != nil {
		if a.Workers < 0 || a.QueueSize < 0 || a.RatePerSec < 0 || a.RetryMax < 0 || a.DedupMaxEntries < 0 {
			add(errors.New("alerts: numeric settings must be >= 0"))
		}
		if a.Telegram.Enabled {
			if strings.TrimSpace(a.Telegram.Token) == "" {
				add(errors.New("alerts.telegram.token is required when alerts.telegram.enabled"))
			}
			if a.Telegram.ChatID == 0 {
				add(errors.New("alerts.telegram.chat_id is required when alerts.telegram.enabled"))
			}
		}
	}

	seen := make(map[string]struct{}, len(cfg.Jobs))
	for i, j := range cfg.Jobs {
		id := strings.TrimSpace(j.ID)
		if id == "" {
			add(fmt.Errorf("jobs[%d].id is required", i))
			continue
		}
		if _, dup := seen[id]; dup {
			add(fmt.Errorf("jobs[%d].id: duplicate %q", i, id))
		}
		seen[id] = struct{}{}
	}

	return errors.Join(errs...)
}
