package config

import (
	"fmt"
	"strings"
	"time"
)

// Durations holds every duration setting of a Config after parsing.
//
// Zero means "use the component default" except where a field documents its
// own default below.
type Durations struct {
	StorageBusyTimeout time.Duration // default 1s
	StorageSlowQuery   time.Duration // default 1s

	SchedulerPoll        time.Duration
	SchedulerTickTimeout time.Duration

	DispatcherPoll   time.Duration
	LeaseTTL         time.Duration
	RequestTimeout   time.Duration
	RetryBase        time.Duration
	RetryMaxDelay    time.Duration
	ReapInterval     time.Duration
	StoreRetryStart  time.Duration
	StoreRetryMax    time.Duration
	StoreRetryBudget time.Duration
	BreakerOpenFor   time.Duration

	APIRead  time.Duration
	APIWrite time.Duration
	APIIdle  time.Duration

	AlertRetryBase     time.Duration
	AlertRetryMaxDelay time.Duration
	AlertDedupWindow   time.Duration // default 10m
}

// durationField binds one config path to its slot in Durations.
type durationField struct {
	path string
	raw  string
	dst  *time.Duration
	def  time.Duration
	// min rejects values that would spin a loop; 0 means any non-negative value
	min time.Duration
}

func (c *Config) durationFields(d *Durations) []durationField {
	fields := []durationField{
		{"storage.busy_timeout", c.Storage.BusyTimeout, &d.StorageBusyTimeout, time.Second, 0},
		{"storage.slow_query", c.Storage.SlowQuery, &d.StorageSlowQuery, time.Second, 0},

		{"scheduler.poll_interval", c.Scheduler.PollInterval, &d.SchedulerPoll, 0, 10 * time.Millisecond},
		{"scheduler.tick_timeout", c.Scheduler.TickTimeout, &d.SchedulerTickTimeout, 0, 0},

		{"dispatcher.poll_interval", c.Dispatcher.PollInterval, &d.DispatcherPoll, 0, 10 * time.Millisecond},
		{"dispatcher.lease_ttl", c.Dispatcher.LeaseTTL, &d.LeaseTTL, 0, time.Second},
		{"dispatcher.request_timeout", c.Dispatcher.RequestTimeout, &d.RequestTimeout, 0, 0},
		{"dispatcher.retry_base", c.Dispatcher.RetryBase, &d.RetryBase, 0, 0},
		{"dispatcher.retry_max_delay", c.Dispatcher.RetryMaxDelay, &d.RetryMaxDelay, 0, 0},
		{"dispatcher.reap_interval", c.Dispatcher.ReapInterval, &d.ReapInterval, 0, 100 * time.Millisecond},

		{"resilience.retry_initial", c.Resilience.RetryInitial, &d.StoreRetryStart, 0, 0},
		{"resilience.retry_max_interval", c.Resilience.RetryMaxInterval, &d.StoreRetryMax, 0, 0},
		{"resilience.retry_max_elapsed", c.Resilience.RetryMaxElapsed, &d.StoreRetryBudget, 0, 0},
		{"resilience.breaker_open_timeout", c.Resilience.BreakerOpenTimeout, &d.BreakerOpenFor, 0, 0},

		{"api.read_timeout", c.API.ReadTimeout, &d.APIRead, 0, 0},
		{"api.write_timeout", c.API.WriteTimeout, &d.APIWrite, 0, 0},
		{"api.idle_timeout", c.API.IdleTimeout, &d.APIIdle, 0, 0},
	}
	if a := c.Alerts; a != nil {
		fields = append(fields,
			durationField{"alerts.retry_base", a.RetryBase, &d.AlertRetryBase, 0, 0},
			durationField{"alerts.retry_max_delay", a.RetryMaxDelay, &d.AlertRetryMaxDelay, 0, 0},
			durationField{"alerts.dedup_window", a.DedupWindow, &d.AlertDedupWindow, 10 * time.Minute, 0},
		)
	} else {
		d.AlertDedupWindow = 10 * time.Minute
	}
	return fields
}

// ParseDurations parses every duration setting and reports all invalid
// ones, each prefixed with its config path.
func (c *Config) ParseDurations() (Durations, []error) {
	var (
		d    Durations
		errs []error
	)
	for _, f := range c.durationFields(&d) {
		v, err := parseDuration(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*f.dst = v
	}
	if d.RetryBase > 0 && d.RetryMaxDelay > 0 && d.RetryMaxDelay < d.RetryBase {
		errs = append(errs, fmt.Errorf("dispatcher.retry_max_delay (%s) must be >= dispatcher.retry_base (%s)", d.RetryMaxDelay, d.RetryBase))
	}
	if d.AlertRetryBase > 0 && d.AlertRetryMaxDelay > 0 && d.AlertRetryMaxDelay < d.AlertRetryBase {
		errs = append(errs, fmt.Errorf("alerts.retry_max_delay (%s) must be >= alerts.retry_base (%s)", d.AlertRetryMaxDelay, d.AlertRetryBase))
	}
	return d, errs
}

func parseDuration(f durationField) (time.Duration, error) {
	s := strings.TrimSpace(f.raw)
	if s == "" {
		return f.def, nil
	}
	v, err := time.ParseDuration(s)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q (use Go syntax like \"500ms\" or \"1m\")", f.path, f.raw)
	case v < 0:
		return 0, fmt.Errorf("%s: must not be negative", f.path)
	case v == 0:
		return f.def, nil
	case f.min > 0 && v < f.min:
		return 0, fmt.Errorf("%s: %s is below the minimum %s", f.path, v, f.min)
	}
	return v, nil
}
