package config

import (
	"reflect"
	"strings"

	logx "cronrelay/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Secrets (DSN, tokens) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", strings.TrimSpace(newCfg.Storage.DSN) != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", newCfg.Scheduler.Timezone),
			logx.String("scheduler.catch_up", newCfg.Scheduler.CatchUp.Policy),
		)
	}
	if !reflect.DeepEqual(oldCfg.Dispatcher, newCfg.Dispatcher) {
		changed = append(changed, "dispatcher")
		attrs = append(attrs,
			logx.Bool("dispatcher.enabled", newCfg.Dispatcher.Enabled),
			logx.Int("dispatcher.workers", newCfg.Dispatcher.Workers),
			logx.Int("dispatcher.max_attempts", newCfg.Dispatcher.MaxAttempts),
		)
	}
	if !reflect.DeepEqual(oldCfg.Resilience, newCfg.Resilience) {
		changed = append(changed, "resilience")
	}
	if !sameAPI(oldCfg.API, newCfg.API) {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.token_set", newCfg.API.Token != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Observability, newCfg.Observability) {
		changed = append(changed, "observability")
		attrs = append(attrs,
			logx.String("observability.addr", newCfg.Observability.Addr),
			logx.Bool("observability.pprof", newCfg.Observability.Pprof),
		)
	}
	if !reflect.DeepEqual(oldCfg.Alerts, newCfg.Alerts) {
		changed = append(changed, "alerts")
		if newCfg.Alerts != nil {
			attrs = append(attrs,
				logx.Bool("alerts.enabled", newCfg.Alerts.Enabled),
				logx.Bool("alerts.telegram", newCfg.Alerts.Telegram.Enabled),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Jobs, newCfg.Jobs) {
		changed = append(changed, "jobs")
		attrs = append(attrs, logx.Int("jobs.count", len(newCfg.Jobs)))
	}
	return changed, attrs
}

func sameAPI(a, b APIConfig) bool {
	return a == b
}

// RestartRequired reports sections whose changes only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "resilience", "api", "observability", "jobs":
			out = append(out, s)
		}
	}
	return out
}
