package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment overrides understood on top of the config file.
const (
	EnvHTTPPort               = "HTTP_PORT"
	EnvMetricsPort            = "METRICS_PORT"
	EnvDatabaseURL            = "DATABASE_URL"
	EnvDatabaseMaxConnections = "DATABASE_MAX_CONNECTIONS"
	EnvReapInterval           = "REAP_INTERVAL" // seconds
)

// ApplyEnv overlays environment variables onto cfg. Empty values are ignored.
//
// DATABASE_URL switches the storage driver to postgres.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil || lookup == nil {
		return nil
	}
	get := func(k string) string {
		v, ok := lookup(k)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if v := get(EnvHTTPPort); v != "" {
		port, err := parsePort(EnvHTTPPort, v)
		if err != nil {
			return err
		}
		cfg.API.Addr = ":" + port
	}
	if v := get(EnvMetricsPort); v != "" {
		port, err := parsePort(EnvMetricsPort, v)
		if err != nil {
			return err
		}
		cfg.Observability.Addr = ":" + port
	}
	if v := get(EnvDatabaseURL); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}
	if v := get(EnvDatabaseMaxConnections); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid value %q", EnvDatabaseMaxConnections, v)
		}
		cfg.Storage.MaxConnections = n
	}
	if v := get(EnvReapInterval); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: invalid seconds %q", EnvReapInterval, v)
		}
		cfg.Dispatcher.ReapInterval = fmt.Sprintf("%ds", n)
	}
	return nil
}

func parsePort(key, v string) (string, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("%s: invalid port %q", key, v)
	}
	return strconv.Itoa(n), nil
}
