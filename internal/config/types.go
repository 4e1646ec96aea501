package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Unknown keys are rejected so typos surface at startup and on reload.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       StorageConfig       `json:"storage"`
	Scheduler     SchedulerConfig     `json:"scheduler"`
	Dispatcher    DispatcherConfig    `json:"dispatcher"`
	Resilience    ResilienceConfig    `json:"resilience,omitempty"`
	API           APIConfig           `json:"api"`
	Observability ObservabilityConfig `json:"observability"`
	Alerts        *AlertsConfig       `json:"alerts,omitempty"`
	Systemd       SystemdConfig       `json:"systemd,omitempty"`

	// Jobs are upserted at startup. Invalid entries abort startup.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence backend.
//
// Example:
//
//	"storage": { "driver": "postgres", "dsn": "postgres://relay@localhost/relay?sslmode=disable" }
//
// Drivers: "memory", "sqlite" (path required), "postgres" (dsn required).
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	DSN    string `json:"dsn,omitempty"` // never logged

	MaxConnections int    `json:"max_connections,omitempty"` // postgres; default 10
	BusyTimeout    string `json:"busy_timeout,omitempty"`    // sqlite; default 1s
	SlowQuery      string `json:"slow_query,omitempty"`      // postgres; default 1s
}

// SchedulerConfig controls the cron tick loop.
//
// Defaults:
//   - poll_interval: "1s"
//   - batch_size: 100
//   - catch_up.policy: "latest"
//   - catch_up.max: 10 (replay only)
type SchedulerConfig struct {
	Enabled      bool          `json:"enabled"`
	Timezone     string        `json:"timezone,omitempty"`
	PollInterval string        `json:"poll_interval,omitempty"`
	TickTimeout  string        `json:"tick_timeout,omitempty"`
	BatchSize    int           `json:"batch_size,omitempty"`
	CatchUp      CatchUpConfig `json:"catch_up,omitempty"`
}

type CatchUpConfig struct {
	Policy string `json:"policy,omitempty"` // "latest" | "replay"
	Max    int    `json:"max,omitempty"`
}

// DispatcherConfig controls webhook delivery.
//
// Defaults:
//   - workers: 8
//   - poll_interval: "500ms"
//   - lease_ttl: "1m"
//   - request_timeout: "10s"
//   - max_attempts: 5
//   - retry_base: "1s", retry_max_delay: "5m", retry_jitter: 0.2
//   - reap_interval: "5s"
type DispatcherConfig struct {
	Enabled        bool    `json:"enabled"`
	Workers        int     `json:"workers,omitempty"`
	PollInterval   string  `json:"poll_interval,omitempty"`
	LeaseTTL       string  `json:"lease_ttl,omitempty"`
	RequestTimeout string  `json:"request_timeout,omitempty"`
	MaxAttempts    int     `json:"max_attempts,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	RetryJitter    float64 `json:"retry_jitter,omitempty"`
	ReapInterval   string  `json:"reap_interval,omitempty"`
	UserAgent      string  `json:"user_agent,omitempty"`
}

// ResilienceConfig bounds store retries and the store circuit breaker.
type ResilienceConfig struct {
	RetryInitial       string `json:"retry_initial,omitempty"`
	RetryMaxInterval   string `json:"retry_max_interval,omitempty"`
	RetryMaxElapsed    string `json:"retry_max_elapsed,omitempty"`
	BreakerFailures    int    `json:"breaker_failures,omitempty"`
	BreakerOpenTimeout string `json:"breaker_open_timeout,omitempty"`
}

// APIConfig controls the management HTTP listener.
//
// Security note:
//   - Set a token when binding to a non-loopback address.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default ":8080"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// ObservabilityConfig controls the metrics/health listener.
type ObservabilityConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default ":5001"
	Pprof       bool   `json:"pprof,omitempty"`
	PprofPrefix string `json:"pprof_prefix,omitempty"` // default "/debug/pprof/"
	Token       string `json:"token,omitempty"`        // guards pprof only
}

// AlertsConfig controls the operator alert pipeline.
//
// If the whole section is omitted, alerts default to enabled with the log sink only.
type AlertsConfig struct {
	Enabled         bool           `json:"enabled"`
	Workers         int            `json:"workers,omitempty"`
	QueueSize       int            `json:"queue_size,omitempty"`
	RatePerSec      int            `json:"rate_per_sec,omitempty"`
	RetryMax        int            `json:"retry_max,omitempty"`
	RetryBase       string         `json:"retry_base,omitempty"`
	RetryMaxDelay   string         `json:"retry_max_delay,omitempty"`
	DedupWindow     string         `json:"dedup_window,omitempty"`
	DedupMaxEntries int            `json:"dedup_max_entries,omitempty"`
	Telegram        TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type SystemdConfig struct {
	Notify bool `json:"notify"`
}

// JobConfig declares a job in the config file.
type JobConfig struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Schedule    string            `json:"schedule"`
	Timezone    string            `json:"timezone,omitempty"`
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        string            `json:"body,omitempty"`
	MaxAttempts int               `json:"max_attempts,omitempty"`
	Disabled    bool              `json:"disabled,omitempty"`
}
