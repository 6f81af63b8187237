package config

import "encoding/json"

type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Store      StoreConfig      `json:"store"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	LazyLoad   LazyLoadConfig   `json:"lazyload"`
	Metrics    MetricsConfig    `json:"metrics"`
	Tasks      []TaskConfig     `json:"tasks,omitempty" validate:"dive"`
}

type LoggingConfig struct {
	Level   string `json:"level" validate:"loglevel"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
	Alerts AlertsConfig `json:"alerts"`
}

// AlertsConfig forwards records at or above MinLevel to the event bus as
// log.alert events.
type AlertsConfig struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"loglevel"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

type StoreConfig struct {
	Driver string      `json:"driver" validate:"omitempty,oneof=memory mem file sqlite sqlite3 postgres postgresql pg redis"`
	Path   string      `json:"path,omitempty"`
	DSN    string      `json:"dsn,omitempty"`
	Redis  RedisConfig `json:"redis"`
	Prefix string      `json:"prefix,omitempty"`
	// AutoCreate creates the backing table on open. nil means true.
	AutoCreate  *bool  `json:"auto_create,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db" validate:"gte=0"`
}

type SchedulerConfig struct {
	Enabled       bool   `json:"enabled"`
	Timezone      string `json:"timezone"`
	NodeID        string `json:"node_id,omitempty"`
	ClaimRetries  int    `json:"claim_retries" validate:"gte=0"`
	ErrorBackoff  string `json:"error_backoff,omitempty"`
	StartupSpread bool   `json:"startup_spread"`
}

type TaskEngineConfig struct {
	// Enabled defaults to scheduler.enabled when omitted.
	Enabled             *bool  `json:"enabled,omitempty"`
	Workers             int    `json:"workers" validate:"gte=0"`
	QueueSize           int    `json:"queue_size" validate:"gte=0"`
	DefaultTimeout      string `json:"default_timeout,omitempty"`
	MaxQueueDelay       string `json:"max_queue_delay,omitempty"`
	HistorySize         int    `json:"history_size" validate:"gte=0"`
	RetryMax            int    `json:"retry_max" validate:"gte=-1"`
	CircuitTripFailures int    `json:"circuit_trip_failures" validate:"gte=-1"`
	CircuitOpenFor      string `json:"circuit_open_for,omitempty"`
}

type LazyLoadConfig struct {
	MaxIterations        int `json:"max_iterations" validate:"gte=0"`
	MaxLoaderConcurrency int `json:"max_loader_concurrency" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Path    string `json:"path,omitempty" validate:"omitempty,startswith=/"`

	// Pprof mounts /debug/pprof/ on the metrics listener. Non-loopback
	// addresses need AllowInsecure.
	Pprof                bool `json:"pprof"`
	AllowInsecure        bool `json:"allow_insecure"`
	BlockProfileRate     int  `json:"block_profile_rate" validate:"gte=0"`
	MutexProfileFraction int  `json:"mutex_profile_fraction" validate:"gte=0"`
}

// TaskConfig declares a static task that runs a registered bean with a
// fixed argument.
type TaskConfig struct {
	Name     string          `json:"name" validate:"required"`
	Schedule string          `json:"schedule" validate:"required"`
	Timeout  string          `json:"timeout,omitempty"`
	Bean     string          `json:"bean" validate:"required"`
	Arg      json.RawMessage `json:"arg,omitempty"`
}

func (c StoreConfig) AutoCreateEnabled() bool {
	return c.AutoCreate == nil || *c.AutoCreate
}
