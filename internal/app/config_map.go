package app

import (
	"strings"
	"time"

	"clusterkit/internal/config"
	"clusterkit/internal/storage"
	"clusterkit/internal/task/engine"
	"clusterkit/internal/task/scheduler"
	logx "clusterkit/pkg/logx"
)

// defaultStartupSpread is the jitter window used when scheduler.startup_spread
// is on.
const defaultStartupSpread = 30 * time.Second

func mapLogConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alerts: logx.AlertsConfig{
			Enabled:    lc.Alerts.Enabled,
			MinLevel:   lc.Alerts.MinLevel,
			RatePerSec: lc.Alerts.RatePerSec,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver: strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:   strings.TrimSpace(sc.Path),
		DSN:    strings.TrimSpace(sc.DSN),
		Redis: storage.RedisConfig{
			Addr:     strings.TrimSpace(sc.Redis.Addr),
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		},
		Prefix:      strings.TrimSpace(sc.Prefix),
		AutoCreate:  sc.AutoCreateEnabled(),
		BusyTimeout: busy,
	}, nil
}

// mapEngineConfig leaves zero values for engine.New to default. The engine
// follows the scheduler's enabled flag unless task_engine.enabled is set.
func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	te := cfg.TaskEngine
	enabled := cfg.Scheduler.Enabled
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	defTimeout, err := config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	maxQueueDelay, err := config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay)
	if err != nil {
		return engine.Config{}, err
	}
	openFor, err := config.ParseDurationField("task_engine.circuit_open_for", te.CircuitOpenFor)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Enabled:             enabled,
		Workers:             te.Workers,
		QueueSize:           te.QueueSize,
		DefaultTimeout:      defTimeout,
		MaxQueueDelay:       maxQueueDelay,
		HistorySize:         te.HistorySize,
		RetryMax:            te.RetryMax,
		CircuitTripFailures: te.CircuitTripFailures,
		CircuitOpenFor:      openFor,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	backoff, err := config.ParseDurationField("scheduler.error_backoff", sc.ErrorBackoff)
	if err != nil {
		return scheduler.Config{}, err
	}
	var spread time.Duration
	if sc.StartupSpread {
		spread = defaultStartupSpread
	}
	return scheduler.Config{
		Enabled:       sc.Enabled,
		Timezone:      strings.TrimSpace(sc.Timezone),
		NodeID:        strings.TrimSpace(sc.NodeID),
		ClaimRetries:  sc.ClaimRetries,
		ErrorBackoff:  backoff,
		StartupSpread: spread,
	}, nil
}
