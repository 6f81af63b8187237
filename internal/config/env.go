package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "CLUSTERKIT"

// envOverrides lists the keys that may be set from the environment, mostly
// secrets and per-node identity that do not belong in a shared file.
type envOverrides struct {
	LogLevel      string `envconfig:"LOG_LEVEL"`
	StoreDriver   string `envconfig:"STORE_DRIVER"`
	StorePath     string `envconfig:"STORE_PATH"`
	StoreDSN      string `envconfig:"STORE_DSN"`
	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	NodeID        string `envconfig:"NODE_ID"`
	Timezone      string `envconfig:"TIMEZONE"`
	MetricsAddr   string `envconfig:"METRICS_ADDR"`
}

// ApplyEnv overlays CLUSTERKIT_* environment variables onto cfg. Unset
// variables leave the file values alone.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Logging.Level, env.LogLevel)
	set(&cfg.Store.Driver, env.StoreDriver)
	set(&cfg.Store.Path, env.StorePath)
	set(&cfg.Store.DSN, env.StoreDSN)
	set(&cfg.Store.Redis.Addr, env.RedisAddr)
	set(&cfg.Store.Redis.Password, env.RedisPassword)
	set(&cfg.Scheduler.NodeID, env.NodeID)
	set(&cfg.Scheduler.Timezone, env.Timezone)
	set(&cfg.Metrics.Addr, env.MetricsAddr)
	return nil
}
