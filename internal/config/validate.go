package config

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"clusterkit/internal/storage"
	"clusterkit/internal/task/scheduler"
	logx "clusterkit/pkg/logx"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		_ = v.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
			return logx.ValidLevel(fl.Field().String())
		})
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags first, then the cross-field rules tags cannot
// express: durations, the timezone, store driver requirements and task
// schedules.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%s: failed %q check", trimNamespace(fe.Namespace()), fe.Tag())
		}
		return err
	}

	for _, d := range durationFields(cfg) {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if cfg.Scheduler.Enabled && cfg.TaskEngine.Enabled != nil && !*cfg.TaskEngine.Enabled {
		return errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if cfg.Metrics.Enabled && strings.TrimSpace(cfg.Metrics.Addr) == "" {
		return errors.New("metrics.addr is required when metrics.enabled is true")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Pprof && !cfg.Metrics.AllowInsecure && !IsLoopbackAddr(cfg.Metrics.Addr) {
		return fmt.Errorf("metrics.pprof: binding %q exposes profiles; use a loopback addr or allow_insecure", cfg.Metrics.Addr)
	}
	if err := validateStore(cfg.Store); err != nil {
		return err
	}
	return validateTasks(cfg.Tasks)
}

func validateStore(sc StoreConfig) error {
	if !storage.ValidPrefix(strings.TrimSpace(sc.Prefix)) {
		return fmt.Errorf("store.prefix: invalid identifier %q", sc.Prefix)
	}
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(sc.Path) == "" {
			return fmt.Errorf("store.path is required when store.driver=%s", sc.Driver)
		}
	case "postgres", "postgresql", "pg":
		if strings.TrimSpace(sc.DSN) == "" {
			return fmt.Errorf("store.dsn is required when store.driver=%s", sc.Driver)
		}
	case "redis":
		if strings.TrimSpace(sc.Redis.Addr) == "" {
			return errors.New("store.redis.addr is required when store.driver=redis")
		}
	}
	return nil
}

func validateTasks(tasks []TaskConfig) error {
	seen := make(map[string]struct{}, len(tasks))
	for i, tc := range tasks {
		name := strings.TrimSpace(tc.Name)
		if _, dup := seen[name]; dup {
			return fmt.Errorf("tasks[%d]: duplicate name %q", i, name)
		}
		seen[name] = struct{}{}
		if _, err := scheduler.ParseSchedule(tc.Schedule); err != nil {
			return fmt.Errorf("tasks[%d] (%s): %w", i, name, err)
		}
	}
	return nil
}

// trimNamespace turns "Config.store.redis.db" into "store.redis.db".
func trimNamespace(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// IsLoopbackAddr reports whether a host:port binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
