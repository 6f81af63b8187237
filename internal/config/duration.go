package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDurationField parses a config duration. Empty means zero and a bare
// integer is read as seconds, so "30" and "30s" are the same.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(n) * time.Second
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0, got %q", path, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def standing in for an
// empty or zero value.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

type durationField struct{ path, raw string }

// durationFields lists every free-form duration in cfg by its config path.
func durationFields(cfg *Config) []durationField {
	out := []durationField{
		{"store.busy_timeout", cfg.Store.BusyTimeout},
		{"scheduler.error_backoff", cfg.Scheduler.ErrorBackoff},
		{"task_engine.default_timeout", cfg.TaskEngine.DefaultTimeout},
		{"task_engine.max_queue_delay", cfg.TaskEngine.MaxQueueDelay},
		{"task_engine.circuit_open_for", cfg.TaskEngine.CircuitOpenFor},
	}
	for i, tc := range cfg.Tasks {
		out = append(out, durationField{fmt.Sprintf("tasks[%d].timeout", i), tc.Timeout})
	}
	return out
}
