package logx

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Alert is a decoded log record forwarded by the alert sink.
type Alert struct {
	Level   string
	Message string
	Fields  map[string]any
}

// AlertFunc receives alerts. It must not block; the app publishes them on the event bus.
type AlertFunc func(a Alert)

type alertSink struct {
	mu       sync.Mutex
	fn       AlertFunc
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

func newAlertSink() *alertSink {
	return &alertSink{
		limiter:  rate.NewLimiter(1, 1),
		minLevel: zerolog.WarnLevel,
	}
}

func (w *alertSink) configure(cfg AlertsConfig) {
	rps := max(1, cfg.RatePerSec)
	w.mu.Lock()
	w.minLevel = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	w.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	w.mu.Unlock()
}

func (w *alertSink) setFunc(fn AlertFunc) {
	w.mu.Lock()
	w.fn = fn
	w.mu.Unlock()
}

func (w *alertSink) Write(p []byte) (int, error) {
	return w.WriteLevel(zerolog.InfoLevel, p)
}

func (w *alertSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	w.mu.Lock()
	fn := w.fn
	lim := w.limiter
	minLevel := w.minLevel
	w.mu.Unlock()

	if fn == nil || level < minLevel {
		return len(p), nil
	}
	if lim != nil && !lim.Allow() {
		return len(p), nil
	}
	fn(decodeAlert(level, p))
	return len(p), nil
}

func decodeAlert(level zerolog.Level, p []byte) Alert {
	a := Alert{Level: level.String()}
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		a.Message = truncate(strings.TrimSpace(string(p)), 2000)
		return a
	}
	if msg, ok := m[zerolog.MessageFieldName].(string); ok {
		a.Message = msg
	}
	delete(m, zerolog.MessageFieldName)
	delete(m, zerolog.LevelFieldName)
	delete(m, zerolog.TimestampFieldName)
	if len(m) > 0 {
		a.Fields = m
	}
	return a
}

func truncate(s string, maxN int) string {
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	if maxN < 10 {
		return s[:maxN]
	}
	return s[:maxN-3] + "..."
}
