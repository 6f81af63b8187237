package logx

import (
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

func normalizeLevel(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		return "warn"
	}
	return s
}

func parseLevel(s string, def Level) Level {
	s = normalizeLevel(s)
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl < LevelTrace || lvl > LevelError {
		return def
	}
	return lvl
}

// ValidLevel reports whether s is empty or one of trace, debug, info,
// warn/warning or error.
func ValidLevel(s string) bool {
	s = normalizeLevel(s)
	if s == "" {
		return true
	}
	lvl, err := zerolog.ParseLevel(s)
	return err == nil && lvl >= LevelTrace && lvl <= LevelError
}
