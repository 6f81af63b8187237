package storage

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

var ErrUnknownDriver = errors.New("storage: unknown driver")

// Config configures the trigger context store.
//
// Prefix names the SQL table or the Redis key namespace.
// AutoCreate creates the SQL table on open.
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Redis       RedisConfig
	Prefix      string
	AutoCreate  bool
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

const DefaultPrefix = "trigger_context"

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func (c Config) prefix() string {
	p := strings.TrimSpace(c.Prefix)
	if p == "" {
		return DefaultPrefix
	}
	return p
}

// ValidPrefix reports whether p can be used as an SQL table name.
func ValidPrefix(p string) bool { return p == "" || identRe.MatchString(p) }

// Times are persisted as unix nanoseconds with 0 standing for "never".
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
