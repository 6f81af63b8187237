package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"
	defaultLogFile    = "./clusterkit.log"
)

type Config struct {
	Level   string
	Console bool
	File    FileConfig
	Alerts  AlertsConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// AlertsConfig controls the alert sink: records at or above MinLevel are
// forwarded to the installed AlertFunc, at most RatePerSec per second.
type AlertsConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

// Service owns the log outputs and swaps them on Apply. Loggers handed out
// before an Apply pick up the new outputs on their next record.
type Service struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	alerts   *alertSink

	root atomic.Pointer[zerolog.Logger]
}

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
}

// New applies cfg and returns the service with its root logger.
func New(cfg Config) (*Service, Logger) {
	s := &Service{alerts: newAlertSink()}
	s.Apply(cfg)
	return s, Logger{svc: s}
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

// SetAlertFunc installs the alert destination. nil disables delivery.
func (s *Service) SetAlertFunc(fn AlertFunc) {
	s.alerts.setFunc(fn)
}

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nop := zerolog.Nop()
	s.root.Store(&nop)
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file, s.filePath = nil, ""
	return err
}

// Apply rebuilds the outputs for cfg. The log file is kept open when its
// path did not change. Console output goes to stderr so command output on
// stdout stays clean.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts.configure(cfg.Alerts)

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, newConsoleWriter(Stderr()))
	}

	if cfg.File.Enabled {
		path := strings.TrimSpace(cfg.File.Path)
		if path == "" {
			path = defaultLogFile
		}
		if path != s.filePath {
			_ = s.closeFileLocked()
			f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				fmt.Fprintf(Stderr(), "logx: open %q: %v\n", path, err)
			} else {
				s.file, s.filePath = f, path
			}
		}
		if s.file != nil {
			writers = append(writers, zerolog.SyncWriter(s.file))
		}
	} else {
		_ = s.closeFileLocked()
	}

	if cfg.Alerts.Enabled {
		writers = append(writers, s.alerts)
	}
	if len(writers) == 0 || (len(writers) == 1 && cfg.Alerts.Enabled) {
		writers = append(writers, newConsoleWriter(Stderr()))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:          w,
		TimeFormat:   consoleTimeFormat,
		FormatCaller: func(i any) string { s, _ := i.(string); return s },
	}
}

// Stderr is the console sink.
func Stderr() io.Writer { return os.Stderr }
