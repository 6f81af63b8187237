package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// SpecKind describes the normalized kind of a schedule string.
type SpecKind int

const (
	SpecCron SpecKind = iota
	SpecInterval
	SpecFixedDelay
	SpecOnce
)

func (k SpecKind) String() string {
	switch k {
	case SpecCron:
		return "cron"
	case SpecInterval:
		return "interval"
	case SpecFixedDelay:
		return "delay"
	case SpecOnce:
		return "once"
	default:
		return "unknown"
	}
}

// ParsedSpec represents a parsed schedule string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "0 */10 * * * *" (seconds optional), "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces fixed-rate interval parsing
//   - "delay:" selects a fixed delay measured from the previous completion
//   - "once:" takes an RFC3339 instant
type ParsedSpec struct {
	Kind   SpecKind
	Cron   cron.Schedule
	Expr   string
	Every  time.Duration
	At     time.Time
	Source string // "cron" | "duration" | "hhmm" | "rfc3339"
}

// cronParser accepts both 5-field and 6-field (with seconds) specs.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseSchedule parses a schedule string.
func ParseSchedule(raw string) (ParsedSpec, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ParsedSpec{}, fmt.Errorf("schedule required")
	}

	low := strings.ToLower(s)
	switch {
	case strings.HasPrefix(low, "cron:"):
		return parseCron(strings.TrimSpace(s[len("cron:"):]))
	case strings.HasPrefix(low, "interval:"):
		return parseIntervalSpec(SpecInterval, s[len("interval:"):])
	case strings.HasPrefix(low, "every:"):
		return parseIntervalSpec(SpecInterval, s[len("every:"):])
	case strings.HasPrefix(low, "delay:"):
		return parseIntervalSpec(SpecFixedDelay, s[len("delay:"):])
	case strings.HasPrefix(low, "once:"):
		v := strings.TrimSpace(s[len("once:"):])
		at, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return ParsedSpec{}, fmt.Errorf("invalid once instant %q (use RFC3339)", v)
		}
		return ParsedSpec{Kind: SpecOnce, At: at, Source: "rfc3339"}, nil
	}

	// "@every 5m" is a fixed-rate interval; other descriptors and anything
	// with whitespace is cron.
	if strings.HasPrefix(low, "@every") {
		return parseIntervalSpec(SpecInterval, s[len("@every"):])
	}
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return parseCron(s)
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return ParsedSpec{}, err
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return ParsedSpec{}, fmt.Errorf("interval must be > 0")
		}
		return ParsedSpec{Kind: SpecInterval, Every: d, Source: "duration"}, nil
	}

	return ParsedSpec{}, fmt.Errorf(
		"invalid schedule %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '55m')",
		raw,
	)
}

func parseCron(expr string) (ParsedSpec, error) {
	if expr == "" {
		return ParsedSpec{}, fmt.Errorf("cron schedule required")
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid cron %q: %w", expr, err)
	}
	return ParsedSpec{Kind: SpecCron, Cron: sched, Expr: expr, Source: "cron"}, nil
}

func parseIntervalSpec(k SpecKind, v string) (ParsedSpec, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return ParsedSpec{}, fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return ParsedSpec{Kind: k, Every: d, Source: "hhmm"}, err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return ParsedSpec{}, fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '55m'/'2h30m')", v)
	}
	if d <= 0 {
		return ParsedSpec{}, fmt.Errorf("interval must be > 0")
	}
	return ParsedSpec{Kind: k, Every: d, Source: "duration"}, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}

// String renders the spec back in a form ParseSchedule accepts.
func (p ParsedSpec) String() string {
	switch p.Kind {
	case SpecCron:
		return "cron:" + p.Expr
	case SpecInterval:
		return "every:" + p.Every.String()
	case SpecFixedDelay:
		return "delay:" + p.Every.String()
	case SpecOnce:
		return "once:" + p.At.Format(time.RFC3339)
	default:
		return ""
	}
}

// Policy builds the scheduling policy. initialDelay applies to the first run
// of interval and delay specs.
func (p ParsedSpec) Policy(loc *time.Location, initialDelay time.Duration) Policy {
	switch p.Kind {
	case SpecCron:
		return CronPolicy{Schedule: p.Cron, Loc: loc}
	case SpecFixedDelay:
		return FixedDelay{Period: p.Every, InitialDelay: initialDelay}
	case SpecOnce:
		return Once{At: p.At}
	default:
		return FixedRate{Period: p.Every, InitialDelay: initialDelay}
	}
}

func (p ParsedSpec) kind() kind {
	switch p.Kind {
	case SpecCron:
		return kindCron
	case SpecFixedDelay:
		return kindFixedDelay
	case SpecOnce:
		return kindOnce
	default:
		return kindInterval
	}
}
