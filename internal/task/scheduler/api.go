package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"clusterkit/internal/eventbus"
	"clusterkit/internal/task/engine"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

var (
	ErrUnknownBean = errors.New("scheduler: unknown bean")
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrStaticTask  = errors.New("scheduler: static task")
	ErrNameTaken   = errors.New("scheduler: task name taken by a dynamic task")
)

// AddSchedule parses schedule and registers a static task.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "0 */10 * * * *", "@hourly", "cron:55 * * * *"
//   - Interval: "55m", "00:50", "@every 55m", "every:2h30m"
//   - Fixed delay: "delay:30s"
//   - One-shot: "once:2026-01-02T15:04:05Z"
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) (string, error) {
	// Scheduled jobs skip a firing while the previous one is still running.
	return s.AddScheduleOpt(name, schedule, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddScheduleOpt is AddSchedule with task options.
func (s *Service) AddScheduleOpt(name, schedule string, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return "", err
	}
	return s.addStatic(name, ps, timeout, opt, job)
}

// AddBean registers a static task whose body is the named bean run with a
// fixed argument. The bean is looked up at each firing, so it may be
// registered after the task.
func (s *Service) AddBean(name, schedule string, timeout time.Duration, bean string, arg []byte) (string, error) {
	bean = strings.TrimSpace(bean)
	if bean == "" {
		return "", errors.New("bean required")
	}
	arg = slices.Clone(arg)
	return s.AddSchedule(name, schedule, timeout, func(ctx context.Context) error {
		s.mu.Lock()
		b := s.beans[bean]
		s.mu.Unlock()
		if b == nil {
			return engine.NoRetry(fmt.Errorf("%w: %q (task %q)", ErrUnknownBean, bean, name))
		}
		f, _ := FiringFromContext(ctx)
		f.Arg = arg
		return b.Run(ctx, f)
	})
}

func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	ps, err := parseCron(spec)
	if err != nil {
		return "", err
	}
	return s.addStatic(name, ps, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be > 0")
	}
	ps := ParsedSpec{Kind: SpecInterval, Every: every}
	return s.addStatic(name, ps, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddFixedDelay runs job every after the previous run completed.
func (s *Service) AddFixedDelay(name string, every time.Duration, timeout time.Duration, job Job) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("delay must be > 0")
	}
	ps := ParsedSpec{Kind: SpecFixedDelay, Every: every}
	return s.addStatic(name, ps, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

// AddOnce runs job a single time at at, once across the cluster. A task that
// already fired in an earlier process lifetime does not fire again.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	if at.IsZero() {
		return "", errors.New("at required")
	}
	ps := ParsedSpec{Kind: SpecOnce, At: at}
	return s.addStatic(name, ps, timeout, TaskOptions{}, job)
}

// AddDaily runs job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name string, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, job)
}

// AddWeekly runs job at HH:MM on weekday (scheduler timezone).
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), timeout, job)
}

func (s *Service) addStatic(name string, ps ParsedSpec, timeout time.Duration, opt TaskOptions, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("name required")
	}
	if job == nil {
		return "", errors.New("job required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so hot reloads and repeated registrations replace the
	// previous definition.
	if old, ok := s.tasks[name]; ok {
		if old.dynamic() {
			return "", fmt.Errorf("%w: %s", ErrNameTaken, name)
		}
		s.detachLocked(old)
	}
	t := s.newTask(name, ps, timeout, opt, job)
	s.tasks[name] = t
	if s.sup != nil {
		s.attachLocked(t)
	}
	s.log.Debug("schedule registered", logx.Task(name), logx.String("spec", t.spec), logx.Duration("timeout", timeout))
	return name, nil
}

// Remove detaches the named task on this node. The stored context is left
// alone so other nodes keep firing it. It returns true if something was removed.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	s.mu.Lock()
	t, ok := s.tasks[name]
	if ok {
		s.detachLocked(t)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	if ok {
		s.log.Debug("schedule removed", logx.Task(name))
	}
	return ok
}

// RegisterBean makes b available to dynamic tasks under name. Registering the
// same name again replaces the bean.
func (s *Service) RegisterBean(name string, b Bean) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("bean name required")
	}
	if b == nil {
		return errors.New("bean required")
	}
	s.mu.Lock()
	s.beans[name] = b
	s.mu.Unlock()
	return nil
}

// Beans returns the registered bean names.
func (s *Service) Beans() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.beans))
	for n := range s.beans {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// ScheduleDynamic creates a dynamic task in the store and attaches it. The
// first firing is due at first (now when zero) and then every period; a zero
// period fires once. Creating a name that already exists anywhere in the
// cluster fails with trigger.ErrDuplicatedTask.
func (s *Service) ScheduleDynamic(ctx context.Context, name string, period time.Duration, first time.Time, bean string, arg any) error {
	name = strings.TrimSpace(name)
	bean = strings.TrimSpace(bean)
	s.mu.Lock()
	_, known := s.beans[bean]
	cur, exists := s.tasks[name]
	s.mu.Unlock()
	if !known {
		return fmt.Errorf("%w: %q", ErrUnknownBean, bean)
	}
	if exists && !cur.dynamic() {
		return fmt.Errorf("%w: %s", ErrStaticTask, name)
	}
	if first.IsZero() {
		first = s.now()
	}

	acc, err := s.factory.CreateDynamic(ctx, name, period, first.Add(-period), bean, arg)
	if err != nil {
		return err
	}
	s.adoptDynamic(acc)
	s.log.Info("dynamic task scheduled", logx.Task(name), logx.String("bean", bean), logx.Duration("period", period), logx.Time("first", first))
	return nil
}

// CancelDynamic marks a dynamic task cancelled for the whole cluster and
// detaches it here. Other nodes stop at their next claim.
func (s *Service) CancelDynamic(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if ok && !t.dynamic() {
		return fmt.Errorf("%w: %s", ErrStaticTask, name)
	}
	if err := s.factory.Cancel(ctx, name); err != nil {
		return err
	}

	s.mu.Lock()
	if t, ok := s.tasks[name]; ok && t.dynamic() {
		s.detachLocked(t)
		delete(s.tasks, name)
	}
	s.mu.Unlock()
	eventbus.PublishSafe(s.bus, eventbus.ScheduleCancelled, map[string]any{"task": name, "node": s.node})
	s.log.Info("dynamic task cancelled", logx.Task(name))
	return nil
}

// RestoreDynamic attaches every live dynamic task found in the store that is
// not attached yet. It returns how many were added.
func (s *Service) RestoreDynamic(ctx context.Context) (int, error) {
	names, err := s.factory.AllDynamic(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, name := range names {
		if s.adoptDynamic(s.factory.Get(name, true)) {
			n++
		}
	}
	return n, nil
}

func (s *Service) adoptDynamic(acc trigger.Accessor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[acc.Name()]; ok {
		return false
	}
	t := s.newDynamicTask(acc.Name(), acc)
	s.tasks[t.name] = t
	if s.sup != nil {
		s.attachLocked(t)
	}
	return true
}

// TriggerNow claims and fires the named task right away if a firing is due.
// It reports whether this node won the claim.
func (s *Service) TriggerNow(ctx context.Context, name string) (bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[strings.TrimSpace(name)]
	s.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	r := s.claim(ctx, t, nil)
	s.noteClaim(t, r)
	switch r.outcome {
	case claimWon:
		s.fire(ctx, t, r)
		return true, nil
	case claimError:
		return false, r.err
	case claimFinished:
		s.finish(t, "completed")
	}
	return false, nil
}

func parseHHMM(s string) (hour int, minute int, err error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h, m, nil
}
