package scheduler

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"clusterkit/internal/eventbus"
	"clusterkit/internal/metrics"
	rtsup "clusterkit/internal/runtime/supervisor"
	"clusterkit/internal/task/engine"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log     logx.Logger
	cfg     Config
	loc     *time.Location
	bus     eventbus.Bus
	metrics metrics.Sink
	node    string

	engine  *engine.Service
	factory *trigger.Factory

	tasks map[string]*task
	beans map[string]Bean

	sup     *rtsup.Supervisor
	onError ErrorHandler
	now     func() time.Time

	// Error throttling: key is task name.
	errMu       sync.Mutex
	lastErrWarn map[string]time.Time
}

func New(cfg Config, factory *trigger.Factory, eng *engine.Service, log logx.Logger, bus eventbus.Bus, sink metrics.Sink) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	node := strings.TrimSpace(cfg.NodeID)
	if node == "" {
		node = defaultNodeID()
	}
	s := &Service{
		cfg:         cfg,
		log:         log.With(logx.Comp("scheduler"), logx.String("node", node)),
		bus:         bus,
		metrics:     metrics.OrNoop(sink),
		node:        node,
		engine:      eng,
		factory:     factory,
		tasks:       map[string]*task{},
		beans:       map[string]Bean{},
		now:         time.Now,
		lastErrWarn: map[string]time.Time{},
	}
	s.loc = s.loadLocationLocked()
	return s
}

func defaultNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Enabled reports the current config flag. (Thread-safe; Apply() may run concurrently.)
func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) NodeID() string { return s.node }

func (s *Service) nodeID() string { return s.node }

func (s *Service) config() Config {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	return cfg
}

// SetErrorHandler replaces the handler for failed task bodies. nil restores
// the default.
func (s *Service) SetErrorHandler(h ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

// Apply swaps the config. A timezone change rebuilds cron tasks; disabling
// stops the loops.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	cfg.NodeID = s.cfg.NodeID
	s.cfg = cfg
	stop := !cfg.Enabled && s.sup != nil

	if oldTZ != newTZ {
		s.loc = s.loadLocationLocked()
		// Cron policies capture the location; rebuild and re-attach them.
		for name, t := range s.tasks {
			if t.kind != kindCron {
				continue
			}
			ps, err := ParseSchedule(t.spec)
			if err != nil {
				continue
			}
			nt := s.newTask(name, ps, t.timeout, t.opt, t.job)
			s.detachLocked(t)
			s.tasks[name] = nt
			if s.sup != nil {
				s.attachLocked(nt)
			}
		}
		s.log.Info("timezone changed", logx.String("tz", s.loc.String()))
	}
	s.mu.Unlock()

	if stop {
		s.Stop(context.Background())
	}
}

// Start attaches every registered task and restores dynamic tasks from the
// store.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || !s.cfg.Enabled {
		s.log.Debug("start skipped", logx.Bool("enabled", s.cfg.Enabled), logx.Bool("running", s.sup != nil))
		s.mu.Unlock()
		return
	}
	s.loc = s.loadLocationLocked()
	// Loops outlive the caller's ctx; only Stop ends them.
	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	for _, t := range s.tasks {
		s.attachLocked(t)
	}
	n := len(s.tasks)
	s.mu.Unlock()

	restored, err := s.RestoreDynamic(ctx)
	if err != nil {
		s.log.Warn("restore dynamic tasks failed", logx.Err(err))
	}
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("tasks", n), logx.Int("restored", restored))
}

// Stop detaches all loops. Registrations stay so a later Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	for _, t := range s.tasks {
		if t.cancel != nil {
			t.cancel()
			t.cancel = nil
		}
	}
	s.mu.Unlock()

	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("stop timed out", logx.Err(err))
	}
	s.metrics.TasksAttached(0)
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

// Running reports whether loops are attached.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup != nil
}

func (s *Service) newTask(name string, ps ParsedSpec, timeout time.Duration, opt TaskOptions, job Job) *task {
	delay := time.Duration(0)
	if ps.Kind == SpecInterval || ps.Kind == SpecFixedDelay {
		delay = startupDelay(ps.Every, s.cfg.StartupSpread, name)
	}
	t := &task{
		name:    name,
		kind:    ps.kind(),
		spec:    ps.String(),
		policy:  ps.Policy(s.loc, delay),
		timeout: timeout,
		job:     job,
		opt:     opt,
		acc:     s.factory.Get(name, false),
		state:   &engine.RunState{},
	}
	// attachLocked moves start to the attach instant; until then a manual
	// TriggerNow plans from the registration.
	t.start.Store(s.now().UnixNano())
	return t
}

func (s *Service) newDynamicTask(name string, acc trigger.Accessor) *task {
	t := &task{
		name:  name,
		kind:  kindDynamic,
		spec:  "dynamic",
		opt:   TaskOptions{Overlap: OverlapSkipIfRunning},
		acc:   acc,
		state: &engine.RunState{},
	}
	t.start.Store(s.now().UnixNano())
	return t
}

// attachLocked starts the loop of t. Call with s.mu held and s.sup set.
func (s *Service) attachLocked(t *task) {
	if t.cancel != nil {
		t.cancel()
	}
	t.start.Store(s.now().UnixNano())
	t.finished.Store(false)
	tctx, cancel := context.WithCancel(s.sup.Context())
	t.cancel = cancel

	backoff := s.cfg.ErrorBackoff
	s.sup.GoRestart("task."+t.name, func(context.Context) error {
		return s.runLoop(tctx, t)
	}, rtsup.WithRestartBackoff(backoff/4, backoff*4))

	s.metrics.TasksAttached(s.attachedLocked())
	eventbus.PublishSafe(s.bus, eventbus.ScheduleAttached, map[string]any{"task": t.name, "node": s.node, "spec": t.spec})
	s.log.Debug("task attached", logx.Task(t.name), logx.String("spec", t.spec))
}

// detachLocked stops the loop of t. Call with s.mu held.
func (s *Service) detachLocked(t *task) {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
		eventbus.PublishSafe(s.bus, eventbus.ScheduleDetached, map[string]any{"task": t.name, "node": s.node})
	}
	s.metrics.TasksAttached(s.attachedLocked())
}

func (s *Service) attachedLocked() int {
	n := 0
	for _, t := range s.tasks {
		if t.cancel != nil && !t.finished.Load() {
			n++
		}
	}
	return n
}

// finish records that t will never fire again on this node. Dynamic tasks are
// forgotten; static ones stay visible in snapshots.
func (s *Service) finish(t *task, reason string) {
	t.finished.Store(true)
	s.mu.Lock()
	if cur := s.tasks[t.name]; cur == t {
		if t.dynamic() {
			delete(s.tasks, t.name)
		}
		s.detachLocked(t)
	}
	s.mu.Unlock()
	s.log.Info("task finished", logx.Task(t.name), logx.String("reason", reason))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
