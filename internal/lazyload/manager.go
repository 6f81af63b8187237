package lazyload

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"

	"clusterkit/internal/eventbus"
	"clusterkit/internal/metrics"
	rtsup "clusterkit/internal/runtime/supervisor"
	logx "clusterkit/pkg/logx"
)

// DefaultMaxIterations bounds the passes of a Load when the caller does not.
const DefaultMaxIterations = 5

// Result describes a finished Load.
type Result struct {
	Root   any
	Loaded int // entities loaded across all passes
	Passes int // passes whose walk registered at least one entity
}

// PassEvent is published after each pass.
type PassEvent struct {
	Scenario   string `json:"scenario"`
	Pass       int    `json:"pass"`
	Registered int    `json:"registered"`
	Loaded     int    `json:"loaded"`
}

// Manager runs fixpoint loads. It holds no per-load state, so any number of
// loads can run concurrently.
type Manager struct {
	scanners    *Scanners
	log         logx.Logger
	maxIter     int
	sup         *rtsup.Supervisor
	metrics     metrics.Sink
	bus         eventbus.Bus
	loaderLimit int
}

type Option func(*Manager)

func WithLogger(log logx.Logger) Option { return func(m *Manager) { m.log = log } }

// WithMaxIterations sets the default pass cap. n <= 0 keeps the default.
func WithMaxIterations(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxIter = n
		}
	}
}

// WithExecutor runs load stepping on sup instead of bare goroutines.
func WithExecutor(sup *rtsup.Supervisor) Option { return func(m *Manager) { m.sup = sup } }

func WithMetrics(s metrics.Sink) Option { return func(m *Manager) { m.metrics = metrics.OrNoop(s) } }

func WithEventBus(bus eventbus.Bus) Option { return func(m *Manager) { m.bus = bus } }

// WithLoaderConcurrency caps concurrently running loaders per pass.
func WithLoaderConcurrency(n int) Option { return func(m *Manager) { m.loaderLimit = n } }

func NewManager(scanners *Scanners, opts ...Option) *Manager {
	if scanners == nil {
		scanners = NewScanners()
	}
	m := &Manager{
		scanners: scanners,
		log:      logx.Nop(),
		maxIter:  DefaultMaxIterations,
		metrics:  metrics.NoopSink{},
	}
	for _, o := range opts {
		o(m)
	}
	if m.log.IsZero() {
		m.log = logx.Nop()
	}
	m.log = m.log.With(logx.Comp("lazyload"))
	return m
}

func (m *Manager) Scanners() *Scanners { return m.scanners }

// Load resolves root in scenario. Each pass walks the graph, then loads what
// the walk registered; passes repeat while the previous one loaded something,
// up to maxIterations (the manager default when <= 0). Hitting the cap is not
// an error. A failing loader fails the whole load.
//
// A nil root or an empty slice, array or map yields a completed future with
// zero passes.
func (m *Manager) Load(ctx context.Context, scenario string, maxIterations int, root any, args ...any) *Future[Result] {
	if ctx == nil {
		ctx = context.Background()
	}
	if isEmpty(root) {
		return Completed(Result{Root: root})
	}
	if maxIterations <= 0 {
		maxIterations = m.maxIter
	}

	f := NewFuture[Result]()
	reg := NewRegistry(args...)
	reg.SetLimit(m.loaderLimit)
	w := NewWalker(m.scanners, reg, scenario, m.log)

	step := func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("lazyload: panic: %v", r)
				m.log.Error("load panicked", logx.String("scenario", scenario), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				m.metrics.LazyLoadCompleted(scenario, 0, err)
				f.Fail(err)
			}
		}()
		res, err := m.run(ctx, scenario, maxIterations, root, w, reg)
		m.metrics.LazyLoadCompleted(scenario, res.Passes, err)
		eventbus.PublishSafe(m.bus, eventbus.LazyLoadDone, map[string]any{"scenario": scenario, "passes": res.Passes, "loaded": res.Loaded, "ok": err == nil})
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(res)
	}

	if m.sup != nil {
		m.sup.Go0("lazyload."+scenario, func(context.Context) { step() })
	} else {
		go step()
	}
	return f
}

func (m *Manager) run(ctx context.Context, scenario string, maxPasses int, root any, w *Walker, reg *Registry) (Result, error) {
	res := Result{Root: root}
	for res.Passes < maxPasses {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		w.Apply(root)
		registered := reg.Pending()
		if registered == 0 {
			break
		}
		res.Passes++

		n, err := reg.Load(ctx).Get(ctx)
		m.metrics.LazyLoadPass(scenario, registered, n)
		eventbus.PublishSafe(m.bus, eventbus.LazyLoadPass, PassEvent{Scenario: scenario, Pass: res.Passes, Registered: registered, Loaded: n})
		if err != nil {
			m.log.Warn("load pass failed", logx.String("scenario", scenario), logx.Int("pass", res.Passes), logx.Err(err))
			return res, err
		}
		res.Loaded += n
		m.log.Trace("load pass done", logx.String("scenario", scenario), logx.Int("pass", res.Passes), logx.Int("registered", registered), logx.Int("loaded", n))
		if n == 0 {
			break
		}
	}
	return res, nil
}

// Resolve loads root and waits for the result.
func Resolve[T any](ctx context.Context, m *Manager, scenario string, root T, args ...any) (T, error) {
	if _, err := m.Load(ctx, scenario, 0, root, args...).Get(ctx); err != nil {
		var zero T
		return zero, err
	}
	return root, nil
}

func isEmpty(root any) bool {
	if root == nil {
		return true
	}
	v := reflect.ValueOf(root)
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map:
		return v.IsNil() || v.Len() == 0
	case reflect.Array:
		return v.Len() == 0
	}
	return false
}
