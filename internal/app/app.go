package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clusterkit/internal/config"
	"clusterkit/internal/eventbus"
	"clusterkit/internal/lazyload"
	"clusterkit/internal/metrics"
	"clusterkit/internal/runtime/supervisor"
	"clusterkit/internal/storage"
	"clusterkit/internal/task/engine"
	"clusterkit/internal/task/scheduler"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager

	// cfg is the last applied config. Only the reload loop writes it after
	// Start.
	cfgMu sync.Mutex
	cfg   *config.Config

	sup     *supervisor.Supervisor
	lazySup *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    trigger.Store
	factory  *trigger.Factory
	engine   *engine.Service
	sched    *scheduler.Service
	lazy     *lazyload.Manager
	registry *prometheus.Registry
	metrics  *metrics.PrometheusSink

	metricsAddr atomic.Value

	tasksMu     sync.Mutex
	configTasks map[string]struct{}
}

// New loads the config file and builds every component without starting
// any of them.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

// NewFromConfig builds an app from an already validated config. There is no
// file to watch, so hot reload is off.
func NewFromConfig(cfg *config.Config) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return build(nil, cfg)
}

func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.Comp("app"))
	bus := eventbus.New()
	logSvc.SetAlertFunc(func(al logx.Alert) {
		eventbus.PublishSafe(bus, eventbus.LogAlert, al)
	})

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheusSink(registry, log.With(logx.Comp("metrics")))

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	eng := engine.New(engCfg, log, bus)
	factory := trigger.NewFactory(store, trigger.JSONCodec{}, log.With(logx.Comp("trigger")))
	sched := scheduler.New(schedCfg, factory, eng, log, bus, sink)

	lazySup := supervisor.New(context.Background(), supervisor.WithLogger(log.With(logx.Comp("lazyload"))))
	lazy := lazyload.NewManager(lazyload.NewScanners(),
		lazyload.WithLogger(log),
		lazyload.WithMaxIterations(cfg.LazyLoad.MaxIterations),
		lazyload.WithLoaderConcurrency(cfg.LazyLoad.MaxLoaderConcurrency),
		lazyload.WithExecutor(lazySup),
		lazyload.WithMetrics(sink),
		lazyload.WithEventBus(bus),
	)

	a := &App{
		cfgm:        cfgm,
		cfg:         cfg,
		lazySup:     lazySup,
		log:         log,
		logs:        logSvc,
		bus:         bus,
		store:       store,
		factory:     factory,
		engine:      eng,
		sched:       sched,
		lazy:        lazy,
		registry:    registry,
		metrics:     sink,
		configTasks: map[string]struct{}{},
	}
	if err := a.registerBuiltinBeans(); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := a.applyTasks(cfg.Tasks); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) Logger() logx.Logger            { return a.log }
func (a *App) Bus() eventbus.Bus              { return a.bus }
func (a *App) Scheduler() *scheduler.Service  { return a.sched }
func (a *App) Factory() *trigger.Factory      { return a.factory }
func (a *App) Engine() *engine.Service        { return a.engine }
func (a *App) LazyLoad() *lazyload.Manager    { return a.lazy }
func (a *App) Scanners() *lazyload.Scanners   { return a.lazy.Scanners() }
func (a *App) Beans() []string                { return a.sched.Beans() }
func (a *App) Registry() *prometheus.Registry { return a.registry }

// MetricsHandler serves the app's private Prometheus registry.
func (a *App) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry})
}

// Config returns the last applied config.
func (a *App) Config() *config.Config {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()
	return a.cfg
}

// Done is closed when the app supervisor stops, either after a fatal error
// or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// applyTasks registers config-declared static tasks and drops the ones a
// previous config declared but this one does not.
func (a *App) applyTasks(tasks []config.TaskConfig) error {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()

	next := make(map[string]struct{}, len(tasks))
	for i, tc := range tasks {
		timeout, err := config.ParseDurationField(fmt.Sprintf("tasks[%d].timeout", i), tc.Timeout)
		if err != nil {
			return err
		}
		name, err := a.sched.AddBean(tc.Name, tc.Schedule, timeout, tc.Bean, tc.Arg)
		if err != nil {
			return fmt.Errorf("tasks[%d] (%s): %w", i, tc.Name, err)
		}
		next[name] = struct{}{}
	}
	for name := range a.configTasks {
		if _, keep := next[name]; !keep {
			a.sched.Remove(name)
			a.log.Info("config task removed", logx.Task(name))
		}
	}
	a.configTasks = next
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	rctx := a.sup.Context()

	if a.engine.Enabled() {
		a.engine.Start(rctx)
	}
	if a.sched.Enabled() {
		a.sched.Start(rctx)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.startMetricsServer()

	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Comp("config")))
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.String("node", a.sched.NodeID()),
		logx.Bool("scheduler", a.sched.Running()),
		logx.Int("beans", len(a.sched.Beans())),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	a.stopStep(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stopStep(ctx, "engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.stopStep(ctx, "lazyload", time.Second, a.lazySup.Stop)
	if a.sup != nil {
		a.stopStep(ctx, "supervisor", 2*time.Second, a.sup.Wait)
	}
	a.stopStep(ctx, "store", time.Second, func(context.Context) error { return a.store.Close() })

	st := eventbus.StatsOf(a.bus)
	a.log.Info("stopped", logx.Uint64("events", st.Published), logx.Uint64("events_dropped", st.Dropped))
	return a.logs.Close()
}

// stopStep runs fn with an upper bound so one component cannot stall the
// whole shutdown. It never extends the caller's deadline.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	if limit <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}
