package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "clusterkit/pkg/logx"
)

// PrometheusSink implements Sink with the Prometheus client library.
// Registration errors are logged, never propagated.
type PrometheusSink struct {
	log logx.Logger

	claimsTotal    *prometheus.CounterVec
	firingsTotal   *prometheus.CounterVec
	skippedTotal   *prometheus.CounterVec
	firingDuration *prometheus.HistogramVec
	scheduleLag    prometheus.Histogram
	tasksAttached  prometheus.Gauge
	passesTotal    *prometheus.CounterVec
	entitiesLoaded *prometheus.CounterVec
	loadsTotal     *prometheus.CounterVec
	passesPerLoad  prometheus.Histogram
}

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log}
	s.initSchedulerMetrics(reg)
	s.initLazyLoadMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.claimsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterkit_scheduler_claims_total",
		Help: "Claim attempts by outcome (won, lost, error).",
	}, []string{"task", "result"})
	s.firingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterkit_scheduler_firings_total",
		Help: "Completed task firings by outcome.",
	}, []string{"task", "outcome"})
	s.skippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterkit_scheduler_firings_skipped_total",
		Help: "Won claims whose body never ran, by reason.",
	}, []string{"task", "reason"})
	s.firingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clusterkit_scheduler_firing_duration_seconds",
		Help:    "Task body duration in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"task"})
	s.scheduleLag = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clusterkit_scheduler_lag_seconds",
		Help:    "Delay between the due instant and the winning claim.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	})
	s.tasksAttached = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "clusterkit_scheduler_tasks_attached",
		Help: "Task loops attached on this node.",
	})

	s.register(reg, s.claimsTotal, "clusterkit_scheduler_claims_total")
	s.register(reg, s.firingsTotal, "clusterkit_scheduler_firings_total")
	s.register(reg, s.skippedTotal, "clusterkit_scheduler_firings_skipped_total")
	s.register(reg, s.firingDuration, "clusterkit_scheduler_firing_duration_seconds")
	s.register(reg, s.scheduleLag, "clusterkit_scheduler_lag_seconds")
	s.register(reg, s.tasksAttached, "clusterkit_scheduler_tasks_attached")
}

func (s *PrometheusSink) initLazyLoadMetrics(reg prometheus.Registerer) {
	s.passesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterkit_lazyload_passes_total",
		Help: "Walk+load passes performed.",
	}, []string{"scenario"})
	s.entitiesLoaded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterkit_lazyload_entities_loaded_total",
		Help: "Entities reported loaded by loaders.",
	}, []string{"scenario"})
	s.loadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterkit_lazyload_loads_total",
		Help: "Manager.Load calls by outcome.",
	}, []string{"scenario", "outcome"})
	s.passesPerLoad = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "clusterkit_lazyload_passes_per_load",
		Help:    "Passes needed per Manager.Load call.",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8, 13},
	})

	s.register(reg, s.passesTotal, "clusterkit_lazyload_passes_total")
	s.register(reg, s.entitiesLoaded, "clusterkit_lazyload_entities_loaded_total")
	s.register(reg, s.loadsTotal, "clusterkit_lazyload_loads_total")
	s.register(reg, s.passesPerLoad, "clusterkit_lazyload_passes_per_load")
}

// register logs registration failures. A collector that is already
// registered with an identical descriptor is reused silently.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return
		}
		s.log.Warn("metrics register failed", logx.String("metric", name), logx.Err(err))
	}
}

// Scheduler

func (s *PrometheusSink) ClaimWon(task string)   { s.claimsTotal.WithLabelValues(task, "won").Inc() }
func (s *PrometheusSink) ClaimLost(task string)  { s.claimsTotal.WithLabelValues(task, "lost").Inc() }
func (s *PrometheusSink) ClaimError(task string) { s.claimsTotal.WithLabelValues(task, "error").Inc() }

func (s *PrometheusSink) FiringCompleted(task string, duration time.Duration, err error) {
	s.firingsTotal.WithLabelValues(task, outcome(err)).Inc()
	s.firingDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func (s *PrometheusSink) FiringSkipped(task, reason string) {
	s.skippedTotal.WithLabelValues(task, reason).Inc()
}

func (s *PrometheusSink) ScheduleLag(task string, lag time.Duration) {
	if lag < 0 {
		lag = 0
	}
	s.scheduleLag.Observe(lag.Seconds())
}

func (s *PrometheusSink) TasksAttached(n int) { s.tasksAttached.Set(float64(n)) }

// Lazy load

func (s *PrometheusSink) LazyLoadPass(scenario string, registered, loaded int) {
	s.passesTotal.WithLabelValues(scenario).Inc()
	s.entitiesLoaded.WithLabelValues(scenario).Add(float64(loaded))
}

func (s *PrometheusSink) LazyLoadCompleted(scenario string, passes int, err error) {
	s.loadsTotal.WithLabelValues(scenario, outcome(err)).Inc()
	s.passesPerLoad.Observe(float64(passes))
}
