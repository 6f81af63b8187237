package engine

import (
	"cmp"
	"context"
	"sync/atomic"
	"time"
)

// Config controls the task execution engine.
//
// The scheduler only decides when a firing happens; every firing body runs
// here. The app layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that have been queued longer than this duration.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// RetryMax is the default number of retries. 0 applies the default, a
	// negative value disables retries.
	RetryMax int

	// CircuitTripFailures opens a task's breaker after that many consecutive
	// failed executions. 0 applies the default, a negative value disables it.
	CircuitTripFailures int
	// CircuitOpenFor is how long an open breaker rejects work before a single
	// trial execution is let through.
	CircuitOpenFor time.Duration
}

// OverlapPolicy decides what happens when a task is submitted while an
// earlier run of the same name is queued or running.
type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

const (
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 15 * time.Second
	defaultRetryJitter   = 0.2
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int // <0 disables retries, 0 uses Config.RetryMax
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// CircuitTripFailures overrides the engine threshold for this task.
	// If < 0, the breaker is bypassed for this task.
	CircuitTripFailures int

	// MustRun means the engine never drops the task: it runs however long it
	// waited in the queue, and an open breaker does not reject it. The breaker
	// still counts the outcome of runs it admits.
	MustRun bool
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = max(cfg.RetryMax, 0)
	}
	o.RetryBase = cmp.Or(max(o.RetryBase, 0), defaultRetryBase)
	o.RetryMaxDelay = cmp.Or(max(o.RetryMaxDelay, 0), defaultRetryMaxDelay)
	o.RetryJitter = cmp.Or(max(o.RetryJitter, 0), defaultRetryJitter)
	if o.Overlap != OverlapAllow {
		o.Overlap = OverlapSkipIfRunning
	}
	o.CircuitTripFailures = cmp.Or(o.CircuitTripFailures, cfg.CircuitTripFailures)
	return o
}

// RunState counts queued plus running executions of one task name. Under
// OverlapSkipIfRunning a second submit fails while the count is non-zero,
// so a schedule faster than its body never grows the queue.
type RunState struct {
	n atomic.Int32
}

func (s *RunState) TryAcquire() bool {
	return s == nil || s.n.CompareAndSwap(0, 1)
}

func (s *RunState) Release() {
	if s == nil {
		return
	}
	for {
		cur := s.n.Load()
		if cur <= 0 || s.n.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Running reports whether an execution is queued or in flight.
func (s *RunState) Running() bool {
	return s != nil && s.n.Load() > 0
}

// HistoryItem is one finished, failed or skipped execution.
type HistoryItem struct {
	ID         string
	Name       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Attempts   int
	// Error is the failure message, or a Skip* reason when the body never
	// ran.
	Error string
}

// Outcome is "success", "failed" or the skip reason.
func (h HistoryItem) Outcome() string {
	switch h.Error {
	case "":
		return "success"
	case SkipOverlap, SkipCircuitOpen, SkipQueueFull, SkipStale:
		return h.Error
	}
	return "failed"
}

// TaskEvent is emitted on the event bus for task lifecycle events.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
//
// Tasks sharing a Name share overlap state and a circuit breaker unless State
// is provided explicitly.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState

	// Held means the caller already took State with TryAcquire. The engine
	// skips its overlap check and releases State when the run ends or the
	// task is not accepted.
	Held bool

	// OnDone, when set, receives the final result once the task ran or was
	// dropped after being queued. It is not called when enqueueing fails.
	OnDone func(err error)
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int

	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	SkippedCircuit   uint64

	DefaultTimeout time.Duration
	MaxQueueDelay  time.Duration
	RetryMax       int

	CircuitTotal int
	CircuitOpen  int

	History []HistoryItem
}

// DefaultTaskOptions returns the effective task options when a task does not
// provide overrides.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return (TaskOptions{}).withDefaults(cfg)
}
