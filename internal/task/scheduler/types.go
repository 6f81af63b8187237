package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"clusterkit/internal/task/engine"
	"clusterkit/internal/trigger"
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"
	NodeID   string

	// ClaimRetries bounds re-reads after a lost compare-and-swap within one
	// claim attempt.
	ClaimRetries int
	// ErrorBackoff is the pause after a store failure before a loop retries.
	ErrorBackoff time.Duration
	// StartupSpread caps the random initial delay of interval tasks.
	StartupSpread time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClaimRetries <= 0 {
		c.ClaimRetries = 3
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	if c.StartupSpread < 0 {
		c.StartupSpread = 0
	}
	return c
}

// Re-export execution types from engine.
type OverlapPolicy = engine.OverlapPolicy

type TaskOptions = engine.TaskOptions

type HistoryItem = engine.HistoryItem

const (
	OverlapAllow         = engine.OverlapAllow
	OverlapSkipIfRunning = engine.OverlapSkipIfRunning
)

// Job is the body of a static task.
type Job func(ctx context.Context) error

// ErrorHandler receives failures of task bodies. The default logs and
// suppresses them.
type ErrorHandler func(task string, err error)

// Firing describes one claimed execution. Bodies get it through
// FiringFromContext.
type Firing struct {
	Task    string
	Dynamic bool
	Due     time.Time
	Actual  time.Time
	Node    string
	Arg     []byte

	codec trigger.Codec
}

// Decode unmarshals the dynamic task argument into v.
func (f Firing) Decode(v any) error {
	if len(f.Arg) == 0 || f.codec == nil {
		return nil
	}
	return f.codec.Unmarshal(f.Arg, v)
}

type firingKey struct{}

// FiringFromContext returns the firing a body is running for.
func FiringFromContext(ctx context.Context) (Firing, bool) {
	f, ok := ctx.Value(firingKey{}).(Firing)
	return f, ok
}

type kind int

const (
	kindInterval kind = iota
	kindFixedDelay
	kindCron
	kindOnce
	kindDynamic
)

type task struct {
	name    string
	kind    kind
	spec    string
	policy  Policy // nil for dynamic tasks
	timeout time.Duration
	job     Job
	opt     TaskOptions
	acc     trigger.Accessor
	state   *engine.RunState

	// mu serializes local claims (loop and TriggerNow).
	mu sync.Mutex

	start  atomic.Int64 // unix nano of the local attach
	cancel context.CancelFunc

	lastDue  atomic.Int64 // unix nano
	claims   atomic.Uint64
	lost     atomic.Uint64
	busy     atomic.Uint64
	errors   atomic.Uint64
	finished atomic.Bool
}

func (t *task) dynamic() bool { return t.kind == kindDynamic }

// engineName is the name firings of t run under in the engine, which keys
// its breaker.
func (t *task) engineName() string { return "sched." + t.name }

func (t *task) startTime() time.Time { return time.Unix(0, t.start.Load()) }

// policyFor returns the policy for the given context. Dynamic tasks derive
// it from the stored period.
func (t *task) policyFor(tc *trigger.Context) Policy {
	if t.policy != nil {
		return t.policy
	}
	return DynamicPolicy(tc)
}

type TaskInfo struct {
	Name     string
	Dynamic  bool
	Spec     string
	Timeout  time.Duration
	Attached time.Time
	LastDue  time.Time
	Claims   uint64
	Lost     uint64
	Busy     uint64 // due firings left to other nodes
	Errors   uint64
	Finished bool
}

type Snapshot struct {
	Enabled  bool
	Running  bool
	Timezone string
	NodeID   string

	// Executor diagnostics (task engine).
	Workers          int
	InFlight         int
	QueueLen         int
	QueueCap         int
	Dropped          uint64
	DroppedQueueFull uint64
	DroppedStale     uint64
	CircuitOpen      int
	DefaultTimeout   time.Duration
	MaxQueueDelay    time.Duration

	Tasks   []TaskInfo
	History []HistoryItem
}
