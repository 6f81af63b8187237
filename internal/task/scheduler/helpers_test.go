package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"clusterkit/internal/storage"
	"clusterkit/internal/task/engine"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

// newNode builds a scheduler with its own engine over a shared store, the
// way each process of a cluster would. It is not started.
func newNode(t *testing.T, store trigger.Store, cfg Config) *Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 4, QueueSize: 64}, logx.Nop(), nil)
	eng.Start(context.Background())

	cfg.Enabled = true
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 20 * time.Millisecond
	}
	s := New(cfg, trigger.NewFactory(store, nil, logx.Nop()), eng, logx.Nop(), nil, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
		eng.Stop(ctx)
	})
	return s
}

// fakeClock is a settable clock for claim tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// fixedNode is a node whose clock is frozen at clk.
func fixedNode(t *testing.T, store trigger.Store, clk *fakeClock) *Service {
	t.Helper()
	s := newNode(t, store, Config{NodeID: t.Name()})
	s.now = clk.Now
	return s
}

func staticTask(t *testing.T, s *Service, name string, p Policy, start time.Time) *task {
	t.Helper()
	tk := &task{
		name:   name,
		kind:   kindInterval,
		policy: p,
		acc:    s.factory.Get(name, false),
		state:  &engine.RunState{},
	}
	tk.start.Store(start.UnixNano())
	return tk
}

// firings collects the due instants bodies ran for, across nodes.
type firings struct {
	mu  sync.Mutex
	due []time.Time
}

func (f *firings) job(ctx context.Context) error {
	fr, ok := FiringFromContext(ctx)
	if !ok {
		return nil
	}
	f.mu.Lock()
	f.due = append(f.due, fr.Due)
	f.mu.Unlock()
	return nil
}

func (f *firings) snapshot() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.due...)
}

func (f *firings) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.due)
}

func newMemory() *storage.Memory { return storage.NewMemory() }
