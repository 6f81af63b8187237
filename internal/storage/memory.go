package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"clusterkit/internal/trigger"
)

// Memory keeps contexts in process memory. It is safe for concurrent use and
// honours the same version semantics as the shared backends.
type Memory struct {
	mu   sync.Mutex
	dirs map[string]map[string]*trigger.Context

	// onWrite, when set, sees every write under mu before it is applied.
	// An error aborts the write.
	onWrite func(dir, name string, tc *trigger.Context) error
}

func NewMemory() *Memory {
	return &Memory{dirs: map[string]map[string]*trigger.Context{}}
}

func (m *Memory) Read(ctx context.Context, dir, name string) (*trigger.Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.dirs[dir][name]
	if cur == nil {
		return nil, trigger.ErrNoNode
	}
	out := cur.Clone()
	out.Name = name
	return out, nil
}

func (m *Memory) Create(ctx context.Context, dir, name string, tc *trigger.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dirs[dir]
	if d == nil {
		d = map[string]*trigger.Context{}
		m.dirs[dir] = d
	}
	if d[name] != nil {
		return trigger.ErrNodeExists
	}
	stored := tc.Clone()
	stored.Name = name
	stored.Version = 1
	if err := m.written(dir, name, stored); err != nil {
		return err
	}
	d[name] = stored
	tc.Version = 1
	return nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, dir, name string, tc *trigger.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.dirs[dir][name]
	if cur == nil {
		return trigger.ErrNoNode
	}
	if cur.Version != tc.Version {
		return trigger.ErrVersionConflict
	}
	stored := tc.Clone()
	stored.Name = name
	stored.Version = cur.Version + 1
	if err := m.written(dir, name, stored); err != nil {
		return err
	}
	m.dirs[dir][name] = stored
	tc.Version = stored.Version
	return nil
}

func (m *Memory) SetCompletionIfLater(ctx context.Context, dir, name string, t time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.dirs[dir][name]
	if cur == nil {
		return false, trigger.ErrNoNode
	}
	if !t.After(cur.LastCompletion) {
		return false, nil
	}
	stored := cur.Clone()
	stored.LastCompletion = t
	stored.Version++
	if err := m.written(dir, name, stored); err != nil {
		return false, err
	}
	m.dirs[dir][name] = stored
	return true, nil
}

func (m *Memory) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.dirs[dir]
	if !ok {
		return nil, trigger.ErrNoNode
	}
	names := make([]string, 0, len(d))
	for name := range d {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) written(dir, name string, tc *trigger.Context) error {
	if m.onWrite != nil {
		return m.onWrite(dir, name, tc)
	}
	return nil
}

// load installs a node without bumping its version. Used when replaying
// persisted state.
func (m *Memory) load(dir, name string, tc *trigger.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.dirs[dir]
	if d == nil {
		d = map[string]*trigger.Context{}
		m.dirs[dir] = d
	}
	cp := tc.Clone()
	cp.Name = name
	d[name] = cp
}

func (m *Memory) snapshot() map[string]map[string]*trigger.Context {
	out := make(map[string]map[string]*trigger.Context, len(m.dirs))
	for dir, d := range m.dirs {
		cp := make(map[string]*trigger.Context, len(d))
		for name, tc := range d {
			cp[name] = tc.Clone()
		}
		out[dir] = cp
	}
	return out
}
