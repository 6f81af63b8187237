package lazyload

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Registry collects the entities one walk pass found unresolved, grouped by
// loader, and loads them in a batch per loader.
//
// A Registry belongs to a single Load call; it is safe for concurrent use by
// scanners that fan out.
type Registry struct {
	mu      sync.Mutex
	args    []any
	seen    map[uniqID]struct{}
	order   []Loader
	pending map[Loader][]any
	limit   int
}

// NewRegistry returns a registry that threads args through to every loader.
func NewRegistry(args ...any) *Registry {
	return &Registry{
		args:    args,
		seen:    map[uniqID]struct{}{},
		pending: map[Loader][]any{},
	}
}

// SetLimit caps how many loaders run at once. n <= 0 means no limit.
func (r *Registry) SetLimit(n int) {
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

// Add queues entity for loader. It returns false when the entity was already
// queued during this pass.
func (r *Registry) Add(loader Loader, entity any) bool {
	return r.AddEq(loader, entity, nil)
}

// AddEq is Add with a discriminator: the same entity is queued once per
// distinct eq.
func (r *Registry) AddEq(loader Loader, entity any, eq any) bool {
	if loader == nil || entity == nil {
		return false
	}
	id := UniqKey{Entity: entity, Eq: eq}.id()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.seen[id]; dup {
		return false
	}
	r.seen[id] = struct{}{}
	if _, ok := r.pending[loader]; !ok {
		r.order = append(r.order, loader)
	}
	r.pending[loader] = append(r.pending[loader], entity)
	return true
}

// Clear forgets everything queued and seen. The walker calls it at the start
// of each pass.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.seen = map[uniqID]struct{}{}
	r.pending = map[Loader][]any{}
	r.order = nil
	r.mu.Unlock()
}

// Pending returns how many entities are queued.
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, es := range r.pending {
		n += len(es)
	}
	return n
}

func (r *Registry) Args() []any { return r.args }

// Load runs every loader over its queued batch and completes with the total
// number of loaded entities. Loaders run concurrently and independently: a
// failing loader does not stop the others, and the first failure, as a
// *LoaderError, fails the future once all of them returned. The queue is
// handed over to the loaders, so a second Load without new Adds loads nothing.
func (r *Registry) Load(ctx context.Context) *Future[int] {
	r.mu.Lock()
	order := r.order
	batches := r.pending
	limit := r.limit
	r.order = nil
	r.pending = map[Loader][]any{}
	r.mu.Unlock()

	if len(order) == 0 {
		return Completed(0)
	}

	f := NewFuture[int]()
	go func() {
		var (
			g     errgroup.Group
			total atomic.Int64
		)
		if limit > 0 {
			g.SetLimit(limit)
		}
		for _, l := range order {
			l, batch := l, batches[l]
			g.Go(func() error {
				fut := l.LoadBatch(ctx, batch, r.args)
				if fut == nil {
					return &LoaderError{Loader: loaderName(l), Err: errNoFuture}
				}
				n, err := fut.Get(ctx)
				if err != nil {
					return &LoaderError{Loader: loaderName(l), Err: err}
				}
				total.Add(int64(n))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			f.Fail(err)
			return
		}
		f.Complete(int(total.Load()))
	}()
	return f
}
