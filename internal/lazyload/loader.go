package lazyload

import (
	"context"
	"fmt"
	"runtime/debug"
)

// Loader fetches a batch of entities registered during one pass and fills in
// their missing references. The future yields how many entities it loaded.
//
// Loaders are used as map keys by the Registry, so implementations must be
// comparable; the helpers below return pointers.
type Loader interface {
	LoadBatch(ctx context.Context, entities []any, args []any) *Future[int]
}

// LoaderError carries the failure of a single loader out of Registry.Load.
type LoaderError struct {
	Loader string
	Err    error
}

func (e *LoaderError) Error() string {
	return fmt.Sprintf("lazyload: loader %s: %v", e.Loader, e.Err)
}

func (e *LoaderError) Unwrap() error { return e.Err }

type named interface{ Name() string }

func loaderName(l Loader) string {
	if n, ok := l.(named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", l)
}

// BatchFunc adapts a synchronous batch function. Entities that are not a K
// are skipped and count as not loaded. fn runs on its own goroutine and a
// panic fails the batch.
func BatchFunc[K any](name string, fn func(ctx context.Context, keys []K, args []any) (int, error)) Loader {
	return &batchLoader[K]{name: name, fn: fn}
}

type batchLoader[K any] struct {
	name string
	fn   func(ctx context.Context, keys []K, args []any) (int, error)
}

func (b *batchLoader[K]) Name() string { return b.name }

func (b *batchLoader[K]) LoadBatch(ctx context.Context, entities []any, args []any) *Future[int] {
	keys := keysOf[K](entities)
	if len(keys) == 0 {
		return Completed(0)
	}
	f := NewFuture[int]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
			}
		}()
		n, err := b.fn(ctx, keys, args)
		if err != nil {
			f.Fail(err)
			return
		}
		f.Complete(n)
	}()
	return f
}

// AsyncBatchFunc adapts a function that already returns a future.
func AsyncBatchFunc[K any](name string, fn func(ctx context.Context, keys []K, args []any) *Future[int]) Loader {
	return &asyncLoader[K]{name: name, fn: fn}
}

type asyncLoader[K any] struct {
	name string
	fn   func(ctx context.Context, keys []K, args []any) *Future[int]
}

func (a *asyncLoader[K]) Name() string { return a.name }

func (a *asyncLoader[K]) LoadBatch(ctx context.Context, entities []any, args []any) *Future[int] {
	keys := keysOf[K](entities)
	if len(keys) == 0 {
		return Completed(0)
	}
	f := a.fn(ctx, keys, args)
	if f == nil {
		return Failed[int](fmt.Errorf("loader %s returned no future", a.name))
	}
	return f
}

func keysOf[K any](entities []any) []K {
	keys := make([]K, 0, len(entities))
	for _, e := range entities {
		if k, ok := e.(K); ok {
			keys = append(keys, k)
		}
	}
	return keys
}
