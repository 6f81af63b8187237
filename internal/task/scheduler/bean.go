package scheduler

import (
	"context"
	"fmt"

	"clusterkit/internal/task/engine"
)

// Bean is an executable that dynamic tasks refer to by name. The argument
// stored with the task arrives through the Firing.
type Bean interface {
	Run(ctx context.Context, f Firing) error
}

// BeanFunc adapts a typed function into a Bean. The firing argument is
// decoded into T before fn runs; an argument that does not decode fails the
// firing without retries.
func BeanFunc[T any](fn func(ctx context.Context, arg T) error) Bean {
	return typedBean[T](fn)
}

type typedBean[T any] func(ctx context.Context, arg T) error

func (b typedBean[T]) Run(ctx context.Context, f Firing) error {
	var arg T
	if err := f.Decode(&arg); err != nil {
		return engine.NoRetry(fmt.Errorf("decode arg of %q: %w", f.Task, err))
	}
	return b(ctx, arg)
}
