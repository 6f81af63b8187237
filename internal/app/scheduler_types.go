package app

import (
	"context"

	"clusterkit/internal/task/scheduler"
)

// Re-exported so embedding programs can register beans without importing
// the scheduler package.
type (
	Bean     = scheduler.Bean
	Firing   = scheduler.Firing
	Snapshot = scheduler.Snapshot
)

// RegisterBean makes b available to config tasks and dynamic tasks.
func (a *App) RegisterBean(name string, b Bean) error {
	return a.sched.RegisterBean(name, b)
}

// TypedBean adapts fn into a Bean whose argument is decoded into T.
func TypedBean[T any](fn func(ctx context.Context, arg T) error) Bean {
	return scheduler.BeanFunc(fn)
}
