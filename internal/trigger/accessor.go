package trigger

import (
	"context"
	"errors"
	"time"

	logx "clusterkit/pkg/logx"
)

// Accessor is a per-task handle over the store.
type Accessor interface {
	Name() string
	Dynamic() bool

	// Get returns the current context. For static tasks it never returns nil:
	// a missing context is bootstrapped with an insert-if-absent and re-read.
	// For dynamic tasks nil means the task was never created or was removed.
	Get(ctx context.Context) (*Context, error)

	// Update writes tc conditioned on tc.Version. It returns false on a
	// version conflict or a vanished node and an error only for store failures.
	Update(ctx context.Context, tc *Context) (bool, error)

	// UpdateLastCompletionTime raises LastCompletion to t. Older values never
	// overwrite newer ones.
	UpdateLastCompletionTime(ctx context.Context, t time.Time) error
}

// bootstrapBackoff paces the static bootstrap loop when the store keeps
// reporting a missing node after a lost insert race.
const bootstrapBackoff = 20 * time.Millisecond

type accessor struct {
	store   Store
	name    string
	dir     string
	dynamic bool
	log     logx.Logger
}

func (a *accessor) Name() string  { return a.name }
func (a *accessor) Dynamic() bool { return a.dynamic }

func (a *accessor) Get(ctx context.Context) (*Context, error) {
	for attempt := 0; ; attempt++ {
		tc, err := a.store.Read(ctx, a.dir, a.name)
		if err == nil {
			tc.Name = a.name
			return tc, nil
		}
		if !errors.Is(err, ErrNoNode) {
			return nil, accessErr("read", a.name, err)
		}
		if a.dynamic {
			return nil, nil
		}

		err = a.store.Create(ctx, a.dir, a.name, &Context{Name: a.name})
		switch {
		case err == nil:
			a.log.Debug("trigger context created", logx.Task(a.name))
		case errors.Is(err, ErrNodeExists):
			// Another node won the insert; read its context.
		default:
			return nil, accessErr("create", a.name, err)
		}

		if attempt > 0 {
			t := time.NewTimer(bootstrapBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (a *accessor) Update(ctx context.Context, tc *Context) (bool, error) {
	if tc == nil {
		return false, nil
	}
	err := a.store.CompareAndSwap(ctx, a.dir, a.name, tc)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrNoNode):
		return false, nil
	default:
		return false, accessErr("update", a.name, err)
	}
}

func (a *accessor) UpdateLastCompletionTime(ctx context.Context, t time.Time) error {
	_, err := a.store.SetCompletionIfLater(ctx, a.dir, a.name, t)
	if err == nil || errors.Is(err, ErrNoNode) {
		return nil
	}
	if !errors.Is(err, ErrVersionConflict) {
		return accessErr("complete", a.name, err)
	}

	// The backend could not apply the bump atomically; fall back to a CAS
	// loop that ends once the stored value is no longer earlier than t.
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tc, err := a.store.Read(ctx, a.dir, a.name)
		if errors.Is(err, ErrNoNode) {
			return nil
		}
		if err != nil {
			return accessErr("complete", a.name, err)
		}
		if !tc.LastCompletion.Before(t) {
			return nil
		}
		tc.LastCompletion = t
		err = a.store.CompareAndSwap(ctx, a.dir, a.name, tc)
		if err == nil || errors.Is(err, ErrNoNode) {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return accessErr("complete", a.name, err)
		}
	}
}
