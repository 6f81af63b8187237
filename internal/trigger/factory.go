package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	logx "clusterkit/pkg/logx"
)

// Factory hands out accessors and manages dynamic task contexts.
type Factory struct {
	store Store
	codec Codec
	log   logx.Logger
}

func NewFactory(store Store, codec Codec, log logx.Logger) *Factory {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Factory{store: store, codec: codec, log: log}
}

func (f *Factory) Codec() Codec { return f.codec }

// Get returns an accessor for name. It performs no I/O.
func (f *Factory) Get(name string, dynamic bool) Accessor {
	return &accessor{
		store:   f.store,
		name:    name,
		dir:     DirFor(dynamic),
		dynamic: dynamic,
		log:     f.log.With(logx.Task(name)),
	}
}

// CreateDynamic persists a new dynamic task. The first execution is
// lastScheduled+period; a zero period makes a one-shot task due at
// lastScheduled. Creating an existing name fails with ErrDuplicatedTask.
func (f *Factory) CreateDynamic(ctx context.Context, name string, period time.Duration, lastScheduled time.Time, bean string, arg any) (Accessor, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("trigger: dynamic task name is empty")
	}
	bean = strings.TrimSpace(bean)
	if bean == "" {
		return nil, fmt.Errorf("trigger: dynamic task %q has no bean", name)
	}
	if period < 0 {
		return nil, fmt.Errorf("trigger: dynamic task %q has negative period", name)
	}

	var raw []byte
	if arg != nil {
		b, err := f.codec.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("trigger: encode arg for %q: %w", name, err)
		}
		raw = b
	}

	tc := &Context{
		Name:          name,
		LastScheduled: lastScheduled,
		Period:        period,
		Bean:          bean,
		Arg:           raw,
	}
	err := f.store.Create(ctx, DirDynamic, name, tc)
	if errors.Is(err, ErrNodeExists) {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatedTask, name)
	}
	if err != nil {
		return nil, accessErr("create", name, err)
	}
	f.log.Info("dynamic task created", logx.Task(name), logx.String("bean", bean), logx.Duration("period", period))
	return f.Get(name, true), nil
}

// AllDynamic lists active dynamic task names in sorted order.
func (f *Factory) AllDynamic(ctx context.Context) ([]string, error) {
	names, err := f.store.List(ctx, DirDynamic)
	if errors.Is(err, ErrNoNode) {
		return []string{}, nil
	}
	if err != nil {
		return nil, accessErr("list", DirDynamic, err)
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		tc, err := f.store.Read(ctx, DirDynamic, name)
		if errors.Is(err, ErrNoNode) {
			continue
		}
		if err != nil {
			return nil, accessErr("read", name, err)
		}
		if tc.Cancelled {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Cancel marks a dynamic task as cancelled. Running loops observe the flag on
// their next claim.
func (f *Factory) Cancel(ctx context.Context, name string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		tc, err := f.store.Read(ctx, DirDynamic, name)
		if errors.Is(err, ErrNoNode) {
			return fmt.Errorf("trigger: cancel %q: %w", name, ErrNoNode)
		}
		if err != nil {
			return accessErr("read", name, err)
		}
		if tc.Cancelled {
			return nil
		}
		tc.Cancelled = true
		err = f.store.CompareAndSwap(ctx, DirDynamic, name, tc)
		switch {
		case err == nil:
			f.log.Info("dynamic task cancelled", logx.Task(name))
			return nil
		case errors.Is(err, ErrVersionConflict):
			continue
		case errors.Is(err, ErrNoNode):
			return fmt.Errorf("trigger: cancel %q: %w", name, ErrNoNode)
		default:
			return accessErr("cancel", name, err)
		}
	}
}

// DecodeArg decodes a dynamic context's argument into v.
func (f *Factory) DecodeArg(tc *Context, v any) error {
	if tc == nil || len(tc.Arg) == 0 {
		return nil
	}
	return f.codec.Unmarshal(tc.Arg, v)
}
