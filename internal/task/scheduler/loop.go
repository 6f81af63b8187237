package scheduler

import (
	"context"
	"fmt"
	"time"

	"clusterkit/internal/task/engine"
	logx "clusterkit/pkg/logx"
)

const (
	// completionTimeout bounds the LastCompletion write after a successful body.
	completionTimeout = 10 * time.Second
	// busyPoll is the longest pause before a busy node looks again.
	busyPoll = 250 * time.Millisecond
)

// runLoop is the per-task firing loop: plan against the stored context, sleep
// until the due instant, then claim. It returns nil when the task is done or
// ctx ends.
func (s *Service) runLoop(ctx context.Context, t *task) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		backoff := s.config().ErrorBackoff

		tc, err := t.acc.Get(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.noteClaim(t, claimResult{outcome: claimError, err: err})
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			continue
		}
		if tc == nil {
			s.finish(t, "removed")
			return nil
		}
		if t.dynamic() && tc.Cancelled {
			s.finish(t, "cancelled")
			return nil
		}

		due := t.policyFor(tc).Next(tc, t.startTime())
		if due.IsZero() {
			s.finish(t, "completed")
			return nil
		}
		seen := tc.LastScheduled
		if !s.sleepUntil(ctx, due) {
			return nil
		}

		r := s.claim(ctx, t, &seen)
		s.noteClaim(t, r)
		switch r.outcome {
		case claimWon:
			done := s.fire(ctx, t, r)
			// FixedDelay plans from the completion, so wait for it locally.
			if t.kind == kindFixedDelay && done != nil {
				select {
				case <-done:
				case <-ctx.Done():
					return nil
				}
			}
		case claimFinished:
			s.finish(t, "completed")
			return nil
		case claimBusy:
			if !sleepCtx(ctx, min(backoff, busyPoll)) {
				return nil
			}
		case claimError:
			if ctx.Err() != nil {
				return nil
			}
			if !sleepCtx(ctx, backoff) {
				return nil
			}
		}
	}
}

// fire submits the body of a won claim. The returned channel closes when the
// body finished, or is nil when it never got queued.
//
// The claim already advanced the schedule for the whole cluster, so the
// engine must not drop the run: it is submitted as MustRun, without retries
// and without a second overlap check. The breaker still sees the outcome.
func (s *Service) fire(ctx context.Context, t *task, r claimResult) <-chan struct{} {
	f := Firing{
		Task:    t.name,
		Dynamic: t.dynamic(),
		Due:     r.due,
		Actual:  r.tc.LastActual,
		Node:    s.node,
		Arg:     r.tc.Arg,
		codec:   s.factory.Codec(),
	}

	body, err := s.bodyFor(t, r.tc.Bean)
	if err != nil {
		if r.held {
			t.state.Release()
		}
		t.errors.Add(1)
		s.handleError(t.name, err)
		return nil
	}

	opt := t.opt
	opt.RetryMax = -1
	opt.MustRun = true
	done := make(chan struct{})
	began := time.Now()
	err = s.engine.Submit(ctx, engine.Task{
		Name:    t.engineName(),
		Timeout: t.timeout,
		Opt:     opt,
		State:   t.state,
		Held:    r.held,
		Run: func(rctx context.Context) error {
			if err := body(context.WithValue(rctx, firingKey{}, f)); err != nil {
				return err
			}
			cctx, cancel := context.WithTimeout(context.WithoutCancel(rctx), completionTimeout)
			defer cancel()
			if err := t.acc.UpdateLastCompletionTime(cctx, s.now()); err != nil {
				s.log.Warn("completion update failed", logx.Task(t.name), logx.Err(err))
			}
			return nil
		},
		OnDone: func(err error) {
			defer close(done)
			if reason := engine.SkipReason(err); reason != "" {
				s.metrics.FiringSkipped(t.name, reason)
				s.log.Debug("firing skipped", logx.Task(t.name), logx.String("reason", reason))
				return
			}
			s.metrics.FiringCompleted(t.name, time.Since(began), err)
			if err != nil {
				t.errors.Add(1)
				s.handleError(t.name, err)
			}
		},
	})
	if err != nil {
		s.reportEnqueueError(t.name, err)
		return nil
	}
	return done
}

// bodyFor returns what runs for one firing: the job of a static task, or the
// bean named in the context of a dynamic one.
func (s *Service) bodyFor(t *task, bean string) (Job, error) {
	if !t.dynamic() {
		if t.job == nil {
			return nil, fmt.Errorf("task %q has no job", t.name)
		}
		return t.job, nil
	}
	s.mu.Lock()
	b := s.beans[bean]
	s.mu.Unlock()
	if b == nil {
		return nil, fmt.Errorf("%w: %q (task %q)", ErrUnknownBean, bean, t.name)
	}
	return func(ctx context.Context) error {
		f, _ := FiringFromContext(ctx)
		return b.Run(ctx, f)
	}, nil
}

func (s *Service) handleError(name string, err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(name, err)
		return
	}
	s.defaultErrorHandler(name, err)
}

// sleepUntil waits until the scheduler clock reaches due.
func (s *Service) sleepUntil(ctx context.Context, due time.Time) bool {
	for {
		d := due.Sub(s.now())
		if d <= 0 {
			return ctx.Err() == nil
		}
		if !sleepCtx(ctx, d) {
			return false
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
