package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"clusterkit/internal/eventbus"
	logx "clusterkit/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask, idx int) {
	// Per-worker RNG: avoids global lock contention when many tasks retry concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ (int64(idx) << 32)))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t, ok := <-queue:
			if !ok {
				return
			}
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, t, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if !qt.opt.MustRun && cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: SkipStale})
		s.done(qt, ErrStale)
		return
	}

	var (
		err      error
		attempts int
	)
	run := func() (struct{}, error) {
		s.log.Debug("task.started", logx.Task(qt.task.Name), logx.Duration("queue_delay", queueDelay))
		eventbus.PublishSafe(s.bus, eventbus.TaskStarted, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})
		attempts, err = s.attempt(ctx, stopCh, qt, rng)
		return struct{}{}, err
	}

	if cb := s.circuits.get(qt.task.Name, qt.opt.CircuitTripFailures, cfg.CircuitOpenFor, s.log); cb != nil {
		_, cbErr := cb.Execute(run)
		switch {
		case !isBreakerReject(cbErr):
		case qt.opt.MustRun:
			_, _ = run()
		default:
			s.skippedCircuit.Add(1)
			eventbus.PublishSafe(s.bus, eventbus.TaskSkipped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: SkipCircuitOpen})
			s.record(cfg, HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: SkipCircuitOpen})
			s.done(qt, ErrCircuitOpen)
			return
		}
	} else {
		_, _ = run()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task.failed", logx.Task(qt.task.Name), logx.Err(err), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		eventbus.PublishSafe(s.bus, eventbus.TaskFailed, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts, Error: item.Error})
	} else {
		if dur >= 750*time.Millisecond {
			s.log.Info("task.completed", logx.Task(qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("task.completed", logx.Task(qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		}
		eventbus.PublishSafe(s.bus, eventbus.TaskFinished, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts})
	}

	s.record(cfg, item)
	s.done(qt, err)
}

// done frees the overlap slot before OnDone runs, so a caller waiting on
// OnDone can submit the next run right away.
func (s *Service) done(qt queuedTask, err error) {
	if qt.track && qt.state != nil {
		qt.state.Release()
	}
	if qt.task.OnDone == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("task.ondone.panic", logx.Task(qt.task.Name), logx.Any("panic", r))
		}
	}()
	qt.task.OnDone(err)
}

// attempt runs the task body with retries and returns the final error.
func (s *Service) attempt(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) (int, error) {
	var err error
	maxAttempts := 1 + qt.opt.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = s.runOnce(ctx, qt)
		if err == nil {
			return attempt, nil
		}
		if cause, permanent := unwrapPermanent(err); permanent {
			return attempt, cause
		}
		if attempt >= maxAttempts {
			return attempt, err
		}

		delay := backoffDelayWithHint(qt.opt, attempt, err, rng)
		if delay <= 0 {
			continue
		}
		s.log.Debug("task retry scheduled", logx.Task(qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return attempt, ctx.Err()
		case <-stopCh:
			tmr.Stop()
			return attempt, ErrStopping
		case <-tmr.C:
		}
	}
	return maxAttempts, err
}

// runOnce converts a panic into an error so one bad task cannot kill a worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := logx.IntoContext(ctx, s.log.With(logx.Task(qt.task.Name), logx.String("run", qt.task.ID)))
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.Task(qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelayWithHint(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	if d, ok := retryHint(err); ok {
		return jitter(min(d, opt.RetryMaxDelay), opt, rng)
	}
	return backoffDelay(opt, retry, rng)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	for i := 1; i < retry; i++ {
		d *= 2
		if d > opt.RetryMaxDelay {
			d = opt.RetryMaxDelay
			break
		}
	}
	return jitter(d, opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = max(time.Duration(float64(d)*(1+r)), 0)
	}
	return min(d, opt.RetryMaxDelay)
}
