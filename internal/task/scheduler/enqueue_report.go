package scheduler

import (
	"context"
	"errors"
	"time"

	"clusterkit/internal/task/engine"
	logx "clusterkit/pkg/logx"
)

const errorWarnThrottle = 5 * time.Second

// throttled reports whether a warning for key was already logged within the
// throttle window, and marks it as logged otherwise.
func (s *Service) throttled(key string) bool {
	now := time.Now()
	s.errMu.Lock()
	defer s.errMu.Unlock()
	last := s.lastErrWarn[key]
	if !last.IsZero() && now.Sub(last) < errorWarnThrottle {
		return true
	}
	s.lastErrWarn[key] = now
	return false
}

func (s *Service) reportEnqueueError(name string, err error) {
	if err == nil {
		return
	}
	// Overlap skips and open circuits happen during normal operation.
	reason := engine.SkipReason(err)
	if reason != "" {
		s.metrics.FiringSkipped(name, reason)
	}
	// Overlap and open circuits are routine.
	if reason == engine.SkipOverlap || reason == engine.SkipCircuitOpen {
		s.log.Debug("firing not queued", logx.Task(name), logx.String("reason", reason))
		return
	}
	if s.throttled("enqueue:" + name) {
		return
	}
	// Queue full and stopping matter but come in bursts.
	s.log.Warn("firing failed to enqueue", logx.Task(name), logx.Err(err))
}

func (s *Service) reportClaimError(name string, err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if s.throttled("claim:" + name) {
		return
	}
	s.log.Warn("claim failed; firing skipped", logx.Task(name), logx.Err(err))
}

// defaultErrorHandler logs failures of task bodies and suppresses them.
func (s *Service) defaultErrorHandler(name string, err error) {
	if s.throttled("run:" + name) {
		return
	}
	s.log.Error("task failed", logx.Task(name), logx.Err(err))
}
