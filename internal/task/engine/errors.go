package engine

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: skipped, previous run still active")
	ErrCircuitOpen = errors.New("engine: skipped, circuit open")
	ErrStale       = errors.New("engine: dropped, queued too long")
)

// Skip reasons, used as metric labels and history entries.
const (
	SkipOverlap     = "overlap"
	SkipCircuitOpen = "circuit_open"
	SkipQueueFull   = "queue_full"
	SkipStale       = "stale_queue_delay"
)

// SkipReason names why the task never ran, or returns "" when err is not a
// skip.
func SkipReason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrOverlapSkip):
		return SkipOverlap
	case errors.Is(err, ErrCircuitOpen):
		return SkipCircuitOpen
	case errors.Is(err, ErrQueueFull):
		return SkipQueueFull
	case errors.Is(err, ErrStale):
		return SkipStale
	}
	return ""
}

// Skipped reports whether err means the task never ran.
func Skipped(err error) bool { return SkipReason(err) != "" }

// RunError carries retry instructions from a task body to the engine.
type RunError struct {
	Err error
	// Permanent stops retries at once.
	Permanent bool
	// After overrides the backoff for the next attempt. It is capped at
	// RetryMaxDelay and still jittered.
	After time.Duration
}

func (e *RunError) Error() string {
	switch {
	case e.Permanent:
		return fmt.Sprintf("no-retry: %v", e.Err)
	case e.After > 0:
		return fmt.Sprintf("retry-after(%s): %v", e.After, e.Err)
	}
	return e.Err.Error()
}

func (e *RunError) Unwrap() error { return e.Err }

// NoRetry marks err as permanent. Bean bodies wrap argument decoding
// failures with it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &RunError{Err: err, Permanent: true}
}

// RetryAfter asks for the next attempt to wait at least after.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RunError{Err: err, After: max(after, 0)}
}

// IsNoRetry reports whether err was wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var re *RunError
	return errors.As(err, &re) && re.Permanent
}

// retryHint returns the requested delay when err carries one.
func retryHint(err error) (time.Duration, bool) {
	var re *RunError
	if errors.As(err, &re) && !re.Permanent && re.After > 0 {
		return re.After, true
	}
	return 0, false
}

// unwrapPermanent strips the NoRetry marker so callers see the cause.
func unwrapPermanent(err error) (error, bool) {
	var re *RunError
	if errors.As(err, &re) && re.Permanent {
		return re.Err, true
	}
	return err, false
}
