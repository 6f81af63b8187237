// Package metrics records scheduler and lazy-load measurements.
package metrics

import "time"

// Sink defines the interface for recording metrics.
// Methods are fire-and-forget: implementations must not block or return errors.
type Sink interface {
	// Scheduler
	ClaimWon(task string)
	ClaimLost(task string)
	ClaimError(task string)
	FiringCompleted(task string, duration time.Duration, err error)
	// FiringSkipped counts won claims whose body never ran.
	FiringSkipped(task, reason string)
	ScheduleLag(task string, lag time.Duration)
	TasksAttached(n int)

	// Lazy load
	LazyLoadPass(scenario string, registered, loaded int)
	LazyLoadCompleted(scenario string, passes int, err error)
}

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

func outcome(err error) string {
	if err != nil {
		return OutcomeFailed
	}
	return OutcomeSuccess
}
