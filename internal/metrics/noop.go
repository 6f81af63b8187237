package metrics

import "time"

// NoopSink is used when metrics are disabled so callers never nil-check.
type NoopSink struct{}

func NewNoopSink() *NoopSink { return &NoopSink{} }

func (NoopSink) ClaimWon(string)                              {}
func (NoopSink) ClaimLost(string)                             {}
func (NoopSink) ClaimError(string)                            {}
func (NoopSink) FiringCompleted(string, time.Duration, error) {}
func (NoopSink) FiringSkipped(string, string)                 {}
func (NoopSink) ScheduleLag(string, time.Duration)            {}
func (NoopSink) TasksAttached(int)                            {}
func (NoopSink) LazyLoadPass(string, int, int)                {}
func (NoopSink) LazyLoadCompleted(string, int, error)         {}

// OrNoop returns s, or a NoopSink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return NoopSink{}
	}
	return s
}
