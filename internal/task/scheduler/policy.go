package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"

	"clusterkit/internal/trigger"
)

// Policy computes the next due instant from a trigger context. start is the
// instant the task was attached on this node. A zero result means the task
// will never fire again.
type Policy interface {
	Next(tc *trigger.Context, start time.Time) time.Time
}

// FixedRate fires every Period measured from the previous due instant.
type FixedRate struct {
	Period       time.Duration
	InitialDelay time.Duration
}

func (p FixedRate) Next(tc *trigger.Context, start time.Time) time.Time {
	if tc.LastScheduled.IsZero() {
		return start.Add(p.InitialDelay)
	}
	return tc.LastScheduled.Add(p.Period)
}

// FixedDelay fires Period after the later of the previous completion and the
// previous due instant.
type FixedDelay struct {
	Period       time.Duration
	InitialDelay time.Duration
}

func (p FixedDelay) Next(tc *trigger.Context, start time.Time) time.Time {
	if tc.LastScheduled.IsZero() {
		return start.Add(p.InitialDelay)
	}
	base := tc.LastScheduled
	if tc.LastCompletion.After(base) {
		base = tc.LastCompletion
	}
	return base.Add(p.Period)
}

// CronPolicy follows a cron expression evaluated in Loc.
type CronPolicy struct {
	Schedule cron.Schedule
	Loc      *time.Location
}

func (p CronPolicy) Next(tc *trigger.Context, start time.Time) time.Time {
	base := tc.LastScheduled
	if base.IsZero() {
		base = start
	}
	loc := p.Loc
	if loc == nil {
		loc = time.Local
	}
	return p.Schedule.Next(base.In(loc))
}

// Once fires a single time at At.
type Once struct {
	At time.Time
}

func (p Once) Next(tc *trigger.Context, _ time.Time) time.Time {
	if !tc.LastActual.IsZero() {
		return time.Time{}
	}
	return p.At
}

// DynamicPolicy derives the policy of a dynamic task from its context: a
// positive period fires at a fixed rate, a zero period fires once at
// LastScheduled.
func DynamicPolicy(tc *trigger.Context) Policy {
	if tc.Period > 0 {
		return FixedRate{Period: tc.Period}
	}
	return Once{At: tc.LastScheduled}
}

// maxMissedSteps bounds the walk over missed windows for policies without a
// fixed period.
const maxMissedSteps = 1000

// skipMissed advances due to the latest window that is not after now, so a
// node coming back from downtime fires once instead of replaying every
// missed window.
func skipMissed(p Policy, tc *trigger.Context, start, due, now time.Time) time.Time {
	switch pp := p.(type) {
	case FixedRate:
		if pp.Period > 0 && now.Sub(due) >= pp.Period {
			n := now.Sub(due) / pp.Period
			return due.Add(n * pp.Period)
		}
		return due
	case FixedDelay:
		if pp.Period > 0 && now.Sub(due) >= pp.Period {
			n := now.Sub(due) / pp.Period
			return due.Add(n * pp.Period)
		}
		return due
	case Once:
		return due
	}

	cur := tc.Clone()
	for i := 0; i < maxMissedSteps; i++ {
		cur.LastScheduled = due
		next := p.Next(cur, start)
		if next.IsZero() || next.After(now) || !next.After(due) {
			return due
		}
		due = next
	}
	return due
}
