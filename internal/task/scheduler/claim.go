package scheduler

import (
	"context"
	"time"

	"clusterkit/internal/eventbus"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

type claimOutcome int

const (
	claimWon claimOutcome = iota
	claimLost
	claimNotDue
	claimFinished // one-shot done, dynamic task gone or cancelled
	claimBusy     // due, but this node cannot run it now
	claimError
)

func (o claimOutcome) String() string {
	switch o {
	case claimWon:
		return "won"
	case claimLost:
		return "lost"
	case claimNotDue:
		return "not_due"
	case claimFinished:
		return "finished"
	case claimBusy:
		return "busy"
	default:
		return "error"
	}
}

type claimResult struct {
	outcome claimOutcome
	tc      *trigger.Context // context as written on a win
	due     time.Time
	err     error
	held    bool // t.state taken for the body
}

// claim tries to take the currently due firing of t.
//
// It reads the context, checks that a firing is due, and writes
// LastScheduled=due, LastActual=now conditioned on the version it read.
// seenLS is the LastScheduled the caller planned against; a due instant in
// the future with a different LastScheduled means another node already took
// the firing. A nil seenLS reports every early call as not due.
//
// A node whose engine is off, whose breaker for t is open, or whose previous
// run of t still holds the overlap slot reports busy without writing, so the
// firing stays open for other nodes. On a win under OverlapSkipIfRunning the slot is held for the
// body.
func (s *Service) claim(ctx context.Context, t *task, seenLS *time.Time) claimResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	retries := s.config().ClaimRetries
	for attempt := 0; attempt <= retries; attempt++ {
		tc, err := t.acc.Get(ctx)
		if err != nil {
			return claimResult{outcome: claimError, err: err}
		}
		if tc == nil || (t.dynamic() && tc.Cancelled) {
			return claimResult{outcome: claimFinished}
		}

		p := t.policyFor(tc)
		start := t.startTime()
		due := p.Next(tc, start)
		if due.IsZero() {
			return claimResult{outcome: claimFinished}
		}
		now := s.now()
		if due.After(now) {
			if attempt == 0 && (seenLS == nil || tc.LastScheduled.Equal(*seenLS)) {
				return claimResult{outcome: claimNotDue, due: due}
			}
			return claimResult{outcome: claimLost, due: due}
		}

		if !s.engine.Enabled() || s.engine.CircuitOpen(t.engineName()) {
			return claimResult{outcome: claimBusy, due: due}
		}
		hold := t.opt.Overlap == OverlapSkipIfRunning
		if hold && !t.state.TryAcquire() {
			return claimResult{outcome: claimBusy, due: due}
		}

		due = skipMissed(p, tc, start, due, now)
		tc.LastScheduled = due
		tc.LastActual = now
		ok, err := t.acc.Update(ctx, tc)
		if ok && err == nil {
			return claimResult{outcome: claimWon, tc: tc, due: due, held: hold}
		}
		if hold {
			t.state.Release()
		}
		if err != nil {
			return claimResult{outcome: claimError, err: err}
		}
		s.log.Trace("claim conflict, re-reading", logx.Task(t.name), logx.Int("attempt", attempt+1))
	}
	return claimResult{outcome: claimLost}
}

func (s *Service) noteClaim(t *task, r claimResult) {
	switch r.outcome {
	case claimWon:
		t.claims.Add(1)
		t.lastDue.Store(r.due.UnixNano())
		s.metrics.ClaimWon(t.name)
		s.metrics.ScheduleLag(t.name, r.tc.LastActual.Sub(r.due))
		eventbus.PublishSafe(s.bus, eventbus.ScheduleClaimed, ClaimEvent{Task: t.name, Node: s.nodeID(), Due: r.due})
		s.log.Debug("firing claimed", logx.Task(t.name), logx.Time("due", r.due))
	case claimLost:
		t.lost.Add(1)
		s.metrics.ClaimLost(t.name)
		eventbus.PublishSafe(s.bus, eventbus.ScheduleClaimLost, ClaimEvent{Task: t.name, Node: s.nodeID(), Due: r.due})
		s.log.Trace("firing taken by another node", logx.Task(t.name))
	case claimBusy:
		t.busy.Add(1)
		s.log.Debug("firing due but node busy", logx.Task(t.name), logx.Time("due", r.due))
	case claimError:
		t.errors.Add(1)
		s.metrics.ClaimError(t.name)
		s.reportClaimError(t.name, r.err)
	}
}

// ClaimEvent is published for won and lost claims.
type ClaimEvent struct {
	Task string    `json:"task"`
	Node string    `json:"node"`
	Due  time.Time `json:"due"`
}
