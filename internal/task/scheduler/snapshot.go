package scheduler

import (
	"sort"
	"time"
)

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	running := s.sup != nil
	loc := s.loc
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	eng := s.engine
	s.mu.Unlock()

	if loc == nil {
		loc = time.Local
	}

	items := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		it := TaskInfo{
			Name:     t.name,
			Dynamic:  t.dynamic(),
			Spec:     t.spec,
			Timeout:  t.timeout,
			Claims:   t.claims.Load(),
			Lost:     t.lost.Load(),
			Busy:     t.busy.Load(),
			Errors:   t.errors.Load(),
			Finished: t.finished.Load(),
		}
		if v := t.start.Load(); v != 0 {
			it.Attached = time.Unix(0, v)
		}
		if v := t.lastDue.Load(); v != 0 {
			it.LastDue = time.Unix(0, v).In(loc)
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })

	snap := Snapshot{
		Enabled:  enabled,
		Running:  running,
		Timezone: loc.String(),
		NodeID:   s.node,
		Tasks:    items,
		History:  []HistoryItem{},
	}
	if eng != nil {
		es := eng.Snapshot()
		snap.Workers = es.Workers
		snap.InFlight = es.InFlight
		snap.QueueLen = es.QueueLen
		snap.QueueCap = es.QueueCap
		snap.Dropped = es.Dropped
		snap.DroppedQueueFull = es.DroppedQueueFull
		snap.DroppedStale = es.DroppedStale
		snap.CircuitOpen = es.CircuitOpen
		snap.DefaultTimeout = es.DefaultTimeout
		snap.MaxQueueDelay = es.MaxQueueDelay
		snap.History = es.History
	}
	return snap
}
