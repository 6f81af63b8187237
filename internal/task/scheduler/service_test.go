package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterkit/internal/trigger"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func taskInfo(s *Service, name string) (TaskInfo, bool) {
	for _, it := range s.Snapshot().Tasks {
		if it.Name == name {
			return it, true
		}
	}
	return TaskInfo{}, false
}

func TestClusterNeverDoubleFires(t *testing.T) {
	store := newMemory()
	f := &firings{}
	ctx := context.Background()

	nodes := make([]*Service, 3)
	for i := range nodes {
		nodes[i] = newNode(t, store, Config{})
		_, err := nodes[i].AddInterval("tick", 30*time.Millisecond, time.Second, f.job)
		require.NoError(t, err)
	}
	for _, n := range nodes {
		n.Start(ctx)
	}

	require.Eventually(t, func() bool { return f.count() >= 6 }, waitFor, tick)
	for _, n := range nodes {
		n.Stop(ctx)
	}

	seen := map[time.Time]bool{}
	for _, due := range f.snapshot() {
		require.False(t, seen[due], "due %v fired twice", due)
		seen[due] = true
	}
}

type digestArg struct {
	UserID int `json:"user_id"`
}

func TestDynamicTaskSurvivesRestart(t *testing.T) {
	store := newMemory()
	ctx := context.Background()

	var last atomic.Int64
	bean := BeanFunc(func(ctx context.Context, a digestArg) error {
		last.Store(int64(a.UserID))
		return nil
	})

	a := newNode(t, store, Config{})
	require.NoError(t, a.RegisterBean("digestSender", bean))
	a.Start(ctx)
	require.NoError(t, a.ScheduleDynamic(ctx, "sendDigest", 40*time.Millisecond, time.Time{}, "digestSender", digestArg{UserID: 42}))
	require.Eventually(t, func() bool { return last.Load() == 42 }, waitFor, tick)
	a.Stop(ctx)

	names, err := a.factory.AllDynamic(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"sendDigest"}, names)

	last.Store(0)
	b := newNode(t, store, Config{})
	require.NoError(t, b.RegisterBean("digestSender", bean))
	b.Start(ctx)

	require.Eventually(t, func() bool {
		it, ok := taskInfo(b, "sendDigest")
		return ok && it.Dynamic && it.Claims > 0
	}, waitFor, tick)
	require.Eventually(t, func() bool { return last.Load() == 42 }, waitFor, tick)
}

func TestCancelDynamicStopsEveryNode(t *testing.T) {
	store := newMemory()
	ctx := context.Background()
	var runs atomic.Int32
	bean := BeanFunc(func(context.Context, struct{}) error {
		runs.Add(1)
		return nil
	})

	a := newNode(t, store, Config{})
	b := newNode(t, store, Config{})
	for _, n := range []*Service{a, b} {
		require.NoError(t, n.RegisterBean("noop", bean))
		n.Start(ctx)
	}

	require.NoError(t, a.ScheduleDynamic(ctx, "job", 30*time.Millisecond, time.Time{}, "noop", nil))
	restored, err := b.RestoreDynamic(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)
	require.Eventually(t, func() bool { return runs.Load() > 0 }, waitFor, tick)

	require.NoError(t, a.CancelDynamic(ctx, "job"))
	names, err := a.factory.AllDynamic(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	_, onA := taskInfo(a, "job")
	assert.False(t, onA)
	require.Eventually(t, func() bool {
		_, onB := taskInfo(b, "job")
		return !onB
	}, waitFor, tick)
}

func TestDynamicValidation(t *testing.T) {
	s := newNode(t, newMemory(), Config{})
	ctx := context.Background()
	job := func(context.Context) error { return nil }
	require.NoError(t, s.RegisterBean("noop", BeanFunc(func(context.Context, struct{}) error { return nil })))

	err := s.ScheduleDynamic(ctx, "x", time.Minute, time.Time{}, "missing", nil)
	assert.ErrorIs(t, err, ErrUnknownBean)

	_, err = s.AddInterval("static", time.Minute, 0, job)
	require.NoError(t, err)
	assert.ErrorIs(t, s.ScheduleDynamic(ctx, "static", time.Minute, time.Time{}, "noop", nil), ErrStaticTask)
	assert.ErrorIs(t, s.CancelDynamic(ctx, "static"), ErrStaticTask)

	require.NoError(t, s.ScheduleDynamic(ctx, "dyn", time.Minute, time.Time{}, "noop", nil))
	assert.ErrorIs(t, s.ScheduleDynamic(ctx, "dyn", time.Minute, time.Time{}, "noop", nil), trigger.ErrDuplicatedTask)
	_, err = s.AddInterval("dyn", time.Minute, 0, job)
	assert.ErrorIs(t, err, ErrNameTaken)

	assert.ErrorIs(t, s.CancelDynamic(ctx, "nope"), trigger.ErrNoNode)
	assert.Error(t, s.RegisterBean("", BeanFunc(func(context.Context, struct{}) error { return nil })))
}

func TestOnceFiresOnceAcrossCluster(t *testing.T) {
	store := newMemory()
	f := &firings{}
	ctx := context.Background()
	at := time.Now().Add(30 * time.Millisecond)

	nodes := []*Service{newNode(t, store, Config{}), newNode(t, store, Config{})}
	for _, n := range nodes {
		_, err := n.AddOnce("boot", at, 0, f.job)
		require.NoError(t, err)
		n.Start(ctx)
	}

	require.Eventually(t, func() bool { return f.count() == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if it, ok := taskInfo(n, "boot"); !ok || !it.Finished {
				return false
			}
		}
		return true
	}, waitFor, tick)
	assert.Equal(t, 1, f.count())
}

func TestTriggerNow(t *testing.T) {
	s := newNode(t, newMemory(), Config{})
	f := &firings{}
	ctx := context.Background()
	_, err := s.AddInterval("manual", time.Hour, 0, f.job)
	require.NoError(t, err)

	won, err := s.TriggerNow(ctx, "manual")
	require.NoError(t, err)
	assert.True(t, won)
	require.Eventually(t, func() bool { return f.count() == 1 }, waitFor, tick)

	won, err = s.TriggerNow(ctx, "manual")
	require.NoError(t, err)
	assert.False(t, won, "next firing is an hour away")

	_, err = s.TriggerNow(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestCompletionOnlyOnSuccess(t *testing.T) {
	s := newNode(t, newMemory(), Config{})
	ctx := context.Background()

	var (
		mu     sync.Mutex
		failed []string
	)
	s.SetErrorHandler(func(task string, err error) {
		mu.Lock()
		failed = append(failed, task)
		mu.Unlock()
	})
	boom := errors.New("boom")
	_, err := s.AddInterval("flaky", time.Hour, 0, func(context.Context) error { return boom })
	require.NoError(t, err)
	_, err = s.AddInterval("fine", time.Hour, 0, func(context.Context) error { return nil })
	require.NoError(t, err)

	for _, name := range []string{"flaky", "fine"} {
		won, err := s.TriggerNow(ctx, name)
		require.NoError(t, err)
		require.True(t, won)
	}

	require.Eventually(t, func() bool {
		tc, err := s.factory.Get("fine", false).Get(ctx)
		return err == nil && !tc.LastCompletion.IsZero()
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(failed) == 1 && failed[0] == "flaky"
	}, waitFor, tick)

	tc, err := s.factory.Get("flaky", false).Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastCompletion.IsZero())
	assert.False(t, tc.LastActual.IsZero())
}

func TestUnknownBeanIsReported(t *testing.T) {
	s := newNode(t, newMemory(), Config{})
	ctx := context.Background()
	errs := make(chan error, 1)
	s.SetErrorHandler(func(_ string, err error) { errs <- err })

	_, err := s.factory.CreateDynamic(ctx, "orphan", 0, time.Now().Add(-time.Second), "nobody", nil)
	require.NoError(t, err)
	n, err := s.RestoreDynamic(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	won, err := s.TriggerNow(ctx, "orphan")
	require.NoError(t, err)
	require.True(t, won)
	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrUnknownBean)
	case <-time.After(waitFor):
		t.Fatal("error handler not called")
	}
}

func TestFixedDelayNeverOverlaps(t *testing.T) {
	s := newNode(t, newMemory(), Config{})
	var running, maxRunning, runs atomic.Int32
	_, err := s.AddFixedDelay("slow", 10*time.Millisecond, 0, func(context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			m := maxRunning.Load()
			if n <= m || maxRunning.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		runs.Add(1)
		return nil
	})
	require.NoError(t, err)
	s.Start(context.Background())

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, waitFor, tick)
	assert.EqualValues(t, 1, maxRunning.Load())
}

func TestLifecycleAndSnapshot(t *testing.T) {
	s := newNode(t, newMemory(), Config{NodeID: "node-a"})
	ctx := context.Background()
	_, err := s.AddCron("hourly", "@hourly", time.Minute, func(context.Context) error { return nil })
	require.NoError(t, err)

	s.Start(ctx)
	require.True(t, s.Running())
	snap := s.Snapshot()
	assert.Equal(t, "node-a", snap.NodeID)
	require.Len(t, snap.Tasks, 1)
	assert.Equal(t, "cron:@hourly", snap.Tasks[0].Spec)
	assert.False(t, snap.Tasks[0].Attached.IsZero())

	s.Apply(Config{Enabled: true, Timezone: "UTC"})
	snap = s.Snapshot()
	assert.Equal(t, "UTC", snap.Timezone)
	require.Len(t, snap.Tasks, 1)

	assert.True(t, s.Remove("hourly"))
	assert.False(t, s.Remove("hourly"))

	s.Stop(ctx)
	assert.False(t, s.Running())
}

func TestDisabledDoesNotStart(t *testing.T) {
	s := newNode(t, newMemory(), Config{})
	s.Apply(Config{Enabled: false})
	s.Start(context.Background())
	assert.False(t, s.Running())
}
