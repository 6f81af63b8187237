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

	"clusterkit/internal/storage"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

func TestClaimWonThenNotDue(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	s := fixedNode(t, store, clk)
	tk := staticTask(t, s, "report", FixedRate{Period: time.Minute}, t0)
	ctx := context.Background()

	r := s.claim(ctx, tk, nil)
	require.Equal(t, claimWon, r.outcome, "err=%v", r.err)
	assert.True(t, r.due.Equal(t0))
	assert.True(t, r.tc.LastScheduled.Equal(t0))
	assert.True(t, r.tc.LastActual.Equal(t0))

	r = s.claim(ctx, tk, nil)
	assert.Equal(t, claimNotDue, r.outcome)
	assert.True(t, r.due.Equal(t0.Add(time.Minute)))

	clk.Set(t0.Add(time.Minute))
	r = s.claim(ctx, tk, nil)
	require.Equal(t, claimWon, r.outcome)
	assert.True(t, r.due.Equal(t0.Add(time.Minute)))
}

func TestClaimLostToOtherNode(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	a := fixedNode(t, store, clk)
	b := fixedNode(t, store, clk)
	ctx := context.Background()

	ta := staticTask(t, a, "report", FixedRate{Period: time.Minute}, t0)
	tb := staticTask(t, b, "report", FixedRate{Period: time.Minute}, t0)

	// Both nodes planned against the same empty context.
	var seen time.Time
	require.Equal(t, claimWon, a.claim(ctx, ta, &seen).outcome)
	r := b.claim(ctx, tb, &seen)
	assert.Equal(t, claimLost, r.outcome)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	ctx := context.Background()

	const nodes = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		outs []claimOutcome
	)
	for i := 0; i < nodes; i++ {
		s := fixedNode(t, store, clk)
		tk := staticTask(t, s, "report", FixedRate{Period: time.Minute}, t0)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var seen time.Time
			r := s.claim(ctx, tk, &seen)
			mu.Lock()
			outs = append(outs, r.outcome)
			mu.Unlock()
		}()
	}
	wg.Wait()

	won := 0
	for _, o := range outs {
		require.NotEqual(t, claimError, o)
		if o == claimWon {
			won++
		}
	}
	assert.Equal(t, 1, won, "outcomes: %v", outs)

	tc, err := trigger.NewFactory(store, nil, logx.Nop()).Get("report", false).Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastScheduled.Equal(t0))
}

func TestClaimSkipsMissedWindows(t *testing.T) {
	store := newMemory()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, trigger.DirStatic, "report", &trigger.Context{LastScheduled: t0}))

	clk := &fakeClock{now: t0.Add(10*time.Minute + 30*time.Second)}
	s := fixedNode(t, store, clk)
	tk := staticTask(t, s, "report", FixedRate{Period: time.Minute}, t0)

	r := s.claim(ctx, tk, nil)
	require.Equal(t, claimWon, r.outcome)
	assert.True(t, r.due.Equal(t0.Add(10*time.Minute)), "due = %v", r.due)
}

func TestClaimOnceFinishes(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	s := fixedNode(t, store, clk)
	tk := staticTask(t, s, "boot", Once{At: t0.Add(-time.Second)}, t0)
	ctx := context.Background()

	require.Equal(t, claimWon, s.claim(ctx, tk, nil).outcome)
	assert.Equal(t, claimFinished, s.claim(ctx, tk, nil).outcome)
}

func TestClaimDynamicGoneOrCancelled(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	s := fixedNode(t, store, clk)
	ctx := context.Background()

	gone := s.newDynamicTask("gone", s.factory.Get("gone", true))
	assert.Equal(t, claimFinished, s.claim(ctx, gone, nil).outcome)

	_, err := s.factory.CreateDynamic(ctx, "digest", time.Minute, t0.Add(-time.Minute), "log", nil)
	require.NoError(t, err)
	tk := s.newDynamicTask("digest", s.factory.Get("digest", true))
	require.Equal(t, claimWon, s.claim(ctx, tk, nil).outcome)

	require.NoError(t, s.factory.Cancel(ctx, "digest"))
	clk.Set(t0.Add(time.Hour))
	assert.Equal(t, claimFinished, s.claim(ctx, tk, nil).outcome)
}

type failingStore struct{ *storage.Memory }

var errStoreDown = errors.New("store down")

func (failingStore) Read(context.Context, string, string) (*trigger.Context, error) {
	return nil, errStoreDown
}

func TestClaimStoreErrorIsReported(t *testing.T) {
	clk := &fakeClock{now: t0}
	s := fixedNode(t, failingStore{newMemory()}, clk)
	tk := staticTask(t, s, "report", FixedRate{Period: time.Minute}, t0)

	r := s.claim(context.Background(), tk, nil)
	require.Equal(t, claimError, r.outcome)
	assert.ErrorIs(t, r.err, errStoreDown)
	assert.True(t, trigger.IsContextAccess(r.err))

	s.noteClaim(tk, r)
	assert.EqualValues(t, 1, tk.errors.Load())
}

func TestFailingBodyRunsOncePerWonClaim(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	s := fixedNode(t, store, clk)
	tk := staticTask(t, s, "flaky", FixedRate{Period: time.Minute}, t0)
	tk.opt = TaskOptions{Overlap: OverlapSkipIfRunning}

	var runs atomic.Int32
	tk.job = func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("backend down")
	}
	ctx := context.Background()

	// The engine breaker trips after five consecutive failures.
	var won, busy int
	for i := 0; i < 8; i++ {
		clk.Set(t0.Add(time.Duration(i) * time.Minute))
		r := s.claim(ctx, tk, nil)
		if r.outcome == claimBusy {
			busy++
			continue
		}
		require.Equal(t, claimWon, r.outcome, "firing %d", i)
		won++
		done := s.fire(ctx, tk, r)
		require.NotNil(t, done, "firing %d not queued", i)
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Fatalf("firing %d did not finish", i)
		}
	}
	assert.Equal(t, 5, won)
	assert.Equal(t, 3, busy)
	assert.EqualValues(t, won, runs.Load(), "every won claim ran its body")
	assert.False(t, tk.state.Running())

	// The open breaker left the last firings to the rest of the cluster.
	tc, err := tk.acc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastScheduled.Equal(t0.Add(4*time.Minute)))

	other := fixedNode(t, store, clk)
	to := staticTask(t, other, "flaky", FixedRate{Period: time.Minute}, t0)
	r := other.claim(ctx, to, nil)
	require.Equal(t, claimWon, r.outcome)
	assert.True(t, r.due.Equal(t0.Add(7*time.Minute)))
}

func TestBusyNodeLeavesFiringToOthers(t *testing.T) {
	store := newMemory()
	clk := &fakeClock{now: t0}
	a := fixedNode(t, store, clk)
	b := fixedNode(t, store, clk)
	ctx := context.Background()

	ta := staticTask(t, a, "report", FixedRate{Period: time.Minute}, t0)
	ta.opt = TaskOptions{Overlap: OverlapSkipIfRunning}
	tb := staticTask(t, b, "report", FixedRate{Period: time.Minute}, t0)

	// A previous run still holds the slot on node a.
	require.True(t, ta.state.TryAcquire())
	r := a.claim(ctx, ta, nil)
	assert.Equal(t, claimBusy, r.outcome)
	a.noteClaim(ta, r)
	assert.EqualValues(t, 1, ta.busy.Load())

	tc, err := ta.acc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastScheduled.IsZero())

	r = b.claim(ctx, tb, nil)
	require.Equal(t, claimWon, r.outcome)
	assert.True(t, r.due.Equal(t0))

	// The slot is still owned by the earlier run, not by the busy claim.
	assert.True(t, ta.state.Running())
	ta.state.Release()
	assert.False(t, ta.state.Running())
}

func TestWonClaimHoldsOverlapSlot(t *testing.T) {
	clk := &fakeClock{now: t0}
	s := fixedNode(t, newMemory(), clk)
	tk := staticTask(t, s, "report", FixedRate{Period: time.Minute}, t0)
	tk.opt = TaskOptions{Overlap: OverlapSkipIfRunning}

	r := s.claim(context.Background(), tk, nil)
	require.Equal(t, claimWon, r.outcome)
	assert.True(t, r.held)
	assert.True(t, tk.state.Running())
	tk.state.Release()

	clk.Set(t0.Add(time.Minute))
	require.True(t, tk.state.TryAcquire())
	r = s.claim(context.Background(), tk, nil)
	assert.Equal(t, claimBusy, r.outcome)
	tk.state.Release()

	r = s.claim(context.Background(), tk, nil)
	require.Equal(t, claimWon, r.outcome)
	assert.True(t, r.due.Equal(t0.Add(time.Minute)))
	tk.state.Release()
}
