package trigger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterkit/internal/storage"
	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

func newFactory(t *testing.T) (*trigger.Factory, *storage.Memory) {
	t.Helper()
	mem := storage.NewMemory()
	return trigger.NewFactory(mem, nil, logx.Nop()), mem
}

func TestStaticGetBootstraps(t *testing.T) {
	f, _ := newFactory(t)
	ctx := context.Background()

	tc, err := f.Get("report", false).Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, tc)
	assert.Equal(t, "report", tc.Name)
	assert.True(t, tc.LastScheduled.IsZero())
	assert.True(t, tc.LastActual.IsZero())
	assert.True(t, tc.LastCompletion.IsZero())
	assert.Equal(t, int64(1), tc.Version)
}

func TestStaticBootstrapRace(t *testing.T) {
	f, mem := newFactory(t)
	ctx := context.Background()

	const nodes = 10
	results := make([]*trigger.Context, nodes)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < nodes; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			tc, err := f.Get("shared", false).Get(ctx)
			if err == nil {
				results[i] = tc
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i, tc := range results {
		require.NotNil(t, tc, "node %d got no context", i)
		assert.Equal(t, int64(1), tc.Version, "node %d saw a rewritten context", i)
	}
	names, err := mem.List(ctx, trigger.DirStatic)
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, names)
}

func TestDynamicGetAbsent(t *testing.T) {
	f, _ := newFactory(t)
	tc, err := f.Get("ghost", true).Get(context.Background())
	require.NoError(t, err)
	assert.Nil(t, tc)
}

func TestUpdateSingleWinner(t *testing.T) {
	f, _ := newFactory(t)
	ctx := context.Background()

	a := f.Get("job", false)
	b := f.Get("job", false)
	ca, err := a.Get(ctx)
	require.NoError(t, err)
	cb, err := b.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, ca.Version, cb.Version)

	now := time.Now()
	ca.LastScheduled, ca.LastActual = now, now
	cb.LastScheduled, cb.LastActual = now, now

	okA, err := a.Update(ctx, ca)
	require.NoError(t, err)
	okB, err := b.Update(ctx, cb)
	require.NoError(t, err)

	assert.True(t, okA)
	assert.False(t, okB)
	assert.Equal(t, int64(2), ca.Version)
}

func TestUpdateMissingDynamic(t *testing.T) {
	f, _ := newFactory(t)
	ok, err := f.Get("ghost", true).Update(context.Background(), &trigger.Context{Version: 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLastCompletionMonotonic(t *testing.T) {
	f, _ := newFactory(t)
	ctx := context.Background()
	acc := f.Get("job", false)
	_, err := acc.Get(ctx)
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, acc.UpdateLastCompletionTime(ctx, base.Add(10*time.Second)))
	require.NoError(t, acc.UpdateLastCompletionTime(ctx, base.Add(5*time.Second)))

	tc, err := acc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastCompletion.Equal(base.Add(10*time.Second)))
}

func TestLastCompletionConcurrent(t *testing.T) {
	f, _ := newFactory(t)
	ctx := context.Background()
	acc := f.Get("job", false)
	_, err := acc.Get(ctx)
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = f.Get("job", false).UpdateLastCompletionTime(ctx, base.Add(time.Duration(i)*time.Second))
		}(i)
	}
	wg.Wait()

	tc, err := acc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastCompletion.Equal(base.Add(20*time.Second)))
}

// conflictStore forces the read-modify-write fallback for completion bumps.
type conflictStore struct {
	*storage.Memory
}

func (conflictStore) SetCompletionIfLater(context.Context, string, string, time.Time) (bool, error) {
	return false, trigger.ErrVersionConflict
}

func TestLastCompletionFallback(t *testing.T) {
	st := conflictStore{storage.NewMemory()}
	f := trigger.NewFactory(st, nil, logx.Nop())
	ctx := context.Background()
	acc := f.Get("job", false)
	_, err := acc.Get(ctx)
	require.NoError(t, err)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, acc.UpdateLastCompletionTime(ctx, base.Add(time.Minute)))
	require.NoError(t, acc.UpdateLastCompletionTime(ctx, base))

	tc, err := acc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, tc.LastCompletion.Equal(base.Add(time.Minute)))
}

// brokenStore fails every call.
type brokenStore struct{ storage.Memory }

var errDown = errors.New("store down")

func (*brokenStore) Read(context.Context, string, string) (*trigger.Context, error) {
	return nil, errDown
}

func (*brokenStore) CompareAndSwap(context.Context, string, string, *trigger.Context) error {
	return errDown
}

func TestAccessErrorsAreTyped(t *testing.T) {
	f := trigger.NewFactory(&brokenStore{}, nil, logx.Nop())
	ctx := context.Background()

	_, err := f.Get("job", false).Get(ctx)
	require.Error(t, err)
	assert.True(t, trigger.IsContextAccess(err))
	assert.ErrorIs(t, err, errDown)

	ok, err := f.Get("job", false).Update(ctx, &trigger.Context{Version: 1})
	assert.False(t, ok)
	assert.True(t, trigger.IsContextAccess(err))
}
