package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterkit/internal/trigger"
	logx "clusterkit/pkg/logx"
)

// runStoreSuite checks the behaviour every backend must share.
func runStoreSuite(t *testing.T, open func(t *testing.T) trigger.Store) {
	t.Run("ReadMissing", func(t *testing.T) {
		st := open(t)
		_, err := st.Read(context.Background(), trigger.DirStatic, "nope")
		assert.ErrorIs(t, err, trigger.ErrNoNode)
	})

	t.Run("CreateThenRead", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		ls := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		in := &trigger.Context{LastScheduled: ls, Period: time.Minute, Bean: "log", Arg: []byte(`"hi"`)}
		require.NoError(t, st.Create(ctx, trigger.DirDynamic, "a", in))
		assert.Equal(t, int64(1), in.Version)

		got, err := st.Read(ctx, trigger.DirDynamic, "a")
		require.NoError(t, err)
		assert.True(t, got.LastScheduled.Equal(ls))
		assert.True(t, got.LastActual.IsZero())
		assert.Equal(t, time.Minute, got.Period)
		assert.Equal(t, "log", got.Bean)
		assert.Equal(t, `"hi"`, string(got.Arg))
		assert.Equal(t, int64(1), got.Version)

		err = st.Create(ctx, trigger.DirDynamic, "a", &trigger.Context{Bean: "x"})
		assert.ErrorIs(t, err, trigger.ErrNodeExists)
	})

	t.Run("CompareAndSwap", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, trigger.DirStatic, "job", &trigger.Context{}))

		first, err := st.Read(ctx, trigger.DirStatic, "job")
		require.NoError(t, err)
		second, err := st.Read(ctx, trigger.DirStatic, "job")
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Millisecond)
		first.LastScheduled = now
		require.NoError(t, st.CompareAndSwap(ctx, trigger.DirStatic, "job", first))
		assert.Equal(t, int64(2), first.Version)

		second.LastScheduled = now.Add(time.Second)
		assert.ErrorIs(t, st.CompareAndSwap(ctx, trigger.DirStatic, "job", second), trigger.ErrVersionConflict)

		got, err := st.Read(ctx, trigger.DirStatic, "job")
		require.NoError(t, err)
		assert.True(t, got.LastScheduled.Equal(now))

		missing := &trigger.Context{Version: 1}
		assert.ErrorIs(t, st.CompareAndSwap(ctx, trigger.DirStatic, "gone", missing), trigger.ErrNoNode)
	})

	t.Run("CompletionNanosecondOrder", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, trigger.DirStatic, "job", &trigger.Context{}))

		base := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
		for i, at := range []time.Time{base, base.Add(time.Nanosecond), base.Add(2 * time.Nanosecond)} {
			ok, err := st.SetCompletionIfLater(ctx, trigger.DirStatic, "job", at)
			require.NoError(t, err)
			assert.True(t, ok, "completion %d", i)
		}
		ok, err := st.SetCompletionIfLater(ctx, trigger.DirStatic, "job", base.Add(time.Nanosecond))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := st.Read(ctx, trigger.DirStatic, "job")
		require.NoError(t, err)
		assert.True(t, got.LastCompletion.Equal(base.Add(2*time.Nanosecond)), "got %v", got.LastCompletion)
	})

	t.Run("CompletionIsMonotonic", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, trigger.DirStatic, "job", &trigger.Context{}))

		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		ok, err := st.SetCompletionIfLater(ctx, trigger.DirStatic, "job", base.Add(2*time.Second))
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = st.SetCompletionIfLater(ctx, trigger.DirStatic, "job", base.Add(time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := st.Read(ctx, trigger.DirStatic, "job")
		require.NoError(t, err)
		assert.True(t, got.LastCompletion.Equal(base.Add(2*time.Second)))
		assert.Equal(t, int64(2), got.Version)

		_, err = st.SetCompletionIfLater(ctx, trigger.DirStatic, "gone", base)
		assert.ErrorIs(t, err, trigger.ErrNoNode)
	})

	t.Run("List", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		names, err := st.List(ctx, trigger.DirDynamic)
		if err != nil {
			assert.ErrorIs(t, err, trigger.ErrNoNode)
		} else {
			assert.Empty(t, names)
		}
		for _, n := range []string{"b", "a", "c"} {
			require.NoError(t, st.Create(ctx, trigger.DirDynamic, n, &trigger.Context{Bean: "log"}))
		}
		require.NoError(t, st.Create(ctx, trigger.DirStatic, "s", &trigger.Context{}))

		names, err = st.List(ctx, trigger.DirDynamic)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c"}, names)
	})

	t.Run("ConcurrentCASHasOneWinner", func(t *testing.T) {
		st := open(t)
		ctx := context.Background()
		require.NoError(t, st.Create(ctx, trigger.DirStatic, "race", &trigger.Context{}))

		var wins atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				tc, err := st.Read(ctx, trigger.DirStatic, "race")
				if err != nil {
					return
				}
				if tc.Version != 1 {
					return
				}
				tc.LastActual = time.Unix(int64(i+1), 0)
				if st.CompareAndSwap(ctx, trigger.DirStatic, "race", tc) == nil {
					wins.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()
		assert.Equal(t, int32(1), wins.Load())
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) trigger.Store { return NewMemory() })
}

func TestFileStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) trigger.Store {
		st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "ctx.db")}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.db")
	ctx := context.Background()
	ls := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	st, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	tc := &trigger.Context{Bean: "log", Period: time.Minute}
	require.NoError(t, st.Create(ctx, trigger.DirDynamic, "a", tc))
	tc.LastScheduled = ls
	require.NoError(t, st.CompareAndSwap(ctx, trigger.DirDynamic, "a", tc))
	require.NoError(t, st.Close())

	st, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	got, err := st.Read(ctx, trigger.DirDynamic, "a")
	require.NoError(t, err)
	assert.True(t, got.LastScheduled.Equal(ls))
	assert.Equal(t, int64(2), got.Version)
}

func TestFileStoreCompacts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctx.db")
	ctx := context.Background()

	raw, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	fs := raw.(*fileStore)
	fs.compactEvery = 3

	for i := 0; i < 4; i++ {
		require.NoError(t, fs.Create(ctx, trigger.DirStatic, fmt.Sprintf("t%d", i), &trigger.Context{}))
	}
	require.NoError(t, fs.Close())

	_, err = os.Stat(filepath.Join(filepath.Dir(path), "ctx.snapshot.json"))
	require.NoError(t, err)

	reopened, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	names, err := reopened.List(ctx, trigger.DirStatic)
	require.NoError(t, err)
	assert.Equal(t, []string{"t0", "t1", "t2", "t3"}, names)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) trigger.Store {
		st, err := Open(Config{
			Driver:     "sqlite",
			Path:       filepath.Join(t.TempDir(), "ctx.sqlite"),
			AutoCreate: true,
		}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = st.Close() })
		return st
	})
}

func TestSQLiteRejectsBadTable(t *testing.T) {
	_, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "x.sqlite"), Prefix: "bad name;"}, logx.Nop())
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) trigger.Store {
		mr := miniredis.RunT(t)
		client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		return NewRedis(client, "clusterkit_test", logx.Nop())
	})
}

// TestRedisServerStore runs the suite against a real server when
// CLUSTERKIT_TEST_REDIS names one.
func TestRedisServerStore(t *testing.T) {
	addr := os.Getenv("CLUSTERKIT_TEST_REDIS")
	if addr == "" {
		t.Skip("CLUSTERKIT_TEST_REDIS not set")
	}
	runStoreSuite(t, func(t *testing.T) trigger.Store {
		client := goredis.NewClient(&goredis.Options{Addr: addr})
		prefix := fmt.Sprintf("clusterkit_test_%d", time.Now().UnixNano())
		t.Cleanup(func() {
			ctx := context.Background()
			keys, _ := client.Keys(ctx, prefix+":*").Result()
			if len(keys) > 0 {
				_ = client.Del(ctx, keys...).Err()
			}
			_ = client.Close()
		})
		return NewRedis(client, prefix, logx.Nop())
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "etcd"}, logx.Nop())
	assert.ErrorIs(t, err, ErrUnknownDriver)
}

func TestOpenDefaultsToMemory(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	_, ok := st.(*Memory)
	assert.True(t, ok)
}
