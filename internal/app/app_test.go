package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterkit/internal/config"
	"clusterkit/internal/eventbus"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Logging.Level = "error"
	cfg.Scheduler.Enabled = true
	cfg.Scheduler.NodeID = "node-test"
	cfg.Scheduler.ErrorBackoff = "20ms"
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Stop(ctx, StopAppStop)
	})
	return a
}

func waitPublished(t *testing.T, events <-chan eventbus.Event, task string) Published {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Type != eventbus.BeanPublish {
				continue
			}
			p, ok := e.Data.(Published)
			if ok && p.Task == task {
				return p
			}
		case <-deadline:
			t.Fatalf("no %s event for task %q", eventbus.BeanPublish, task)
		}
	}
}

func TestBuiltinBeans(t *testing.T) {
	a, err := NewFromConfig(testConfig())
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopAppStop)

	assert.Equal(t, []string{BeanLog, BeanPublish}, a.Beans())
}

func TestConfigTaskRunsBeanWithArg(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks = []config.TaskConfig{{
		Name:     "announce",
		Schedule: "every:50ms",
		Bean:     BeanPublish,
		Arg:      json.RawMessage(`{"msg":"hello"}`),
	}}

	a, err := NewFromConfig(cfg)
	require.NoError(t, err)
	events, unsub := a.Bus().Subscribe(256, eventbus.BeanPublish)
	defer unsub()
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(context.Background(), StopAppStop)

	p := waitPublished(t, events, "announce")
	assert.Equal(t, "node-test", p.Node)
	assert.JSONEq(t, `{"msg":"hello"}`, string(p.Arg))
	assert.False(t, p.Due.IsZero())
}

func TestDynamicTaskThroughApp(t *testing.T) {
	a := startApp(t, testConfig())
	events, unsub := a.Bus().Subscribe(256, eventbus.BeanPublish)
	defer unsub()

	ctx := context.Background()
	require.NoError(t, a.Scheduler().ScheduleDynamic(ctx, "digest", time.Hour, time.Time{}, BeanPublish, json.RawMessage(`[1,2,3]`)))

	p := waitPublished(t, events, "digest")
	assert.JSONEq(t, `[1,2,3]`, string(p.Arg))

	names, err := a.Factory().AllDynamic(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"digest"}, names)

	require.NoError(t, a.Scheduler().CancelDynamic(ctx, "digest"))
}

func TestApplyConfigReplacesTasks(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks = []config.TaskConfig{
		{Name: "a", Schedule: "every:1h", Bean: BeanLog},
		{Name: "b", Schedule: "every:1h", Bean: BeanLog},
	}
	a := startApp(t, cfg)

	next := testConfig()
	next.Logging.Level = "warn"
	next.Tasks = []config.TaskConfig{{Name: "b", Schedule: "every:2h", Bean: BeanLog}}
	a.applyConfig(context.Background(), next)

	var names []string
	for _, ti := range a.Scheduler().Snapshot().Tasks {
		names = append(names, ti.Name)
	}
	assert.Equal(t, []string{"b"}, names)
	assert.Same(t, next, a.Config())
}

func TestApplyConfigEnablesScheduler(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.Enabled = false
	on := true
	cfg.TaskEngine.Enabled = &on
	a := startApp(t, cfg)
	require.False(t, a.Scheduler().Running())

	next := testConfig()
	next.TaskEngine.Enabled = &on
	a.applyConfig(context.Background(), next)
	assert.True(t, a.Scheduler().Running())
}

func TestMetricsHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Tasks = []config.TaskConfig{{Name: "tick", Schedule: "every:30ms", Bean: BeanLog}}
	a := startApp(t, cfg)

	require.Eventually(t, func() bool {
		for _, ti := range a.Scheduler().Snapshot().Tasks {
			if ti.Name == "tick" && ti.Claims > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(a.MetricsHandler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `clusterkit_scheduler_claims_total{result="won",task="tick"}`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMapConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Scheduler.StartupSpread = true
	cfg.TaskEngine.DefaultTimeout = "45s"
	cfg.Store.Driver = "SQLite"
	cfg.Store.Path = "x.db"

	sc, err := mapSchedulerConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, defaultStartupSpread, sc.StartupSpread)
	assert.Equal(t, 20*time.Millisecond, sc.ErrorBackoff)

	ec, err := mapEngineConfig(cfg)
	require.NoError(t, err)
	assert.True(t, ec.Enabled)
	assert.Equal(t, 45*time.Second, ec.DefaultTimeout)

	st, err := mapStoreConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", st.Driver)
	assert.True(t, st.AutoCreate)
	assert.Equal(t, time.Second, st.BusyTimeout)
}

func TestMetricsMuxPprof(t *testing.T) {
	a, err := NewFromConfig(testConfig())
	require.NoError(t, err)
	defer a.Stop(context.Background(), StopAppStop)

	get := func(srvURL, path string) int {
		resp, err := http.Get(srvURL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	mux, path := a.metricsMux(config.MetricsConfig{Path: "/m"})
	assert.Equal(t, "/m", path)
	plain := httptest.NewServer(mux)
	defer plain.Close()
	assert.Equal(t, 200, get(plain.URL, "/m"))
	assert.Equal(t, 404, get(plain.URL, "/debug/pprof/"))

	mux, path = a.metricsMux(config.MetricsConfig{Pprof: true})
	assert.Equal(t, defaultMetricsPath, path)
	prof := httptest.NewServer(mux)
	defer prof.Close()
	assert.Equal(t, 200, get(prof.URL, "/debug/pprof/"))
	assert.Equal(t, 200, get(prof.URL, "/metrics"))
}
