package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"strings"
	"time"

	"clusterkit/internal/config"
	logx "clusterkit/pkg/logx"
)

const (
	defaultMetricsPath = "/metrics"
	pprofPrefix        = "/debug/pprof/"
)

// applyProfileRates sets the runtime profiling knobs. They apply even when
// pprof is not mounted so a later enable sees collected data.
func applyProfileRates(mc config.MetricsConfig) {
	runtime.SetBlockProfileRate(mc.BlockProfileRate)
	runtime.SetMutexProfileFraction(mc.MutexProfileFraction)
}

func (a *App) metricsMux(mc config.MetricsConfig) (*http.ServeMux, string) {
	path := strings.TrimSpace(mc.Path)
	if path == "" {
		path = defaultMetricsPath
	}
	mux := http.NewServeMux()
	mux.Handle(path, a.MetricsHandler())
	if mc.Pprof {
		mux.HandleFunc(pprofPrefix, pprof.Index)
		mux.HandleFunc(pprofPrefix+"cmdline", pprof.Cmdline)
		mux.HandleFunc(pprofPrefix+"profile", pprof.Profile)
		mux.HandleFunc(pprofPrefix+"symbol", pprof.Symbol)
		mux.HandleFunc(pprofPrefix+"trace", pprof.Trace)
	}
	return mux, path
}

// startMetricsServer serves the registry when metrics.enabled is set. The
// listener lives on the app supervisor and closes when it is cancelled.
func (a *App) startMetricsServer() {
	mc := a.Config().Metrics
	applyProfileRates(mc)
	if !mc.Enabled {
		return
	}
	mux, path := a.metricsMux(mc)
	srv := &http.Server{
		Addr:              mc.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	ln, err := net.Listen("tcp", mc.Addr)
	if err != nil {
		a.log.Error("metrics listen failed", logx.String("addr", mc.Addr), logx.Err(err))
		return
	}
	a.metricsAddr.Store(ln.Addr().String())
	log := a.log.With(logx.Comp("metrics"))
	log.Info("metrics server listening",
		logx.String("addr", ln.Addr().String()),
		logx.String("path", path),
		logx.Bool("pprof", mc.Pprof),
	)

	a.sup.Go0("metrics.http", func(ctx context.Context) {
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Serve(ln) }()
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", logx.Err(err))
			}
		}
		a.metricsAddr.Store("")
	})
}

// MetricsAddr is the bound metrics listener address, or "" when none runs.
func (a *App) MetricsAddr() string {
	s, _ := a.metricsAddr.Load().(string)
	return s
}
