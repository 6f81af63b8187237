package app

import (
	"context"
	"strings"

	"clusterkit/internal/config"
	logx "clusterkit/pkg/logx"
)

func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts; only the newest config matters.
			for drained := false; !drained; {
				select {
				case newer, ok := <-sub:
					if !ok {
						return
					}
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			if newCfg != nil {
				a.applyConfig(ctx, newCfg)
			}
		}
	}
}

// applyConfig applies the live-reloadable parts of newCfg: logging, engine
// sizing, scheduler settings and config-declared tasks.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	a.cfgMu.Lock()
	prev := a.cfg
	a.cfgMu.Unlock()

	sections, attrs := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(rr, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))
	applyProfileRates(newCfg.Metrics)

	if engCfg, err := mapEngineConfig(newCfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if schedCfg, err := mapSchedulerConfig(newCfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasRunning := a.sched.Running()
		a.sched.Apply(schedCfg)
		if !wasRunning && schedCfg.Enabled {
			a.log.Info("scheduler enabled via config")
			a.sched.Start(ctx)
		}
	}

	if err := a.applyTasks(newCfg.Tasks); err != nil {
		a.log.Warn("config tasks not fully applied", logx.Err(err))
	}

	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}
