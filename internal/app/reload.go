package app

import (
	"context"
	"strings"
	"time"

	"medwatch/internal/config"
	"medwatch/pkg/logx"
)

// applyConfig applies a validated reload. Logging, the engine, the scheduler
// and job schedules change live; storage and http need a restart.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	ch := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(ch.Sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(ch.Sections, ","))}, ch.Attrs...)
	a.log.Debug("config change summary", fields...)

	if len(ch.RestartRequired) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(ch.RestartRequired, ",")))
	}

	if ch.Has("logging") && a.logs != nil {
		a.logs.Apply(mapLogConfig(newCfg))
	}

	if ch.Has("task_engine") || ch.Has("scheduler") || ch.Has("jobs") {
		a.applyExecution(ctx, newCfg)
	}

	if ch.Has("jobs") {
		jcfg, err := mapJobsConfig(newCfg)
		if err != nil {
			a.log.Warn("invalid jobs config; keeping previous", logx.Err(err))
		} else if err := a.jobs.Register(a.sched, jcfg); err != nil {
			a.log.Warn("some job schedules were not applied", logx.Err(err))
		}
	}

	a.log.Info("config reloaded", fields...)
}

// applyExecution swaps engine and scheduler config and starts or stops them
// when the enabled flag flips (scheduler first on shutdown, engine first on startup).
func (a *App) applyExecution(ctx context.Context, newCfg *config.Config) {
	prevSched := a.sched.Enabled()
	prevEng := a.engine.Enabled()

	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		return
	}
	a.engine.Apply(engCfg)
	schedCfg := mapSchedulerConfig(newCfg)
	a.sched.Apply(schedCfg)
	if loc := a.sched.Location(); loc.String() != a.clock.Location().String() {
		a.clock.SetLocation(loc)
		a.log.Info("job clock moved to scheduler timezone", logx.String("tz", loc.String()))
	}

	if prevSched && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEng && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEng && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
	}
	if !prevSched && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}
