package app

import (
	"context"
	"fmt"
	"time"

	"medwatch/internal/adherence"
	"medwatch/internal/api"
	"medwatch/internal/config"
	"medwatch/internal/eventbus"
	"medwatch/internal/ledger"
	"medwatch/internal/notify"
	rtsup "medwatch/internal/runtime/supervisor"
	"medwatch/internal/storage"
	"medwatch/internal/task/engine"
	"medwatch/internal/task/scheduler"
	"medwatch/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	sink  *notify.Sink

	clock  *adherence.ZoneClock
	engine *engine.Service
	sched  *scheduler.Service
	jobs   *adherence.Jobs
	ledger *ledger.Ledger
	api    *api.Server
}

// NewApp loads the config at cfgPath (empty means env and defaults only) and
// wires every component. Nothing runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg, time.Now)
}

// newApp wires the app around now. Jobs, the sink and the ledger read it in
// the scheduler's timezone, so "today" is the day the schedules fire on.
func newApp(cfgm *config.ConfigManager, cfg *config.Config, now func() time.Time) (*App, error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	loc, err := scheduler.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("scheduler.timezone: %w", err)
	}
	clock := adherence.NewZoneClock(now, loc)

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("path", sc.Path))

	// Close the store if anything below fails.
	ok := false
	defer func() {
		if !ok {
			_ = store.Close()
		}
	}()

	sink := notify.NewSink(log.With(logx.String("comp", "notify")),
		notify.WithBus(bus),
		notify.WithClock(clock.Now),
	)

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(mapSchedulerConfig(cfg), engineSvc, log.With(logx.String("comp", "scheduler")))

	jobs := adherence.NewJobs(store, sink, clock, log)
	jobs.Scorer.SetBus(bus)
	jcfg, err := mapJobsConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := jobs.Register(schedSvc, jcfg); err != nil {
		return nil, fmt.Errorf("register jobs: %w", err)
	}

	led := ledger.New(store, log.With(logx.String("comp", "ledger")),
		ledger.WithBus(bus),
		ledger.WithClock(clock.Now),
	)

	var srv *api.Server
	if cfg.HTTP.IsEnabled() {
		srv, err = api.New(mapAPIConfig(cfg), api.Deps{
			Sink:      sink,
			Ledger:    led,
			Scorer:    jobs.Scorer,
			Reminders: jobs.Reminder,
			Schedules: schedSvc,
		}, log)
		if err != nil {
			return nil, err
		}
	}

	ok = true
	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		store:  store,
		sink:   sink,
		clock:  clock,
		engine: engineSvc,
		sched:  schedSvc,
		jobs:   jobs,
		ledger: led,
		api:    srv,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	// Engine before scheduler: a tick must always find workers.
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}
	if a.api != nil {
		a.api.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// Reminder ticks are frequent; keep this at debug.
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("http", a.api != nil),
		logx.Any("jobs", a.sched.Names()),
	)
	return nil
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Scheduler first so no tick lands on a stopped engine. Runs already
	// executing are not canceled; the engine stop waits for them up to its bound.
	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "api", a.shutdownTimeout(), func(c context.Context) error {
		if a.api != nil {
			a.api.Stop(c)
		}
		return nil
	})
	a.step(ctx, "storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) shutdownTimeout() time.Duration {
	if cfg := a.cfgm.Get(); cfg != nil {
		if d, err := cfg.ParseDurations(); err == nil {
			return d.ShutdownTimeout
		}
	}
	return config.DefaultShutdownTimeout
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	stepCtx := ctx
	if max > 0 {
		// respect the caller's deadline; never extend it
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline",
				logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}
