package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"reposentinel/internal/config"
	"reposentinel/internal/cycle"
	"reposentinel/internal/eventbus"
	"reposentinel/internal/runtime/supervisor"
	"reposentinel/internal/schedule"
	logx "reposentinel/pkg/logx"
	"reposentinel/pkg/systemd"
)

const (
	jobCycle = "cycle"
	jobTrim  = "ledger.trim"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	comp *Components

	sched *schedule.Service
	sd    *systemd.Notifier

	cycleSpec    string
	cycleTimeout time.Duration
	trimSpec     string
	retention    time.Duration
	runOnStart   bool

	now func() time.Time
}

// NewApp loads the config file and wires every component. Nothing runs
// until Start or RunOnce.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.NewService(loggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath:    cfgPath,
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		bus:        eventbus.New(),
		sd:         systemd.NewNotifier(log),
		runOnStart: cfg.Schedule.RunOnStart,
		now:        time.Now,
	}
	if err := a.mapSchedule(cfg); err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	comp, err := Build(ctx, cfg, a.bus, logSvc.Logger())
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.comp = comp
	a.sched = schedule.New(schedule.Config{Timezone: cfg.Schedule.Timezone, OnSkip: a.onSkip}, logSvc.Logger())
	return a, nil
}

func (a *App) mapSchedule(cfg *config.Config) error {
	a.cycleSpec = strings.TrimSpace(cfg.Schedule.Cycle)
	if a.cycleSpec == "" {
		a.cycleSpec = defaultCycle
	}
	a.trimSpec = strings.TrimSpace(cfg.Ledger.TrimSchedule)
	if a.trimSpec == "" {
		a.trimSpec = defaultTrimSchedule
	}
	var err error
	if a.cycleTimeout, err = config.ParseDurationOrDefault("schedule.timeout", cfg.Schedule.Timeout, defaultCycleTimeout); err != nil {
		return err
	}
	a.retention, err = Retention(cfg)
	return err
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func (a *App) Config() *config.Config  { return a.cfgm.Get() }
func (a *App) Components() *Components { return a.comp }
func (a *App) Logger() logx.Logger     { return a.log }

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

// RunOnce runs a single cycle outside the scheduler.
func (a *App) RunOnce(ctx context.Context) (cycle.Result, error) {
	if a.cycleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cycleTimeout)
		defer cancel()
	}
	return a.comp.Driver.RunCycle(ctx)
}

// Trim drops ledger records older than the retention window.
func (a *App) Trim(ctx context.Context) (int64, error) {
	cutoff := a.now().Add(-a.retention)
	n, err := a.comp.Ledger.Trim(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	a.log.Info("ledger trimmed", logx.Int64("removed", n), logx.Time("cutoff", cutoff))
	a.bus.Publish(eventbus.Event{Type: eventbus.LedgerTrimmed, Data: n})
	return n, nil
}

// Close releases what NewApp opened, for callers that never Start.
func (a *App) Close() error {
	err := a.comp.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

func (a *App) cycleJob(ctx context.Context) error {
	_, err := a.comp.Driver.RunCycle(ctx)
	if errors.Is(err, cycle.ErrCycleBusy) {
		return nil
	}
	return err
}

// onSkip reports a cycle tick the scheduler dropped because the previous
// cycle was still running.
func (a *App) onSkip(job string) {
	if job != jobCycle {
		return
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.CycleSkipped, Data: eventbus.Cycle{State: a.comp.Driver.State().String()}})
}

func (a *App) trimJob(ctx context.Context) error {
	_, err := a.Trim(ctx)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := cfg.Subscriptions.Build(); err != nil {
			return err
		}
		if len(config.EnabledChannels(cfg.Notifications)) == 0 {
			return ErrNoChannels
		}
		return nil
	})

	cycleSpec, err := a.sched.Add(jobCycle, a.cycleSpec, a.cycleTimeout, a.cycleJob)
	if err != nil {
		return fmt.Errorf("schedule.cycle: %w", err)
	}
	if _, err := a.sched.Add(jobTrim, a.trimSpec, 5*time.Minute, a.trimJob); err != nil {
		return fmt.Errorf("ledger.trim_schedule: %w", err)
	}

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
				a.onEvent(e)
			}
		}
	})

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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.GoRestart("config.watch", a.cfgm.Watch, supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("systemd.watchdog", a.sd.Watchdog)

	a.sched.Start(a.sup.Context())
	if a.runOnStart {
		// Through the scheduler so the run gets the cycle timeout and Stop waits for it.
		if err := a.sched.RunNow(jobCycle); err != nil {
			a.log.Warn("initial cycle not started", logx.Err(err))
		}
	}

	next, _ := a.sched.NextRun(jobCycle)
	a.sd.Ready()
	a.sd.Status("waiting for first cycle")
	a.log.Info("app started",
		logx.String("schedule", cycleSpec.String()),
		logx.Time("next_run", next),
		logx.Strings("channels", a.comp.Fanout.Names()),
		logx.Int("subscriptions", len(a.cfgm.Get().Subscriptions.Repositories)),
	)
	return nil
}

func (a *App) onEvent(e eventbus.Event) {
	// Keep this debug-level; the driver logs outcomes itself.
	a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
	switch e.Type {
	case eventbus.CycleCommitted:
		if c, ok := e.Data.(eventbus.Cycle); ok {
			a.sd.Status(fmt.Sprintf("last cycle ok at %s, %d new", e.Time.Format(time.RFC3339), c.New))
		}
	case eventbus.CycleFailed:
		if c, ok := e.Data.(eventbus.Cycle); ok {
			a.sd.Status(fmt.Sprintf("last cycle failed at %s in %s", e.Time.Format(time.RFC3339), c.State))
		}
	}
}

// applyConfig applies the live sections of a reloaded config. Everything
// else is only reported.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(loggingConfig(newCfg))

	subs, err := newCfg.Subscriptions.Build()
	if err == nil {
		err = a.comp.Subscriptions.Replace(subs)
	}
	if err != nil {
		a.log.Warn("invalid subscriptions; keeping previous", logx.Err(err))
	}

	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.Strings("sections", restart))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Data: sections})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sd.Stopping()

	// Cancel first so a running cycle starts unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step bounded by max so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				max = min(max, time.Until(dl))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()), logx.Duration("elapsed", time.Since(start)))
			// Leak signal: report when the step eventually finishes.
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// The scheduler waits for a running cycle, including a run-on-start one
	// and its detached commit.
	step("scheduler", 45*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("ledger", 5*time.Second, func(context.Context) error { return a.comp.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
