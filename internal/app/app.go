package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"hundredbot/internal/bot"
	"hundredbot/internal/config"
	"hundredbot/internal/eventbus"
	"hundredbot/internal/notifier"
	"hundredbot/internal/notifier/broadcast"
	"hundredbot/internal/observability/metrics"
	"hundredbot/internal/observability/ops"
	"hundredbot/internal/progress"
	"hundredbot/internal/runtime/supervisor"
	"hundredbot/internal/scheduler"
	"hundredbot/internal/storage"
	"hundredbot/internal/tracker"
	kit "hundredbot/internal/transport"
	telegram "hundredbot/internal/transport/telegram/adapter"
	"hundredbot/internal/transport/telegram/router"
	logx "hundredbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter *telegram.Adapter

	prog     *progress.Store
	notif    *notifier.Service
	taskSup  *supervisor.Supervisor
	tasks    *scheduler.Registry
	midnight *scheduler.Midnight
	tracker  *tracker.Service
	bcast    *broadcast.Service
	cmdm     *router.CommandManager

	metrics *metrics.Metrics
	ops     *ops.Service

	updates chan kit.Message
	ready   atomic.Bool
}

// NewApp loads the config and builds every component. Nothing runs until
// Start.
func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// Bootstrap with the Telegram sink off so Apply does not warn about a
	// missing target, then set the target and apply the real config.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad.Send)
	if chatID, _ := cfg.Telegram.GroupLogChatID(); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logCfg)
	log = log.With(logx.String("comp", "app"))

	loc, err := cfg.Challenge.Location()
	if err != nil {
		return nil, err
	}
	pol, err := cfg.Challenge.Policy()
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	store, err := storage.Open(ctx, sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage ready", logx.String("driver", storageDriverName(sc.Driver)))

	prog := progress.New(store, progress.Options{
		Policy:   pol,
		Location: loc,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "progress")),
	})

	notif := notifier.New(ncfg, ad, store, bus, log.With(logx.String("comp", "notifier")))

	// Tasks get their own supervisor: one failing participant must never
	// cancel the app.
	taskSup := supervisor.New(context.Background(),
		supervisor.WithLogger(log.With(logx.String("comp", "scheduler"))),
		supervisor.WithCancelOnError(false),
	)
	tasks := scheduler.NewRegistry(taskSup, scheduler.Deps{
		Progress: prog,
		Notifier: notif,
		Clock:    prog.Clock(),
		Bus:      bus,
		Log:      log.With(logx.String("comp", "scheduler")),
		Config:   schedCfg,
	})
	midnight := scheduler.NewMidnight(tasks, settleCron(cfg))

	tr := tracker.New(prog, tasks, midnight, log.With(logx.String("comp", "tracker")))
	bcast := broadcast.New(notif.Send, log.With(logx.String("comp", "broadcast")))

	cmdm := router.NewCommandManager(log.With(logx.String("comp", "commands")),
		ad, cfg.Telegram.OwnerUserIDs, router.Options{Bus: bus})
	bot.New(tr, bcast, bot.Options{
		Log:   log.With(logx.String("comp", "bot")),
		Clock: prog.Clock(),
	}).Install(cmdm)

	m := metrics.New(bus)

	a := &App{
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		adapter:  ad,
		prog:     prog,
		notif:    notif,
		taskSup:  taskSup,
		tasks:    tasks,
		midnight: midnight,
		tracker:  tr,
		bcast:    bcast,
		cmdm:     cmdm,
		metrics:  m,
		updates:  make(chan kit.Message, 256),
	}
	a.ops = ops.New(opsCfg, ops.Sources{
		Metrics:     m,
		Tasks:       tasks.Statuses,
		LastSweep:   midnight.Last,
		Supervisors: a.supervisors,
		Ready:       a.readiness,
	}, log.With(logx.String("comp", "ops")))
	return a, nil
}

func storageDriverName(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) readiness() error {
	if !a.ready.Load() {
		return errors.New("starting")
	}
	return nil
}

func (a *App) supervisors() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{"scheduler": a.taskSup.Snapshot()}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if s := a.adapter.Supervisor(); s != nil {
		out["telegram.adapter"] = s.Snapshot()
	}
	if s := a.cmdm.Supervisor(); s != nil {
		out["telegram.router"] = s.Snapshot()
	}
	if s := a.ops.Supervisor(); s != nil {
		out["ops.http"] = s.Snapshot()
	}
	return out
}

// validate rejects reloads the static checks in config.Validate cannot see.
func validate(_ context.Context, cfg *config.Config) error {
	if err := scheduler.ValidateCron(settleCron(cfg)); err != nil {
		return fmt.Errorf("challenge.settle_cron: %w", err)
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	_, err := mapStorageConfig(cfg)
	return err
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)
	if err := validate(run, a.cfgm.Get()); err != nil {
		return err
	}

	if err := a.adapter.Start(run, a.updates); err != nil {
		return err
	}

	n, err := a.tasks.RestartAll(run)
	if err != nil {
		return fmt.Errorf("restore participants: %w", err)
	}
	if err := a.midnight.Start(run); err != nil {
		return err
	}

	a.sup.Go("broadcast", a.bcast.Run)
	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })
	a.ops.Start(run)

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: only the latest config matters.
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
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.ready.Store(true)
	a.log.Info("app started", logx.Int("participants", n))
	return nil
}

// applyConfig fans a committed config out to the live components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if keys := config.RestartRequired(oldCfg, newCfg); len(keys) > 0 {
		a.log.Warn("config change needs a restart to take effect", logx.String("keys", strings.Join(keys, ",")))
	}

	chatID, _ := newCfg.Telegram.GroupLogChatID()
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(newCfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if challengeChanged(oldCfg.Challenge, newCfg.Challenge) {
		a.applyChallenge(ctx, oldCfg, newCfg)
	}

	if oc, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, oc)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func challengeChanged(o, n config.ChallengeConfig) bool {
	return o.Threshold != n.Threshold || o.MaxLives != n.MaxLives ||
		!strings.EqualFold(o.RepsPolicy, n.RepsPolicy) ||
		!strings.EqualFold(o.ReminderPolicy, n.ReminderPolicy) ||
		o.RetryBackoff != n.RetryBackoff || o.CallTimeout != n.CallTimeout ||
		strings.TrimSpace(o.SettleCron) != strings.TrimSpace(n.SettleCron)
}

// applyChallenge swaps the rules and restarts every task so reminders and
// settlement follow them from now on. The timezone is fixed until restart.
func (a *App) applyChallenge(ctx context.Context, oldCfg, newCfg *config.Config) {
	pol, err := newCfg.Challenge.Policy()
	if err != nil {
		a.log.Warn("invalid challenge rules; keeping previous", logx.Err(err))
		return
	}
	sc, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid challenge scheduling; keeping previous", logx.Err(err))
		return
	}
	a.prog.SetPolicy(pol)
	a.tasks.SetConfig(sc)
	if _, err := a.tasks.RestartAll(ctx); err != nil {
		a.log.Warn("task restart after config change failed", logx.Err(err))
	}
	if settleCron(oldCfg) != settleCron(newCfg) {
		if err := a.midnight.Reschedule(ctx, settleCron(newCfg)); err != nil {
			a.log.Warn("settle cron not changed", logx.Err(err))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.ready.Store(false)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if max > 0 {
			// Respect the caller's deadline; never extend it.
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
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
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("midnight", 2*time.Second, func(c context.Context) error { a.midnight.Stop(c); return nil })
	step("tasks", 3*time.Second, func(c context.Context) error {
		err := a.tasks.Stop(c)
		a.taskSup.Cancel()
		return err
	})
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	// Wait for supervised goroutines (dispatcher, broadcast, config) before
	// the store goes away under them.
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
