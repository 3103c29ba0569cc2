// Package app wires config, logging, storage, the registry and the
// services together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"timerbot/internal/bot"
	"timerbot/internal/config"
	"timerbot/internal/registry"
	"timerbot/internal/runtime/supervisor"
	"timerbot/internal/services/notify"
	"timerbot/internal/services/sweep"
	"timerbot/internal/storage"
	"timerbot/internal/transport"
	"timerbot/internal/transport/telegram"
	logx "timerbot/pkg/logx"
)

// StopReason tags a shutdown for the logs.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store   storage.Store
	adapter *telegram.Adapter
	reg     *registry.Registry
	sender  *notify.Sender
	sweeper *sweep.Service
	router  *bot.Router

	updates chan transport.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		logs.Close()
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logs.Logger().With(logx.String("comp", "telegram")))
	if err != nil {
		logs.Close()
		return nil, err
	}

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logs.Close()
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, logs.Logger().With(logx.String("comp", "storage")))
		if err != nil {
			logs.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	var regStore registry.Store
	if store != nil {
		regStore = store
	}
	reg := registry.New(regStore, logs.Logger().With(logx.String("comp", "registry")))

	if store != nil {
		loadCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		records, err := store.LoadAll(loadCtx)
		cancel()
		if err != nil {
			_ = store.Close()
			logs.Close()
			return nil, fmt.Errorf("load persisted timers: %w", err)
		}
		var timers int
		for _, rec := range records {
			reg.Seed(rec.UserID, rec.Paused, rec.Timers)
			timers += len(rec.Timers)
		}
		log.Info("timers loaded", logx.Int("users", len(records)), logx.Int("timers", timers))
	}

	sender := notify.New(mapNotifyConfig(cfg), adapter, logs.Logger().With(logx.String("comp", "notify")))

	sweepCfg, err := mapSweepConfig(cfg)
	if err != nil {
		logs.Close()
		return nil, err
	}
	sweeper := sweep.New(sweepCfg, reg, sender, logs.Logger().With(logx.String("comp", "sweep")))
	router := bot.NewRouter(reg, adapter, logs.Logger().With(logx.String("comp", "bot")))
	router.SetOwners(cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		store:   store,
		adapter: adapter,
		reg:     reg,
		sender:  sender,
		sweeper: sweeper,
		router:  router,
		updates: make(chan transport.Update, 128),
	}, nil
}

// Done closes when a fatal error cancels the run context.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
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

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := config.ParseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := mapSweepConfig(cfg); err != nil {
			return err
		}
		if err := sweep.ValidateSchedule(cfg.Sweep.Schedule); err != nil {
			return fmt.Errorf("sweep.schedule: %w", err)
		}
		if cfg.Notify.RatePerSec < 0 {
			return fmt.Errorf("notify.rate_per_sec must be >= 0")
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.router.OnShutdown(a.sup.Cancel)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.router.SetBotName(a.adapter.BotName())

	if err := a.sweeper.Start(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(newCfg)
			}
		}
	})

	a.log.Info("started")
	return nil
}

// applyConfig pushes a validated hot-reloaded config into the running
// services. Storage and the Telegram token need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	a.sender.Apply(mapNotifyConfig(cfg))

	sweepCfg, err := mapSweepConfig(cfg)
	if err != nil {
		// The validator rejects these before publish; belt and braces.
		a.log.Warn("invalid sweep config; keeping previous", logx.Err(err))
	} else {
		a.sweeper.Apply(sweepCfg)
	}

	a.log.Info("config applied")
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Each shutdown step gets an upper bound so one component can't
	// stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		start := time.Now()
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
			} else {
				a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("sweep", 2*time.Second, func(c context.Context) error { a.sweeper.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}
