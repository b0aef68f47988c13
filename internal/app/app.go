// Package app wires configuration, logging, the fleet relay, the restart
// scheduler and the operator bot into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"restartd/internal/audit"
	"restartd/internal/bot"
	"restartd/internal/config"
	"restartd/internal/notify"
	"restartd/internal/relay"
	"restartd/internal/restart"
	"restartd/internal/runtime/supervisor"
	"restartd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	channel relay.Channel
	nats    *relay.NATSChannel // nil for the memory driver
	notif   *notify.Service
	store   audit.Store
	sched   *restart.Scheduler
	bot     *bot.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			WebhookURL: cfg.Discord.WebhookURL,
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	})
	log = log.With(logx.String("comp", "app"))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
	}

	// Fleet relay
	switch driver := strings.ToLower(strings.TrimSpace(cfg.Relay.Driver)); driver {
	case "", "nats":
		timeout, err := config.ParseDurationOrDefault("relay.request_timeout", cfg.Relay.RequestTimeout, 2*time.Second)
		if err != nil {
			return nil, err
		}
		nc, err := relay.NewNATS(relay.NATSConfig{
			URL:            cfg.Relay.URL,
			Name:           cfg.Relay.Name,
			RequestTimeout: timeout,
		}, log.With(logx.String("comp", "relay")))
		if err != nil {
			return nil, err
		}
		a.nats = nc
		a.channel = nc
	case "memory":
		// In-process channel, useful for dry runs without a fleet.
		a.channel = relay.NewMemory()
	default:
		return nil, fmt.Errorf("unknown relay.driver %q", driver)
	}

	// Discord lifecycle announcements
	a.notif = notify.New(notify.Config{
		Enabled:    cfg.Discord.Enabled,
		WebhookURL: cfg.Discord.WebhookURL,
		RatePerSec: cfg.Discord.RatePerSec,
	}, log.With(logx.String("comp", "notify")))
	a.channel = notify.Wrap(a.channel, a.notif)

	// Audit trail (optional)
	if cfg.Audit != nil {
		acfg, err := mapAuditConfig(cfg.Audit)
		if err != nil {
			return nil, err
		}
		store, err := audit.Open(acfg, log.With(logx.String("comp", "audit")))
		if err != nil {
			return nil, err
		}
		if store != nil {
			a.store = store
			log.Info("audit enabled", logx.String("driver", cfg.Audit.Driver))
		}
	}

	// Scheduler
	scfg, err := mapSchedulerConfig(&cfg.Restart)
	if err != nil {
		return nil, err
	}
	a.sched = restart.NewScheduler(scfg, a.channel, a.store, log.With(logx.String("comp", "scheduler")))

	// Operator bot (optional)
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		timeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		b, err := bot.New(bot.Config{
			Token:        cfg.Telegram.Token,
			OwnerUserIDs: cfg.Telegram.OwnerUserIDs,
			PollTimeout:  timeout,
		}, a.sched, a.triggerReload, log.With(logx.String("comp", "bot")))
		if err != nil {
			return nil, err
		}
		a.bot = b
	}

	return a, nil
}

// Done is closed when the supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	cfg := a.cfgm.Get()

	a.notif.Start(a.sup.Context())

	schedules, err := buildSchedules(&cfg.Restart)
	if err != nil {
		return err
	}
	a.sched.Reload(schedules)
	if cfg.Restart.Enabled {
		a.sched.Start(a.sup.Context())
	}

	if a.bot != nil {
		a.bot.Start(a.sup.Context())
	}

	// hot reload fan-out
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
				// Coalesce bursts: only the latest config matters.
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
				a.applyConfig(c, newCfg)
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("restartd started")
	return nil
}

func (a *App) applyConfig(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Discord: logx.DiscordConfig{
			Enabled:    cfg.Logging.Discord.Enabled,
			WebhookURL: cfg.Discord.WebhookURL,
			MinLevel:   cfg.Logging.Discord.MinLevel,
			RatePerSec: cfg.Logging.Discord.RatePerSec,
		},
	})

	a.notif.Apply(notify.Config{
		Enabled:    cfg.Discord.Enabled,
		WebhookURL: cfg.Discord.WebhookURL,
		RatePerSec: cfg.Discord.RatePerSec,
	})

	schedules, err := buildSchedules(&cfg.Restart)
	if err != nil {
		// The validator rejects bad configs before publish; this guards
		// against validator/builder drift.
		a.log.Warn("invalid restart config; keeping previous", logx.Err(err))
		return
	}
	a.sched.Reload(schedules)
	if cfg.Restart.Enabled {
		a.sched.Start(ctx)
	}

	a.log.Info("config reloaded", logx.Int("schedules", len(schedules)))
}

// triggerReload forces a config re-read outside the file watcher, used by
// the bot's /reload command.
func (a *App) triggerReload() error {
	cfg, err := a.cfgm.Parse()
	if err != nil {
		return err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return err
	}
	a.cfgm.Commit(cfg)
	if a.sup != nil {
		a.applyConfig(a.sup.Context(), cfg)
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
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
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("bot", 3*time.Second, func(c context.Context) error {
		if a.bot != nil {
			a.bot.Stop(c)
		}
		return nil
	})
	step("scheduler", 3*time.Second, func(c context.Context) error {
		a.sched.Shutdown(c)
		return nil
	})
	step("notify", 2*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	step("relay", 2*time.Second, func(c context.Context) error {
		if a.nats != nil {
			a.nats.Close()
		}
		return nil
	})
	step("audit", 1*time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_ = a.sup.Wait(wctx)

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
