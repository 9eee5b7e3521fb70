// Package app wires the bot together: config, logging, archive, tenant
// store, Telegram transport, digest scheduler, session manager, commands
// and metrics, all supervised under one run context.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"digestbot/internal/archive"
	"digestbot/internal/commands"
	"digestbot/internal/config"
	"digestbot/internal/mailer"
	"digestbot/internal/metrics"
	"digestbot/internal/runtime/supervisor"
	"digestbot/internal/scheduler"
	"digestbot/internal/session"
	"digestbot/internal/tenant"
	"digestbot/internal/transport"
	telegram "digestbot/internal/transport/telegram"
	logx "digestbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	arch    *archive.Store
	tenants *tenant.Store
	adapter *telegram.Adapter
	sched   *scheduler.Service
	sessm   *session.Manager
	cmdm    *commands.Manager

	metricsAddr string

	updates chan transport.Update
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
	})
	log = log.With(logx.String("comp", "app"))

	busyTimeout, err := config.ParseDurationOrDefault("archive.busy_timeout", cfg.Archive.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	arch, err := archive.Open(archive.Config{
		Path:        cfg.Archive.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "archive")))
	if err != nil {
		return nil, err
	}

	tenants := tenant.NewStore(cfg.Store.Path, cfg.Digest.DefaultIntervalMinutes,
		log.With(logx.String("comp", "tenants")))
	if err := tenants.Load(); err != nil {
		_ = arch.Close()
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		_ = arch.Close()
		return nil, err
	}
	healthInterval, err := config.ParseDurationOrDefault("telegram.health_interval", cfg.Telegram.HealthInterval, 30*time.Second)
	if err != nil {
		_ = arch.Close()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:           cfg.Telegram.Token,
		PollTimeout:     pollTimeout,
		HealthInterval:  healthInterval,
		HealthFailLimit: cfg.Telegram.HealthFailLimit,
	}, arch, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = arch.Close()
		return nil, err
	}

	var deliverer scheduler.Deliverer
	subjectPrefix := ""
	if cfg.Email != nil {
		subjectPrefix = cfg.Email.SubjectPrefix
		if m := mailer.New(mailer.Config{
			APIKey:     cfg.Email.APIKey,
			From:       cfg.Email.From,
			RatePerSec: cfg.Email.RatePerSec,
		}, log.With(logx.String("comp", "mailer"))); m != nil {
			deliverer = m
		}
	}

	tick, err := config.ParseDurationOrDefault("digest.tick_interval", cfg.Digest.TickInterval, time.Minute)
	if err != nil {
		_ = arch.Close()
		return nil, err
	}
	sched := scheduler.New(scheduler.Config{
		TickInterval:  tick,
		ArtifactDir:   cfg.Digest.ArtifactDir,
		SubjectPrefix: subjectPrefix,
	}, tenants, arch, deliverer, log.With(logx.String("comp", "scheduler")))

	initial, err := config.ParseDurationOrDefault("reconnect.initial_delay", cfg.Reconnect.InitialDelay, 5*time.Second)
	if err != nil {
		_ = arch.Close()
		return nil, err
	}
	maxDelay, err := config.ParseDurationOrDefault("reconnect.max_delay", cfg.Reconnect.MaxDelay, time.Minute)
	if err != nil {
		_ = arch.Close()
		return nil, err
	}
	sessm := session.New(session.Config{
		InitialBackoff: initial,
		MaxBackoff:     maxDelay,
		MaxAttempts:    cfg.Reconnect.MaxAttempts,
	}, ad, sched, log.With(logx.String("comp", "session")))

	cmdm := commands.NewManager(log.With(logx.String("comp", "commands")), ad, cfg.Telegram.OwnerUserIDs)
	cmdm.Register(commands.DigestCommands(tenants)...)

	metricsAddr := ""
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsAddr = cfg.Metrics.Addr
		if metricsAddr == "" {
			metricsAddr = "127.0.0.1:9090"
		}
	}

	return &App{
		cfgPath:     cfgPath,
		cfgm:        cfgm,
		log:         log,
		logs:        logSvc,
		arch:        arch,
		tenants:     tenants,
		adapter:     ad,
		sched:       sched,
		sessm:       sessm,
		cmdm:        cmdm,
		metricsAddr: metricsAddr,
		updates:     make(chan transport.Update, 256),
	}, nil
}

// Done is closed when the run context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		if strings.TrimSpace(cfg.Telegram.Token) == "" {
			return fmt.Errorf("telegram.token must not be empty")
		}
		if cfg.Digest.DefaultIntervalMinutes < 1 {
			return fmt.Errorf("digest.default_interval_minutes must be >= 1")
		}
		for _, key := range []struct{ path, raw string }{
			{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
			{"telegram.health_interval", cfg.Telegram.HealthInterval},
			{"digest.tick_interval", cfg.Digest.TickInterval},
			{"archive.busy_timeout", cfg.Archive.BusyTimeout},
			{"reconnect.initial_delay", cfg.Reconnect.InitialDelay},
			{"reconnect.max_delay", cfg.Reconnect.MaxDelay},
		} {
			if strings.TrimSpace(key.raw) == "" {
				continue
			}
			if _, err := config.ParseDurationField(key.path, key.raw); err != nil {
				return err
			}
		}
		return nil
	})

	a.adapter.SetUpdates(a.updates)

	// The session manager owns connect/reconnect and starts/stops the
	// scheduler around session lifetime. Its error is fatal for the app.
	a.sup.Go("session.run", func(c context.Context) error {
		return a.sessm.Run(c)
	})

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	if a.metricsAddr != "" {
		addr := a.metricsAddr
		a.sup.Go("metrics.serve", func(c context.Context) error {
			return metrics.Serve(c, addr)
		})
	}

	// Config hot-reload: logging level and owner list apply live; transport
	// and storage changes need a restart.
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
				a.logs.Apply(logx.Config{
					Level:   newCfg.Logging.Level,
					Console: newCfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: newCfg.Logging.File.Enabled,
						Path:    newCfg.Logging.File.Path,
					},
				})
				a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
				a.log.Info("config reloaded")
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	// Bounded shutdown steps so one component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- fn(stepCtx) }()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("archive", 1*time.Second, func(context.Context) error { return a.arch.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
