// Package app wires the engine together: config, logging, storage, the
// telegram adapter, the per-credential delivery pool, the two scheduling
// managers and the approval runner, with an ordered, bounded shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"postbot/internal/adapters/telegram"
	"postbot/internal/config"
	"postbot/internal/delivery"
	"postbot/internal/kit"
	"postbot/internal/runtime/supervisor"
	"postbot/internal/schedule"
	"postbot/internal/services/approval"
	"postbot/internal/services/broadcast"
	"postbot/internal/services/notify"
	"postbot/internal/services/publication"
	"postbot/internal/storage"
	"postbot/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logs   *logx.Service
	log    logx.Logger

	adapter *telegram.Adapter
	store   *storage.Store
	pool    *delivery.Pool
	notif   *notify.Service

	publications *publication.Service
	broadcasts   *broadcast.Service
	approvals    *approval.Service

	sup   *supervisor.Supervisor
	cfgCh chan *config.Config
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	mgr.Commit(cfg)
	mgr.SetValidator(func(ctx context.Context, c *config.Config) error { return c.Validate() })

	boot := logx.NewConsole(cfg.Logging.Level)
	adapter, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token}, boot)
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	logs, log := logx.New(logCfg(cfg), adapter)
	mgr.SetLogger(log.With(logx.String("component", "config")))

	busyTimeout, _ := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, config.DefaultBusyTimeout)
	store, err := storage.Open(storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("component", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pool := delivery.NewPool(delivery.Config{
		SendRate:   cfg.Throttle.SendRate,
		DeleteRate: cfg.Throttle.DeleteRate,
		Interval:   cfg.ThrottleInterval(),
	}, func(token string) (kit.Sender, error) {
		if token == cfg.Telegram.Token {
			return adapter, nil
		}
		extra, err := telegram.New(telegram.Config{Token: token}, log.With(logx.String("component", "telegram")))
		if err != nil {
			return nil, err
		}
		return extra, nil
	}, log.With(logx.String("component", "delivery")))

	channel, err := pool.Channel(cfg.Telegram.Token)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("delivery channel: %w", err)
	}

	notif := notify.New(notify.Config{
		ChatIDs:    cfg.Operators.ChatIDs,
		RatePerSec: cfg.Operators.RatePerSec,
	}, adapter, log.With(logx.String("component", "notify")))

	pubPoll, err := parsePoll("publication.poll", cfg.Publication.Poll)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}
	bcPoll, err := parsePoll("broadcast.poll", cfg.Broadcast.Poll)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	pubs := publication.New(
		publication.Config{Poll: pubPoll},
		publication.NewRecords(store),
		publication.NewArchive(store),
		channel,
		nil, // analytics collaborator is wired by the admin console when present
		notif,
		log.With(logx.String("component", "publication")),
	)
	bcs := broadcast.New(
		broadcast.Config{
			Poll:            bcPoll,
			PageSize:        cfg.Broadcast.PageSize,
			CleanupPageSize: cfg.Broadcast.CleanupPageSize,
		},
		broadcast.NewRecords(store),
		broadcast.NewArchive(store),
		store,
		channel,
		notif,
		log.With(logx.String("component", "broadcast")),
	)
	appr := approval.New(
		approval.Config{
			Rate:     cfg.Approval.Rate,
			Interval: cfg.ThrottleInterval(),
			PageSize: cfg.Approval.PageSize,
		},
		approval.NewJobs(store),
		store,
		adapter,
		notif,
		log.With(logx.String("component", "approval")),
	)

	adapter.SetJoinRequestHandler(func(ctx context.Context, channelID, userID int64) {
		if err := store.AddJoinRequest(ctx, storage.JoinRequest{ChannelID: channelID, UserID: userID}); err != nil {
			log.Warn("join request intake failed",
				logx.Int64("channel", channelID), logx.Int64("user", userID), logx.Err(err))
		}
	})

	return &App{
		cfgMgr:       mgr,
		logs:         logs,
		log:          log,
		adapter:      adapter,
		store:        store,
		pool:         pool,
		notif:        notif,
		publications: pubs,
		broadcasts:   bcs,
		approvals:    appr,
	}, nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ChatID:     cfg.Telegram.GroupLog,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func parsePoll(path, raw string) (schedule.Spec, error) {
	if raw == "" {
		return schedule.Spec{}, nil
	}
	spec, err := schedule.Parse(raw)
	if err != nil {
		return schedule.Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// Publications exposes the publication manager to the admin surface.
func (a *App) Publications() *publication.Service { return a.publications }

// Broadcasts exposes the broadcast manager to the admin surface.
func (a *App) Broadcasts() *broadcast.Service { return a.broadcasts }

// Approvals exposes the batch approval runner to the admin surface.
func (a *App) Approvals() *approval.Service { return a.approvals }

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("component", "supervisor"))))

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start adapter: %w", err)
	}
	a.pool.Start(a.sup.Context())
	a.publications.Start(a.sup.Context())
	a.broadcasts.Start(a.sup.Context())
	if err := a.approvals.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start approval runner: %w", err)
	}

	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.cfgCh = a.cfgMgr.Subscribe(1)
	a.sup.Go0("config-apply", func(ctx context.Context) {
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-a.cfgCh:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	a.log.Info("engine started")
	return nil
}

// applyConfig applies the hot-reloadable subset: logging and the operator
// notifier. Throttle rates and poll cadences need a restart.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logCfg(cfg))
	a.notif.Apply(notify.Config{
		ChatIDs:    cfg.Operators.ChatIDs,
		RatePerSec: cfg.Operators.RatePerSec,
	})
	a.log.Info("config applied", logx.Int("operator_chats", len(cfg.Operators.ChatIDs)))
}

// Stop shuts components down in dependency order. Each step is bounded so
// one stalled component cannot hang the whole stop.
func (a *App) Stop(ctx context.Context) error {
	step := func(name string, max time.Duration, fn func(context.Context)) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		done := make(chan struct{})
		go func() {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					a.log.Error("panic in stop step", logx.String("step", name), logx.Any("panic", r))
				}
			}()
			fn(stepCtx)
		}()
		select {
		case <-done:
			a.log.Debug("stop step done", logx.String("step", name))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached", logx.String("step", name))
		}
	}

	step("approval", 5*time.Second, func(c context.Context) { a.approvals.Stop(c) })
	step("publication", 3*time.Second, func(c context.Context) { a.publications.Stop(c) })
	step("broadcast", 3*time.Second, func(c context.Context) { a.broadcasts.Stop(c) })
	step("pool", 3*time.Second, func(c context.Context) { a.pool.Stop(c) })
	step("adapter", 3*time.Second, func(c context.Context) { _ = a.adapter.Stop(c) })
	if a.sup != nil {
		a.sup.Cancel()
		step("supervisor", 2*time.Second, func(c context.Context) { _ = a.sup.Wait(c) })
	}
	if a.cfgCh != nil {
		a.cfgMgr.Unsubscribe(a.cfgCh)
		a.cfgCh = nil
	}
	step("storage", 2*time.Second, func(c context.Context) { _ = a.store.Close() })
	a.log.Info("engine stopped")
	return a.logs.Close()
}
