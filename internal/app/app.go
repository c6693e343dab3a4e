// Package app assembles the whole service: config, logging, stores, CRM
// client, dispatch engine, operator console and the ops HTTP surface.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"blastbot/internal/bot"
	"blastbot/internal/broadcast"
	"blastbot/internal/config"
	"blastbot/internal/crm"
	"blastbot/internal/gupshup"
	"blastbot/internal/metrics"
	"blastbot/internal/ops"
	"blastbot/internal/report"
	rtsup "blastbot/internal/runtime/supervisor"
	"blastbot/internal/storage"
	telegram "blastbot/internal/transport/telegram/adapter"
	logx "blastbot/pkg/logx"
)

// snapshotRefreshSpec rebuilds the funnel list nightly, before the
// default sending window opens.
const snapshotRefreshSpec = "0 4 * * *"

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	met  *metrics.Metrics

	adapter    *telegram.Adapter
	jobs       *storage.JobStore
	admins     *storage.AdminStore
	deliveries *storage.DeliveryLog

	snapshots *crm.SnapshotStore
	bc        *broadcast.Service
	console   *bot.Bot
	opsSrv    *ops.Server
	cron      *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(context.Background(), cfg); err != nil {
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

	met := metrics.New()

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	storeLog := log.With(logx.String("comp", "storage"))
	jobs, err := storage.NewJobStore(cfg.Storage.Dir, storeLog)
	if err != nil {
		return nil, err
	}
	admins, err := storage.NewAdminStore(cfg.Storage.Dir, storeLog)
	if err != nil {
		return nil, err
	}
	deliveries, err := storage.OpenDeliveryLog(storage.Config{
		Dir:         cfg.Storage.Dir,
		BusyTimeout: busyTimeout,
	}, storeLog)
	if err != nil {
		return nil, err
	}

	crmTimeout, err := config.ParseDurationOrDefault("crm.request_timeout", cfg.CRM.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	crmClient := crm.New(crm.Config{
		Subdomain:   cfg.CRM.Subdomain,
		AccessToken: cfg.CRM.AccessToken,
		Timeout:     crmTimeout,
	}, met, log.With(logx.String("comp", "crm")))

	retryPause, err := config.ParseDurationOrDefault("crm.refresh_retry_pause", cfg.CRM.RefreshRetryPause, 5*time.Second)
	if err != nil {
		return nil, err
	}
	snapshots, err := crm.NewSnapshotStore(crm.SnapshotConfig{
		Dir:        filepath.Join(cfg.Storage.Dir, "crm_contacts"),
		JobDir:     cfg.Storage.Dir,
		PipelineID: cfg.CRM.PipelineID,
		Retries:    cfg.CRM.RefreshRetries,
		RetryPause: retryPause,
	}, crmClient, log.With(logx.String("comp", "crm")))
	if err != nil {
		return nil, err
	}
	audience := crm.NewAudienceBuilder(crmClient, deliveries, met, log.With(logx.String("comp", "audience")))

	gupTimeout, err := config.ParseDurationOrDefault("gupshup.request_timeout", cfg.Gupshup.RequestTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	sender := gupshup.New(gupshup.Config{
		APIKey:  cfg.Gupshup.APIKey,
		AppName: cfg.Gupshup.AppName,
		Source:  cfg.Gupshup.Source,
		Timeout: gupTimeout,
	}, log.With(logx.String("comp", "gupshup")))

	bcCfg, err := mapBroadcastConfig(cfg)
	if err != nil {
		return nil, err
	}
	bc := broadcast.New(bcCfg, jobs, deliveries, sender, met, log.With(logx.String("comp", "broadcast")))

	reporter := report.New(deliveries)

	console := bot.New(bot.Config{},
		adapter, admins, jobs, bc, sender,
		bot.NewCRMAudiences(snapshots, audience),
		reporter, log.With(logx.String("comp", "bot")))

	var opsSrv *ops.Server
	if cfg.Ops != nil && cfg.Ops.Enabled {
		oc, err := mapOpsConfig(cfg.Ops)
		if err != nil {
			return nil, err
		}
		opsSrv = ops.New(oc, jobs, bc, reporter, met, log.With(logx.String("comp", "ops")))
	}

	return &App{
		cfgm:       cfgm,
		log:        log,
		logs:       logSvc,
		met:        met,
		adapter:    adapter,
		jobs:       jobs,
		admins:     admins,
		deliveries: deliveries,
		snapshots:  snapshots,
		bc:         bc,
		console:    console,
		opsSrv:     opsSrv,
	}, nil
}

// Start brings everything up. Persisted jobs are recovered before the
// console starts accepting new ones.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(config.Validate)

	if err := a.bc.Start(a.sup.Context()); err != nil {
		return err
	}
	if err := a.bc.Recover(a.sup.Context()); err != nil {
		return fmt.Errorf("job recovery: %w", err)
	}

	if a.opsSrv != nil {
		if err := a.opsSrv.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.cron = cron.New()
	if _, err := a.cron.AddFunc(snapshotRefreshSpec, func() {
		rctx, cancel := context.WithTimeout(a.sup.Context(), 5*time.Minute)
		defer cancel()
		if _, err := a.snapshots.Refresh(rctx); err != nil {
			a.log.Warn("nightly snapshot refresh failed", logx.Err(err))
		}
	}); err != nil {
		return err
	}
	a.cron.Start()

	a.sup.Go("bot.run", func(c context.Context) error {
		err := a.console.Run(c)
		if c.Err() != nil {
			return nil
		}
		return err
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyReload(cfg)
			}
		}
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	a.log.Info("app started")
	return nil
}

// applyReload hot-applies what can change at runtime. Logging levels and
// sinks swap live; anything touching credentials or storage paths needs a
// restart and is only logged.
func (a *App) applyReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.log.Info("config reloaded; logging settings applied",
		logx.String("level", cfg.Logging.Level))
	a.log.Warn("telegram/crm/gupshup/broadcast/storage changes take effect after restart")
}

// Done is closed when the supervisor context is canceled.
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

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	a.log.Info("stopping")

	a.sup.Cancel()

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(2 * time.Second):
			a.log.Warn("cron jobs still running at shutdown")
		}
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.bc.Stop(stopCtx); err != nil {
		a.log.Warn("broadcast stop", logx.Err(err))
	}
	if a.opsSrv != nil {
		a.opsSrv.Stop(stopCtx)
	}
	if err := a.sup.Wait(stopCtx); err != nil {
		a.log.Warn("supervised goroutines still running", logx.Err(err))
	}
	if err := a.deliveries.Close(); err != nil {
		a.log.Warn("delivery log close", logx.Err(err))
	}

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	delayMin, err := config.ParseDurationOrDefault("broadcast.delay_min", cfg.Broadcast.DelayMin, 30*time.Second)
	if err != nil {
		return broadcast.Config{}, err
	}
	delayMax, err := config.ParseDurationOrDefault("broadcast.delay_max", cfg.Broadcast.DelayMax, 2*time.Minute)
	if err != nil {
		return broadcast.Config{}, err
	}
	// An unset window means sending is allowed around the clock. Operators
	// opt into a default window via broadcast.day_from/day_until in config.
	return broadcast.Config{
		Workers:    cfg.Broadcast.Workers,
		DelayMin:   delayMin,
		DelayMax:   delayMax,
		DayFrom:    cfg.Broadcast.DayFrom,
		DayUntil:   cfg.Broadcast.DayUntil,
		RatePerMin: cfg.Broadcast.RatePerMin,
	}, nil
}

func mapOpsConfig(o *config.OpsConfig) (ops.Config, error) {
	rt, err := config.ParseDurationOrDefault("ops.read_timeout", o.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("ops.write_timeout", o.WriteTimeout, 30*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("ops.idle_timeout", o.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:      o.Enabled,
		Addr:         o.Addr,
		ReadTimeout:  rt,
		WriteTimeout: wt,
		IdleTimeout:  it,
	}, nil
}
