// Package app wires configuration, storage, the dispatch provider, the
// notification engine, and the cron trigger into one runnable daemon.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"beanprepared/internal/config"
	"beanprepared/internal/dispatch"
	"beanprepared/internal/engine"
	"beanprepared/internal/eventbus"
	"beanprepared/internal/ops"
	"beanprepared/internal/store"
	logx "beanprepared/pkg/logx"
)

type App struct {
	mgr *config.Manager

	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	st  store.Store
	eng *engine.Service

	cron    *cron.Cron
	tickID  cron.EntryID
	opsSrv  *ops.Server
	watchFn context.CancelFunc
	reloads chan *config.Config
}

func New(ctx context.Context, cfgPath string) (*App, error) {
	bootLog := logx.NewConsole("INFO")
	mgr := config.NewManager(cfgPath, bootLog)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
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

	bus := eventbus.New()

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(ctx, store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busyTimeout,
	}, logs.Logger().With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	log.Info("storage ready", logx.String("driver", cfg.Storage.Driver))

	disp, err := buildDispatcher(cfg, logs.Logger().With(logx.String("comp", "dispatch")))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	eng := engine.New(engCfg, st, st, st, disp, bus, logs.Logger().With(logx.String("comp", "engine")))

	a := &App{
		mgr:  mgr,
		logs: logs,
		log:  log,
		bus:  bus,
		st:   st,
		eng:  eng,
	}

	// Overlapping ticks would race the same candidate pairs, so a tick that
	// overruns its interval skips the next firing instead of stacking.
	clog := cronLogger{log: logs.Logger().With(logx.String("comp", "cron"))}
	a.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(clog)))
	a.tickID, err = a.cron.AddFunc(cfg.Scheduler.Tick, a.runTick)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("scheduler.tick %q: %w", cfg.Scheduler.Tick, err)
	}

	if cfg.Ops.Enabled {
		a.opsSrv = ops.NewServer(cfg.Ops.Addr, eng, bus, logs.Logger().With(logx.String("comp", "ops")))
	}
	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchFn = cancel
	a.reloads = a.mgr.Subscribe(1)
	go func() { _ = a.mgr.Watch(watchCtx) }()
	go a.applyReloads()

	if a.opsSrv != nil {
		a.opsSrv.Start()
	}
	a.cron.Start()
	a.log.Info("scheduler started", logx.Time("next_tick", a.cron.Entry(a.tickID).Next))

	// No-op outside systemd.
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.watchFn != nil {
		a.watchFn()
	}
	if a.reloads != nil {
		a.mgr.Unsubscribe(a.reloads)
	}

	// Stop triggering and let the in-flight tick finish or hit the deadline.
	done := a.cron.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		a.log.Warn("shutdown deadline reached with a tick still running")
	}

	if a.opsSrv != nil {
		if err := a.opsSrv.Stop(ctx); err != nil {
			a.log.Warn("ops server shutdown failed", logx.Err(err))
		}
	}
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func (a *App) runTick() {
	rep, err := a.eng.RunTick(context.Background(), time.Now().UTC())
	if err != nil {
		return // already logged by the engine with tick context
	}
	if rep.Candidates > 0 {
		a.log.Info("tick done",
			logx.String("tick", rep.ID),
			logx.Int("sent", rep.Sent),
			logx.Int("failed", rep.Failed),
			logx.Int("no_recipients", rep.NoRecipients),
			logx.Duration("dur", rep.Duration),
		)
	}
}

// applyReloads pushes committed config edits into the live services. The
// cron spec and storage driver need a restart; everything else applies hot.
func (a *App) applyReloads() {
	for cfg := range a.reloads {
		a.logs.Apply(logx.Config{
			Level:   cfg.Logging.Level,
			Console: cfg.Logging.Console,
			File: logx.FileConfig{
				Enabled: cfg.Logging.File.Enabled,
				Path:    cfg.Logging.File.Path,
			},
		})
		engCfg, err := mapEngineConfig(cfg)
		if err != nil {
			a.log.Warn("reload rejected", logx.Err(err))
			continue
		}
		a.eng.Apply(engCfg)
		a.log.Info("reload applied", logx.String("level", cfg.Logging.Level))
	}
}

func buildDispatcher(cfg *config.Config, log logx.Logger) (engine.Dispatcher, error) {
	timeout, err := config.ParseDurationOrDefault("dispatch.timeout", cfg.Dispatch.Timeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Dispatch.Provider)) {
	case "", "onesignal":
		return dispatch.NewOneSignal(dispatch.OneSignalConfig{
			AppID:      cfg.Dispatch.OneSignal.AppID,
			RESTAPIKey: cfg.Dispatch.OneSignal.RESTAPIKey,
			BaseURL:    cfg.Dispatch.OneSignal.BaseURL,
			Timeout:    timeout,
		}, log)
	case "telegram":
		return dispatch.NewTelegram(dispatch.TelegramConfig{
			Token:   cfg.Dispatch.Telegram.Token,
			Timeout: timeout,
		}, log)
	default:
		return nil, fmt.Errorf("unknown dispatch provider %q", cfg.Dispatch.Provider)
	}
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	pad, err := config.ParseDurationOrDefault("engine.pad", cfg.Engine.Pad, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("dispatch.timeout", cfg.Dispatch.Timeout, 10*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	return engine.Config{
		Workers:         cfg.Engine.Workers,
		Pad:             pad,
		DispatchTimeout: timeout,
		RatePerSec:      cfg.Dispatch.RatePerSec,
		Heading:         cfg.Engine.Heading,
	}, nil
}

// cronLogger adapts logx to the cron logging interface.
type cronLogger struct {
	log logx.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug(msg, logx.Any("kv", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error(msg, logx.Err(err), logx.Any("kv", kv))
}
