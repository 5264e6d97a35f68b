// Package app wires the daemon together: config, logging, store, worker
// pool, HTTP API, notifier and maintenance jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"deployd/internal/api"
	"deployd/internal/config"
	"deployd/internal/deploy"
	"deployd/internal/eventbus"
	"deployd/internal/notifier"
	"deployd/internal/observability/pprof"
	"deployd/internal/pool"
	rtsup "deployd/internal/runtime/supervisor"
	"deployd/internal/store"
	logx "deployd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus eventbus.Bus
	st  store.Store // may be nil

	poolMgr  *pool.Manager
	apiSrv   *api.Server
	notif    *notifier.Service
	pprofSrv *pprof.Service
	cron     *cron.Cron
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
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateConfig(c)
	})

	bus := eventbus.New()

	var st store.Store
	if cfg.Storage != nil {
		busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
		if err != nil {
			return nil, err
		}
		st, err = store.Open(store.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("comp", "store")))
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}

	poolCfg, err := poolConfigFrom(cfg.Pool)
	if err != nil {
		return nil, err
	}
	deployCfg, err := deployConfigFrom(cfg.Deploy)
	if err != nil {
		return nil, err
	}

	runner := deploy.NewExecRunner(deployCfg, st, log.With(logx.String("comp", "deploy")))
	poolMgr := pool.New(poolCfg, log.With(logx.String("comp", "pool")), bus, &storeResolver{st: st}, runner)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		st:      st,
		poolMgr: poolMgr,
	}

	if cfg.API != nil && cfg.API.Enabled {
		apiCfg, err := apiConfigFrom(cfg.API)
		if err != nil {
			return nil, err
		}
		a.apiSrv = api.New(apiCfg, poolMgr, st, log.With(logx.String("comp", "api")))
	}

	if cfg.Notifier != nil && cfg.Notifier.Enabled {
		n, err := notifier.New(notifier.Config{
			Token:      cfg.Notifier.Token,
			ChatID:     cfg.Notifier.ChatID,
			RatePerSec: cfg.Notifier.RatePerSec,
		}, bus, log.With(logx.String("comp", "notifier")))
		if err != nil {
			return nil, fmt.Errorf("notifier: %w", err)
		}
		a.notif = n
	}

	if cfg.Pprof != nil {
		a.pprofSrv = pprof.New(pprof.Config{
			Enabled:              cfg.Pprof.Enabled,
			Addr:                 cfg.Pprof.Addr,
			MutexProfileFraction: cfg.Pprof.MutexProfileFraction,
			BlockProfileRate:     cfg.Pprof.BlockProfileRate,
		}, log)
	}

	return a, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))

	if err := a.poolMgr.Start(ctx); err != nil {
		return err
	}
	if a.apiSrv != nil {
		if err := a.apiSrv.Start(ctx); err != nil {
			return err
		}
	}
	if a.notif != nil {
		a.notif.Start(ctx)
	}
	if a.pprofSrv != nil {
		a.pprofSrv.Start(ctx)
	}
	if err := a.startMaintenance(); err != nil {
		return err
	}

	// A panicking job body never reaches the runner's failure path, so the
	// store would keep the target in "deploying" forever. Watch the bus for
	// crash events and mark the target failed from here.
	if a.st != nil {
		events, unsub := a.bus.Subscribe(16)
		a.sup.Go0("store.crashmark", func(ctx context.Context) {
			defer unsub()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					if ev.Type == "job.crashed" {
						a.markCrashed(ctx, ev)
					}
				}
			}
		})
	}

	// Hot-reload: watch the config file and re-apply the logging section.
	// Pool and server sections need a restart; changing them only logs a note.
	a.sup.Go("config.watch", a.cfgm.Watch)
	updates := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(cfg)
			}
		}
	})

	// Under systemd (Type=notify) this flips the unit to "active".
	// Outside systemd it is a no-op.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Any("err", err))
	} else if sent {
		a.log.Debug("sd_notify: READY")
	}
	a.startWatchdog()

	a.log.Info("daemon started")
	return nil
}

// startWatchdog pets the systemd watchdog at half the configured interval.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.sup.Go0("watchdog", func(ctx context.Context) {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func (a *App) markCrashed(ctx context.Context, ev eventbus.Event) {
	je, ok := ev.Data.(pool.JobEvent)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	now := time.Now()
	if err := a.st.SetStatus(wctx, je.TargetID, "failed", now); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.log.Warn("store: mark crashed failed", logx.String("target", je.TargetID), logx.Any("err", err))
	}
	_ = a.st.AppendEvent(wctx, store.StatusEvent{
		At:       now,
		TargetID: je.TargetID,
		Kind:     je.Kind,
		Status:   "failed",
		Detail:   "worker crashed mid-job",
	})
}

// Stop drains the pool and tears everything down. The bool reports whether
// all in-flight jobs finished within the drain window.
func (a *App) Stop(ctx context.Context) bool {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.cron != nil {
		cronCtx := a.cron.Stop()
		select {
		case <-cronCtx.Done():
		case <-time.After(2 * time.Second):
			a.log.Warn("maintenance jobs still running at shutdown")
		}
	}
	if a.apiSrv != nil {
		a.apiSrv.Stop(ctx)
	}

	drained := a.poolMgr.Shutdown(ctx)
	if !drained {
		a.log.Warn("pool drain timed out; jobs were force-terminated")
	}

	if a.notif != nil {
		a.notif.Stop()
	}
	if a.pprofSrv != nil {
		a.pprofSrv.Stop(ctx)
	}
	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
	}
	if a.st != nil {
		_ = a.st.Close()
	}

	a.log.Info("daemon stopped", logx.Bool("drained", drained))
	_ = a.logs.Close()
	return drained
}

// applyConfig handles a committed config reload. Only the logging section is
// hot-applied.
func (a *App) applyConfig(cfg *config.Config) {
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
	a.bus.Publish(eventbus.Event{Type: "config.updated"})
}

// storeResolver adapts the store to the pool's target existence check.
// Without a store every target is accepted; the deploy command is then the
// sole authority on whether a target is real.
type storeResolver struct {
	st store.Store
}

func (r *storeResolver) ExistsTarget(ctx context.Context, targetID string) (bool, error) {
	if r.st == nil {
		return true, nil
	}
	_, ok, err := r.st.GetDeployment(ctx, targetID)
	return ok, err
}
