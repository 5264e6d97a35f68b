package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"deployd/internal/eventbus"
	logx "deployd/pkg/logx"
)

const (
	defaultStatusReport = "@every 15m"
	defaultHistoryPrune = "@daily"
	defaultHistoryKeep  = 720 * time.Hour
)

// cronParser accepts standard 5-field cron expressions plus descriptors
// ("@daily", "@every 15m"). Shared with config validation.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// startMaintenance registers the periodic chores: a pool status report and
// pruning of old deployment history.
func (a *App) startMaintenance() error {
	cfg := a.cfgm.Get()

	statusSpec := defaultStatusReport
	pruneSpec := defaultHistoryPrune
	keep := defaultHistoryKeep
	if cfg != nil && cfg.Maintenance != nil {
		if cfg.Maintenance.StatusReport != "" {
			statusSpec = cfg.Maintenance.StatusReport
		}
		if cfg.Maintenance.HistoryPrune != "" {
			pruneSpec = cfg.Maintenance.HistoryPrune
		}
		if cfg.Maintenance.HistoryKeep != "" {
			d, err := time.ParseDuration(cfg.Maintenance.HistoryKeep)
			if err != nil {
				return fmt.Errorf("maintenance.history_keep: %w", err)
			}
			keep = d
		}
	}

	log := a.log.With(logx.String("comp", "maintenance"))
	c := cron.New(cron.WithParser(cronParser))

	if _, err := c.AddFunc(statusSpec, func() { a.reportStatus(log) }); err != nil {
		return fmt.Errorf("maintenance.status_report %q: %w", statusSpec, err)
	}
	if a.st != nil {
		if _, err := c.AddFunc(pruneSpec, func() { a.pruneHistory(log, keep) }); err != nil {
			return fmt.Errorf("maintenance.history_prune %q: %w", pruneSpec, err)
		}
	}

	c.Start()
	a.cron = c
	return nil
}

func (a *App) reportStatus(log logx.Logger) {
	info := a.poolMgr.Info()
	log.Info("pool status",
		logx.Int("workers", info.Workers),
		logx.Int("active", info.Active),
		logx.Int("queue_len", info.QueueLen),
		logx.Float64("utilization", info.Utilization),
		logx.Bool("draining", info.Draining))
	a.bus.Publish(eventbus.Event{Type: "pool.status", Data: info})
}

func (a *App) pruneHistory(log logx.Logger, keep time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	removed, err := a.st.PruneEvents(ctx, time.Now().Add(-keep))
	if err != nil {
		log.Warn("history prune failed", logx.Any("err", err))
		return
	}
	if removed > 0 {
		log.Info("history pruned", logx.Int64("removed", removed), logx.Duration("keep", keep))
	}
}
