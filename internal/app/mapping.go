package app

import (
	"errors"
	"fmt"
	"time"

	"deployd/internal/api"
	"deployd/internal/config"
	"deployd/internal/deploy"
	"deployd/internal/pool"
)

// The config package keeps durations as strings so the file format stays
// uniform; these helpers convert sections into component configs.

func poolConfigFrom(c config.PoolConfig) (pool.Config, error) {
	drain, err := config.ParseDurationOrDefault("pool.drain_timeout", c.DrainTimeout, 0)
	if err != nil {
		return pool.Config{}, err
	}
	maint, err := config.ParseDurationOrDefault("pool.maintenance_interval", c.MaintenanceInterval, 0)
	if err != nil {
		return pool.Config{}, err
	}
	return pool.Config{
		Workers:             c.Workers,
		MaxQueue:            c.MaxQueue,
		RestartThreshold:    c.RestartThreshold,
		DrainTimeout:        drain,
		MaintenanceInterval: maint,
	}, nil
}

func deployConfigFrom(c config.DeployConfig) (deploy.Config, error) {
	timeout, err := config.ParseDurationOrDefault("deploy.command_timeout", c.CommandTimeout, 0)
	if err != nil {
		return deploy.Config{}, err
	}
	return deploy.Config{
		CreateCmd:      c.CreateCmd,
		RestartCmd:     c.RestartCmd,
		RebuildCmd:     c.RebuildCmd,
		WorkDir:        c.WorkDir,
		Env:            c.Env,
		CommandTimeout: timeout,
	}, nil
}

func apiConfigFrom(c *config.APIConfig) (api.Config, error) {
	readT, err := config.ParseDurationOrDefault("api.read_timeout", c.ReadTimeout, 0)
	if err != nil {
		return api.Config{}, err
	}
	writeT, err := config.ParseDurationOrDefault("api.write_timeout", c.WriteTimeout, 0)
	if err != nil {
		return api.Config{}, err
	}
	idleT, err := config.ParseDurationOrDefault("api.idle_timeout", c.IdleTimeout, 0)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Addr:         c.Addr,
		Token:        c.Token,
		ReadTimeout:  readT,
		WriteTimeout: writeT,
		IdleTimeout:  idleT,
	}, nil
}

// validateConfig runs the same conversions the bootstrap would, so a broken
// edit is rejected at hot reload instead of committed and half-applied.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if _, err := poolConfigFrom(cfg.Pool); err != nil {
		return err
	}
	if _, err := deployConfigFrom(cfg.Deploy); err != nil {
		return err
	}
	if cfg.API != nil {
		if _, err := apiConfigFrom(cfg.API); err != nil {
			return err
		}
	}
	if cfg.Storage != nil {
		if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0); err != nil {
			return err
		}
	}
	if m := cfg.Maintenance; m != nil {
		if m.StatusReport != "" {
			if _, err := cronParser.Parse(m.StatusReport); err != nil {
				return fmt.Errorf("maintenance.status_report %q: %w", m.StatusReport, err)
			}
		}
		if m.HistoryPrune != "" {
			if _, err := cronParser.Parse(m.HistoryPrune); err != nil {
				return fmt.Errorf("maintenance.history_prune %q: %w", m.HistoryPrune, err)
			}
		}
		if m.HistoryKeep != "" {
			if _, err := time.ParseDuration(m.HistoryKeep); err != nil {
				return fmt.Errorf("maintenance.history_keep %q: %w", m.HistoryKeep, err)
			}
		}
	}
	return nil
}
