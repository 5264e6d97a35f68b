package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Pool controls the deployment worker pool (the scheduler core).
	Pool PoolConfig `json:"pool"`

	// Deploy configures the commands the runner executes per job kind.
	Deploy DeployConfig `json:"deploy"`

	Storage  *StorageConfig  `json:"storage,omitempty"`
	API      *APIConfig      `json:"api,omitempty"`
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Maintenance *MaintenanceConfig `json:"maintenance,omitempty"`
	Pprof       *PprofConfig       `json:"pprof,omitempty"`
}

// PoolConfig controls the worker pool.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - max_queue: 64
//   - restart_threshold: 50
//   - drain_timeout: "10s"
//   - maintenance_interval: "30s"
type PoolConfig struct {
	Workers  int `json:"workers,omitempty"`
	MaxQueue int `json:"max_queue,omitempty"`

	// RestartThreshold recycles a worker after this many completed jobs.
	// 0 applies the default; < 0 disables proactive recycling.
	RestartThreshold int `json:"restart_threshold,omitempty"`

	DrainTimeout        string `json:"drain_timeout,omitempty"`
	MaintenanceInterval string `json:"maintenance_interval,omitempty"`
}

// DeployConfig maps job kinds to shell commands.
//
// Commands run via "sh -c" with DEPLOY_TARGET set in the environment.
type DeployConfig struct {
	CreateCmd  string `json:"create_cmd,omitempty"`
	RestartCmd string `json:"restart_cmd,omitempty"`
	RebuildCmd string `json:"rebuild_cmd,omitempty"`

	WorkDir string            `json:"work_dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`

	// CommandTimeout bounds a single command run. "0s" disables it.
	CommandTimeout string `json:"command_timeout,omitempty"`
}

// StorageConfig controls the deployment record store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./deployd.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// APIConfig controls the HTTP control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8866").
//   - If you bind to a non-loopback address, set a token.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8866"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// NotifierConfig controls Telegram notifications for job lifecycle events.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// MaintenanceConfig controls periodic background chores.
//
// Schedules are cron expressions (robfig/cron, standard 5-field format)
// or "@every <duration>" descriptors.
type MaintenanceConfig struct {
	StatusReport string `json:"status_report,omitempty"` // default: "@every 15m"
	HistoryPrune string `json:"history_prune,omitempty"` // default: "@daily"
	HistoryKeep  string `json:"history_keep,omitempty"`  // Go duration string, default: "720h"
}

// PprofConfig controls the optional pprof HTTP server.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:6060"

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
