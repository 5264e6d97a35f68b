package app

import (
	"strings"
	"testing"

	"deployd/internal/config"
)

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr string
	}{
		{
			name: "valid full config",
			cfg: &config.Config{
				Pool: config.PoolConfig{
					Workers:      4,
					MaxQueue:     64,
					DrainTimeout: "10s",
				},
				Deploy: config.DeployConfig{
					CreateCmd:      "true",
					CommandTimeout: "5m",
				},
				Storage: &config.StorageConfig{
					Driver:      "sqlite",
					Path:        "deployd.db",
					BusyTimeout: "2s",
				},
				API: &config.APIConfig{
					Enabled:     true,
					ReadTimeout: "5s",
				},
				Maintenance: &config.MaintenanceConfig{
					StatusReport: "@every 15m",
					HistoryPrune: "30 4 * * *",
					HistoryKeep:  "168h",
				},
			},
		},
		{
			name:    "nil config",
			cfg:     nil,
			wantErr: "nil",
		},
		{
			name: "bad pool drain timeout",
			cfg: &config.Config{
				Pool: config.PoolConfig{DrainTimeout: "soon"},
			},
			wantErr: "pool.drain_timeout",
		},
		{
			name: "bad deploy command timeout",
			cfg: &config.Config{
				Deploy: config.DeployConfig{CommandTimeout: "five minutes"},
			},
			wantErr: "deploy.command_timeout",
		},
		{
			name: "bad api write timeout",
			cfg: &config.Config{
				API: &config.APIConfig{WriteTimeout: "-"},
			},
			wantErr: "api.write_timeout",
		},
		{
			name: "bad storage busy timeout",
			cfg: &config.Config{
				Storage: &config.StorageConfig{Driver: "sqlite", BusyTimeout: "2 seconds"},
			},
			wantErr: "storage.busy_timeout",
		},
		{
			name: "bad status report cron",
			cfg: &config.Config{
				Maintenance: &config.MaintenanceConfig{StatusReport: "every full moon"},
			},
			wantErr: "maintenance.status_report",
		},
		{
			name: "bad history prune cron",
			cfg: &config.Config{
				Maintenance: &config.MaintenanceConfig{HistoryPrune: "61 4 * * *"},
			},
			wantErr: "maintenance.history_prune",
		},
		{
			name: "bad history keep duration",
			cfg: &config.Config{
				Maintenance: &config.MaintenanceConfig{HistoryKeep: "30 days"},
			},
			wantErr: "maintenance.history_keep",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validateConfig(tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
