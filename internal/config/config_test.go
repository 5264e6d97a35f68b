package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{
		"logging": {"level": "debug", "console": true},
		"pool": {"workers": 2, "max_queue": 16, "drain_timeout": "5s"},
		"deploy": {"restart_cmd": "systemctl restart $DEPLOY_TARGET"},
		"storage": {"driver": "sqlite", "path": "./deployd.db"}
	}`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Pool.Workers != 2 || cfg.Pool.MaxQueue != 16 || cfg.Pool.DrainTimeout != "5s" {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.Deploy.RestartCmd == "" {
		t.Fatalf("deploy = %+v", cfg.Deploy)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if cfg.API != nil || cfg.Notifier != nil {
		t.Fatal("omitted sections should stay nil")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.yaml", `
logging:
  level: info
  console: true
pool:
  workers: 8
  restart_threshold: 25
deploy:
  create_cmd: "deploy-tool create $DEPLOY_TARGET"
api:
  enabled: true
  addr: "127.0.0.1:9000"
`)

	cfg, err := NewManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Pool.Workers != 8 || cfg.Pool.RestartThreshold != 25 {
		t.Fatalf("pool = %+v", cfg.Pool)
	}
	if cfg.API == nil || !cfg.API.Enabled || cfg.API.Addr != "127.0.0.1:9000" {
		t.Fatalf("api = %+v", cfg.API)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"pool": {"workerz": 4}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("unknown field should be rejected")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"pool": {"workers": 4}} {"pool": {}}`)
	if _, err := NewManager(path).Parse(); err == nil {
		t.Fatal("trailing data should be rejected")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 1m30s "); err != nil || d.Seconds() != 90 {
		t.Fatalf("got %v, %v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: got %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "soon"); err == nil {
		t.Fatal("invalid duration should fail")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration should fail")
	}
}

func TestReloadValidatorRejectsBeforeCommit(t *testing.T) {
	t.Parallel()
	path := writeFile(t, "config.json", `{"pool": {"workers": 2}}`)

	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	var seen *Config
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		seen = cfg
		if cfg.Pool.Workers > 8 {
			return errors.New("too many workers")
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := os.WriteFile(path, []byte(`{"pool": {"workers": 99}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if seen == nil || seen.Pool.Workers != 99 {
		t.Fatalf("validator saw %+v, want the new config", seen)
	}
	if got := m.Get(); got.Pool.Workers != 2 {
		t.Fatalf("rejected config was committed: workers = %d", got.Pool.Workers)
	}
	select {
	case cfg := <-ch:
		t.Fatalf("rejected config was published: %+v", cfg)
	default:
	}

	// An edit the validator accepts commits and publishes as usual.
	if err := os.WriteFile(path, []byte(`{"pool": {"workers": 4}}`), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	m.reload(context.Background())

	if got := m.Get(); got.Pool.Workers != 4 {
		t.Fatalf("accepted config not committed: workers = %d", got.Pool.Workers)
	}
	select {
	case cfg := <-ch:
		if cfg.Pool.Workers != 4 {
			t.Fatalf("published workers = %d, want 4", cfg.Pool.Workers)
		}
	default:
		t.Fatal("accepted config was not published")
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	a := &Config{}
	b := &Config{}
	m.publish(a)
	m.publish(b) // buffer full: a is dropped, b delivered

	got := <-ch
	if got != b {
		t.Fatal("expected the newest config to win")
	}
}
