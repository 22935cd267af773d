package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: "123:abc"
  poll_timeout: "10s"
logging:
  level: debug
  console: true
  file:
    enabled: true
    path: ./bot.log
scheduler:
  reconcile_every: "2m"
storage:
  driver: sqlite
  path: ./state.db
  busy_timeout: "5s"
router:
  prefix: muteme
`)
	m := NewConfigManager(path)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("Token = %q", cfg.Telegram.Token)
	}
	if !cfg.Logging.Console || cfg.Logging.Level != "debug" {
		t.Fatalf("Logging = %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
	if cfg.Scheduler.ReconcileEvery != "2m" {
		t.Fatalf("ReconcileEvery = %q", cfg.Scheduler.ReconcileEvery)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestParseJSON(t *testing.T) {
	path := writeConfig(t, "config.json",
		`{"telegram":{"token":"t","poll_timeout":"5s"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"scheduler":{},"router":{}}`)
	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.PollTimeout != "5s" {
		t.Fatalf("PollTimeout = %q", cfg.Telegram.PollTimeout)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
telegram:
  token: t
  bogus_field: 1
`)
	if _, err := NewConfigManager(path).Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MUTEMEBOT_TOKEN", "env-token")
	t.Setenv("MUTEMEBOT_STORAGE_PATH", "/tmp/env-state")

	cfg := &Config{}
	cfg.Telegram.Token = "file-token"
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if cfg.Telegram.Token != "env-token" {
		t.Fatalf("Token = %q, want env-token", cfg.Telegram.Token)
	}
	if cfg.Storage == nil || cfg.Storage.Path != "/tmp/env-state" {
		t.Fatalf("Storage = %+v", cfg.Storage)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	d, err := ParseDurationOrDefault("x", "", 5*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("empty: %v %v", d, err)
	}
	d, err = ParseDurationOrDefault("x", "90s", 5*time.Minute)
	if err != nil || d != 90*time.Second {
		t.Fatalf("90s: %v %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "nope", time.Second); err == nil {
		t.Fatal("expected error for bad duration")
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("expected error for negative duration")
	}
}
