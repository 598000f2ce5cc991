package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("server address = %s", cfg.Server.Address)
	}
	if cfg.Trigger.Cooldown != 30*time.Second {
		t.Fatalf("cooldown = %s", cfg.Trigger.Cooldown)
	}
	if cfg.Locks.LeaseTTL != 5*time.Minute || cfg.Locks.QueueDepth != 10 {
		t.Fatalf("locks = %+v", cfg.Locks)
	}
	if cfg.Executor.MaxRetries != 3 || cfg.Executor.BackoffCap != 60*time.Second {
		t.Fatalf("executor = %+v", cfg.Executor)
	}
	if cfg.Metrics.SuccessRateFloor != 0.80 {
		t.Fatalf("success rate floor = %v", cfg.Metrics.SuccessRateFloor)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  address: ":9090"
trigger:
  cooldown: 45s
executor:
  workers: 8
detectors:
  disableThreshold: 3
  healthPolls:
    - id: orders-api
      resourceKey: svc/orders
      url: http://localhost:8081/healthz
      interval: 10s
      timeout: 2s
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("server address = %s", cfg.Server.Address)
	}
	if cfg.Trigger.Cooldown != 45*time.Second {
		t.Fatalf("cooldown = %s", cfg.Trigger.Cooldown)
	}
	if cfg.Executor.Workers != 8 {
		t.Fatalf("workers = %d", cfg.Executor.Workers)
	}
	// Untouched sections keep defaults.
	if cfg.Locks.QueueDepth != 10 {
		t.Fatalf("queue depth = %d", cfg.Locks.QueueDepth)
	}
	if cfg.Detectors.DisableThreshold != 3 {
		t.Fatalf("disable threshold = %d", cfg.Detectors.DisableThreshold)
	}
	if len(cfg.Detectors.HealthPolls) != 1 || cfg.Detectors.HealthPolls[0].URL != "http://localhost:8081/healthz" {
		t.Fatalf("health polls = %+v", cfg.Detectors.HealthPolls)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("REMEDY_SERVER_ADDRESS", ":7070")
	t.Setenv("REMEDY_LOG_FORMAT", "json")
	t.Setenv("REMEDY_TRIGGER_COOLDOWN", "1m")
	t.Setenv("REMEDY_EXECUTOR_MAX_RETRIES", "5")
	t.Setenv("REMEDY_SUCCESS_RATE_FLOOR", "0.9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("server address = %s", cfg.Server.Address)
	}
	if !cfg.Logging.JSON {
		t.Fatal("log format override ignored")
	}
	if cfg.Trigger.Cooldown != time.Minute {
		t.Fatalf("cooldown = %s", cfg.Trigger.Cooldown)
	}
	if cfg.Executor.MaxRetries != 5 {
		t.Fatalf("max retries = %d", cfg.Executor.MaxRetries)
	}
	if cfg.Metrics.SuccessRateFloor != 0.9 {
		t.Fatalf("success rate floor = %v", cfg.Metrics.SuccessRateFloor)
	}
}
