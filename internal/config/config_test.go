package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spamshield/spamshield/internal/config"
)

func TestLoadConfig(t *testing.T) {
	t.Run("Missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("SPAMSHIELD_GATEWAY_TOKEN", "env-token")

		cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}

		if cfg.Gateway.Token != "env-token" {
			t.Errorf("gateway token = %q, want env override", cfg.Gateway.Token)
		}
		if cfg.Gateway.BaseURL != "https://api.groupme.com/v3" {
			t.Errorf("gateway base_url = %q, want default", cfg.Gateway.BaseURL)
		}
		if cfg.Worker.MaxGroups != 10 {
			t.Errorf("worker max_groups = %d, want 10", cfg.Worker.MaxGroups)
		}
		if cfg.Worker.HeartbeatInterval != 30*time.Second {
			t.Errorf("heartbeat_interval = %v, want 30s", cfg.Worker.HeartbeatInterval)
		}
		if cfg.Orchestrator.RetentionDays != 90 {
			t.Errorf("retention_days = %d, want 90", cfg.Orchestrator.RetentionDays)
		}
		if cfg.Classifier.Backend != "http" {
			t.Errorf("classifier backend = %q, want http", cfg.Classifier.Backend)
		}
		if len(cfg.Scheduler.Tasks) != 3 {
			t.Errorf("scheduler tasks = %d, want 3 defaults", len(cfg.Scheduler.Tasks))
		}
	})

	t.Run("File values override defaults", func(t *testing.T) {
		t.Setenv("SPAMSHIELD_GATEWAY_TOKEN", "env-token")

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
logger:
  level: debug
  json: false
worker:
  instance_name: monitor-7
  max_groups: 25
orchestrator:
  heartbeat_timeout: 2m
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		cfg, err := config.LoadConfig(path)
		if err != nil {
			t.Fatalf("LoadConfig failed: %v", err)
		}

		if cfg.Logger.Level != "debug" || cfg.Logger.JSON {
			t.Errorf("logger = %+v, want debug text logging", cfg.Logger)
		}
		if cfg.Worker.InstanceName != "monitor-7" {
			t.Errorf("instance_name = %q, want monitor-7", cfg.Worker.InstanceName)
		}
		if cfg.Worker.MaxGroups != 25 {
			t.Errorf("max_groups = %d, want 25", cfg.Worker.MaxGroups)
		}
		if cfg.Orchestrator.HeartbeatTimeout != 2*time.Minute {
			t.Errorf("heartbeat_timeout = %v, want 2m", cfg.Orchestrator.HeartbeatTimeout)
		}
		// Untouched sections keep their defaults.
		if cfg.Worker.DeletionQueueSize != 256 {
			t.Errorf("deletion_queue_size = %d, want default 256", cfg.Worker.DeletionQueueSize)
		}
	})

	t.Run("Invalid values are rejected", func(t *testing.T) {
		t.Setenv("SPAMSHIELD_GATEWAY_TOKEN", "env-token")

		path := filepath.Join(t.TempDir(), "config.yaml")
		content := `
logger:
  level: loud
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		if _, err := config.LoadConfig(path); err == nil {
			t.Error("expected validation error for unknown log level")
		}
	})

	t.Run("Missing token fails validation", func(t *testing.T) {
		t.Setenv("SPAMSHIELD_GATEWAY_TOKEN", "")

		if _, err := config.LoadConfig(filepath.Join(t.TempDir(), "none.yaml")); err == nil {
			t.Error("expected validation error without a gateway token")
		}
	})
}
