// Package config provides configuration loading, validation, and defaults
// for the SpamShield platform binaries. Values come from an optional YAML
// file layered over defaults, with SPAMSHIELD_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the root configuration shared by the worker and orchestrator
// binaries. Each binary reads only the sections it needs.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Classifier   ClassifierConfig   `mapstructure:"classifier"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
}

// LoggerConfig controls log level and output format.
type LoggerConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

// DatabaseConfig holds SQLite connection settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// GatewayConfig configures the messaging gateway HTTP client.
type GatewayConfig struct {
	BaseURL              string        `mapstructure:"base_url" validate:"required,url"`
	Token                string        `mapstructure:"token"    validate:"required"`
	Timeout              time.Duration `mapstructure:"timeout"  validate:"min=1s,max=2m"`
	MaxRetries           int           `mapstructure:"max_retries" validate:"min=0,max=10"`
	BreakerMaxFailures   int           `mapstructure:"breaker_max_failures" validate:"min=1"`
	BreakerResetInterval time.Duration `mapstructure:"breaker_reset_interval" validate:"min=1s"`
}

// ClassifierConfig selects and configures the spam probability backend.
type ClassifierConfig struct {
	Backend string        `mapstructure:"backend" validate:"oneof=http gemini"`
	BaseURL string        `mapstructure:"base_url" validate:"required_if=Backend http,omitempty,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"min=1s,max=2m"`

	GeminiAPIKey      string `mapstructure:"gemini_api_key" validate:"required_if=Backend gemini"`
	GeminiModel       string `mapstructure:"gemini_model"`
	MaxRetries        int    `mapstructure:"max_retries" validate:"min=0,max=10"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds" validate:"min=1,max=60"`
}

// WorkerConfig configures a SpamMonitor worker process.
type WorkerConfig struct {
	InstanceName           string        `mapstructure:"instance_name"`
	MaxGroups              int           `mapstructure:"max_groups" validate:"min=1,max=100"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval" validate:"min=5s,max=5m"`
	AssignmentSyncInterval time.Duration `mapstructure:"assignment_sync_interval" validate:"min=5s,max=10m"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"min=1,max=20"`
	DeletionMaxAttempts    int           `mapstructure:"deletion_max_attempts" validate:"min=1,max=10"`
	DeletionQueueSize      int           `mapstructure:"deletion_queue_size" validate:"min=1"`
}

// OrchestratorConfig configures the fleet reconciler.
type OrchestratorConfig struct {
	InstanceName     string        `mapstructure:"instance_name"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" validate:"min=30s,max=30m"`
	RetentionDays    int           `mapstructure:"retention_days" validate:"min=1,max=3650"`
}

// TaskConfig enables and schedules a single background task.
type TaskConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// SchedulerConfig maps task names to their schedules.
type SchedulerConfig struct {
	Tasks map[string]TaskConfig `mapstructure:"tasks"`
}

// LoadConfig reads configuration from the given YAML file (optional),
// applies defaults and SPAMSHIELD_* environment overrides, and validates
// the result.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SPAMSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		// Missing file is fine, defaults plus env carry the config.
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.json", true)

	v.SetDefault("database.path", "spamshield.db")

	v.SetDefault("gateway.base_url", "https://api.groupme.com/v3")
	// Registered empty so SPAMSHIELD_GATEWAY_TOKEN is visible to Unmarshal.
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("gateway.max_retries", 3)
	v.SetDefault("gateway.breaker_max_failures", 5)
	v.SetDefault("gateway.breaker_reset_interval", time.Minute)

	v.SetDefault("classifier.backend", "http")
	v.SetDefault("classifier.base_url", "http://localhost:8080")
	v.SetDefault("classifier.timeout", 30*time.Second)
	v.SetDefault("classifier.gemini_model", "gemini-2.0-flash")
	v.SetDefault("classifier.max_retries", 3)
	v.SetDefault("classifier.retry_delay_seconds", 2)

	v.SetDefault("worker.max_groups", 10)
	v.SetDefault("worker.heartbeat_interval", 30*time.Second)
	v.SetDefault("worker.assignment_sync_interval", 30*time.Second)
	v.SetDefault("worker.max_consecutive_failures", 5)
	v.SetDefault("worker.deletion_max_attempts", 3)
	v.SetDefault("worker.deletion_queue_size", 256)

	v.SetDefault("orchestrator.heartbeat_timeout", 5*time.Minute)
	v.SetDefault("orchestrator.retention_days", 90)

	v.SetDefault("scheduler.tasks", map[string]TaskConfig{
		"reconcile":   {Enabled: true, Schedule: "*/2 * * * *"},
		"daily_stats": {Enabled: true, Schedule: "*/5 * * * *"},
		"retention":   {Enabled: true, Schedule: "0 3 * * *"},
	})
}
