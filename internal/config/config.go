// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	DB       DBConfig       `mapstructure:"db"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Health   HealthConfig   `mapstructure:"health"`
	Recovery RecoveryConfig `mapstructure:"recovery"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Alert    AlertConfig    `mapstructure:"alert"`
	Workers  WorkersConfig  `mapstructure:"workers"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the queue database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	RunTable string `mapstructure:"run_table"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// QueueConfig shapes enqueue behavior.
type QueueConfig struct {
	// DefaultPriority is assigned to items enqueued without an explicit
	// priority. Lower numbers claim first.
	DefaultPriority int `mapstructure:"default_priority"`
}

// HealthConfig tunes snapshot thresholds.
type HealthConfig struct {
	StaleLockMinutes int `mapstructure:"stale_lock_minutes"`
	StuckAttempts    int `mapstructure:"stuck_attempts"`
	TopErrors        int `mapstructure:"top_errors"`
}

// RecoveryConfig bounds the corrective actions.
type RecoveryConfig struct {
	ReclassifyBatch  int     `mapstructure:"reclassify_batch"`
	NudgeBatch       int     `mapstructure:"nudge_batch"`
	CooldownMinutes  int     `mapstructure:"cooldown_minutes"`
	MaxTotalAttempts int     `mapstructure:"max_total_attempts"`
	BacklogThreshold int64   `mapstructure:"backlog_threshold"`
	WorkerBatch      int     `mapstructure:"worker_batch"`
	ErrorRateLimit   float64 `mapstructure:"error_rate_limit"`
	// InvokeURL is the external worker-start endpoint. Empty runs the
	// in-process dispatcher instead.
	InvokeURL string `mapstructure:"invoke_url"`
}

// MonitorConfig controls the control loop.
type MonitorConfig struct {
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// AlertConfig configures webhook notifications.
type AlertConfig struct {
	WebhookURL         string `mapstructure:"webhook_url"`
	MinIntervalMinutes int    `mapstructure:"min_interval_minutes"`
}

// WorkersConfig sizes the in-process worker pool.
type WorkersConfig struct {
	Concurrency   int     `mapstructure:"concurrency"`
	BatchSize     int     `mapstructure:"batch_size"`
	IdleSeconds   int     `mapstructure:"idle_seconds"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	// ExtractURL is the extraction-service endpoint items are delegated
	// to. Empty disables the in-process pool.
	ExtractURL            string `mapstructure:"extract_url"`
	ExtractTimeoutSeconds int    `mapstructure:"extract_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUEUEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.table", "import_queue")
	v.SetDefault("db.run_table", "run_records")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("queue.default_priority", 5)
	v.SetDefault("health.stale_lock_minutes", 15)
	v.SetDefault("health.stuck_attempts", 3)
	v.SetDefault("health.top_errors", 5)
	v.SetDefault("recovery.reclassify_batch", 50)
	v.SetDefault("recovery.nudge_batch", 25)
	v.SetDefault("recovery.cooldown_minutes", 60)
	v.SetDefault("recovery.max_total_attempts", 10)
	v.SetDefault("recovery.backlog_threshold", 100)
	v.SetDefault("recovery.worker_batch", 25)
	v.SetDefault("recovery.error_rate_limit", 50)
	v.SetDefault("monitor.interval_minutes", 5)
	v.SetDefault("alert.min_interval_minutes", 10)
	v.SetDefault("workers.concurrency", 4)
	v.SetDefault("workers.batch_size", 10)
	v.SetDefault("workers.idle_seconds", 5)
	v.SetDefault("workers.extract_timeout_seconds", 30)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Queue.DefaultPriority <= 0 {
		return fmt.Errorf("queue.default_priority must be > 0")
	}
	if c.Health.StaleLockMinutes <= 0 {
		return fmt.Errorf("health.stale_lock_minutes must be > 0")
	}
	if c.Health.StuckAttempts <= 0 {
		return fmt.Errorf("health.stuck_attempts must be > 0")
	}
	if c.Recovery.MaxTotalAttempts <= c.Health.StuckAttempts {
		return fmt.Errorf("recovery.max_total_attempts must be > health.stuck_attempts")
	}
	if c.Monitor.IntervalMinutes <= 0 {
		return fmt.Errorf("monitor.interval_minutes must be > 0")
	}
	if c.Workers.Concurrency <= 0 {
		return fmt.Errorf("workers.concurrency must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// StaleLockThreshold returns the lease-staleness cutoff as a duration.
func (c Config) StaleLockThreshold() time.Duration {
	return time.Duration(c.Health.StaleLockMinutes) * time.Minute
}

// Cooldown returns the rate-limit cooldown as a duration.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Recovery.CooldownMinutes) * time.Minute
}

// MonitorInterval returns the control-loop period.
func (c Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalMinutes) * time.Minute
}

// AlertMinInterval returns the alert quiet period.
func (c Config) AlertMinInterval() time.Duration {
	return time.Duration(c.Alert.MinIntervalMinutes) * time.Minute
}

// WorkerIdleDelay returns the worker idle sleep.
func (c Config) WorkerIdleDelay() time.Duration {
	return time.Duration(c.Workers.IdleSeconds) * time.Second
}

// ExtractTimeout returns the per-item extraction deadline.
func (c Config) ExtractTimeout() time.Duration {
	return time.Duration(c.Workers.ExtractTimeoutSeconds) * time.Second
}
