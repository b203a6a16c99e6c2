package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Ledger backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	IntervalHours int    `yaml:"interval_hours"`
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

func (b BackupConfig) Interval() time.Duration {
	if b.IntervalHours <= 0 {
		return 24 * time.Hour
	}
	return time.Duration(b.IntervalHours) * time.Hour
}

// UserSeed is a profile written to the user directory at startup.
type UserSeed struct {
	ID             string `yaml:"id"`
	Email          string `yaml:"email"`
	DisplayName    string `yaml:"display_name"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

type Config struct {
	Server struct {
		Address             string `yaml:"address"`
		ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	} `yaml:"server"`

	Ledger struct {
		Backend string `yaml:"backend"`
		Path    string `yaml:"path"`
	} `yaml:"ledger"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	Locking struct {
		// Distributed switches per-space locks to Redis.
		Distributed bool `yaml:"distributed"`
		TTLSeconds  int  `yaml:"ttl_seconds"`
	} `yaml:"locking"`

	Backup BackupConfig `yaml:"backup"`

	Monitoring struct {
		HealthCheckPort   int  `yaml:"health_check_port"`
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Telegram struct {
		Enabled  bool   `yaml:"enabled"`
		BotToken string `yaml:"bot_token"`
		Debug    bool   `yaml:"debug"`
	} `yaml:"telegram"`

	// AMQP publishes reminders to a RabbitMQ queue instead of sending
	// them directly. Telegram takes precedence when both are enabled.
	AMQP struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
		Queue   string `yaml:"queue"`
	} `yaml:"amqp"`

	Reminders struct {
		SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"`
		MaxRetries           int     `yaml:"max_retries"`
		RetryDelaysSeconds   []int   `yaml:"retry_delays_seconds"`
		RatePerSecond        float64 `yaml:"rate_per_second"`
		Burst                int     `yaml:"burst"`
		RetentionDays        int     `yaml:"retention_days"`
	} `yaml:"reminders"`

	Logging struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"logging"`

	Users []UserSeed `yaml:"users"`
}

// Load reads the YAML config at path (default configs/config.yaml). A .env
// file in the working directory, when present, is loaded first so its
// variables can be referenced as ${VAR} placeholders.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "configs/config.yaml"
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return Parse(data)
}

// Parse decodes YAML config data, expanding ${ENV_VAR} placeholders and
// applying defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Ledger.Backend == BackendSQLite && cfg.Ledger.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Ledger.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 15
	}
	// SSE streams stay open, so no write timeout unless configured.
	c.Ledger.Backend = strings.ToLower(strings.TrimSpace(c.Ledger.Backend))
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = BackendSQLite
	}
	if c.Ledger.Path == "" {
		c.Ledger.Path = "data/spacebook.db"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "spacebook"
	}
	if c.Locking.TTLSeconds <= 0 {
		c.Locking.TTLSeconds = 10
	}
	if c.Backup.Path == "" {
		c.Backup.Path = "backups"
	}
	if c.Backup.RetentionDays <= 0 {
		c.Backup.RetentionDays = 14
	}
	if c.Monitoring.HealthCheckPort == 0 {
		c.Monitoring.HealthCheckPort = 8090
	}
	if c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Reminders.SweepIntervalSeconds <= 0 {
		c.Reminders.SweepIntervalSeconds = 60
	}
	if c.Reminders.MaxRetries <= 0 {
		c.Reminders.MaxRetries = 3
	}
	if len(c.Reminders.RetryDelaysSeconds) == 0 {
		c.Reminders.RetryDelaysSeconds = []int{1, 5, 30}
	}
	if c.Reminders.RatePerSecond <= 0 {
		c.Reminders.RatePerSecond = 20
	}
	if c.Reminders.Burst <= 0 {
		c.Reminders.Burst = 30
	}
	if c.Reminders.RetentionDays <= 0 {
		c.Reminders.RetentionDays = 1
	}
	if c.AMQP.Queue == "" {
		c.AMQP.Queue = "spacebook.reminders"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	switch c.Ledger.Backend {
	case BackendSQLite, BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return fmt.Errorf("ledger backend %q requires redis.address", c.Ledger.Backend)
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	if c.Locking.Distributed && c.Redis.Address == "" {
		return fmt.Errorf("distributed locking requires redis.address")
	}
	for i, u := range c.Users {
		if strings.TrimSpace(u.ID) == "" {
			return fmt.Errorf("users[%d]: id is required", i)
		}
	}
	if c.Telegram.Enabled && (c.Telegram.BotToken == "" || c.Telegram.BotToken == "YOUR_BOT_TOKEN_HERE") {
		return fmt.Errorf("set telegram.bot_token in config")
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		return fmt.Errorf("amqp delivery requires amqp.url")
	}
	return nil
}

func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
}

func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Locking.TTLSeconds) * time.Second
}

func (c *Config) ReminderSweepInterval() time.Duration {
	return time.Duration(c.Reminders.SweepIntervalSeconds) * time.Second
}

func (c *Config) ReminderRetryDelays() []time.Duration {
	delays := make([]time.Duration, len(c.Reminders.RetryDelaysSeconds))
	for i, s := range c.Reminders.RetryDelaysSeconds {
		delays[i] = time.Duration(s) * time.Second
	}
	return delays
}

func (c *Config) ReminderRetention() time.Duration {
	return time.Duration(c.Reminders.RetentionDays) * 24 * time.Hour
}
