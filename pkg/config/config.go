package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full KAPP service configuration
type Config struct {
	// Scheduling
	PollFrequency       time.Duration `mapstructure:"poll_frequency"`
	WorkerCount         int           `mapstructure:"worker_count"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`

	// Stage budgets. Must preserve assigned < publishing < wallet so a
	// wallet is always reclaimed no later than the asset blocking it.
	AssignedTimeout   time.Duration `mapstructure:"assigned_timeout"`
	PublishingTimeout time.Duration `mapstructure:"publishing_timeout"`
	WalletTimeout     time.Duration `mapstructure:"wallet_timeout"`

	// DKG
	DKGEndpoint string `mapstructure:"dkg_endpoint"`
	Blockchain  string `mapstructure:"blockchain"`

	// Storage
	DatabaseDriver string `mapstructure:"database_driver"` // sqlite3 or postgres
	DatabaseDSN    string `mapstructure:"database_dsn"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDB        int    `mapstructure:"redis_db"`

	// Content store
	ContentBackend string `mapstructure:"content_backend"` // fs, bolt or s3
	ContentDir     string `mapstructure:"content_dir"`
	ContentBucket  string `mapstructure:"content_bucket"`
	S3Region       string `mapstructure:"s3_region"`

	// Wallet secret encryption key (32-byte hex or passphrase)
	EncryptionKey string `mapstructure:"encryption_key"`

	// API
	ListenAddr string `mapstructure:"listen_addr"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`
	LogDir   string `mapstructure:"log_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_frequency", "2s")
	v.SetDefault("worker_count", 1)
	v.SetDefault("health_check_interval", "60s")
	v.SetDefault("assigned_timeout", "5m")
	v.SetDefault("publishing_timeout", "15m")
	v.SetDefault("wallet_timeout", "30m")
	v.SetDefault("blockchain", "otp:2043")
	v.SetDefault("database_driver", "sqlite3")
	v.SetDefault("database_dsn", "kapp.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)
	v.SetDefault("content_backend", "fs")
	v.SetDefault("content_dir", "content")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", true)
}

// Load reads configuration from the given file (optional), environment
// variables prefixed KAPP_, and built-in defaults, in that precedence order.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KAPP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be >= 1, got %d", c.WorkerCount)
	}
	if c.PollFrequency <= 0 {
		return fmt.Errorf("poll_frequency must be positive")
	}
	if !(c.AssignedTimeout < c.PublishingTimeout && c.PublishingTimeout < c.WalletTimeout) {
		return fmt.Errorf("timeout ordering violated: need assigned (%v) < publishing (%v) < wallet (%v)",
			c.AssignedTimeout, c.PublishingTimeout, c.WalletTimeout)
	}
	switch c.DatabaseDriver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database_driver: %s", c.DatabaseDriver)
	}
	switch c.ContentBackend {
	case "fs", "bolt", "s3":
	default:
		return fmt.Errorf("unsupported content_backend: %s", c.ContentBackend)
	}
	if c.ContentBackend == "s3" && c.ContentBucket == "" {
		return fmt.Errorf("content_bucket is required for the s3 backend")
	}
	return nil
}
