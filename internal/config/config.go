// Package config defines all configuration for the exchange server.
// Config is loaded from an optional YAML file (default: configs/config.yaml)
// with every field overridable via EXCHANGE_* environment variables; the two
// deployment secrets also read from the plain names DATABASE_URL and
// ADMIN_API_TOKEN.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DatabaseURL   string `mapstructure:"database_url"`
	AdminAPIToken string `mapstructure:"admin_api_token"`

	Server   ServerConfig   `mapstructure:"server"`
	DB       DBConfig       `mapstructure:"db"`
	Matching MatchingConfig `mapstructure:"matching"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DBConfig tunes the Postgres connection pool.
type DBConfig struct {
	MaxConns       int32         `mapstructure:"max_conns"`
	MinConns       int32         `mapstructure:"min_conns"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// MatchingConfig holds matching-engine policy switches.
//
// RejectSelfTrade flips the best-match query to skip counter-orders owned by
// the taker's user. Default is off: an order may cross another order from
// the same account.
type MatchingConfig struct {
	RejectSelfTrade bool `mapstructure:"reject_self_trade"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from an optional YAML file with env var overrides.
// A missing file is fine: defaults plus environment cover a full deployment.
// Secrets use env vars: DATABASE_URL, ADMIN_API_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("EXCHANGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.max_conns", 16)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.connect_timeout", 5*time.Second)
	v.SetDefault("matching.reject_self_trade", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override secrets from their plain env names
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.DatabaseURL = url
	}
	if token := os.Getenv("ADMIN_API_TOKEN"); token != "" {
		cfg.AdminAPIToken = token
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set DATABASE_URL)")
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.DB.MaxConns <= 0 {
		return fmt.Errorf("db.max_conns must be > 0")
	}
	if c.DB.MinConns < 0 || c.DB.MinConns > c.DB.MaxConns {
		return fmt.Errorf("db.min_conns must be in [0, db.max_conns]")
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text")
	}
	return nil
}
