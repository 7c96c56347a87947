package config

import (
	"errors"
	"fmt"

	"github.com/spf13/viper"
)

type Config struct {
	DBSource string `mapstructure:"DB_SOURCE"`
	Port     string `mapstructure:"SERVER_PORT"`
	Env      string `mapstructure:"ENVIRONMENT"`

	AuditBuffer          int `mapstructure:"AUDIT_BUFFER"`
	RecomputeWorkers     int `mapstructure:"RECOMPUTE_WORKERS"`
	RecomputeMaxAttempts int `mapstructure:"RECOMPUTE_MAX_ATTEMPTS"`

	Immudb ImmudbConfig `mapstructure:",squash"`
}

type ImmudbConfig struct {
	Address  string `mapstructure:"IMMUDB_ADDRESS"`
	Port     int    `mapstructure:"IMMUDB_PORT"`
	User     string `mapstructure:"IMMUDB_USER"`
	Password string `mapstructure:"IMMUDB_PASSWORD"`
	Database string `mapstructure:"IMMUDB_DATABASE"`
}

// UseMemoryStore is true when no database is configured.
func (c *Config) UseMemoryStore() bool { return c.DBSource == "" }

func (c *Config) AuditToImmudb() bool { return c.Immudb.Address != "" }

var defaults = map[string]any{
	"DB_SOURCE":              "",
	"SERVER_PORT":            "8080",
	"ENVIRONMENT":            "development",
	"AUDIT_BUFFER":           1024,
	"RECOMPUTE_WORKERS":      2,
	"RECOMPUTE_MAX_ATTEMPTS": 5,
	"IMMUDB_ADDRESS":         "",
	"IMMUDB_PORT":            3322,
	"IMMUDB_USER":            "immudb",
	"IMMUDB_PASSWORD":        "immudb",
	"IMMUDB_DATABASE":        "defaultdb",
}

// Load reads configs/config.yaml when present and lets environment variables
// override every key.
func Load() (*Config, error) {
	v := viper.New()
	v.AddConfigPath("./configs")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	var notFound viper.ConfigFileNotFoundError
	if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.AuditBuffer <= 0 {
		return nil, fmt.Errorf("AUDIT_BUFFER must be positive, got %d", cfg.AuditBuffer)
	}
	if cfg.RecomputeWorkers <= 0 {
		return nil, fmt.Errorf("RECOMPUTE_WORKERS must be positive, got %d", cfg.RecomputeWorkers)
	}
	return &cfg, nil
}
