// Package appconfig loads runtime configuration from defaults, an
// optional TOML file and environment variables, in that order.
package appconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Host  string `toml:"host"`
	Port  int    `toml:"port"`
	Debug bool   `toml:"debug"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type SecurityConfig struct {
	EncryptionKey string `toml:"encryption_key"`
}

type SchedulerConfig struct {
	Timezone   string `toml:"timezone"`
	MaxWorkers int    `toml:"max_workers"`
}

type TransferConfig struct {
	InsertBatchSize int `toml:"insert_batch_size"`
	CopyBatchSize   int `toml:"copy_batch_size"`
	CopyThreshold   int `toml:"copy_threshold"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	Security  SecurityConfig  `toml:"security"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Transfer  TransferConfig  `toml:"transfer"`
	Logging   LoggingConfig   `toml:"logging"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Database: DatabaseConfig{
			URL: "postgres://localhost:5432/pgsync?sslmode=disable",
		},
		Scheduler: SchedulerConfig{
			Timezone:   "Asia/Shanghai",
			MaxWorkers: 4,
		},
		Transfer: TransferConfig{
			InsertBatchSize: 1000,
			CopyBatchSize:   50000,
			CopyThreshold:   100000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

// Validate rejects configurations the service must not start with. Load
// does not call it: commands that never touch encrypted secrets (migrate,
// tui) run without an encryption key.
func (c Config) Validate() error {
	var errs []error
	if c.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port %d", c.Server.Port))
	}
	if c.Scheduler.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("max_workers must be positive, got %d", c.Scheduler.MaxWorkers))
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid scheduler timezone %q", c.Scheduler.Timezone))
	}
	return errors.Join(errs...)
}

func findConfigFile() string {
	candidates := []string{}

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".pgsync", "config.toml"))
	}
	candidates = append(candidates, "/etc/pgsync/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("APP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("APP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("APP_DEBUG"); v != "" {
		cfg.Server.Debug = v == "1" || v == "true" || v == "True"
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := os.Getenv("SCHEDULER_TIMEZONE"); v != "" {
		cfg.Scheduler.Timezone = v
	}
	if v := os.Getenv("MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxWorkers = n
		}
	}
	if v := os.Getenv("INSERT_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.InsertBatchSize = n
		}
	}
	if v := os.Getenv("COPY_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.CopyBatchSize = n
		}
	}
	if v := os.Getenv("COPY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.CopyThreshold = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
