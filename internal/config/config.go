// Package config loads the broker's YAML configuration file and applies
// environment-variable overrides, in the shape consumed by
// internal/app.Application — grounded on how the teacher's
// internal/app/application.go builds its RuntimeConfig from env (parse
// helpers + explicit field list), reproduced here against a consistent
// struct shape (the teacher's own internal/config/config.go was found to
// target a different, inconsistent shape — see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/r3e-network/qcbroker/pkg/logger"
)

// Config is the full broker configuration.
type Config struct {
	Server   ServerConfig         `yaml:"server"`
	Database DatabaseConfig       `yaml:"database"`
	Logging  logger.LoggingConfig `yaml:"logging"`
	Queue    QueueConfig          `yaml:"queue"`
	Runner   RunnerConfig         `yaml:"runner"`
	Cache    CacheConfig          `yaml:"cache"`
	Auth     AuthConfig           `yaml:"auth"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig governs task-queue leasing (spec.md §4.3).
type QueueConfig struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	LeaseMultiplier   int           `yaml:"lease_multiplier"` // k, default 3
	ClaimBatchDefault int           `yaml:"claim_batch_default"`
}

// RunnerConfig governs the Internal Job Runner (spec.md §4.6).
type RunnerConfig struct {
	TickInterval      time.Duration `yaml:"tick_interval"` // default 60s
	MaxActiveServices int           `yaml:"max_active_services"` // default 20
	AutoResetLimit    int           `yaml:"auto_reset_limit"`
	RetriableSubstrings []string    `yaml:"retriable_substrings"`
}

type CacheConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSigningKey string        `yaml:"jwt_signing_key"`
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// Default returns the configuration's built-in defaults, matching the
// numbers named explicitly in spec.md (heartbeat lease multiplier 3,
// runner tick 60s, max active services ~20).
func Default() Config {
	return Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 7777},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "qcbroker"},
		Queue: QueueConfig{
			HeartbeatTimeout:  30 * time.Second,
			LeaseMultiplier:   3,
			ClaimBatchDefault: 10,
		},
		Runner: RunnerConfig{
			TickInterval:      60 * time.Second,
			MaxActiveServices: 20,
			AutoResetLimit:    3,
			RetriableSubstrings: []string{
				"random seed", "connection reset", "walltime", "out of memory",
			},
		},
		Cache: CacheConfig{TTL: 30 * time.Second},
		Auth:  AuthConfig{TokenTTL: 24 * time.Hour},
	}
}

// Load reads the YAML file at path (if it exists), loads a .env file from
// the current working directory (if present) via godotenv, then applies environment overrides on
// top of Default().
func Load(path string) (Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("QCBROKER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("QCBROKER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
	if v := os.Getenv("QCBROKER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QCBROKER_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("QCBROKER_REDIS_ADDR"); v != "" {
		cfg.Cache.RedisAddr = v
	}
	if v := os.Getenv("QCBROKER_JWT_SIGNING_KEY"); v != "" {
		cfg.Auth.JWTSigningKey = v
	}
	if v := os.Getenv("QCBROKER_RUNNER_TICK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Runner.TickInterval = d
		}
	}
	if v := os.Getenv("QCBROKER_RETRIABLE_SUBSTRINGS"); v != "" {
		cfg.Runner.RetriableSubstrings = splitAndTrim(v, ",")
	}
}

// ToYAML renders cfg as YAML, used by `server init` to write out a
// starting configuration file for an operator to edit.
func (cfg Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(cfg)
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
