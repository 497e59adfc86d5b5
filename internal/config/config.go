// Package config loads the process configuration from the environment,
// optionally seeded from a local .env file for development.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable the service reads from its environment.
type Config struct {
	DatabaseURL        string `env:"DATABASE_URL,required"`
	IssuerPublicKeyHex string `env:"ISSUER_PUBLIC_KEY,required"`

	BatchMax         int `env:"BATCH_MAX,default=1000"`
	BatchPeriodSecs  int `env:"BATCH_PERIOD_SECS,default=60"`
	SubmitDeadlineMs int `env:"SUBMIT_DEADLINE_MS,default=5000"`
	PoolSize         int `env:"POOL_SIZE,default=50"`

	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load reads a local .env file and an optional YAML config file if present,
// then decodes Config from the process environment. File values only seed
// variables the environment leaves unset, so deployment env always wins.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence is not an error

	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yaml"
	}
	if err := seedFromYAML(path); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// seedFromYAML sets any environment variable named in the YAML file that is
// not already set. A missing file is not an error.
func seedFromYAML(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	values := map[string]interface{}{}
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	for key, value := range values {
		if _, present := os.LookupEnv(key); present {
			continue
		}
		if err := os.Setenv(key, fmt.Sprint(value)); err != nil {
			return fmt.Errorf("seed %s from %s: %w", key, path, err)
		}
	}
	return nil
}

func (c *Config) validate() error {
	if c.BatchMax <= 0 {
		return fmt.Errorf("BATCH_MAX must be positive")
	}
	if c.BatchPeriodSecs <= 0 {
		return fmt.Errorf("BATCH_PERIOD_SECS must be positive")
	}
	if c.SubmitDeadlineMs <= 0 {
		return fmt.Errorf("SUBMIT_DEADLINE_MS must be positive")
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("POOL_SIZE must be positive")
	}
	if _, err := IssuerPublicKey(c.IssuerPublicKeyHex); err != nil {
		return fmt.Errorf("ISSUER_PUBLIC_KEY: %w", err)
	}
	return nil
}

// IssuerPublicKey decodes the configured hex-encoded issuer key into 32 raw
// bytes.
func IssuerPublicKey(hexKey string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return out, fmt.Errorf("invalid hex: %w", err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// BatchPeriod returns BatchPeriodSecs as a time.Duration.
func (c *Config) BatchPeriod() time.Duration {
	return time.Duration(c.BatchPeriodSecs) * time.Second
}

// SubmitDeadline returns SubmitDeadlineMs as a time.Duration.
func (c *Config) SubmitDeadline() time.Duration {
	return time.Duration(c.SubmitDeadlineMs) * time.Millisecond
}

// SealTickerPeriod is the background batch-sealing ticker period: a quarter
// of the batch period, capped at five seconds.
func (c *Config) SealTickerPeriod() time.Duration {
	quarter := c.BatchPeriod() / 4
	if quarter > 5*time.Second {
		return 5 * time.Second
	}
	return quarter
}
