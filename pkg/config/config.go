// Package config loads and validates the process configuration from YAML,
// with environment-variable expansion and optional .env loading.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all klinegate configuration.
type Config struct {
	DBPath    string          `yaml:"db_path"`
	Symbols   []string        `yaml:"symbols"`
	Intervals []string        `yaml:"intervals"`
	History   int             `yaml:"history_candles"`
	Binance   BinanceConfig   `yaml:"binance"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Loader    LoaderConfig    `yaml:"loader"`
	Report    ReportConfig    `yaml:"report"`
}

// BinanceConfig defines the upstream futures API endpoint.
type BinanceConfig struct {
	BaseURL           string        `yaml:"base_url"`
	APIKey            string        `yaml:"api_key"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestsPerSecond int           `yaml:"requests_per_second"`
}

// RateLimitConfig defines the sliding-window admission budget.
type RateLimitConfig struct {
	MaxWeightPerMinute   int           `yaml:"max_weight_per_minute"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	SafetyMargin         float64       `yaml:"safety_margin"`
	MaxWait              time.Duration `yaml:"max_wait"`
}

// LoaderConfig controls the concurrent loader.
type LoaderConfig struct {
	MaxConcurrency   int           `yaml:"max_concurrency"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	AdmissionRetries int           `yaml:"admission_retries"`
}

// ReportConfig controls usage reporting and the ops listener.
type ReportConfig struct {
	Interval time.Duration `yaml:"interval"`
	// WarnThreshold is the usage fraction past which snapshots log at warn.
	WarnThreshold float64 `yaml:"warn_threshold"`
	// Listen is the ops HTTP address for /metrics and /stats; empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns a Config with the standard exchange limits and sensible
// loader defaults.
func Default() *Config {
	return &Config{
		DBPath:    "klinegate.db",
		Intervals: []string{"15m", "1h"},
		History:   200,
		Binance: BinanceConfig{
			BaseURL:           "https://fapi.binance.com",
			Timeout:           10 * time.Second,
			RequestsPerSecond: 20,
		},
		RateLimit: RateLimitConfig{
			MaxWeightPerMinute:   1200,
			MaxRequestsPerMinute: 1200,
			SafetyMargin:         0.1,
			MaxWait:              2 * time.Minute,
		},
		Loader: LoaderConfig{
			MaxConcurrency:   15,
			MaxRetries:       3,
			RetryBaseDelay:   time.Second,
			MaxBackoff:       30 * time.Second,
			AdmissionRetries: 10,
		},
		Report: ReportConfig{
			Interval:      time.Minute,
			WarnThreshold: 0.8,
		},
	}
}

// Load reads a YAML config file, expanding ${VAR} references from the
// environment. A .env file next to the process is honored when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fails fast on values that would otherwise surface as runtime
// misbehavior deep in the admission path.
func (c *Config) Validate() error {
	if c.RateLimit.MaxWeightPerMinute <= 0 {
		return fmt.Errorf("config: max_weight_per_minute must be positive, got %d", c.RateLimit.MaxWeightPerMinute)
	}
	if c.RateLimit.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("config: max_requests_per_minute must be positive, got %d", c.RateLimit.MaxRequestsPerMinute)
	}
	if c.RateLimit.SafetyMargin < 0 || c.RateLimit.SafetyMargin >= 1 {
		return fmt.Errorf("config: safety_margin must be in [0, 1), got %g", c.RateLimit.SafetyMargin)
	}
	if c.Loader.MaxConcurrency <= 0 {
		return fmt.Errorf("config: max_concurrency must be positive, got %d", c.Loader.MaxConcurrency)
	}
	if c.Loader.MaxRetries <= 0 {
		return fmt.Errorf("config: max_retries must be positive, got %d", c.Loader.MaxRetries)
	}
	if c.Loader.RetryBaseDelay <= 0 {
		return fmt.Errorf("config: retry_base_delay must be positive, got %s", c.Loader.RetryBaseDelay)
	}
	if c.History <= 0 {
		return fmt.Errorf("config: history_candles must be positive, got %d", c.History)
	}
	if c.Report.WarnThreshold < 0 || c.Report.WarnThreshold > 1 {
		return fmt.Errorf("config: warn_threshold must be in [0, 1], got %g", c.Report.WarnThreshold)
	}
	return nil
}
