// Package config holds the sampler CLI configuration.
package config

import (
	"fmt"
	"time"
)

// OutputMode selects how the CLI consumes samples.
const (
	OutputTimesteps    = "timesteps"
	OutputSamples      = "samples"
	OutputTrajectories = "trajectories"
)

// Config holds all sampler CLI configuration.
type Config struct {
	// Service endpoint
	ServerAddr string `mapstructure:"server_addr"`

	// Sampling settings
	Table      string `mapstructure:"table"`
	NumSamples int64  `mapstructure:"num_samples"`
	OutputMode string `mapstructure:"output_mode"`

	// Engine settings
	NumWorkers          int           `mapstructure:"num_workers"`
	MaxInFlight         int64         `mapstructure:"max_in_flight"`
	MaxSamplesPerStream int64         `mapstructure:"max_samples_per_stream"`
	RateLimiterTimeout  time.Duration `mapstructure:"rate_limiter_timeout"`
	FlexibleBatchSize   int32         `mapstructure:"flexible_batch_size"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		ServerAddr:          "localhost:8080",
		Table:               "experience",
		NumSamples:          1000,
		OutputMode:          OutputTrajectories,
		NumWorkers:          -1, // auto
		MaxInFlight:         100,
		MaxSamplesPerStream: -1, // auto
		RateLimiterTimeout:  time.Minute,
		FlexibleBatchSize:   -1, // auto
		LogLevel:            "info",
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server_addr is required")
	}
	if c.Table == "" {
		return fmt.Errorf("table is required")
	}
	if c.NumSamples < 1 && c.NumSamples != -1 {
		return fmt.Errorf("num_samples must be positive or -1 for unlimited")
	}
	switch c.OutputMode {
	case OutputTimesteps, OutputSamples, OutputTrajectories:
	default:
		return fmt.Errorf("output_mode must be one of timesteps, samples, trajectories")
	}
	if c.RateLimiterTimeout < 0 {
		return fmt.Errorf("rate_limiter_timeout must not be negative")
	}
	return nil
}
