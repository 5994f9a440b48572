// Package config loads the engine configuration from a YAML file with
// environment overrides for deploy-time and secret values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete engine configuration.
type Config struct {
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// SessionConfig shapes the upstream realtime session.
type SessionConfig struct {
	URL                string `yaml:"url"`
	APIKey             string `yaml:"api_key"`
	Model              string `yaml:"model"`
	Voice              string `yaml:"voice"`
	Instructions       string `yaml:"instructions"`
	DialTimeoutSeconds int    `yaml:"dial_timeout_seconds"`
	ConnectRetries     int    `yaml:"connect_retries"`
}

// DialTimeout returns the per-attempt connect timeout.
func (s SessionConfig) DialTimeout() time.Duration {
	return time.Duration(s.DialTimeoutSeconds) * time.Second
}

// AudioConfig shapes the hardware and resampling path.
type AudioConfig struct {
	CaptureRate      int `yaml:"capture_rate"`
	PlaybackRate     int `yaml:"playback_rate"`
	ProviderRate     int `yaml:"provider_rate"`
	ChunkMS          int `yaml:"chunk_ms"`
	PreRollMS        int `yaml:"pre_roll_ms"`
	CrossfadeSamples int `yaml:"crossfade_samples"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			URL:                "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview",
			Model:              "gpt-4o-realtime-preview",
			Voice:              "alloy",
			DialTimeoutSeconds: 10,
			ConnectRetries:     3,
		},
		Audio: AudioConfig{
			CaptureRate:      48000,
			PlaybackRate:     48000,
			ProviderRate:     24000,
			ChunkMS:          100,
			PreRollMS:        200,
			CrossfadeSamples: 256,
		},
		Metrics: MetricsConfig{
			Address: ":9091",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnv layers VOICELINK_* environment variables over file values.
// Environment wins so secrets never need to live in the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("VOICELINK_API_KEY"); v != "" {
		c.Session.APIKey = v
	}
	if v := os.Getenv("VOICELINK_URL"); v != "" {
		c.Session.URL = v
	}
	if v := os.Getenv("VOICELINK_MODEL"); v != "" {
		c.Session.Model = v
	}
	if v := os.Getenv("VOICELINK_VOICE"); v != "" {
		c.Session.Voice = v
	}
	if v := os.Getenv("VOICELINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VOICELINK_METRICS_ADDR"); v != "" {
		c.Metrics.Address = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("VOICELINK_METRICS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = enabled
		}
	}
}

// Validate checks the configuration for shapes the engine cannot run with.
func (c *Config) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url is required")
	}
	if c.Session.ConnectRetries <= 0 {
		c.Session.ConnectRetries = 3
	}
	if c.Session.DialTimeoutSeconds <= 0 {
		c.Session.DialTimeoutSeconds = 10
	}
	if c.Audio.CaptureRate <= 0 || c.Audio.ProviderRate <= 0 || c.Audio.PlaybackRate <= 0 {
		return fmt.Errorf("audio rates must be positive")
	}
	if c.Audio.CaptureRate%c.Audio.ProviderRate != 0 {
		return fmt.Errorf("audio.capture_rate %d must be an integer multiple of audio.provider_rate %d",
			c.Audio.CaptureRate, c.Audio.ProviderRate)
	}
	if c.Audio.PlaybackRate != c.Audio.ProviderRate && c.Audio.PlaybackRate != 2*c.Audio.ProviderRate {
		return fmt.Errorf("audio.playback_rate %d must equal or double audio.provider_rate %d",
			c.Audio.PlaybackRate, c.Audio.ProviderRate)
	}
	if c.Audio.ChunkMS <= 0 {
		return fmt.Errorf("audio.chunk_ms must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	return nil
}
