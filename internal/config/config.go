// Package config loads narrator's configuration from viper, environment
// overrides and defaults.
package config

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/charmbracelet/narrator/internal/cache"
	"github.com/charmbracelet/narrator/internal/synth"
	"github.com/charmbracelet/narrator/internal/tts/engines"
	gap "github.com/muesli/go-app-paths"
)

// Compression encoders.
const (
	EncoderZstd = "zstd"
	EncoderExec = "exec"
)

// Config is the complete configuration.
type Config struct {
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Compression CompressionConfig `yaml:"compression" mapstructure:"compression"`
	Synthesis   SynthesisConfig   `yaml:"synthesis" mapstructure:"synthesis"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
}

// CacheConfig locates the cache and bounds its size.
type CacheConfig struct {
	// Dir holds the audio files. Empty means the user cache directory.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// Database is the SQLite metadata file. Empty means Dir/index.db.
	Database string `yaml:"database" mapstructure:"database"`

	Quota QuotaConfig `yaml:"quota" mapstructure:"quota"`
	Prune PruneConfig `yaml:"prune" mapstructure:"prune"`
}

// QuotaConfig is the configured quota. A quota saved with `cache quota`
// takes precedence.
type QuotaConfig struct {
	MaxSizeMB                   int64   `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	WarningThresholdPercent     float64 `yaml:"warning_threshold_percent" mapstructure:"warning_threshold_percent"`
	CompressionThresholdPercent float64 `yaml:"compression_threshold_percent" mapstructure:"compression_threshold_percent"`
}

// PruneConfig is the default budget of `cache prune`.
type PruneConfig struct {
	MaxAge time.Duration `yaml:"max_age" mapstructure:"max_age"`
}

// CompressionConfig configures background compression.
type CompressionConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Encoder string `yaml:"encoder" mapstructure:"encoder"`
	Level   int    `yaml:"level" mapstructure:"level"`

	// Command and Extension configure the exec encoder. The command gets
	// {input} and {output} placeholders.
	Command   string `yaml:"command" mapstructure:"command"`
	Extension string `yaml:"extension" mapstructure:"extension"`

	HotWindow time.Duration `yaml:"hot_window" mapstructure:"hot_window"`
	Cooldown  time.Duration `yaml:"cooldown" mapstructure:"cooldown"`
	Workers   int           `yaml:"workers" mapstructure:"workers"`
}

// SynthesisConfig configures the coordinator and its backends.
type SynthesisConfig struct {
	Timeout        time.Duration            `yaml:"timeout" mapstructure:"timeout"`
	MaxQueue       int                      `yaml:"max_queue" mapstructure:"max_queue"`
	DefaultBackend string                   `yaml:"default_backend" mapstructure:"default_backend"`
	Voices         map[string]string        `yaml:"voices" mapstructure:"voices"`
	Backends       map[string]BackendConfig `yaml:"backends" mapstructure:"backends"`
}

// BackendConfig describes one named backend.
type BackendConfig struct {
	Engine        string  `yaml:"engine" mapstructure:"engine"`
	Concurrency   int     `yaml:"concurrency" mapstructure:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second,omitempty" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst,omitempty" mapstructure:"burst"`
	Binary        string  `yaml:"binary,omitempty" mapstructure:"binary"`
	ModelDir      string  `yaml:"model_dir,omitempty" mapstructure:"model_dir"`
	Command       string  `yaml:"command,omitempty" mapstructure:"command"`
}

// LoggingConfig configures the root logger.
type LoggingConfig struct {
	Level string `yaml:"level" mapstructure:"level"`
	File  string `yaml:"file" mapstructure:"file"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Quota: QuotaConfig{
				MaxSizeMB:                   500,
				WarningThresholdPercent:     80,
				CompressionThresholdPercent: 70,
			},
			Prune: PruneConfig{MaxAge: 30 * 24 * time.Hour},
		},
		Compression: CompressionConfig{
			Enabled:   true,
			Encoder:   EncoderZstd,
			Level:     3,
			Extension: ".opus",
			HotWindow: 10 * time.Minute,
			Cooldown:  time.Hour,
			Workers:   1,
		},
		Synthesis: SynthesisConfig{
			Timeout:        synth.DefaultTimeout,
			MaxQueue:       synth.DefaultMaxQueue,
			DefaultBackend: engines.EnginePiper,
			Voices:         map[string]string{},
			Backends: map[string]BackendConfig{
				engines.EnginePiper: {
					Engine:      engines.EnginePiper,
					Concurrency: 2,
					Binary:      "piper",
					ModelDir:    "~/.local/share/piper",
				},
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := c.QuotaSettings().Validate(); err != nil {
		return fmt.Errorf("cache config: %w", err)
	}
	if c.Cache.Prune.MaxAge < 0 {
		return fmt.Errorf("cache config: prune max_age must not be negative, got %v", c.Cache.Prune.MaxAge)
	}
	if err := c.Compression.Validate(); err != nil {
		return fmt.Errorf("compression config: %w", err)
	}
	if err := c.Synthesis.Validate(); err != nil {
		return fmt.Errorf("synthesis config: %w", err)
	}
	if _, err := log.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate checks if the compression configuration is valid.
func (c *CompressionConfig) Validate() error {
	c.Encoder = strings.ToLower(c.Encoder)
	switch c.Encoder {
	case EncoderZstd:
		if c.Level < 1 || c.Level > 22 {
			return fmt.Errorf("zstd level must be between 1 and 22, got %d", c.Level)
		}
	case EncoderExec:
		if c.Enabled && strings.TrimSpace(c.Command) == "" {
			return fmt.Errorf("the exec encoder needs a command")
		}
		f, err := cache.ParseFormat(c.Extension)
		if err != nil {
			return err
		}
		if f == cache.FormatWAV {
			return fmt.Errorf("the exec encoder cannot produce %s", f)
		}
	default:
		return fmt.Errorf("invalid encoder '%s': must be one of %v", c.Encoder, []string{EncoderZstd, EncoderExec})
	}
	if c.Workers < 1 || c.Workers > 16 {
		return fmt.Errorf("workers must be between 1 and 16, got %d", c.Workers)
	}
	if c.HotWindow < 0 || c.Cooldown < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Validate checks if the synthesis configuration is valid.
func (c *SynthesisConfig) Validate() error {
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1 second, got %v", c.Timeout)
	}
	if c.MaxQueue < 1 {
		return fmt.Errorf("max_queue must be positive, got %d", c.MaxQueue)
	}
	if len(c.Backends) == 0 {
		return fmt.Errorf("at least one backend is required")
	}

	validEngines := []string{engines.EnginePiper, engines.EngineExec, engines.EngineMock}
	for name, b := range c.Backends {
		if !slices.Contains(validEngines, b.Engine) {
			return fmt.Errorf("backend %s: invalid engine '%s': must be one of %v", name, b.Engine, validEngines)
		}
		if b.Concurrency < 1 || b.Concurrency > 32 {
			return fmt.Errorf("backend %s: concurrency must be between 1 and 32, got %d", name, b.Concurrency)
		}
		if b.RatePerSecond < 0 || b.Burst < 0 {
			return fmt.Errorf("backend %s: rate limits must not be negative", name)
		}
		if b.Engine == engines.EngineExec && strings.TrimSpace(b.Command) == "" {
			return fmt.Errorf("backend %s: the exec engine needs a command", name)
		}
	}

	if _, ok := c.Backends[c.DefaultBackend]; !ok {
		return fmt.Errorf("default backend %q is not configured", c.DefaultBackend)
	}
	for voice, name := range c.Voices {
		if _, ok := c.Backends[name]; !ok {
			return fmt.Errorf("voice %s uses unknown backend %q", voice, name)
		}
	}
	return nil
}

// QuotaSettings converts the configured quota.
func (c *Config) QuotaSettings() cache.QuotaSettings {
	return cache.QuotaSettings{
		MaxSizeBytes:                c.Cache.Quota.MaxSizeMB * 1024 * 1024,
		WarningThresholdPercent:     c.Cache.Quota.WarningThresholdPercent,
		CompressionThresholdPercent: c.Cache.Quota.CompressionThresholdPercent,
	}
}

// ManagerConfig converts the cache and compression settings.
func (c *Config) ManagerConfig() cache.ManagerConfig {
	return cache.ManagerConfig{
		Quota:           c.QuotaSettings(),
		HotWindow:       c.Compression.HotWindow,
		FailureCooldown: c.Compression.Cooldown,
		Weights:         cache.DefaultScoreWeights(),
	}
}

// CompressedFormat is the variant the configured encoder produces.
func (c *CompressionConfig) CompressedFormat() cache.Format {
	if c.Encoder == EncoderExec {
		if f, err := cache.ParseFormat(c.Extension); err == nil {
			return f
		}
	}
	return cache.FormatZstd
}

// Transcoder builds the configured encoder.
func (c *CompressionConfig) Transcoder() (cache.Transcoder, error) {
	if c.Encoder == EncoderExec {
		return cache.NewExecTranscoder(c.Command, c.CompressedFormat())
	}
	return cache.NewZstdTranscoder(c.Level), nil
}

// Spec converts b for engines.New.
func (b BackendConfig) Spec() engines.Spec {
	return engines.Spec{
		Engine:   b.Engine,
		Binary:   b.Binary,
		ModelDir: b.ModelDir,
		Command:  b.Command,
	}
}

// Limits converts b for the coordinator.
func (b BackendConfig) Limits() synth.BackendLimits {
	return synth.BackendLimits{
		Concurrency:   b.Concurrency,
		RatePerSecond: b.RatePerSecond,
		Burst:         b.Burst,
	}
}

// DatabasePath returns the metadata database location.
func (c *CacheConfig) DatabasePath() string {
	if c.Database != "" {
		return c.Database
	}
	return filepath.Join(c.Dir, "index.db")
}

// defaultCacheDir is the per-user cache directory.
func defaultCacheDir() (string, error) {
	dir, err := gap.NewScope(gap.User, "narrator").CacheDir()
	if err != nil {
		return "", fmt.Errorf("unable to find cache directory: %w", err)
	}
	return filepath.Join(dir, "audio"), nil
}
