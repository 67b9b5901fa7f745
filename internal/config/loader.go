package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Overrides are read from the process environment after the config file.
type Overrides struct {
	Debug    bool   `env:"NARRATOR_DEBUG"`
	LogFile  string `env:"NARRATOR_LOG_FILE"`
	CacheDir string `env:"NARRATOR_CACHE_DIR"`
}

// Load reads the configuration from v, applies environment overrides,
// expands paths and validates the result.
func Load(v *viper.Viper) (Config, error) {
	cfg := Default()

	// Cache settings
	if v.IsSet("cache.dir") {
		cfg.Cache.Dir = v.GetString("cache.dir")
	}
	if v.IsSet("cache.database") {
		cfg.Cache.Database = v.GetString("cache.database")
	}
	if v.IsSet("cache.quota.max_size_mb") {
		cfg.Cache.Quota.MaxSizeMB = v.GetInt64("cache.quota.max_size_mb")
	}
	if v.IsSet("cache.quota.warning_threshold_percent") {
		cfg.Cache.Quota.WarningThresholdPercent = v.GetFloat64("cache.quota.warning_threshold_percent")
	}
	if v.IsSet("cache.quota.compression_threshold_percent") {
		cfg.Cache.Quota.CompressionThresholdPercent = v.GetFloat64("cache.quota.compression_threshold_percent")
	}
	if v.IsSet("cache.prune.max_age") {
		cfg.Cache.Prune.MaxAge = v.GetDuration("cache.prune.max_age")
	}

	// Compression settings
	if v.IsSet("compression.enabled") {
		cfg.Compression.Enabled = v.GetBool("compression.enabled")
	}
	if v.IsSet("compression.encoder") {
		cfg.Compression.Encoder = v.GetString("compression.encoder")
	}
	if v.IsSet("compression.level") {
		cfg.Compression.Level = v.GetInt("compression.level")
	}
	if v.IsSet("compression.command") {
		cfg.Compression.Command = v.GetString("compression.command")
	}
	if v.IsSet("compression.extension") {
		cfg.Compression.Extension = v.GetString("compression.extension")
	}
	if v.IsSet("compression.hot_window") {
		cfg.Compression.HotWindow = v.GetDuration("compression.hot_window")
	}
	if v.IsSet("compression.cooldown") {
		cfg.Compression.Cooldown = v.GetDuration("compression.cooldown")
	}
	if v.IsSet("compression.workers") {
		cfg.Compression.Workers = v.GetInt("compression.workers")
	}

	// Synthesis settings
	if v.IsSet("synthesis.timeout") {
		cfg.Synthesis.Timeout = v.GetDuration("synthesis.timeout")
	}
	if v.IsSet("synthesis.max_queue") {
		cfg.Synthesis.MaxQueue = v.GetInt("synthesis.max_queue")
	}
	if v.IsSet("synthesis.default_backend") {
		cfg.Synthesis.DefaultBackend = v.GetString("synthesis.default_backend")
	}
	if v.IsSet("synthesis.voices") {
		cfg.Synthesis.Voices = v.GetStringMapString("synthesis.voices")
	}
	if v.IsSet("synthesis.backends") {
		backends := make(map[string]BackendConfig)
		if err := v.UnmarshalKey("synthesis.backends", &backends); err != nil {
			return cfg, fmt.Errorf("invalid synthesis backends: %w", err)
		}
		for name, b := range backends {
			if b.Concurrency == 0 {
				b.Concurrency = 2
			}
			backends[name] = b
		}
		cfg.Synthesis.Backends = backends
	}

	// Logging settings
	if v.IsSet("logging.level") {
		cfg.Logging.Level = v.GetString("logging.level")
	}
	if v.IsSet("logging.file") {
		cfg.Logging.File = v.GetString("logging.file")
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.resolvePaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv applies Overrides from the environment.
func (c *Config) ApplyEnv() error {
	o, err := env.ParseAs[Overrides]()
	if err != nil {
		return fmt.Errorf("error parsing environment: %w", err)
	}
	if o.Debug {
		c.Logging.Level = "debug"
	}
	if o.LogFile != "" {
		c.Logging.File = o.LogFile
	}
	if o.CacheDir != "" {
		c.Cache.Dir = o.CacheDir
	}
	return nil
}

func (c *Config) resolvePaths() error {
	if c.Cache.Dir == "" {
		dir, err := defaultCacheDir()
		if err != nil {
			return err
		}
		c.Cache.Dir = dir
	}

	paths := []*string{&c.Cache.Dir, &c.Cache.Database, &c.Logging.File}
	for name, b := range c.Synthesis.Backends {
		b.Binary = expand(b.Binary)
		b.ModelDir = expand(b.ModelDir)
		c.Synthesis.Backends[name] = b
	}
	for _, p := range paths {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("unable to expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// expand expands a leading ~ and leaves p alone if that fails.
func expand(p string) string {
	if e, err := homedir.Expand(p); err == nil {
		return e
	}
	return p
}

// SetDefaults registers the defaults on v so that they show up in
// v.AllSettings and in bound flags.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("cache.database", d.Cache.Database)
	v.SetDefault("cache.quota.max_size_mb", d.Cache.Quota.MaxSizeMB)
	v.SetDefault("cache.quota.warning_threshold_percent", d.Cache.Quota.WarningThresholdPercent)
	v.SetDefault("cache.quota.compression_threshold_percent", d.Cache.Quota.CompressionThresholdPercent)
	v.SetDefault("cache.prune.max_age", d.Cache.Prune.MaxAge)

	v.SetDefault("compression.enabled", d.Compression.Enabled)
	v.SetDefault("compression.encoder", d.Compression.Encoder)
	v.SetDefault("compression.level", d.Compression.Level)
	v.SetDefault("compression.extension", d.Compression.Extension)
	v.SetDefault("compression.hot_window", d.Compression.HotWindow)
	v.SetDefault("compression.cooldown", d.Compression.Cooldown)
	v.SetDefault("compression.workers", d.Compression.Workers)

	v.SetDefault("synthesis.timeout", d.Synthesis.Timeout)
	v.SetDefault("synthesis.max_queue", d.Synthesis.MaxQueue)
	v.SetDefault("synthesis.default_backend", d.Synthesis.DefaultBackend)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.file", d.Logging.File)
}

const header = `# narrator configuration
#
# cache.quota.max_size_mb bounds the audio cache. A quota saved with
# "narrator cache quota" takes precedence over this file.
# compression.encoder is "zstd" (built in) or "exec", which runs
# compression.command with {input} and {output} placeholders and produces
# files with compression.extension.
# Each synthesis backend has an engine ("piper", "exec" or "mock"). Exec
# commands may use {voice}, {rate}, {output} and {text}.

`

// DefaultYAML renders the default configuration as a documented YAML file.
func DefaultYAML() ([]byte, error) {
	b, err := yaml.Marshal(Default())
	if err != nil {
		return nil, fmt.Errorf("unable to render default config: %w", err)
	}
	return append([]byte(header), b...), nil
}
