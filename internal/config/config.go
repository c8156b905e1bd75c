// Package config loads and validates the pipeline configuration via viper.
// Every throttling knob the host may tune lives here: fetch concurrency and
// retry policy, viewport look-ahead, scheduling window interval, resource
// ceilings, and paint caps.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Fetch    FetchConfig    `mapstructure:"fetch" yaml:"fetch"`
	Layout   LayoutConfig   `mapstructure:"layout" yaml:"layout"`
	Paint    PaintConfig    `mapstructure:"paint" yaml:"paint"`
	Governor GovernorConfig `mapstructure:"governor" yaml:"governor"`
}

// LoggerConfig controls the zap logger bootstrap.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// FetchConfig tunes the fetch scheduler and its worker pool.
type FetchConfig struct {
	// ConcurrencyCap bounds simultaneous in-flight fetches process-wide.
	ConcurrencyCap int `mapstructure:"concurrency_cap" yaml:"concurrency_cap"`
	// RetryLimit is the number of attempts before a task fails terminally.
	RetryLimit int `mapstructure:"retry_limit" yaml:"retry_limit"`
	// BackoffBase is the delay before the first retry; it doubles per attempt.
	BackoffBase time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	// PromoteAfter is how long a task may wait before it is promoted one
	// priority tier (starvation avoidance).
	PromoteAfter time.Duration `mapstructure:"promote_after" yaml:"promote_after"`
	// RequestTimeout bounds a single fetch attempt.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// RatePerSecond caps request admission; zero disables the limiter.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// LayoutConfig tunes the incremental layout engine.
type LayoutConfig struct {
	ViewportWidth  float64 `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight float64 `mapstructure:"viewport_height" yaml:"viewport_height"`
	// LookAheadMargin extends the viewport on all sides when deciding what
	// is "about to become visible". Pixels.
	LookAheadMargin float64 `mapstructure:"look_ahead_margin" yaml:"look_ahead_margin"`
}

// PaintConfig tunes the paint batcher.
type PaintConfig struct {
	// CommandCap is the baseline per-frame paint command budget.
	CommandCap int `mapstructure:"command_cap" yaml:"command_cap"`
	// MaxFramesPerSecond caps submission to the rendering surface.
	MaxFramesPerSecond float64 `mapstructure:"max_frames_per_second" yaml:"max_frames_per_second"`
	// TraceFile, when set, mirrors every submitted batch as a JSON line.
	TraceFile string `mapstructure:"trace_file" yaml:"trace_file"`
}

// GovernorConfig tunes the resource governor.
type GovernorConfig struct {
	// WindowInterval is the scheduling window at which Tick runs.
	WindowInterval time.Duration `mapstructure:"window_interval" yaml:"window_interval"`
	// CPUCeiling is the fraction of one core the pipeline may consume
	// per window before throttling (0.02 == 2%).
	CPUCeiling float64 `mapstructure:"cpu_ceiling" yaml:"cpu_ceiling"`
	// MemCeilingBytes is the resident memory ceiling before throttling.
	MemCeilingBytes uint64 `mapstructure:"mem_ceiling_bytes" yaml:"mem_ceiling_bytes"`
	// ShedFactor is the usage/ceiling ratio above which Shed is emitted
	// instead of Throttle.
	ShedFactor float64 `mapstructure:"shed_factor" yaml:"shed_factor"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "wisp")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Fetch --
	v.SetDefault("fetch.concurrency_cap", 4)
	v.SetDefault("fetch.retry_limit", 3)
	v.SetDefault("fetch.backoff_base", "250ms")
	v.SetDefault("fetch.promote_after", "5s")
	v.SetDefault("fetch.request_timeout", "30s")
	v.SetDefault("fetch.rate_per_second", 0.0)

	// -- Layout --
	v.SetDefault("layout.viewport_width", 1280.0)
	v.SetDefault("layout.viewport_height", 800.0)
	v.SetDefault("layout.look_ahead_margin", 200.0)

	// -- Paint --
	v.SetDefault("paint.command_cap", 2048)
	v.SetDefault("paint.max_frames_per_second", 60.0)
	v.SetDefault("paint.trace_file", "")

	// -- Governor --
	v.SetDefault("governor.window_interval", "16ms")
	v.SetDefault("governor.cpu_ceiling", 0.02)
	v.SetDefault("governor.mem_ceiling_bytes", uint64(256<<20))
	v.SetDefault("governor.shed_factor", 1.5)
}

// NewDefaultConfig returns a configuration populated with defaults only.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; an unmarshal failure here is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read its sources.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	if c.Fetch.ConcurrencyCap <= 0 {
		return fmt.Errorf("fetch.concurrency_cap must be a positive integer")
	}
	if c.Fetch.RetryLimit < 0 {
		return fmt.Errorf("fetch.retry_limit must not be negative")
	}
	if c.Fetch.BackoffBase <= 0 {
		return fmt.Errorf("fetch.backoff_base must be a positive duration")
	}
	if c.Fetch.PromoteAfter <= 0 {
		return fmt.Errorf("fetch.promote_after must be a positive duration")
	}
	if c.Layout.ViewportWidth <= 0 || c.Layout.ViewportHeight <= 0 {
		return fmt.Errorf("layout viewport dimensions must be positive")
	}
	if c.Layout.LookAheadMargin < 0 {
		return fmt.Errorf("layout.look_ahead_margin must not be negative")
	}
	if c.Paint.CommandCap <= 0 {
		return fmt.Errorf("paint.command_cap must be a positive integer")
	}
	if c.Governor.WindowInterval <= 0 {
		return fmt.Errorf("governor.window_interval must be a positive duration")
	}
	if c.Governor.CPUCeiling <= 0 || c.Governor.CPUCeiling > 1 {
		return fmt.Errorf("governor.cpu_ceiling must be in (0, 1]")
	}
	if c.Governor.MemCeilingBytes == 0 {
		return fmt.Errorf("governor.mem_ceiling_bytes must be positive")
	}
	if c.Governor.ShedFactor < 1 {
		return fmt.Errorf("governor.shed_factor must be at least 1")
	}
	return nil
}
