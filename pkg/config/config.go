// Package config provides configuration loading and management for niftiview.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"niftiview/pkg/volume"
	"niftiview/pkg/windowing"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Cine playback parameters
	Playback struct {
		// PeriodMs is the time between slice advances in milliseconds
		PeriodMs int `yaml:"periodMs"`

		// Plane is the plane shown at startup (axial, sagittal or coronal)
		Plane string `yaml:"plane"`
	} `yaml:"playback"`

	// Display window applied when rendering slices
	Window struct {
		// Preset names a standard window; it takes precedence over Center/Width
		Preset string `yaml:"preset"`

		Center float64 `yaml:"center"`
		Width  float64 `yaml:"width"`

		// Auto maps each slice's own min..max range to 0..255. A window
		// with neither center nor width set is auto as well.
		Auto bool `yaml:"auto"`

		// Rescale applies scl_slope/scl_inter before windowing so presets
		// see calibrated units such as Hounsfield
		Rescale bool `yaml:"rescale"`
	} `yaml:"window"`

	// Session cache parameters
	Cache struct {
		// Backend is "memory" or "badger"
		Backend string `yaml:"backend"`

		// Path is the badger database directory
		Path string `yaml:"path"`

		// FrameCacheMB bounds the memory used to memoise rendered frames
		FrameCacheMB int `yaml:"frameCacheMB"`

		// Compress stores cached voxels snappy-compressed
		Compress bool `yaml:"compress"`
	} `yaml:"cache"`

	// Logging parameters
	Logging struct {
		// Level is one of debug, info, warn, error
		Level string `yaml:"level"`

		// Format is "json" or "console"
		Format string `yaml:"format"`

		// File, when set, receives logs through a rotating writer
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"maxSizeMB"`
		MaxAgeDays int    `yaml:"maxAgeDays"`
	} `yaml:"logging"`

	// Slice export parameters
	Export struct {
		// Format is "jpeg" or "tiff"
		Format string `yaml:"format"`

		// Quality is the JPEG quality (1-100)
		Quality int `yaml:"quality"`
	} `yaml:"export"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Playback.PeriodMs = 100
	cfg.Playback.Plane = volume.Axial.String()

	cfg.Window.Rescale = true

	cfg.Cache.Backend = "memory"
	cfg.Cache.Path = "niftiview-cache"
	cfg.Cache.FrameCacheMB = 32
	cfg.Cache.Compress = true

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "console"
	cfg.Logging.MaxSizeMB = 10
	cfg.Logging.MaxAgeDays = 7

	cfg.Export.Format = "jpeg"
	cfg.Export.Quality = 90

	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Playback.PeriodMs <= 0 {
		return fmt.Errorf("playback.periodMs must be positive, got %d", c.Playback.PeriodMs)
	}
	if _, err := volume.ParsePlane(c.Playback.Plane); err != nil {
		return fmt.Errorf("playback.plane: %w", err)
	}
	if _, err := c.WindowSetting(); err != nil {
		return err
	}
	switch c.Cache.Backend {
	case "memory":
	case "badger":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("cache.backend %q is not memory or badger", c.Cache.Backend)
	}
	if c.Cache.FrameCacheMB < 0 {
		return fmt.Errorf("cache.frameCacheMB must not be negative, got %d", c.Cache.FrameCacheMB)
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not debug, info, warn or error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not json or console", c.Logging.Format)
	}
	switch strings.ToLower(c.Export.Format) {
	case "jpeg", "jpg", "tiff", "tif":
	default:
		return fmt.Errorf("export.format %q is not jpeg or tiff", c.Export.Format)
	}
	if c.Export.Quality < 1 || c.Export.Quality > 100 {
		return fmt.Errorf("export.quality must be within 1..100, got %d", c.Export.Quality)
	}
	return nil
}

// Period returns the playback period as a duration.
func (c *Config) Period() time.Duration {
	return time.Duration(c.Playback.PeriodMs) * time.Millisecond
}

// Plane returns the configured start plane, defaulting to axial.
func (c *Config) Plane() volume.Plane {
	p, err := volume.ParsePlane(c.Playback.Plane)
	if err != nil {
		return volume.Axial
	}
	return p
}

// WindowSetting resolves the window section. A nil setting means auto-window.
// Preset wins over Auto, and Auto wins over an explicit center/width.
func (c *Config) WindowSetting() (*windowing.Setting, error) {
	if c.Window.Preset != "" {
		s, err := windowing.ParsePreset(c.Window.Preset)
		if err != nil {
			return nil, fmt.Errorf("window.preset: %w", err)
		}
		return &s, nil
	}
	if c.Window.Auto || (c.Window.Center == 0 && c.Window.Width == 0) {
		return nil, nil
	}
	s := windowing.Setting{Center: c.Window.Center, Width: c.Window.Width}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("window: %w", err)
	}
	return &s, nil
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
