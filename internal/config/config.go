// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PrivacyLevel gates the externally observable radio behaviors: whether we
// advertise at all, whether the advertisement carries the display name, and
// whether scanning considers strangers or friends only.
type PrivacyLevel int

const (
	// PrivacyHidden neither advertises nor scans for strangers.
	PrivacyHidden PrivacyLevel = 1
	// PrivacyFriends advertises anonymously and scans for friends only.
	PrivacyFriends PrivacyLevel = 2
	// PrivacyOpen advertises anonymously and scans for everyone.
	PrivacyOpen PrivacyLevel = 3
	// PrivacyPublic advertises with the display name and scans for everyone.
	PrivacyPublic PrivacyLevel = 4
)

// MayAdvertise reports whether the node runs the peripheral advertisement.
func (l PrivacyLevel) MayAdvertise() bool { return l >= PrivacyFriends }

// AdvertiseName reports whether the advertisement carries the display name.
func (l PrivacyLevel) AdvertiseName() bool { return l >= PrivacyPublic }

// ScanAll reports whether scan results from strangers are considered, as
// opposed to friends only.
func (l PrivacyLevel) ScanAll() bool { return l >= PrivacyOpen }

// Valid reports whether the level is one of the four defined levels.
func (l PrivacyLevel) Valid() bool { return l >= PrivacyHidden && l <= PrivacyPublic }

// Config holds all daemon configuration.
type Config struct {
	DisplayName string       `yaml:"display_name"`
	DataDir     string       `yaml:"data_dir"`
	Privacy     PrivacyLevel `yaml:"privacy"`
	Scan        ScanConfig   `yaml:"scan"`
	LogLevel    string       `yaml:"log_level"`
}

// ScanConfig holds the scan duty cycle: scan for Duration, pause for
// Pause, repeat.
type ScanConfig struct {
	Duration time.Duration `yaml:"duration"`
	Pause    time.Duration `yaml:"pause"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "grassroots")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DisplayName: "anonymous",
		DataDir:     filepath.Join(home, ".local", "share", "grassroots"),
		Privacy:     PrivacyOpen,
		Scan: ScanConfig{
			Duration: 10 * time.Second,
			Pause:    5 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. Tilde (~) in data_dir is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DataDir = expandTilde(cfg.DataDir)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.DisplayName == "" {
		return fmt.Errorf("display_name must not be empty")
	}
	if len(c.DisplayName) > 63 {
		return fmt.Errorf("display_name must be at most 63 bytes, got %d", len(c.DisplayName))
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	if !c.Privacy.Valid() {
		return fmt.Errorf("privacy must be between %d and %d, got %d", PrivacyHidden, PrivacyPublic, c.Privacy)
	}

	if c.Scan.Duration <= 0 {
		return fmt.Errorf("scan.duration must be > 0")
	}
	if c.Scan.Pause < 0 {
		return fmt.Errorf("scan.pause must be >= 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
