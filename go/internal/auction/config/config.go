package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings tunes auction behaviour. Every field has a default; a YAML file only
// needs to list what it overrides.
type Settings struct {
	// ExtensionWindow is how long an auction stays open after its latest admitted bid.
	ExtensionWindow   time.Duration `yaml:"extension_window"`
	SnapshotBids      int           `yaml:"snapshot_bids"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	RelayBuffer       int           `yaml:"relay_buffer"`
	RelayMaxRetries   int           `yaml:"relay_max_retries"`
	RelayRetryDelay   time.Duration `yaml:"relay_retry_delay"`
	ClosedGuardCache  int           `yaml:"closed_guard_cache"`
	UsernameCache     int           `yaml:"username_cache"`
}

func DefaultSettings() Settings {
	return Settings{
		ExtensionWindow:   90 * time.Second,
		SnapshotBids:      5,
		ReconcileInterval: time.Minute,
		RelayBuffer:       1024,
		RelayMaxRetries:   5,
		RelayRetryDelay:   200 * time.Millisecond,
		ClosedGuardCache:  4096,
		UsernameCache:     1024,
	}
}

// Load reads settings from path on top of the defaults. An empty path returns the defaults.
func Load(path string) (Settings, error) {
	settings := DefaultSettings()
	if path == "" {
		return settings, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return settings, err
	}
	return settings, nil
}

func (s Settings) Validate() error {
	switch {
	case s.ExtensionWindow <= 0:
		return fmt.Errorf("extension_window must be positive, got %s", s.ExtensionWindow)
	case s.SnapshotBids <= 0:
		return fmt.Errorf("snapshot_bids must be positive, got %d", s.SnapshotBids)
	case s.ReconcileInterval <= 0:
		return fmt.Errorf("reconcile_interval must be positive, got %s", s.ReconcileInterval)
	case s.RelayBuffer <= 0:
		return fmt.Errorf("relay_buffer must be positive, got %d", s.RelayBuffer)
	case s.RelayMaxRetries < 0:
		return fmt.Errorf("relay_max_retries must not be negative, got %d", s.RelayMaxRetries)
	case s.ClosedGuardCache <= 0 || s.UsernameCache <= 0:
		return fmt.Errorf("cache sizes must be positive")
	}
	return nil
}
