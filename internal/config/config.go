// Package config handles TOML-based configuration loading and validation.
// Config is parsed as data only; policy constants that started life as
// hard-coded player heuristics are exposed here as tunable fields.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds all application configuration.
type Config struct {
	Base         string `toml:"base"`          // catalog host, e.g. "flixhq.to"
	AuthURL      string `toml:"auth_url"`      // authorization/renewal service endpoint
	Backend      string `toml:"backend"`       // "hls" or "bridge"
	BridgeBinary string `toml:"bridge_binary"` // player binary for the bridge backend
	UserID       string `toml:"user"`
	ProfileID    string `toml:"profile"`
	DeviceLabel  string `toml:"device_label"`
	SubsLanguage string `toml:"subs_language"`
	Allow4K      bool   `toml:"allow_4k"`
	Debug        bool   `toml:"debug"`

	Guard    Guard    `toml:"guard"`
	Tracker  Tracker  `toml:"tracker"`
	Reporter Reporter `toml:"reporter"`
}

// Guard tunes the anti-reset guard. The reset-detector thresholds are
// empirically tuned policy, not invariants; they are configurable so a
// deployment with short-form content can loosen them.
type Guard struct {
	RestoreDelayMs    int     `toml:"restore_delay_ms"`    // initial restore arm delay
	DeferDelayMs      int     `toml:"defer_delay_ms"`      // re-check cadence while deferred
	MaxTries          int     `toml:"max_tries"`           // deferred attempts before giving up
	SeekWindowMs      int     `toml:"seek_window_ms"`      // "recent user seek" window
	ResetMinDuration  float64 `toml:"reset_min_duration"`  // seconds; detector active above this
	ResetMinLastGood  float64 `toml:"reset_min_last_good"` // seconds of confirmed progress required
	ResetMaxPosition  float64 `toml:"reset_max_position"`  // positions at/below this count as a reset
	ConvergeWindowSec float64 `toml:"converge_window_sec"` // "close enough" window around the target
}

// Tracker tunes the watch-progress save cadence.
type Tracker struct {
	SaveIntervalSec int `toml:"save_interval_sec"`
	MinDeltaSec     int `toml:"min_delta_sec"`
	EndCreditsSec   int `toml:"end_credits_sec"` // remaining time under which a save collapses to 0
}

// Reporter tunes the device session heartbeat.
type Reporter struct {
	HeartbeatSec int `toml:"heartbeat_sec"`
	DedupeSec    int `toml:"dedupe_sec"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Base:         "flixhq.to",
		AuthURL:      "",
		Backend:      "hls",
		BridgeBinary: "mpv",
		UserID:       "local",
		ProfileID:    "default",
		DeviceLabel:  "remora",
		SubsLanguage: "english",
		Allow4K:      false,
		Debug:        false,
		Guard: Guard{
			RestoreDelayMs:    220,
			DeferDelayMs:      350,
			MaxTries:          8,
			SeekWindowMs:      1500,
			ResetMinDuration:  60,
			ResetMinLastGood:  30,
			ResetMaxPosition:  1.0,
			ConvergeWindowSec: 0.75,
		},
		Tracker: Tracker{
			SaveIntervalSec: 30,
			MinDeltaSec:     5,
			EndCreditsSec:   20,
		},
		Reporter: Reporter{
			HeartbeatSec: 25,
			DedupeSec:    8,
		},
	}
}

// configDir returns the XDG-compliant config directory.
func configDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "remora"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".config", "remora"), nil
}

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DataDir returns the XDG-compliant data directory holding the state database.
func DataDir() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "remora"), nil
}

// StatePath returns the path to the sqlite state database.
func StatePath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state.db"), nil
}

// Load reads the config file and merges with defaults.
// If the config file doesn't exist, defaults are returned.
func Load() (*Config, error) {
	cfg := Default()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks config values are within acceptable bounds.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backend) {
	case "hls", "bridge":
	default:
		return fmt.Errorf("unsupported backend %q (valid: hls, bridge)", c.Backend)
	}

	if c.Base == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	if c.Guard.MaxTries <= 0 {
		return fmt.Errorf("guard.max_tries must be positive")
	}
	if c.Guard.ConvergeWindowSec <= 0 {
		return fmt.Errorf("guard.converge_window_sec must be positive")
	}
	if c.Guard.RestoreDelayMs < 0 || c.Guard.DeferDelayMs <= 0 {
		return fmt.Errorf("guard delays must be positive")
	}

	if c.Tracker.SaveIntervalSec <= 0 {
		return fmt.Errorf("tracker.save_interval_sec must be positive")
	}

	if c.Reporter.HeartbeatSec <= 0 || c.Reporter.DedupeSec < 0 {
		return fmt.Errorf("reporter cadences must be positive")
	}

	return nil
}
