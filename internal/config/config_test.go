package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Backend != "hls" {
		t.Errorf("Backend = %q, want hls", cfg.Backend)
	}
	if cfg.Guard.MaxTries != 8 {
		t.Errorf("Guard.MaxTries = %d, want 8", cfg.Guard.MaxTries)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfgDir := filepath.Join(dir, "remora")
	if err := os.MkdirAll(cfgDir, 0700); err != nil {
		t.Fatal(err)
	}
	content := `
backend = "bridge"
profile = "kids"

[guard]
reset_min_duration = 120
`
	if err := os.WriteFile(filepath.Join(cfgDir, "config.toml"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Backend != "bridge" {
		t.Errorf("Backend = %q, want bridge", cfg.Backend)
	}
	if cfg.ProfileID != "kids" {
		t.Errorf("ProfileID = %q, want kids", cfg.ProfileID)
	}
	if cfg.Guard.ResetMinDuration != 120 {
		t.Errorf("Guard.ResetMinDuration = %v, want 120", cfg.Guard.ResetMinDuration)
	}
	// Untouched sections keep defaults
	if cfg.Guard.MaxTries != 8 {
		t.Errorf("Guard.MaxTries = %d, want default 8", cfg.Guard.MaxTries)
	}
	if cfg.Tracker.EndCreditsSec != 20 {
		t.Errorf("Tracker.EndCreditsSec = %d, want default 20", cfg.Tracker.EndCreditsSec)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend = "quicktime"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unsupported backend")
	}
}

func TestValidateRejectsBadGuard(t *testing.T) {
	cfg := Default()
	cfg.Guard.MaxTries = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero max_tries")
	}
}
