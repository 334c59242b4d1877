// Package cmd implements the CLI commands using Cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"remora/internal/config"
	"remora/internal/log"
)

// Version is set at build time via ldflags.
var Version = "dev"

// Global flags
var (
	flagProfile  string
	flagBackend  string
	flagLanguage string
	flagNoSubs   bool
	flagAllow4K  bool
	flagAuthURL  string
	flagDebug    bool
)

// cfg holds the loaded configuration (merged: defaults < config file < flags).
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "remora [query]",
	Short: "Resilient terminal streaming client",
	Long: `Remora is a terminal streaming client built around playback continuity:
authorization grants are renewed before they expire, transient transport
failures are retried with backoff, and the watch position survives reloads,
renewals and player resets.`,
	Args:              cobra.ArbitraryArgs,
	PersistentPreRunE: loadConfig,
	RunE:              searchRun,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagProfile, "profile", "p", "", "Active profile ID")
	pf.StringVar(&flagBackend, "backend", "", "Playback backend: hls | bridge")
	pf.StringVarP(&flagLanguage, "language", "l", "", "Subtitle language (default: english)")
	pf.BoolVarP(&flagNoSubs, "no-subs", "n", false, "Disable subtitles")
	pf.BoolVar(&flagAllow4K, "allow-4k", false, "Lift the 1080p quality cap")
	pf.StringVar(&flagAuthURL, "auth-url", "", "Authorization service endpoint")
	pf.BoolVarP(&flagDebug, "debug", "x", false, "Debug logging to stderr")

	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(trendingCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads and merges configuration: defaults < config file < CLI flags.
func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// CLI flags override config file values
	if flagProfile != "" {
		cfg.ProfileID = flagProfile
	}
	if flagBackend != "" {
		cfg.Backend = flagBackend
	}
	if flagLanguage != "" {
		cfg.SubsLanguage = flagLanguage
	}
	if flagAuthURL != "" {
		cfg.AuthURL = flagAuthURL
	}
	if flagAllow4K {
		cfg.Allow4K = true
	}
	if flagDebug {
		cfg.Debug = true
	}

	// Re-validate after flag overrides
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	log.Configure(log.Config{Level: level})

	return nil
}
