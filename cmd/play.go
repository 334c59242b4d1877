package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"remora/internal/authz"
	"remora/internal/backend"
	"remora/internal/config"
	"remora/internal/media"
	"remora/internal/session"
	"remora/internal/store"
	"remora/internal/subtitle"
	"remora/internal/ui"
)

var (
	playStart float64
	playSubs  []string
)

var playCmd = &cobra.Command{
	Use:   "play <title-id>",
	Short: "Play a title by its catalog ID",
	Args:  cobra.ExactArgs(1),
	RunE:  playRun,
}

func init() {
	playCmd.Flags().Float64Var(&playStart, "start", 0, "Start position in seconds (an explicit 0 restarts from the beginning)")
	playCmd.Flags().StringArrayVar(&playSubs, "sub", nil, "Sideloaded subtitle as language=url (repeatable)")
}

func playRun(cmd *cobra.Command, args []string) error {
	// Distinguish "--start 0" from "no --start": zero is a deliberate
	// restart, absence means resume from the saved position.
	var override *float64
	if cmd.Flags().Changed("start") {
		override = &playStart
	}

	subs, err := parseSubFlags(playSubs)
	if err != nil {
		return err
	}

	return playTitle(cmd.Context(), args[0], args[0], override, subs)
}

// playTitle wires the state store, authorizer, backend and session engine
// together and hands the running session to the HUD.
func playTitle(ctx context.Context, titleID, title string, override *float64, subs []media.Subtitle) error {
	if cfg.AuthURL == "" {
		return fmt.Errorf("no authorization service configured (set auth_url in the config file or pass --auth-url)")
	}

	statePath, err := config.StatePath()
	if err != nil {
		return err
	}
	st, err := store.OpenSQLite(statePath)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer st.Close()

	be, err := backend.New(cfg.Backend)
	if err != nil {
		return err
	}

	eng, err := session.New(session.Params{
		Config:        cfg,
		Backend:       be,
		Authorizer:    authz.NewResolver(cfg.AuthURL, nil),
		Progress:      st,
		Devices:       st,
		Flags:         st,
		TitleID:       titleID,
		Title:         title,
		Subtitles:     pickSubtitles(subs),
		StartOverride: override,
	})
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		if errors.Is(err, store.ErrDeviceLimit) {
			return fmt.Errorf("device limit reached for this account; free a slot with `remora devices revoke`")
		}
		return fmt.Errorf("starting session: %w", err)
	}
	defer eng.Close()

	return ui.RunHUD(eng, title)
}

// pickSubtitles narrows the sideloaded subtitles to the preferred language.
func pickSubtitles(subs []media.Subtitle) []media.Subtitle {
	if flagNoSubs || len(subs) == 0 {
		return nil
	}
	if matched := subtitle.Filter(subs, cfg.SubsLanguage); len(matched) > 0 {
		return matched
	}
	if best := subtitle.BestMatch(subs, "english"); best != nil {
		return []media.Subtitle{*best}
	}
	return subs
}

func parseSubFlags(specs []string) ([]media.Subtitle, error) {
	var subs []media.Subtitle
	for _, spec := range specs {
		lang, url, ok := strings.Cut(spec, "=")
		if !ok || lang == "" || url == "" {
			return nil, fmt.Errorf("invalid --sub %q, expected language=url", spec)
		}
		subs = append(subs, media.Subtitle{Language: lang, Label: lang, URL: url})
	}
	return subs, nil
}
