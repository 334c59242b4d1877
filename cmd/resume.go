package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"remora/internal/media"
	"remora/internal/ui"
)

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a partially watched title",
	RunE:  resumeRun,
}

var resumeClearCmd = &cobra.Command{
	Use:   "clear [video-id]",
	Short: "Forget a saved watch position",
	Args:  cobra.MaximumNArgs(1),
	RunE:  resumeClearRun,
}

func init() {
	resumeCmd.AddCommand(resumeClearCmd)
}

func progressItems(records []media.ProgressRecord) []string {
	items := make([]string, len(records))
	for i, r := range records {
		items[i] = fmt.Sprintf("%s  at %s", r.VideoID, (time.Duration(r.Position) * time.Second).String())
	}
	return items
}

func resumeRun(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}

	records, err := st.ListProgress(cmd.Context(), cfg.UserID, cfg.ProfileID)
	if err != nil {
		st.Close()
		return fmt.Errorf("loading watch progress: %w", err)
	}

	if len(records) == 0 {
		st.Close()
		fmt.Println("Nothing in progress.")
		return nil
	}

	idx, err := ui.Select("Resume", progressItems(records))
	if err != nil {
		st.Close()
		return err
	}
	selected := records[idx]

	// Release the single write connection before the session reopens the db.
	st.Close()

	// No start override: the session resumes from the saved position itself.
	return playTitle(cmd.Context(), selected.VideoID, selected.VideoID, nil, nil)
}

func resumeClearRun(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	videoID := ""
	if len(args) == 1 {
		videoID = args[0]
	} else {
		records, err := st.ListProgress(cmd.Context(), cfg.UserID, cfg.ProfileID)
		if err != nil {
			return fmt.Errorf("loading watch progress: %w", err)
		}
		if len(records) == 0 {
			fmt.Println("Nothing in progress.")
			return nil
		}
		idx, err := ui.Select("Clear", progressItems(records))
		if err != nil {
			return err
		}
		videoID = records[idx].VideoID
	}

	if err := st.DeleteProgress(cmd.Context(), cfg.UserID, cfg.ProfileID, videoID); err != nil {
		return fmt.Errorf("clearing watch position: %w", err)
	}
	fmt.Printf("Cleared saved position for %s.\n", videoID)
	return nil
}
