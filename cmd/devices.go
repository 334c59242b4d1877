package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"remora/internal/config"
	"remora/internal/store"
	"remora/internal/ui"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered devices and what they are playing",
	RunE:  devicesRun,
}

var devicesRevokeCmd = &cobra.Command{
	Use:   "revoke <device-id>",
	Short: "Revoke a device so it can no longer start sessions",
	Args:  cobra.ExactArgs(1),
	RunE:  devicesRevokeRun,
}

func init() {
	devicesCmd.AddCommand(devicesRevokeCmd)
}

func openState() (*store.SQLite, error) {
	statePath, err := config.StatePath()
	if err != nil {
		return nil, err
	}
	st, err := store.OpenSQLite(statePath)
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}
	return st, nil
}

func devicesRun(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	sessions, err := st.ListSessions(cmd.Context())
	if err != nil {
		return fmt.Errorf("listing device sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Println("No devices registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tPROFILE\tTITLE\tSTATE\tLAST SEEN")
	for _, s := range sessions {
		state := "idle"
		if s.IsPlaying {
			state = "playing"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			s.DeviceID, s.ProfileID, s.TitleID, state,
			time.Unix(s.LastSeen, 0).Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func devicesRevokeRun(cmd *cobra.Command, args []string) error {
	st, err := openState()
	if err != nil {
		return err
	}
	defer st.Close()

	ok, err := ui.Confirm(fmt.Sprintf("Revoke device %s?", args[0]))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := st.RevokeDevice(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("revoking device: %w", err)
	}
	fmt.Printf("Revoked device %s.\n", args[0])
	return nil
}
