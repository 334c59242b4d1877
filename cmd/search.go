package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"remora/internal/catalog"
	"remora/internal/ui"
)

// searchRun is the default command: remora <query>
func searchRun(cmd *cobra.Command, args []string) error {
	query := strings.Join(args, " ")

	if query == "" {
		// Prompt for query via fzf
		var err error
		query, err = ui.Input("Search")
		if err != nil {
			return fmt.Errorf("no search query provided")
		}
	}

	cat := catalog.New(cfg.Base)
	return playFlow(cmd.Context(), cat, query)
}

// playFlow handles the full search -> select -> play flow.
func playFlow(ctx context.Context, cat *catalog.Catalog, query string) error {
	results, err := cat.Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	items := make([]string, len(results))
	for i, r := range results {
		items[i] = catalog.FormatDisplayTitle(r)
	}

	idx, err := ui.Select("Select", items)
	if err != nil {
		return err
	}

	selected := results[idx]
	return playTitle(ctx, selected.ID, selected.Title, nil, nil)
}
