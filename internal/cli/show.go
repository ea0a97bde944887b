package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"price-attestor/internal/app"
)

var (
	showLimit  int
	showRounds bool
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent attestations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:  showLimit,
			Rounds: showRounds,
			Out:    cmd.OutOrStdout(),
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display")
	showCmd.Flags().BoolVar(&showRounds, "rounds", false, "List rounds instead of individual attestations")
}
