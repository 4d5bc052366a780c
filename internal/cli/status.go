package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"stable-ledger/internal/app"
)

var (
	statusLimit int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Display recent samples and ledger events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if statusLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.StatusOptions{
			Limit: statusLimit,
		}

		return getApp().Status(cmd.Context(), opts)
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "Number of rows to display")
}
