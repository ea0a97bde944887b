package cli

import (
	"github.com/spf13/cobra"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Print the address of the configured signing key",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Address(cmd.OutOrStdout())
	},
}
