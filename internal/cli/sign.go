package cli

import (
	"github.com/spf13/cobra"

	"price-attestor/internal/app"
)

var (
	signPrices []string
	signSubmit bool
)

var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Run one attestation round and print the signed batch as JSON",
	Long: `Fetch every configured feed once (or use --price values in order),
sign the batch and print it together with the update() calldata.
Nothing is sent on-chain unless --submit is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Sign(cmd.Context(), app.SignOptions{
			Prices: signPrices,
			Submit: signSubmit,
			Out:    cmd.OutOrStdout(),
		})
	},
}

func init() {
	signCmd.Flags().StringSliceVar(&signPrices, "price", nil, "Static price to attest instead of the configured feeds (repeatable)")
	signCmd.Flags().BoolVar(&signSubmit, "submit", false, "Send the update transaction to chain.oracle_address")
}
