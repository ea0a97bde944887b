package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"price-attestor/internal/app"
)

var (
	verifyFile    string
	verifyAddress string
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check every signature of a batch printed by sign",
	RunE: func(cmd *cobra.Command, args []string) error {
		var input io.Reader = cmd.InOrStdin()
		if verifyFile != "" && verifyFile != "-" {
			file, err := os.Open(verifyFile)
			if err != nil {
				return err
			}
			defer file.Close()
			input = file
		}

		return getApp().Verify(app.VerifyOptions{
			Input:    input,
			Expected: verifyAddress,
			Out:      cmd.OutOrStdout(),
		})
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyFile, "file", "-", "Batch JSON file, - for stdin")
	verifyCmd.Flags().StringVar(&verifyAddress, "address", "", "Expected signer (defaults to the batch's signer field)")
}
