package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

// sweepCmd represents the sweep command
var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one retry sweep now",
	Long: `Ask the API to claim and send every delivery whose retry is due. The
worker does this on its schedule; use this to drain retries by hand. The
sweep covers every tenant, so the caller must be listed in ADMIN_TENANTS.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var res delivery.SweepResult
		if err := newClient().do(ctx, http.MethodPost, "/v1/sweep", nil, &res); err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), res)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sweep: claimed=%d executed=%d skipped=%d errors=%d\n",
			res.Claimed, res.Executed, res.Skipped, res.Errors)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
