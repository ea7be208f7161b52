package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the hookrelay API",
	Long:  `Send an authenticated ping to verify the API is running and accepts the configured credentials.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var resp struct {
			Message string `json:"message"`
		}
		if err := newClient().do(ctx, http.MethodGet, "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Pong! Service is running: %s\n", resp.Message)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
