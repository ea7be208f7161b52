package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/auth"
)

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an HS256 token for a tenant",
	Long: `Sign a development token for a server configured with JWT_HMAC_SECRET.
The token is printed on stdout so it can be exported directly:

  export HOOKRELAY_TOKEN=$(relayctl token --for tn_123 --secret devsecret)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("for")
		secret, _ := cmd.Flags().GetString("secret")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		if tenant == "" {
			tenant = tenantID
		}
		if tenant == "" {
			return fmt.Errorf("tenant required: pass --for or --tenant")
		}
		if secret == "" {
			secret = os.Getenv("JWT_HMAC_SECRET")
		}

		tok, err := auth.IssueHMACToken(secret, issuer, audience, tenant, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]string{"token": tok, "tenant_id": tenant})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("for", "", "tenant id to embed (defaults to --tenant)")
	tokenCmd.Flags().String("secret", "", "HMAC secret (defaults to $JWT_HMAC_SECRET)")
	tokenCmd.Flags().String("issuer", "hookrelay", "token issuer")
	tokenCmd.Flags().String("audience", "hookrelay-api", "token audience")
	tokenCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
