package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/hookrelay/internal/health"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the hookrelay service",
	Long: `Check the health of the hookrelay service. By default the HTTP /healthz
endpoint is queried; with --grpc the standard gRPC health service at the
given address is used instead.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("grpc")
		if addr != "" {
			return grpcHealth(cmd, addr)
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		var st health.Status
		if err := newClient().do(ctx, http.MethodGet, "/healthz", nil, &st); err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), st)
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
		for name, ok := range st.Checks {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %v\n", name, ok)
		}
		return nil
	},
}

func grpcHealth(cmd *cobra.Command, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := requestContext(cmd)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy: %v\n", err)
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		fmt.Fprintf(cmd.OutOrStdout(), "✗ Service is unhealthy (gRPC %s)\n", resp.GetStatus())
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy (gRPC)")
	return nil
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().String("grpc", "", "gRPC health address (e.g. localhost:9090)")
}
