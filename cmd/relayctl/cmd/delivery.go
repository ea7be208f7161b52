package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

// deliveryView mirrors the API's delivery representation.
type deliveryView struct {
	delivery.Delivery
	Status string `json:"status"`
}

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:     "delivery",
	Aliases: []string{"deliveries"},
	Short:   "Inspect and retry webhook deliveries",
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list [subscription-id]",
	Short: "List recent deliveries of a subscription",
	Long: `List a subscription's deliveries, newest first.

Example:
  relayctl delivery list sub_123 --limit 50`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		path := "/v1/subscriptions/" + url.PathEscape(args[0]) + "/deliveries"
		if limit > 0 {
			path += "?limit=" + strconv.Itoa(limit)
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var resp struct {
			Deliveries []deliveryView `json:"deliveries"`
		}
		if err := newClient().do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Deliveries) == 0 {
			fmt.Fprintln(out, "No deliveries found")
			return nil
		}
		for _, d := range resp.Deliveries {
			fmt.Fprintf(out, "%s  %-9s  attempts=%d  status_code=%d  %s  %s\n",
				d.ID, d.Status, d.AttemptCount, d.LastStatusCode, d.EventType, formatTime(&d.CreatedAt))
		}
		return nil
	},
}

var getDeliveryCmd = &cobra.Command{
	Use:   "get [subscription-id] [delivery-id]",
	Short: "Show one delivery",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var d deliveryView
		if err := newClient().do(ctx, http.MethodGet, deliveryPath(args[0], args[1]), nil, &d); err != nil {
			return fmt.Errorf("failed to get delivery: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), d)
			return nil
		}
		printDelivery(cmd.OutOrStdout(), &d)
		return nil
	},
}

var retryDeliveryCmd = &cobra.Command{
	Use:   "retry [subscription-id] [delivery-id]",
	Short: "Reset a delivery's attempts and send it now",
	Long: `Reset a failed or pending delivery to a fresh attempt budget and send it
immediately, even when the subscription is inactive. Delivered records
cannot be retried.

Example:
  relayctl delivery retry sub_123 dlv_456`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var d deliveryView
		if err := newClient().do(ctx, http.MethodPost, deliveryPath(args[0], args[1])+"/retry", nil, &d); err != nil {
			return fmt.Errorf("failed to retry delivery: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), d)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Retried delivery: %s (%s)\n", d.ID, d.Status)
		printDelivery(cmd.OutOrStdout(), &d)
		return nil
	},
}

func deliveryPath(subID, deliveryID string) string {
	return "/v1/subscriptions/" + url.PathEscape(subID) + "/deliveries/" + url.PathEscape(deliveryID)
}

func printDelivery(w io.Writer, d *deliveryView) {
	fmt.Fprintf(w, "  ID: %s\n", d.ID)
	fmt.Fprintf(w, "  Subscription: %s\n", d.SubscriptionID)
	fmt.Fprintf(w, "  Event: %s\n", d.EventType)
	fmt.Fprintf(w, "  Status: %s\n", d.Status)
	fmt.Fprintf(w, "  Attempts: %d\n", d.AttemptCount)
	if d.LastStatusCode > 0 {
		fmt.Fprintf(w, "  HTTP Status: %d\n", d.LastStatusCode)
	}
	if d.LastResponseBody != "" {
		fmt.Fprintf(w, "  Last Response: %s\n", d.LastResponseBody)
	}
	fmt.Fprintf(w, "  Delivered: %s\n", formatTime(d.DeliveredAt))
	fmt.Fprintf(w, "  Failed: %s\n", formatTime(d.FailedAt))
	fmt.Fprintf(w, "  Next Retry: %s\n", formatTime(d.NextRetryAt))
	fmt.Fprintf(w, "  Payload: %s\n", string(d.Payload))
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd, getDeliveryCmd, retryDeliveryCmd)
	listDeliveriesCmd.Flags().Int("limit", 0, "maximum number of deliveries (server default 20, max 100)")
}
