package cmd

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

// subscriptionCmd represents the subscription command
var subscriptionCmd = &cobra.Command{
	Use:     "subscription",
	Aliases: []string{"sub", "subs"},
	Short:   "Manage webhook subscriptions",
	Long:    `Create, inspect, update and delete the calling tenant's webhook subscriptions.`,
}

var createSubscriptionCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Create a subscription",
	Long: `Register a destination URL for one or more event types. The signing
secret is printed once; store it on the receiving side.

Example:
  relayctl subscription create https://example.com/hook --event contact.created --event card.viewed`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		events, _ := cmd.Flags().GetStringSlice("event")
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var sub delivery.Subscription
		body := map[string]any{"url": args[0], "events": events}
		if err := newClient().do(ctx, http.MethodPost, "/v1/subscriptions", body, &sub); err != nil {
			return fmt.Errorf("failed to create subscription: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, sub)
			return nil
		}
		fmt.Fprintf(out, "Created subscription: %s\n", sub.ID)
		printSubscription(out, &sub)
		return nil
	},
}

var listSubscriptionsCmd = &cobra.Command{
	Use:   "list",
	Short: "List subscriptions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var resp struct {
			Subscriptions []*delivery.Subscription `json:"subscriptions"`
		}
		if err := newClient().do(ctx, http.MethodGet, "/v1/subscriptions", nil, &resp); err != nil {
			return fmt.Errorf("failed to list subscriptions: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, resp)
			return nil
		}
		if len(resp.Subscriptions) == 0 {
			fmt.Fprintln(out, "No subscriptions found")
			return nil
		}
		for _, sub := range resp.Subscriptions {
			state := "active"
			if !sub.Active {
				state = "inactive"
			}
			fmt.Fprintf(out, "%s  %-8s  %s  [%s]\n", sub.ID, state, sub.URL, strings.Join(sub.Events, ", "))
		}
		return nil
	},
}

var getSubscriptionCmd = &cobra.Command{
	Use:   "get [subscription-id]",
	Short: "Show a subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var sub delivery.Subscription
		if err := newClient().do(ctx, http.MethodGet, "/v1/subscriptions/"+args[0], nil, &sub); err != nil {
			return fmt.Errorf("failed to get subscription: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), sub)
			return nil
		}
		printSubscription(cmd.OutOrStdout(), &sub)
		return nil
	},
}

var updateSubscriptionCmd = &cobra.Command{
	Use:   "update [subscription-id]",
	Short: "Update a subscription",
	Long: `Change the URL, the event types or the active flag. Only the flags given
are changed. Re-activating a subscription closes a tripped circuit breaker.

Examples:
  relayctl subscription update sub_123 --active=true
  relayctl subscription update sub_123 --url https://example.com/v2/hook`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := updateBody(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var sub delivery.Subscription
		if err := newClient().do(ctx, http.MethodPatch, "/v1/subscriptions/"+args[0], body, &sub); err != nil {
			return fmt.Errorf("failed to update subscription: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), sub)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated subscription: %s\n", sub.ID)
		printSubscription(cmd.OutOrStdout(), &sub)
		return nil
	},
}

// updateBody builds the PATCH body from the flags that were set.
func updateBody(cmd *cobra.Command) (map[string]any, error) {
	body := map[string]any{}
	if cmd.Flags().Changed("url") {
		u, _ := cmd.Flags().GetString("url")
		body["url"] = u
	}
	if cmd.Flags().Changed("event") {
		evs, _ := cmd.Flags().GetStringSlice("event")
		body["events"] = evs
	}
	if cmd.Flags().Changed("active") {
		a, _ := cmd.Flags().GetBool("active")
		body["active"] = a
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("nothing to update: pass --url, --event or --active")
	}
	return body, nil
}

var deleteSubscriptionCmd = &cobra.Command{
	Use:   "delete [subscription-id]",
	Short: "Delete a subscription and its deliveries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		if err := newClient().do(ctx, http.MethodDelete, "/v1/subscriptions/"+args[0], nil, nil); err != nil {
			return fmt.Errorf("failed to delete subscription: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted subscription: %s\n", args[0])
		return nil
	},
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [subscription-id]",
	Short: "Replace a subscription's signing secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		var sub delivery.Subscription
		path := "/v1/subscriptions/" + args[0] + "/rotate-secret"
		if err := newClient().do(ctx, http.MethodPost, path, nil, &sub); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), sub)
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "New secret for %s: %s\n", sub.ID, sub.Secret)
		return nil
	},
}

func printSubscription(w io.Writer, sub *delivery.Subscription) {
	fmt.Fprintf(w, "  ID: %s\n", sub.ID)
	fmt.Fprintf(w, "  Tenant ID: %s\n", sub.TenantID)
	fmt.Fprintf(w, "  URL: %s\n", sub.URL)
	fmt.Fprintf(w, "  Events: %s\n", strings.Join(sub.Events, ", "))
	fmt.Fprintf(w, "  Active: %v\n", sub.Active)
	if sub.Secret != "" {
		fmt.Fprintf(w, "  Secret: %s\n", sub.Secret)
	}
	fmt.Fprintf(w, "  Created: %s\n", formatTime(&sub.CreatedAt))
}

func init() {
	rootCmd.AddCommand(subscriptionCmd)
	subscriptionCmd.AddCommand(createSubscriptionCmd, listSubscriptionsCmd, getSubscriptionCmd,
		updateSubscriptionCmd, deleteSubscriptionCmd, rotateSecretCmd)

	createSubscriptionCmd.Flags().StringSliceP("event", "e", nil, "event type to subscribe to (repeatable)")
	_ = createSubscriptionCmd.MarkFlagRequired("event")

	updateSubscriptionCmd.Flags().String("url", "", "new destination URL")
	updateSubscriptionCmd.Flags().StringSliceP("event", "e", nil, "replacement event types (repeatable)")
	updateSubscriptionCmd.Flags().Bool("active", true, "activate or deactivate the subscription")
}
