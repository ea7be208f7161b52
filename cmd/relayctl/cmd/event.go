package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events",
}

var triggerEventCmd = &cobra.Command{
	Use:   "trigger [event-type] [payload]",
	Short: "Trigger an event for the calling tenant",
	Long: `Fan an event out to every active subscription of the calling tenant that
lists its type. The payload is any JSON document; pass it inline or with
--file (use - for stdin).

Examples:
  relayctl event trigger contact.created '{"id":"c_1","name":"Ada"}'
  relayctl event trigger card.viewed --file payload.json
  cat payload.json | relayctl event trigger card.viewed --file -`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := eventPayload(cmd, args)
		if err != nil {
			return err
		}
		payload, err := parseJSON(raw)
		if err != nil {
			return err
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		var fan delivery.Fanout
		body := map[string]any{"event_type": args[0], "payload": payload}
		if err := newClient().do(ctx, http.MethodPost, "/v1/events", body, &fan); err != nil {
			return fmt.Errorf("failed to trigger event: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, fan)
			return nil
		}
		fmt.Fprintf(out, "Event %s: matched=%d created=%d delivered=%d\n",
			args[0], fan.Matched, fan.Created, fan.Delivered)
		return nil
	},
}

// eventPayload returns the payload argument or the contents of --file.
func eventPayload(cmd *cobra.Command, args []string) (string, error) {
	file, _ := cmd.Flags().GetString("file")
	switch {
	case file != "" && len(args) == 2:
		return "", fmt.Errorf("pass the payload inline or with --file, not both")
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(b), nil
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read payload file: %w", err)
		}
		return string(b), nil
	case len(args) == 2:
		return args[1], nil
	default:
		return "", fmt.Errorf("payload required: pass it inline or with --file")
	}
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(triggerEventCmd)
	triggerEventCmd.Flags().StringP("file", "f", "", "read the JSON payload from a file (- for stdin)")
}
