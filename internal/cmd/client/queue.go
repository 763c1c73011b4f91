package client

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// NewRoot constructs the queue command group: every verb takes the queue name
// as its first argument and talks to the server named by MQ_HTTP.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:   "queue",
		Short: "Operate on queues over the HTTP API",
	}
	root.AddCommand(
		newAddCommand(),
		newClaimCommand(),
		newRenewCommand(),
		newCompleteCommand(),
		newPurgeCommand(),
		newStatsCommand(),
	)
	return root
}

func queuePath(queue, op string) string {
	return "/v1/queues/" + queue + "/" + op
}

func newAddCommand() *cobra.Command {
	var delay string
	cmd := &cobra.Command{
		Use:   "add <queue> <payload>",
		Short: "Enqueue a message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]interface{}{"payload": []byte(args[1])}
			if delay != "" {
				req["delay"] = delay
			}
			var resp struct {
				ID string `json:"id"`
			}
			if _, err := doJSON(cmd.Context(), http.MethodPost, queuePath(args[0], "messages"), req, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&delay, "delay", "", "delay before the message becomes visible, e.g. 30s")
	return cmd
}

func newClaimCommand() *cobra.Command {
	var visibility, wait string
	cmd := &cobra.Command{
		Use:   "claim <queue>",
		Short: "Claim the next available message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{}
			if visibility != "" {
				req["visibility"] = visibility
			}
			if wait != "" {
				req["wait"] = wait
			}
			var resp struct {
				ID         string `json:"id"`
				LeaseToken string `json:"leaseToken"`
				Payload    []byte `json:"payload"`
				Tries      int32  `json:"tries"`
			}
			code, err := doJSON(cmd.Context(), http.MethodPost, queuePath(args[0], "claim"), req, &resp)
			if err != nil {
				return err
			}
			if code == http.StatusNoContent {
				fmt.Fprintln(cmd.OutOrStdout(), "queue is empty")
				return nil
			}
			return printJSON(map[string]interface{}{
				"id":         resp.ID,
				"leaseToken": resp.LeaseToken,
				"payload":    string(resp.Payload),
				"tries":      resp.Tries,
			})
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", "", "lease duration for this claim, e.g. 1m")
	cmd.Flags().StringVar(&wait, "wait", "", "how long to wait for a message, e.g. 10s")
	return cmd
}

func newRenewCommand() *cobra.Command {
	var visibility string
	cmd := &cobra.Command{
		Use:   "renew <queue> <lease-token>",
		Short: "Extend an active lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := map[string]string{"leaseToken": args[1]}
			if visibility != "" {
				req["visibility"] = visibility
			}
			var resp struct {
				ID string `json:"id"`
			}
			if _, err := doJSON(cmd.Context(), http.MethodPost, queuePath(args[0], "renew"), req, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
	cmd.Flags().StringVar(&visibility, "visibility", "", "new lease duration, e.g. 1m")
	return cmd
}

func newCompleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <queue> <lease-token>",
		Short: "Acknowledge a message under an active lease",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				ID string `json:"id"`
			}
			if _, err := doJSON(cmd.Context(), http.MethodPost, queuePath(args[0], "complete"),
				map[string]string{"leaseToken": args[1]}, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <queue>",
		Short: "Permanently delete completed messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := doJSON(cmd.Context(), http.MethodPost, queuePath(args[0], "purge"), nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "purged")
			return nil
		},
	}
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>",
		Short: "Show queue counters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Total     int64 `json:"total"`
				Available int64 `json:"available"`
				InFlight  int64 `json:"inFlight"`
				Done      int64 `json:"done"`
			}
			if _, err := doJSON(cmd.Context(), http.MethodGet, queuePath(args[0], "stats"), nil, &resp); err != nil {
				return err
			}
			return printJSON(resp)
		},
	}
}
