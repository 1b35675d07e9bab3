package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tcfw/btcbridge/internal/api"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

var (
	statusCmd = &cobra.Command{
		Use:   "status",
		Short: "show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Status(ctx)
			})
		},
	}

	nodesCmd = &cobra.Command{
		Use:   "nodes",
		Short: "list upstream bitcoin nodes and their health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Nodes(ctx)
			})
		},
	}

	peersCmd = &cobra.Command{
		Use:   "peers",
		Short: "list connected p2p peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Peers(ctx)
			})
		},
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "list live deposit events and their agreement rounds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Events(ctx)
			})
		},
	}

	outboxCmd = &cobra.Command{
		Use:   "outbox",
		Short: "Outbox commands",
	}

	outbox_failedCmd = &cobra.Command{
		Use:   "failed",
		Short: "list entries that exhausted delivery attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.ListFailed(ctx)
			})
		},
	}

	outbox_redriveCmd = &cobra.Command{
		Use:   "redrive <fingerprint>",
		Short: "queue a failed entry for delivery again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return nil, c.Redrive(ctx, bridge.Fingerprint(args[0]))
			})
		},
	}

	withdrawalsCmd = &cobra.Command{
		Use:   "withdrawals",
		Short: "list withdrawal requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			stalled, _ := cmd.Flags().GetBool("stalled")
			return withClient(func(ctx context.Context, c *api.Client) (interface{}, error) {
				return c.Withdrawals(ctx, stalled)
			})
		},
	}
)

func init() {
	withdrawalsCmd.Flags().Bool("stalled", false, "only show requests stalled on signatures")
}
