package cli

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tcfw/btcbridge/internal/api"
	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/internal/utils/logging"
)

var (
	daemonCmd = &cobra.Command{
		Use:   "daemon",
		RunE:  runDaemon,
		Short: "run the bridge node and its admin api",
	}
)

func runDaemon(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	n, err := node.NewNode(ctx, cfg)
	if err != nil {
		return errors.Wrap(err, "initing node")
	}
	defer n.Close()

	a, err := api.NewAPI(n, cfg.API)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- n.Run(ctx, a.Run)
	}()

	select {
	case err := <-errCh:
		return err
	case <-waitExit(ctx):
		logging.Entry().Warn("shutting down")
		cancel()
		return <-errCh
	}
}
