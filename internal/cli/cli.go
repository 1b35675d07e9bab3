package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tcfw/btcbridge/internal/api"
	"github.com/tcfw/btcbridge/internal/config"
)

var (
	rootCmd = &cobra.Command{
		Use:          "bridged",
		Short:        "Bitcoin bridge node",
		RunE:         runDaemon,
		SilenceUsage: true,
	}
)

func Execute() error {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "increase verbosity")
	viper.BindPFlag(config.Cfg_verbose, rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.PersistentFlags().String("daemon", "", "admin api address of a running daemon")
	viper.BindPFlag(config.Cfg_daemonAddr, rootCmd.PersistentFlags().Lookup("daemon"))

	regCommands()

	return rootCmd.Execute()
}

func waitExit(ctx context.Context) <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}

// withClient runs fn against the daemon's admin API and prints its result
// as JSON.
func withClient(fn func(ctx context.Context, c *api.Client) (interface{}, error)) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := api.NewClient()
	if err != nil {
		return err
	}
	defer c.Close()

	res, err := fn(ctx, c)
	if err != nil {
		return err
	}
	if res == nil {
		return nil
	}

	s, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}

	fmt.Printf("%s\n", s)

	return nil
}
