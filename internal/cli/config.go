package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tcfw/btcbridge/internal/config"
)

var (
	configCmd = &cobra.Command{
		Use:   "config",
		Short: "Config commands",
	}

	config_showCmd = &cobra.Command{
		Use:   "show",
		Short: "print the effective config with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.GetConfig()
			if err != nil {
				return err
			}

			b, err := cfg.Dump()
			if err != nil {
				return err
			}

			_, err = os.Stdout.Write(b)
			return err
		},
	}
)
