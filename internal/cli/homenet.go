package cli

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/homenet"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

var (
	homenetSimCmd = &cobra.Command{
		Use:   "homenet-sim",
		Short: "serve an in-memory home network for devnets",
		RunE:  runHomenetSim,
	}
)

func init() {
	homenetSimCmd.Flags().String("listen", "127.0.0.1:9400", "grpc listen address")
	homenetSimCmd.Flags().String("withdrawals", "", "yaml file of withdrawal requests to serve")
	homenetSimCmd.Flags().Bool("verify", true, "reject deposits without a valid certificate from the configured members")
}

type simWithdrawal struct {
	ID         string  `yaml:"id"`
	To         string  `yaml:"to"`
	Amount     int64   `yaml:"amount"`
	ConfTarget int     `yaml:"confTarget"`
	MaxFeeRate float64 `yaml:"maxFeeRate"`
}

func loadSimWithdrawals(path string) ([]bridge.WithdrawalRequest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading withdrawals file")
	}

	var ws []simWithdrawal
	if err := yaml.Unmarshal(b, &ws); err != nil {
		return nil, errors.Wrap(err, "parsing withdrawals file")
	}

	out := make([]bridge.WithdrawalRequest, 0, len(ws))
	for _, w := range ws {
		out = append(out, bridge.WithdrawalRequest{
			RequestID:          w.ID,
			DestinationAddress: w.To,
			Amount:             w.Amount,
			FeePolicy:          bridge.FeePolicy{ConfTarget: w.ConfTarget, MaxFeeRate: w.MaxFeeRate},
		})
	}

	return out, nil
}

func runHomenetSim(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listen, _ := cmd.Flags().GetString("listen")
	wpath, _ := cmd.Flags().GetString("withdrawals")
	verify, _ := cmd.Flags().GetBool("verify")

	log := logging.Component("homenet-sim")
	sim := homenet.NewSim()

	if verify {
		cfg, err := config.GetConfig()
		if err != nil {
			return err
		}
		if len(cfg.Consensus.Members) > 0 {
			if sim.Members, err = gossip.MembersFromConfig(cfg.Consensus.Members); err != nil {
				return err
			}
			sim.Threshold = cfg.Consensus.Threshold
		}
	}

	if wpath != "" {
		ws, err := loadSimWithdrawals(wpath)
		if err != nil {
			return err
		}
		for _, w := range ws {
			sim.AddWithdrawal(w)
		}
		log.WithField("count", len(ws)).Info("loaded withdrawal requests")
	}

	go func() {
		<-waitExit(ctx)
		cancel()
	}()

	log.WithField("listen", listen).Info("home network sim listening")

	return homenet.ListenAndServe(ctx, listen, sim, log)
}
