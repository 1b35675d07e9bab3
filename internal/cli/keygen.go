package cli

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/cryptography"
)

var (
	keygenCmd = &cobra.Command{
		Use:   "keygen",
		Short: "generate member keys and print them as config",
		RunE:  runKeygen,
	}
)

func init() {
	keygenCmd.Flags().String("id", "", "member id")
	keygenCmd.Flags().String("identity", "", "also create a libp2p identity at this path")
}

type keygenOutput struct {
	Member      config.Member `yaml:"member"`
	Consensus   keygenSecret  `yaml:"consensus"`
	Withdrawals keygenSecret  `yaml:"withdrawals"`
}

type keygenSecret struct {
	SigningKey string `yaml:"signingKey"`
}

func runKeygen(cmd *cobra.Command, args []string) error {
	id, _ := cmd.Flags().GetString("id")
	identity, _ := cmd.Flags().GetString("identity")

	out := keygenOutput{Member: config.Member{ID: id}}

	bls := cryptography.NewBls12381PrivateKey()
	var err error
	if out.Member.BLSKey, err = cryptography.EncodeMultibase(bls.Public()); err != nil {
		return errors.Wrap(err, "encoding bls key")
	}
	if out.Consensus.SigningKey, err = cryptography.EncodePrivateMultibase(bls); err != nil {
		return errors.Wrap(err, "encoding bls key")
	}

	btc, err := cryptography.NewSecp256k1PrivateKey()
	if err != nil {
		return err
	}
	if out.Member.BTCKey, err = cryptography.EncodeMultibase(btc.Public()); err != nil {
		return errors.Wrap(err, "encoding secp256k1 key")
	}
	if out.Withdrawals.SigningKey, err = cryptography.EncodePrivateMultibase(btc); err != nil {
		return errors.Wrap(err, "encoding secp256k1 key")
	}

	if identity != "" {
		if _, err := node.LoadOrCreateIdentity(identity, logging.Component("keygen")); err != nil {
			return err
		}
		pid, err := node.IdentityPeerID(identity)
		if err != nil {
			return err
		}
		out.Member.PeerID = pid.String()
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()

	return enc.Encode(&out)
}
