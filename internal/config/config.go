package config

import (
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	Cfg_verbose     = "verbose"
	Cfg_network     = "network"
	Cfg_storagePath = "storage.path"
)

var (
	defaults = map[string]interface{}{
		Cfg_verbose:     false,
		Cfg_network:     "regtest",
		Cfg_storagePath: "$HOME/.bridged/data",
	}
)

func init() {
	for k, v := range defaults {
		viper.SetDefault(k, v)
	}
}

// GetConfig loads bridged.yaml and the environment once and builds every
// section.
func GetConfig() (*Config, error) {
	viper.SetConfigType("yaml")
	viper.SetConfigName("bridged")
	viper.AddConfigPath("/etc/bridged/")
	viper.AddConfigPath("$HOME/.bridged")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("BRIDGED")
	viper.AutomaticEnv()
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
			logrus.New().Warnf("no config found")
		} else {
			return nil, errors.Wrap(err, "reading config file")
		}
	}

	c, err := Build()
	if err != nil {
		return nil, err
	}

	if viper.GetBool(Cfg_verbose) {
		logrus.SetLevel(logrus.DebugLevel)
		logrus.WithField("level", "debug").Debug("setting log level")
	}

	return c, nil
}

// Build assembles the config from whatever viper currently holds.
func Build() (*Config, error) {
	var err error

	c := &Config{
		Network:     viper.GetString(Cfg_network),
		StoragePath: os.ExpandEnv(viper.GetString(Cfg_storagePath)),
	}

	if _, err := c.ChainParams(); err != nil {
		return nil, err
	}

	if c.P2P, err = buildP2PConfig(); err != nil {
		return nil, errors.Wrap(err, "p2p config")
	}
	if c.Upstream, err = buildUpstreamConfig(); err != nil {
		return nil, errors.Wrap(err, "upstream config")
	}
	if c.Deposits, err = buildDepositsConfig(); err != nil {
		return nil, errors.Wrap(err, "deposits config")
	}
	if c.Consensus, err = buildConsensusConfig(); err != nil {
		return nil, errors.Wrap(err, "consensus config")
	}
	if c.Dispatch, err = buildDispatchConfig(); err != nil {
		return nil, errors.Wrap(err, "dispatch config")
	}
	if c.Withdrawals, err = buildWithdrawalsConfig(len(c.Consensus.Members)); err != nil {
		return nil, errors.Wrap(err, "withdrawals config")
	}
	if c.HomeNet, err = buildHomeNetConfig(); err != nil {
		return nil, errors.Wrap(err, "homenet config")
	}
	if c.API, err = buildAPIConfig(); err != nil {
		return nil, errors.Wrap(err, "api config")
	}

	return c, nil
}

type Config struct {
	Network     string `yaml:"network"`
	StoragePath string `yaml:"storagePath"`

	P2P         *P2P         `yaml:"p2p"`
	Upstream    *Upstream    `yaml:"upstream"`
	Deposits    *Deposits    `yaml:"deposits"`
	Consensus   *Consensus   `yaml:"consensus"`
	Dispatch    *Dispatch    `yaml:"dispatch"`
	Withdrawals *Withdrawals `yaml:"withdrawals"`
	HomeNet     *HomeNet     `yaml:"homenet"`
	API         *API         `yaml:"api"`
}

func (c *Config) ChainParams() (*chaincfg.Params, error) {
	switch c.Network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, errors.Errorf("unknown network %q", c.Network)
	}
}

func (c *Config) DataDir(parts ...string) string {
	return filepath.Join(append([]string{c.StoragePath}, parts...)...)
}

const redacted = "<redacted>"

// Dump renders the effective config as YAML with key material redacted.
func (c *Config) Dump() ([]byte, error) {
	cp := *c

	if c.Consensus != nil {
		cons := *c.Consensus
		if cons.SigningKey != "" {
			cons.SigningKey = redacted
		}
		cp.Consensus = &cons
	}

	if c.Withdrawals != nil {
		wd := *c.Withdrawals
		if wd.SigningKey != "" {
			wd.SigningKey = redacted
		}
		cp.Withdrawals = &wd
	}

	if c.Upstream != nil {
		up := *c.Upstream
		up.Nodes = make([]UpstreamNode, len(c.Upstream.Nodes))
		for i, n := range c.Upstream.Nodes {
			if n.Pass != "" {
				n.Pass = redacted
			}
			up.Nodes[i] = n
		}
		cp.Upstream = &up
	}

	return yaml.Marshal(&cp)
}
