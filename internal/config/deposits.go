package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type Deposits struct {
	// Confirmations is the depth before an event may be voted on.
	Confirmations     int64         `yaml:"confirmations"`
	DustThreshold     int64         `yaml:"dustThreshold"`
	TrackedAddresses  []string      `yaml:"trackedAddresses"`
	TrackCustody      bool          `yaml:"trackCustody"`
	PollInterval      time.Duration `yaml:"pollInterval"`
	MaxBlocksPerCycle int           `yaml:"maxBlocksPerCycle"`
	StartHeight       int64         `yaml:"startHeight"`
	ReorgWindow       int64         `yaml:"reorgWindow"`
}

const (
	Cfg_deposits_confirmations     = "deposits.confirmations"
	Cfg_deposits_dustThreshold     = "deposits.dustThreshold"
	Cfg_deposits_trackedAddresses  = "deposits.trackedAddresses"
	Cfg_deposits_trackCustody      = "deposits.trackCustody"
	Cfg_deposits_pollInterval      = "deposits.pollInterval"
	Cfg_deposits_maxBlocksPerCycle = "deposits.maxBlocksPerCycle"
	Cfg_deposits_startHeight       = "deposits.startHeight"
	Cfg_deposits_reorgWindow       = "deposits.reorgWindow"
)

var (
	depositsDefaults = map[string]interface{}{
		Cfg_deposits_confirmations:     6,
		Cfg_deposits_dustThreshold:     546,
		Cfg_deposits_trackedAddresses:  []string{},
		Cfg_deposits_trackCustody:      true,
		Cfg_deposits_pollInterval:      30 * time.Second,
		Cfg_deposits_maxBlocksPerCycle: 20,
		Cfg_deposits_startHeight:       0,
		Cfg_deposits_reorgWindow:       100,
	}
)

func init() {
	for k, v := range depositsDefaults {
		viper.SetDefault(k, v)
	}
}

func buildDepositsConfig() (*Deposits, error) {
	c := &Deposits{}

	c.Confirmations = viper.GetInt64(Cfg_deposits_confirmations)
	c.DustThreshold = viper.GetInt64(Cfg_deposits_dustThreshold)
	c.TrackedAddresses = viper.GetStringSlice(Cfg_deposits_trackedAddresses)
	c.TrackCustody = viper.GetBool(Cfg_deposits_trackCustody)
	c.PollInterval = viper.GetDuration(Cfg_deposits_pollInterval)
	c.MaxBlocksPerCycle = viper.GetInt(Cfg_deposits_maxBlocksPerCycle)
	c.StartHeight = viper.GetInt64(Cfg_deposits_startHeight)
	c.ReorgWindow = viper.GetInt64(Cfg_deposits_reorgWindow)

	if c.Confirmations < 1 {
		return nil, errors.New("confirmations must be at least 1")
	}
	if c.PollInterval <= 0 {
		return nil, errors.New("pollInterval must be positive")
	}
	if c.MaxBlocksPerCycle < 1 {
		c.MaxBlocksPerCycle = 1
	}

	return c, nil
}
