package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	CoinSelectionLargestFirst   = "largest-first"
	CoinSelectionBranchAndBound = "bnb"
)

type Withdrawals struct {
	// Threshold is the number of signatures a withdrawal needs.
	Threshold  int    `yaml:"threshold"`
	SigningKey string `yaml:"signingKey"`

	SignTimeout   time.Duration `yaml:"signTimeout"`
	Confirmations int64         `yaml:"confirmations"`

	FeeRateCap        float64       `yaml:"feeRateCap"`
	MaxFee            int64         `yaml:"maxFee"`
	DefaultConfTarget int           `yaml:"defaultConfTarget"`
	BumpAfter         time.Duration `yaml:"bumpAfter"`
	BumpFactor        float64       `yaml:"bumpFactor"`
	CoinSelection     string        `yaml:"coinSelection"`
	ChangeDust        int64         `yaml:"changeDust"`

	PollInterval      time.Duration `yaml:"pollInterval"`
	RebroadcastTTL    time.Duration `yaml:"rebroadcastTTL"`
	RebroadcastPeriod time.Duration `yaml:"rebroadcastPeriod"`
}

const (
	Cfg_withdrawals_threshold         = "withdrawals.threshold"
	Cfg_withdrawals_signingKey        = "withdrawals.signingKey"
	Cfg_withdrawals_signTimeout       = "withdrawals.signTimeout"
	Cfg_withdrawals_confirmations     = "withdrawals.confirmations"
	Cfg_withdrawals_feeRateCap        = "withdrawals.feeRateCap"
	Cfg_withdrawals_maxFee            = "withdrawals.maxFee"
	Cfg_withdrawals_defaultConfTarget = "withdrawals.defaultConfTarget"
	Cfg_withdrawals_bumpAfter         = "withdrawals.bumpAfter"
	Cfg_withdrawals_bumpFactor        = "withdrawals.bumpFactor"
	Cfg_withdrawals_coinSelection     = "withdrawals.coinSelection"
	Cfg_withdrawals_changeDust        = "withdrawals.changeDust"
	Cfg_withdrawals_pollInterval      = "withdrawals.pollInterval"
	Cfg_withdrawals_rebroadcastTTL    = "withdrawals.rebroadcastTTL"
	Cfg_withdrawals_rebroadcastPeriod = "withdrawals.rebroadcastPeriod"
)

var (
	withdrawalsDefaults = map[string]interface{}{
		Cfg_withdrawals_threshold:         0,
		Cfg_withdrawals_signTimeout:       5 * time.Minute,
		Cfg_withdrawals_confirmations:     3,
		Cfg_withdrawals_feeRateCap:        200.0,
		Cfg_withdrawals_maxFee:            1_000_000,
		Cfg_withdrawals_defaultConfTarget: 6,
		Cfg_withdrawals_bumpAfter:         time.Hour,
		Cfg_withdrawals_bumpFactor:        1.5,
		Cfg_withdrawals_coinSelection:     CoinSelectionBranchAndBound,
		Cfg_withdrawals_changeDust:        546,
		Cfg_withdrawals_pollInterval:      30 * time.Second,
		Cfg_withdrawals_rebroadcastTTL:    10 * time.Minute,
		Cfg_withdrawals_rebroadcastPeriod: time.Minute,
	}
)

func init() {
	for k, v := range withdrawalsDefaults {
		viper.SetDefault(k, v)
	}
}

func buildWithdrawalsConfig(members int) (*Withdrawals, error) {
	c := &Withdrawals{}

	c.Threshold = viper.GetInt(Cfg_withdrawals_threshold)
	c.SigningKey = viper.GetString(Cfg_withdrawals_signingKey)
	c.SignTimeout = viper.GetDuration(Cfg_withdrawals_signTimeout)
	c.Confirmations = viper.GetInt64(Cfg_withdrawals_confirmations)
	c.FeeRateCap = viper.GetFloat64(Cfg_withdrawals_feeRateCap)
	c.MaxFee = viper.GetInt64(Cfg_withdrawals_maxFee)
	c.DefaultConfTarget = viper.GetInt(Cfg_withdrawals_defaultConfTarget)
	c.BumpAfter = viper.GetDuration(Cfg_withdrawals_bumpAfter)
	c.BumpFactor = viper.GetFloat64(Cfg_withdrawals_bumpFactor)
	c.CoinSelection = viper.GetString(Cfg_withdrawals_coinSelection)
	c.ChangeDust = viper.GetInt64(Cfg_withdrawals_changeDust)
	c.PollInterval = viper.GetDuration(Cfg_withdrawals_pollInterval)
	c.RebroadcastTTL = viper.GetDuration(Cfg_withdrawals_rebroadcastTTL)
	c.RebroadcastPeriod = viper.GetDuration(Cfg_withdrawals_rebroadcastPeriod)

	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold(members)
	}

	if members > 0 && (c.Threshold < 1 || c.Threshold > members) {
		return nil, errors.Errorf("threshold %d outside 1..%d", c.Threshold, members)
	}

	switch c.CoinSelection {
	case CoinSelectionLargestFirst, CoinSelectionBranchAndBound:
	default:
		return nil, errors.Errorf("unknown coin selection %q", c.CoinSelection)
	}

	if c.BumpFactor <= 1 {
		return nil, errors.New("bumpFactor must be above 1")
	}

	return c, nil
}
