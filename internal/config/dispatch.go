package config

import (
	"time"

	"github.com/spf13/viper"
)

type Dispatch struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	MinBackoff  time.Duration `yaml:"minBackoff"`
	MaxBackoff  time.Duration `yaml:"maxBackoff"`
	Interval    time.Duration `yaml:"interval"`
}

const (
	Cfg_dispatch_maxAttempts = "dispatch.maxAttempts"
	Cfg_dispatch_minBackoff  = "dispatch.minBackoff"
	Cfg_dispatch_maxBackoff  = "dispatch.maxBackoff"
	Cfg_dispatch_interval    = "dispatch.interval"
)

var (
	dispatchDefaults = map[string]interface{}{
		Cfg_dispatch_maxAttempts: 8,
		Cfg_dispatch_minBackoff:  time.Second,
		Cfg_dispatch_maxBackoff:  5 * time.Minute,
		Cfg_dispatch_interval:    5 * time.Second,
	}
)

func init() {
	for k, v := range dispatchDefaults {
		viper.SetDefault(k, v)
	}
}

func buildDispatchConfig() (*Dispatch, error) {
	c := &Dispatch{}

	c.MaxAttempts = viper.GetInt(Cfg_dispatch_maxAttempts)
	c.MinBackoff = viper.GetDuration(Cfg_dispatch_minBackoff)
	c.MaxBackoff = viper.GetDuration(Cfg_dispatch_maxBackoff)
	c.Interval = viper.GetDuration(Cfg_dispatch_interval)

	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}

	return c, nil
}
