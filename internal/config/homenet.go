package config

import (
	"time"

	"github.com/spf13/viper"
)

type HomeNet struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

const (
	Cfg_homenet_endpoint     = "homenet.endpoint"
	Cfg_homenet_timeout      = "homenet.timeout"
	Cfg_homenet_pollInterval = "homenet.pollInterval"
)

var (
	homenetDefaults = map[string]interface{}{
		Cfg_homenet_endpoint:     "127.0.0.1:9400",
		Cfg_homenet_timeout:      10 * time.Second,
		Cfg_homenet_pollInterval: 15 * time.Second,
	}
)

func init() {
	for k, v := range homenetDefaults {
		viper.SetDefault(k, v)
	}
}

func buildHomeNetConfig() (*HomeNet, error) {
	c := &HomeNet{}

	c.Endpoint = viper.GetString(Cfg_homenet_endpoint)
	c.Timeout = viper.GetDuration(Cfg_homenet_timeout)
	c.PollInterval = viper.GetDuration(Cfg_homenet_pollInterval)

	return c, nil
}
