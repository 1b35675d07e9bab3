package config

import (
	"github.com/spf13/viper"
)

type API struct {
	Listen     string `yaml:"listen"`
	HTTPListen string `yaml:"httpListen"`
}

const (
	Cfg_api_listen     = "api.listen"
	Cfg_api_httpListen = "api.httpListen"
	Cfg_daemonAddr     = "daemon_addr"
)

var (
	apiDefaults = map[string]interface{}{
		Cfg_api_listen:     "127.0.0.1:8711",
		Cfg_api_httpListen: "127.0.0.1:9711",
		Cfg_daemonAddr:     "127.0.0.1:8711",
	}
)

func init() {
	for k, v := range apiDefaults {
		viper.SetDefault(k, v)
	}
}

func buildAPIConfig() (*API, error) {
	c := &API{}

	c.Listen = viper.GetString(Cfg_api_listen)
	c.HTTPListen = viper.GetString(Cfg_api_httpListen)

	return c, nil
}
