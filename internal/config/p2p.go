package config

import (
	"github.com/spf13/viper"
)

type P2P struct {
	Connections struct {
		PeersCountHigh int `yaml:"peersCountHigh"`
		PeersCountLow  int `yaml:"peersCountLow"`
	} `yaml:"connections"`
	BootstrapPeers []string `yaml:"bootstrapPeers"`
	ListenAddrs    []string `yaml:"listenAddrs"`
	Relay          bool     `yaml:"relay"`
	IdentityFile   string   `yaml:"identityFile"`
}

const (
	Cfg_p2p_connections_peerCountLow  = "p2p.connections.peerCountLow"
	Cfg_p2p_connections_peerCountHigh = "p2p.connections.peerCountHigh"
	Cfg_p2p_bootstrapPeers            = "p2p.bootstrapPeers"
	Cfg_p2p_listeningAddrs            = "p2p.listeningAddrs"
	Cfg_p2p_enableRelay               = "p2p.enableRelay"
	Cfg_p2p_identityFile              = "p2p.identityFile"
)

var (
	p2pDefaults = map[string]interface{}{
		Cfg_p2p_connections_peerCountLow:  32,
		Cfg_p2p_connections_peerCountHigh: 64,
		Cfg_p2p_bootstrapPeers:            []string{},
		Cfg_p2p_listeningAddrs: []string{
			"/ip4/0.0.0.0/tcp/8712",
			"/ip4/0.0.0.0/udp/8712/quic-v1",
			"/ip6/::/udp/8712/quic-v1",
		},
		Cfg_p2p_enableRelay:  false,
		Cfg_p2p_identityFile: "$HOME/.bridged/identity",
	}
)

func init() {
	for k, v := range p2pDefaults {
		viper.SetDefault(k, v)
	}
}

func buildP2PConfig() (*P2P, error) {
	c := &P2P{}

	c.Connections.PeersCountLow = viper.GetInt(Cfg_p2p_connections_peerCountLow)
	c.Connections.PeersCountHigh = viper.GetInt(Cfg_p2p_connections_peerCountHigh)
	c.BootstrapPeers = viper.GetStringSlice(Cfg_p2p_bootstrapPeers)
	c.ListenAddrs = viper.GetStringSlice(Cfg_p2p_listeningAddrs)
	c.Relay = viper.GetBool(Cfg_p2p_enableRelay)
	c.IdentityFile = expandPath(viper.GetString(Cfg_p2p_identityFile))

	return c, nil
}
