package config

import (
	"net"
	"net/url"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	BackendBitcoind = "bitcoind"
	BackendEsplora  = "esplora"
)

type UpstreamNode struct {
	ID         string `mapstructure:"id" yaml:"id"`
	Kind       string `mapstructure:"kind" yaml:"kind"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	User       string `mapstructure:"user" yaml:"user,omitempty"`
	Pass       string `mapstructure:"pass" yaml:"pass,omitempty"`
	DisableTLS bool   `mapstructure:"disableTLS" yaml:"disableTLS"`
}

type Upstream struct {
	Nodes      []UpstreamNode `yaml:"nodes"`
	SocksProxy string         `yaml:"socksProxy,omitempty"`
	// Resolver is the DNS server used to expand srv+ endpoints. Empty uses
	// /etc/resolv.conf.
	Resolver string `yaml:"resolver,omitempty"`

	// Quorum is the number of matching responses a quorum read needs.
	Quorum int `yaml:"quorum"`
	// DeadAfter is the number of consecutive failures before a node is Dead.
	DeadAfter int `yaml:"deadAfter"`

	RequestTimeout   time.Duration `yaml:"requestTimeout"`
	BackoffMin       time.Duration `yaml:"backoffMin"`
	BackoffMax       time.Duration `yaml:"backoffMax"`
	ProbeInterval    time.Duration `yaml:"probeInterval"`
	MaxProbeInterval time.Duration `yaml:"maxProbeInterval"`

	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
	Workers   int     `yaml:"workers"`
}

const (
	Cfg_upstream_nodes            = "upstream.nodes"
	Cfg_upstream_socksProxy       = "upstream.socksProxy"
	Cfg_upstream_resolver         = "upstream.resolver"
	Cfg_upstream_quorum           = "upstream.quorum"
	Cfg_upstream_deadAfter        = "upstream.deadAfter"
	Cfg_upstream_requestTimeout   = "upstream.requestTimeout"
	Cfg_upstream_backoffMin       = "upstream.backoffMin"
	Cfg_upstream_backoffMax       = "upstream.backoffMax"
	Cfg_upstream_probeInterval    = "upstream.probeInterval"
	Cfg_upstream_maxProbeInterval = "upstream.maxProbeInterval"
	Cfg_upstream_rateLimit        = "upstream.rateLimit"
	Cfg_upstream_rateBurst        = "upstream.rateBurst"
	Cfg_upstream_workers          = "upstream.workers"
)

var (
	upstreamDefaults = map[string]interface{}{
		Cfg_upstream_quorum:           2,
		Cfg_upstream_deadAfter:        5,
		Cfg_upstream_requestTimeout:   10 * time.Second,
		Cfg_upstream_backoffMin:       time.Second,
		Cfg_upstream_backoffMax:       2 * time.Minute,
		Cfg_upstream_probeInterval:    30 * time.Second,
		Cfg_upstream_maxProbeInterval: 30 * time.Minute,
		Cfg_upstream_rateLimit:        20.0,
		Cfg_upstream_rateBurst:        10,
		Cfg_upstream_workers:          16,
	}
)

func init() {
	for k, v := range upstreamDefaults {
		viper.SetDefault(k, v)
	}
}

func buildUpstreamConfig() (*Upstream, error) {
	c := &Upstream{}

	if err := viper.UnmarshalKey(Cfg_upstream_nodes, &c.Nodes); err != nil {
		return nil, errors.Wrap(err, "parsing node list")
	}

	c.SocksProxy = viper.GetString(Cfg_upstream_socksProxy)
	c.Resolver = viper.GetString(Cfg_upstream_resolver)
	c.Quorum = viper.GetInt(Cfg_upstream_quorum)
	c.DeadAfter = viper.GetInt(Cfg_upstream_deadAfter)
	c.RequestTimeout = viper.GetDuration(Cfg_upstream_requestTimeout)
	c.BackoffMin = viper.GetDuration(Cfg_upstream_backoffMin)
	c.BackoffMax = viper.GetDuration(Cfg_upstream_backoffMax)
	c.ProbeInterval = viper.GetDuration(Cfg_upstream_probeInterval)
	c.MaxProbeInterval = viper.GetDuration(Cfg_upstream_maxProbeInterval)
	c.RateLimit = viper.GetFloat64(Cfg_upstream_rateLimit)
	c.RateBurst = viper.GetInt(Cfg_upstream_rateBurst)
	c.Workers = viper.GetInt(Cfg_upstream_workers)

	return c, c.Validate()
}

func (c *Upstream) Validate() error {
	if c.Quorum < 1 {
		return errors.New("quorum must be at least 1")
	}
	if c.DeadAfter < 1 {
		return errors.New("deadAfter must be at least 1")
	}

	seen := map[string]bool{}
	for i, n := range c.Nodes {
		if n.ID == "" {
			return errors.Errorf("node %d has no id", i)
		}
		if seen[n.ID] {
			return errors.Errorf("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		switch n.Kind {
		case BackendBitcoind, BackendEsplora:
		default:
			return errors.Errorf("node %q: unknown kind %q", n.ID, n.Kind)
		}
	}

	if c.SocksProxy != "" {
		if _, err := ParseSocksProxy(c.SocksProxy); err != nil {
			return err
		}
	}

	return nil
}

type SocksProxy struct {
	Addr     string
	Username string
	Password string
}

// ParseSocksProxy validates a socks5:// url. Scheme, host and port are all
// required.
func ParseSocksProxy(raw string) (*SocksProxy, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parsing socks proxy url")
	}

	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		return nil, errors.Errorf("socks proxy scheme must be socks5, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("socks proxy url has no host")
	}
	if u.Port() == "" {
		return nil, errors.New("socks proxy url has no port")
	}

	p := &SocksProxy{Addr: net.JoinHostPort(u.Hostname(), u.Port())}
	if u.User != nil {
		p.Username = u.User.Username()
		p.Password, _ = u.User.Password()
	}

	return p, nil
}

func expandPath(p string) string {
	return os.ExpandEnv(p)
}
