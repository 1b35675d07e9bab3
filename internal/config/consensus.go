package config

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Member is a peer bridge node in the cluster.
type Member struct {
	ID     string   `mapstructure:"id" yaml:"id"`
	PeerID string   `mapstructure:"peerId" yaml:"peerId"`
	BLSKey string   `mapstructure:"blsKey" yaml:"blsKey"`
	BTCKey string   `mapstructure:"btcKey" yaml:"btcKey"`
	Addrs  []string `mapstructure:"addrs" yaml:"addrs,omitempty"`
}

type Consensus struct {
	Self string `yaml:"self"`
	// Threshold is the number of matching votes needed for agreement.
	Threshold int `yaml:"threshold"`
	// VoteTimeout bounds how long a round waits for votes.
	VoteTimeout time.Duration `yaml:"voteTimeout"`
	SigningKey  string        `yaml:"signingKey"`
	Members     []Member      `yaml:"members"`
}

const (
	Cfg_consensus_self        = "consensus.self"
	Cfg_consensus_threshold   = "consensus.threshold"
	Cfg_consensus_voteTimeout = "consensus.voteTimeout"
	Cfg_consensus_signingKey  = "consensus.signingKey"
	Cfg_consensus_members     = "consensus.members"
)

var (
	consensusDefaults = map[string]interface{}{
		Cfg_consensus_threshold:   0,
		Cfg_consensus_voteTimeout: 2 * time.Minute,
	}
)

func init() {
	for k, v := range consensusDefaults {
		viper.SetDefault(k, v)
	}
}

func buildConsensusConfig() (*Consensus, error) {
	c := &Consensus{}

	if err := viper.UnmarshalKey(Cfg_consensus_members, &c.Members); err != nil {
		return nil, errors.Wrap(err, "parsing members")
	}

	c.Self = viper.GetString(Cfg_consensus_self)
	c.Threshold = viper.GetInt(Cfg_consensus_threshold)
	c.VoteTimeout = viper.GetDuration(Cfg_consensus_voteTimeout)
	c.SigningKey = viper.GetString(Cfg_consensus_signingKey)

	if c.Threshold == 0 {
		c.Threshold = DefaultThreshold(len(c.Members))
	}

	return c, c.Validate()
}

// DefaultThreshold is 2f+1 for the largest f with 3f+1 <= n.
func DefaultThreshold(n int) int {
	if n == 0 {
		return 0
	}
	f := (n - 1) / 3
	return 2*f + 1
}

func (c *Consensus) Validate() error {
	if len(c.Members) == 0 {
		return nil
	}

	found := false
	for _, m := range c.Members {
		if m.ID == c.Self {
			found = true
		}
	}
	if !found {
		return errors.Errorf("self %q is not a member", c.Self)
	}

	if c.Threshold < 1 || c.Threshold > len(c.Members) {
		return errors.Errorf("threshold %d outside 1..%d", c.Threshold, len(c.Members))
	}
	if c.VoteTimeout <= 0 {
		return errors.New("voteTimeout must be positive")
	}

	return nil
}

func (c *Consensus) Member(id string) (Member, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return Member{}, false
}
