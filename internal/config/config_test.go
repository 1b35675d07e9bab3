package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSocksProxy(t *testing.T) {
	tests := []struct {
		in      string
		addr    string
		wantErr bool
	}{
		{in: "socks5://127.0.0.1:9050", addr: "127.0.0.1:9050"},
		{in: "socks5h://user:pw@proxy.local:1080", addr: "proxy.local:1080"},
		{in: "http://127.0.0.1:9050", wantErr: true},
		{in: "socks5://127.0.0.1", wantErr: true},
		{in: "socks5://:9050", wantErr: true},
		{in: "127.0.0.1:9050", wantErr: true},
	}

	for _, tt := range tests {
		p, err := ParseSocksProxy(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.addr, p.Addr)
	}

	p, err := ParseSocksProxy("socks5h://user:pw@proxy.local:1080")
	require.NoError(t, err)
	assert.Equal(t, "user", p.Username)
	assert.Equal(t, "pw", p.Password)
}

func TestDefaultThreshold(t *testing.T) {
	assert.Equal(t, 3, DefaultThreshold(4))
	assert.Equal(t, 3, DefaultThreshold(5))
	assert.Equal(t, 5, DefaultThreshold(7))
	assert.Equal(t, 1, DefaultThreshold(1))
	assert.Equal(t, 0, DefaultThreshold(0))
}

func TestUpstreamValidate(t *testing.T) {
	c := &Upstream{
		Quorum:    2,
		DeadAfter: 3,
		Nodes: []UpstreamNode{
			{ID: "a", Kind: BackendBitcoind},
			{ID: "a", Kind: BackendEsplora},
		},
	}
	assert.Error(t, c.Validate())

	c.Nodes[1].ID = "b"
	assert.NoError(t, c.Validate())

	c.Nodes[1].Kind = "electrum"
	assert.Error(t, c.Validate())

	c.Nodes[1].Kind = BackendEsplora
	c.SocksProxy = "socks5://tor"
	assert.Error(t, c.Validate())
}

func TestConsensusValidate(t *testing.T) {
	c := &Consensus{
		Self:        "n1",
		Threshold:   3,
		VoteTimeout: time.Minute,
		Members:     []Member{{ID: "n1"}, {ID: "n2"}, {ID: "n3"}, {ID: "n4"}},
	}
	assert.NoError(t, c.Validate())

	c.Threshold = 5
	assert.Error(t, c.Validate())

	c.Threshold = 3
	c.Self = "n9"
	assert.Error(t, c.Validate())
}

func TestBuildDefaults(t *testing.T) {
	viper.Set(Cfg_network, "regtest")
	defer viper.Set(Cfg_network, "regtest")

	c, err := Build()
	require.NoError(t, err)

	assert.Equal(t, int64(6), c.Deposits.Confirmations)
	assert.Equal(t, int64(546), c.Deposits.DustThreshold)
	assert.Equal(t, 8, c.Dispatch.MaxAttempts)
	assert.Equal(t, CoinSelectionBranchAndBound, c.Withdrawals.CoinSelection)

	params, err := c.ChainParams()
	require.NoError(t, err)
	assert.Equal(t, "regtest", params.Name)
}

func TestDumpRedactsSecrets(t *testing.T) {
	c := &Config{
		Network:     "regtest",
		Consensus:   &Consensus{SigningKey: "zSecret"},
		Withdrawals: &Withdrawals{SigningKey: "zOther"},
		Upstream:    &Upstream{Nodes: []UpstreamNode{{ID: "a", Pass: "hunter2"}}},
	}

	out, err := c.Dump()
	require.NoError(t, err)

	assert.NotContains(t, string(out), "zSecret")
	assert.NotContains(t, string(out), "zOther")
	assert.NotContains(t, string(out), "hunter2")
	assert.Contains(t, string(out), redacted)
	assert.Equal(t, "hunter2", c.Upstream.Nodes[0].Pass)
}
