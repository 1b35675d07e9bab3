package gossip

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	bhost "github.com/libp2p/go-libp2p/p2p/host/blank"
	swarmt "github.com/libp2p/go-libp2p/p2p/net/swarm/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
)

func testDeposit() bridge.Deposit {
	return bridge.Deposit{
		TxID:        "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		Vout:        1,
		Amount:      50_000_000,
		Script:      bytes.Repeat([]byte{0x11}, 22),
		BlockHeight: 100,
	}
}

func testVoteMsg(t *testing.T, s *Signer) *Msg {
	d := testDeposit()
	fp, err := d.Fingerprint()
	require.NoError(t, err)

	digest, err := VoteDigest(fp, &d)
	require.NoError(t, err)
	as, err := s.Assert(digest)
	require.NoError(t, err)

	return &Msg{
		Type: MsgTypeVote,
		Vote: &Vote{Fingerprint: fp, Slot: d.Slot(), Deposit: d, Assertion: as},
	}
}

func TestSignAndVerify(t *testing.T) {
	c := NewCluster(3)

	m := testVoteMsg(t, c.Signers[0])
	require.NoError(t, c.Signers[0].SignMsg(m))
	assert.Equal(t, "m0", m.From)
	assert.NotEmpty(t, m.Signature)

	b, err := m.Marshal()
	require.NoError(t, err)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.NoError(t, c.Members.Verify(got))

	got.Vote.Deposit.Amount++
	assert.ErrorIs(t, c.Members.Verify(got), ErrBadSignature)
}

func TestVerifyRejectsImpersonation(t *testing.T) {
	c := NewCluster(2)

	m := testVoteMsg(t, c.Signers[0])
	require.NoError(t, c.Signers[0].SignMsg(m))
	m.From = "m1"
	assert.ErrorIs(t, c.Members.Verify(m), ErrBadSignature)

	m.From = "stranger"
	assert.ErrorIs(t, c.Members.Verify(m), ErrUnknownSender)
}

func TestVerifyChecksPeer(t *testing.T) {
	c := NewCluster(1)
	mem, _ := c.Members.Get("m0")
	mem.PeerID = "12D3KooWA"

	m := testVoteMsg(t, c.Signers[0])
	require.NoError(t, c.Signers[0].SignMsg(m))

	m.Peer = "12D3KooWB"
	assert.ErrorIs(t, c.Members.Verify(m), ErrUnknownSender)

	m.Peer = "12D3KooWA"
	assert.NoError(t, c.Members.Verify(m))
}

func TestCertificate(t *testing.T) {
	c := NewCluster(4)
	d := testDeposit()
	fp, _ := d.Fingerprint()
	digest, err := VoteDigest(fp, &d)
	require.NoError(t, err)

	var sigs [][]byte
	for _, s := range c.Signers[:3] {
		sig, err := s.Assert(digest)
		require.NoError(t, err)
		require.NoError(t, c.Members.VerifyAssertion(s.ID(), digest, sig))
		sigs = append(sigs, sig)
	}

	agg, err := cryptography.AggregateBls12381Signatures(sigs...)
	require.NoError(t, err)

	cert := &bridge.Certificate{Voters: []string{"m0", "m1", "m2"}, Signature: agg}
	assert.NoError(t, c.Members.VerifyCertificate(digest, cert))

	cert.Voters = []string{"m0", "m1", "m3"}
	assert.ErrorIs(t, c.Members.VerifyCertificate(digest, cert), ErrBadSignature)

	// one member's assertion counted three times
	agg, err = cryptography.AggregateBls12381Signatures(sigs[0], sigs[0], sigs[0])
	require.NoError(t, err)
	cert = &bridge.Certificate{Voters: []string{"m0", "m0", "m0"}, Signature: agg}
	assert.ErrorIs(t, c.Members.VerifyCertificate(digest, cert), ErrBadSignature)
}

func TestVoteDigestDependsOnPayload(t *testing.T) {
	d := testDeposit()
	fp, _ := d.Fingerprint()

	a, err := VoteDigest(fp, &d)
	require.NoError(t, err)

	d.BlockHeight++
	b, err := VoteDigest(fp, &d)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHubDeliversToAll(t *testing.T) {
	c := NewCluster(3)
	ctx := context.Background()

	var subs []<-chan *Msg
	for i := range c.Signers {
		ch, err := c.Transport(i).Subscribe(VotesTopic)
		require.NoError(t, err)
		subs = append(subs, ch)
	}

	c.Hub.SetDrop(func(to string, m *Msg) bool { return to == "m2" })

	m := testVoteMsg(t, c.Signers[0])
	require.NoError(t, c.Signers[0].SignMsg(m))
	require.NoError(t, c.Transport(0).Publish(ctx, VotesTopic, m))

	for _, ch := range subs[:2] {
		select {
		case got := <-ch:
			assert.NoError(t, c.Members.Verify(got))
		case <-time.After(time.Second):
			t.Fatal("no delivery")
		}
	}

	select {
	case <-subs[2]:
		t.Fatal("dropped member got the message")
	default:
	}
}

func getNetHosts(t *testing.T, n int) []host.Host {
	var out []host.Host

	for i := 0; i < n; i++ {
		netw := swarmt.GenSwarm(t)
		h := bhost.NewBlankHost(netw)
		t.Cleanup(func() { h.Close() })
		out = append(out, h)
	}

	return out
}

func connectAll(t *testing.T, hosts []host.Host) {
	for i, a := range hosts {
		for j, b := range hosts {
			if i == j {
				continue
			}
			require.NoError(t, b.Connect(context.Background(), a.Peerstore().PeerInfo(a.ID())))
		}
	}
}

func TestPubSubTransport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hosts := getNetHosts(t, 3)
	c := NewCluster(3)

	var transports []*PubSub
	var subs []<-chan *Msg
	for i, h := range hosts {
		ps, err := pubsub.NewGossipSub(ctx, h)
		require.NoError(t, err)

		mem, _ := c.Members.Get(c.Signers[i].ID())
		mem.PeerID = h.ID()

		tr := NewPubSub(ctx, ps)
		ch, err := tr.Subscribe(VotesTopic)
		require.NoError(t, err)

		transports = append(transports, tr)
		subs = append(subs, ch)
	}

	connectAll(t, hosts)
	time.Sleep(2 * time.Second)

	m := testVoteMsg(t, c.Signers[1])
	require.NoError(t, c.Signers[1].SignMsg(m))
	require.NoError(t, transports[1].Publish(ctx, VotesTopic, m))

	for i, ch := range subs {
		select {
		case got := <-ch:
			assert.Equal(t, hosts[1].ID(), got.Peer, "subscriber %d", i)
			assert.NoError(t, c.Members.Verify(got))
		case <-time.After(5 * time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}
