package homenet

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/cryptography"
)

const bufSize = 1024 * 1024

func startSim(t *testing.T, sim *Sim) *Client {
	lis := bufconn.Listen(bufSize)
	g := NewGRPCServer(sim, nil)

	go func() {
		if err := g.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			t.Errorf("serve bufconn: %v", err)
		}
	}()
	t.Cleanup(g.Stop)

	c, err := Dial(context.Background(), "bufnet", "m0", time.Second,
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return c
}

func testEntry(t *testing.T) *bridge.OutboxEntry {
	d := bridge.Deposit{
		TxID:        strings.Repeat("cd", 32),
		Vout:        2,
		Amount:      120_000,
		Script:      bytes.Repeat([]byte{0x51}, 22),
		BlockHeight: 800_000,
		BlockHash:   "main-800000",
	}
	fp, err := d.Fingerprint()
	require.NoError(t, err)

	return &bridge.OutboxEntry{Fingerprint: fp, Deposit: d}
}

func TestDeliverEventIsIdempotent(t *testing.T) {
	sim := NewSim()
	c := startSim(t, sim)
	ctx := context.Background()
	e := testEntry(t)

	require.NoError(t, c.DeliverEvent(ctx, e))
	require.NoError(t, c.DeliverEvent(ctx, e))

	evs := sim.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, e.Fingerprint, evs[0].Fingerprint)
	assert.Equal(t, e.Deposit, evs[0].Deposit)
	assert.Equal(t, 2, evs[0].Deliveries)
	assert.Equal(t, []string{"m0", "m0"}, evs[0].DeliveredBy)
}

func TestDeliverEventChecksFingerprint(t *testing.T) {
	c := startSim(t, NewSim())
	e := testEntry(t)
	e.Deposit.Amount++

	err := c.DeliverEvent(context.Background(), e)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(errors.Cause(err)))
}

func TestDeliverEventChecksCertificate(t *testing.T) {
	cl := gossip.NewCluster(3)
	sim := NewSim()
	sim.Members = cl.Members
	sim.Threshold = 2
	c := startSim(t, sim)
	ctx := context.Background()

	e := testEntry(t)
	assert.Error(t, c.DeliverEvent(ctx, e), "no certificate")

	digest, err := gossip.VoteDigest(e.Fingerprint, &e.Deposit)
	require.NoError(t, err)

	var sigs [][]byte
	for _, s := range cl.Signers[:2] {
		sig, err := s.Assert(digest)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	agg, err := cryptography.AggregateBls12381Signatures(sigs...)
	require.NoError(t, err)

	e.Certificate = bridge.Certificate{Voters: []string{"m0", "m1"}, Signature: agg}
	assert.NoError(t, c.DeliverEvent(ctx, e))

	e.Certificate.Voters = []string{"m0", "m2"}
	_, err = sim.DeliverEvent(ctx, &DeliverEventRequest{Fingerprint: e.Fingerprint, Deposit: e.Deposit, Certificate: e.Certificate})
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

func TestRetractEvent(t *testing.T) {
	sim := NewSim()
	c := startSim(t, sim)
	ctx := context.Background()
	e := testEntry(t)

	require.NoError(t, c.RetractEvent(ctx, e.Fingerprint, "reorg"), "unknown events retract cleanly")

	require.NoError(t, c.DeliverEvent(ctx, e))
	require.NoError(t, c.RetractEvent(ctx, e.Fingerprint, "reorg"))

	ev, ok := sim.Event(e.Fingerprint)
	require.True(t, ok)
	assert.True(t, ev.Retracted)

	// redelivery after a retraction reinstates the event
	require.NoError(t, c.DeliverEvent(ctx, e))
	ev, _ = sim.Event(e.Fingerprint)
	assert.False(t, ev.Retracted)
}

func TestWithdrawalRoundTrip(t *testing.T) {
	sim := NewSim()
	c := startSim(t, sim)
	ctx := context.Background()

	sim.AddWithdrawal(bridge.WithdrawalRequest{RequestID: "w-2", DestinationAddress: "bcrt1qdest", Amount: 5_000})
	sim.AddWithdrawal(bridge.WithdrawalRequest{RequestID: "w-1", DestinationAddress: "bcrt1qdest", Amount: 7_000, FeePolicy: bridge.FeePolicy{ConfTarget: 3}})

	reqs, err := c.ListPendingWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 2)
	assert.Equal(t, "w-1", reqs[0].RequestID)
	assert.Equal(t, 3, reqs[0].FeePolicy.ConfTarget)
	assert.Equal(t, bridge.WithdrawalPending, reqs[0].Status)

	require.NoError(t, c.ReportWithdrawalStatus(ctx, "w-1", bridge.WithdrawalBroadcast, "txid1", ""))
	require.NoError(t, c.ReportWithdrawalStatus(ctx, "w-1", bridge.WithdrawalBuilding, "", ""), "late reports do not move it back")
	require.NoError(t, c.ReportWithdrawalStatus(ctx, "w-1", bridge.WithdrawalConfirmed, "txid1", ""))

	w, statuses, ok := sim.Withdrawal("w-1")
	require.True(t, ok)
	assert.Equal(t, bridge.WithdrawalConfirmed, w.Status)
	assert.Len(t, statuses, 3)

	reqs, err = c.ListPendingWithdrawals(ctx)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "w-2", reqs[0].RequestID)

	err = c.ReportWithdrawalStatus(ctx, "missing", bridge.WithdrawalFailed, "", "x")
	assert.Equal(t, codes.NotFound, status.Code(errors.Cause(err)))
}
