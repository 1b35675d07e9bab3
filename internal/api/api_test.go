package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

type fakeBridge struct {
	status    node.Status
	failed    []*bridge.OutboxEntry
	redriven  []bridge.Fingerprint
	withdraws []bridge.Withdrawal
	disabled  bool
}

func (f *fakeBridge) Status() node.Status { return f.status }

func (f *fakeBridge) UpstreamHealth() []bridge.NodeHealth {
	return []bridge.NodeHealth{{NodeID: "a", State: bridge.NodeActive}}
}

func (f *fakeBridge) Peers() []node.PeerInfo { return nil }

func (f *fakeBridge) DepositEvents() []node.EventInfo { return nil }

func (f *fakeBridge) FailedDeliveries(context.Context) ([]*bridge.OutboxEntry, error) {
	return f.failed, nil
}

func (f *fakeBridge) Redrive(_ context.Context, fp bridge.Fingerprint) error {
	for _, e := range f.failed {
		if e.Fingerprint == fp {
			f.redriven = append(f.redriven, fp)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeBridge) ListWithdrawals(stalledOnly bool) ([]bridge.Withdrawal, error) {
	if f.disabled {
		return nil, node.ErrWithdrawalsDisabled
	}
	var out []bridge.Withdrawal
	for _, w := range f.withdraws {
		if !stalledOnly || w.Stalled {
			out = append(out, w)
		}
	}
	return out, nil
}

func testFingerprint(t *testing.T) bridge.Fingerprint {
	fp, err := bridge.NewFingerprint(strings.Repeat("a", 64), 1, 50_000, []byte{0x00, 0x14})
	require.NoError(t, err)
	return fp
}

func startAPI(t *testing.T, b Bridge) (*Api, *Client) {
	a, err := NewAPI(b, &config.API{})
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	go a.g.Serve(lis)
	t.Cleanup(a.g.Stop)

	c, err := Dial("bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	return a, c
}

func TestAdminStatusAndNodes(t *testing.T) {
	b := &fakeBridge{status: node.Status{Self: "m0", Tip: 120, Quorum: 1, HealthyNodes: 1}}
	_, c := startAPI(t, b)
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "m0", st.Self)
	assert.Equal(t, int64(120), st.Tip)

	nodes, err := c.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, bridge.NodeActive, nodes[0].State)
}

func TestAdminRedrive(t *testing.T) {
	fp := testFingerprint(t)
	b := &fakeBridge{failed: []*bridge.OutboxEntry{{Fingerprint: fp, Status: bridge.OutboxFailedDelivery}}}
	_, c := startAPI(t, b)
	ctx := context.Background()

	failed, err := c.ListFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	require.NoError(t, c.Redrive(ctx, fp))
	assert.Equal(t, []bridge.Fingerprint{fp}, b.redriven)

	other, err := bridge.NewFingerprint(strings.Repeat("b", 64), 0, 50_000, nil)
	require.NoError(t, err)
	err = c.Redrive(ctx, other)
	assert.Equal(t, codes.NotFound, status.Code(err))

	err = c.Redrive(ctx, "not-a-cid")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestAdminWithdrawals(t *testing.T) {
	b := &fakeBridge{withdraws: []bridge.Withdrawal{
		{Request: bridge.WithdrawalRequest{RequestID: "w1"}},
		{Request: bridge.WithdrawalRequest{RequestID: "w2"}, Stalled: true},
	}}
	_, c := startAPI(t, b)
	ctx := context.Background()

	all, err := c.Withdrawals(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stalled, err := c.Withdrawals(ctx, true)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "w2", stalled[0].Request.RequestID)

	b.disabled = true
	_, err = c.Withdrawals(ctx, false)
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestHTTPHealthz(t *testing.T) {
	b := &fakeBridge{status: node.Status{Quorum: 2, HealthyNodes: 3}}
	a, _ := startAPI(t, b)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	b.status.Degraded = true
	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHTTPRoutes(t *testing.T) {
	fp := testFingerprint(t)
	b := &fakeBridge{
		status: node.Status{Self: "m1"},
		failed: []*bridge.OutboxEntry{{Fingerprint: fp, Status: bridge.OutboxFailedDelivery}},
	}
	a, _ := startAPI(t, b)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var st node.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "m1", st.Self)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/outbox/"+fp.String()+"/redrive", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("POST", "/outbox/bogus/redrive", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
