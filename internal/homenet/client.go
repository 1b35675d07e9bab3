package homenet

import (
	"context"
	"time"

	grpc_retry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tcfw/btcbridge/pkg/bridge"
)

// Client talks to the home network on behalf of one bridge node.
type Client struct {
	cc      *grpc.ClientConn
	nodeID  string
	timeout time.Duration
}

// Dial connects to the home network. DeliverEvent and RetractEvent are
// idempotent, so Unavailable errors are retried in the call.
func Dial(ctx context.Context, endpoint, nodeID string, timeout time.Duration, opts ...grpc.DialOption) (*Client, error) {
	retry := grpc_retry.UnaryClientInterceptor(
		grpc_retry.WithMax(3),
		grpc_retry.WithCodes(codes.Unavailable),
		grpc_retry.WithBackoff(grpc_retry.BackoffExponential(100*time.Millisecond)),
	)

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
		grpc.WithChainUnaryInterceptor(retry),
	}, opts...)

	cc, err := grpc.DialContext(ctx, endpoint, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to home network")
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{cc: cc, nodeID: nodeID, timeout: timeout}, nil
}

func (c *Client) Close() error {
	return c.cc.Close()
}

func (c *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	return c.cc.Invoke(ctx, fullMethod(method), in, out)
}

func (c *Client) DeliverEvent(ctx context.Context, e *bridge.OutboxEntry) error {
	ack := &Ack{}
	err := c.invoke(ctx, "DeliverEvent", &DeliverEventRequest{
		NodeID:      c.nodeID,
		Fingerprint: e.Fingerprint,
		Deposit:     e.Deposit,
		Certificate: e.Certificate,
	}, ack)
	return errors.Wrap(err, "delivering event")
}

func (c *Client) RetractEvent(ctx context.Context, fp bridge.Fingerprint, reason string) error {
	err := c.invoke(ctx, "RetractEvent", &RetractEventRequest{
		NodeID:      c.nodeID,
		Fingerprint: fp,
		Reason:      reason,
	}, &Ack{})
	return errors.Wrap(err, "retracting event")
}

func (c *Client) ListPendingWithdrawals(ctx context.Context) ([]bridge.WithdrawalRequest, error) {
	resp := &ListPendingWithdrawalsResponse{}
	if err := c.invoke(ctx, "ListPendingWithdrawals", &ListPendingWithdrawalsRequest{NodeID: c.nodeID}, resp); err != nil {
		return nil, errors.Wrap(err, "listing withdrawals")
	}
	return resp.Requests, nil
}

func (c *Client) ReportWithdrawalStatus(ctx context.Context, id string, status bridge.WithdrawalStatus, txid, reason string) error {
	err := c.invoke(ctx, "ReportWithdrawalStatus", &ReportWithdrawalStatusRequest{
		NodeID:    c.nodeID,
		RequestID: id,
		Status:    status,
		TxID:      txid,
		Reason:    reason,
	}, &ReportWithdrawalStatusResponse{})
	return errors.Wrap(err, "reporting withdrawal status")
}
