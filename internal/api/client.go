package api

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/homenet"
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// Client talks to a running daemon's admin API.
type Client struct {
	cc *grpc.ClientConn
}

func (a *Client) Close() error {
	return a.cc.Close()
}

func (a *Client) invoke(ctx context.Context, method string, in, out interface{}) error {
	return a.cc.Invoke(ctx, fullMethod(method), in, out)
}

func (a *Client) Status(ctx context.Context) (node.Status, error) {
	resp := &StatusResponse{}
	err := a.invoke(ctx, "Status", &Empty{}, resp)
	return resp.Status, err
}

func (a *Client) Nodes(ctx context.Context) ([]bridge.NodeHealth, error) {
	resp := &NodesResponse{}
	err := a.invoke(ctx, "Nodes", &Empty{}, resp)
	return resp.Nodes, err
}

func (a *Client) Peers(ctx context.Context) ([]node.PeerInfo, error) {
	resp := &PeersResponse{}
	err := a.invoke(ctx, "Peers", &Empty{}, resp)
	return resp.Peers, err
}

func (a *Client) Events(ctx context.Context) ([]node.EventInfo, error) {
	resp := &EventsResponse{}
	err := a.invoke(ctx, "Events", &Empty{}, resp)
	return resp.Events, err
}

func (a *Client) ListFailed(ctx context.Context) ([]*bridge.OutboxEntry, error) {
	resp := &ListFailedResponse{}
	err := a.invoke(ctx, "ListFailed", &Empty{}, resp)
	return resp.Entries, err
}

func (a *Client) Redrive(ctx context.Context, fp bridge.Fingerprint) error {
	return a.invoke(ctx, "Redrive", &RedriveRequest{Fingerprint: fp}, &Empty{})
}

func (a *Client) Withdrawals(ctx context.Context, stalledOnly bool) ([]bridge.Withdrawal, error) {
	resp := &WithdrawalsResponse{}
	err := a.invoke(ctx, "Withdrawals", &WithdrawalsRequest{StalledOnly: stalledOnly}, resp)
	return resp.Withdrawals, err
}

// NewClient dials the daemon at daemon_addr.
func NewClient(opts ...grpc.DialOption) (*Client, error) {
	return Dial(viper.GetString(config.Cfg_daemonAddr), opts...)
}

func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(homenet.Codec{})),
	}, opts...)

	cc, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to daemon")
	}

	return &Client{cc: cc}, nil
}
