package homenet

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tcfw/btcbridge/internal/gossip"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// SimEvent is a deposit as recorded by the simulated home network.
type SimEvent struct {
	Fingerprint bridge.Fingerprint
	Deposit     bridge.Deposit
	Certificate bridge.Certificate
	// Deliveries counts every DeliverEvent call, duplicates included.
	Deliveries  int
	Retracted   bool
	FirstSeen   time.Time
	DeliveredBy []string
}

type SimStatus struct {
	Status bridge.WithdrawalStatus
	TxID   string
	Reason string
	NodeID string
}

// Sim is an in-memory home network for devnets and tests. Deliveries are
// idempotent per fingerprint.
type Sim struct {
	// Members and Threshold, when set, make the sim reject deposits whose
	// certificate does not carry enough valid votes.
	Members   *gossip.Members
	Threshold int

	mu          sync.Mutex
	events      map[bridge.Fingerprint]*SimEvent
	order       []bridge.Fingerprint
	withdrawals map[string]*bridge.WithdrawalRequest
	statuses    map[string][]SimStatus
}

var _ Server = (*Sim)(nil)

func NewSim() *Sim {
	return &Sim{
		events:      map[bridge.Fingerprint]*SimEvent{},
		withdrawals: map[string]*bridge.WithdrawalRequest{},
		statuses:    map[string][]SimStatus{},
	}
}

func (s *Sim) DeliverEvent(_ context.Context, req *DeliverEventRequest) (*Ack, error) {
	fp, err := req.Deposit.Fingerprint()
	if err != nil || fp != req.Fingerprint {
		return nil, status.Error(codes.InvalidArgument, "fingerprint does not match deposit")
	}

	if err := s.checkCertificate(req); err != nil {
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[fp]
	if ok && !ev.Retracted {
		ev.Deliveries++
		ev.DeliveredBy = append(ev.DeliveredBy, req.NodeID)
		return &Ack{Duplicate: true}, nil
	}

	if !ok {
		ev = &SimEvent{Fingerprint: fp, FirstSeen: time.Now()}
		s.events[fp] = ev
		s.order = append(s.order, fp)
	}
	ev.Deposit = req.Deposit
	ev.Certificate = req.Certificate
	ev.Retracted = false
	ev.Deliveries++
	ev.DeliveredBy = append(ev.DeliveredBy, req.NodeID)

	return &Ack{}, nil
}

func (s *Sim) checkCertificate(req *DeliverEventRequest) error {
	if s.Members == nil {
		return nil
	}
	if len(req.Certificate.Voters) < s.Threshold {
		return errors.Errorf("%d voters, need %d", len(req.Certificate.Voters), s.Threshold)
	}

	digest, err := gossip.VoteDigest(req.Fingerprint, &req.Deposit)
	if err != nil {
		return err
	}
	return s.Members.VerifyCertificate(digest, &req.Certificate)
}

func (s *Sim) RetractEvent(_ context.Context, req *RetractEventRequest) (*Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[req.Fingerprint]
	if !ok {
		return &Ack{}, nil
	}
	dup := ev.Retracted
	ev.Retracted = true
	return &Ack{Duplicate: dup}, nil
}

func (s *Sim) ListPendingWithdrawals(context.Context, *ListPendingWithdrawalsRequest) (*ListPendingWithdrawalsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &ListPendingWithdrawalsResponse{}
	for _, w := range s.withdrawals {
		if !w.Status.Terminal() {
			resp.Requests = append(resp.Requests, *w)
		}
	}
	sort.Slice(resp.Requests, func(i, j int) bool { return resp.Requests[i].RequestID < resp.Requests[j].RequestID })

	return resp, nil
}

func (s *Sim) ReportWithdrawalStatus(_ context.Context, req *ReportWithdrawalStatusRequest) (*ReportWithdrawalStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[req.RequestID]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "no withdrawal %s", req.RequestID)
	}

	// nodes report independently; keep the furthest status
	if w.Status.CanAdvance(req.Status) {
		w.Status = req.Status
	}
	s.statuses[req.RequestID] = append(s.statuses[req.RequestID], SimStatus{
		Status: req.Status,
		TxID:   req.TxID,
		Reason: req.Reason,
		NodeID: req.NodeID,
	})

	return &ReportWithdrawalStatusResponse{}, nil
}

// AddWithdrawal queues a withdrawal request for the bridge.
func (s *Sim) AddWithdrawal(r bridge.WithdrawalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Status == 0 {
		r.Status = bridge.WithdrawalPending
	}
	s.withdrawals[r.RequestID] = &r
}

// Events returns recorded events in first-delivery order.
func (s *Sim) Events() []SimEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SimEvent, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, *s.events[fp])
	}
	return out
}

func (s *Sim) Event(fp bridge.Fingerprint) (SimEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[fp]
	if !ok {
		return SimEvent{}, false
	}
	return *ev, true
}

func (s *Sim) Withdrawal(id string) (bridge.WithdrawalRequest, []SimStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.withdrawals[id]
	if !ok {
		return bridge.WithdrawalRequest{}, nil, false
	}
	return *w, append([]SimStatus(nil), s.statuses[id]...), true
}

// NewGRPCServer serves srv with panic recovery and request logging.
func NewGRPCServer(srv Server, log *logrus.Entry) *grpc.Server {
	if log == nil {
		log = logging.Component("homenet")
	}

	g := grpc.NewServer(
		grpc.ForceServerCodec(Codec{}),
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(
			grpc_ctxtags.UnaryServerInterceptor(),
			grpc_logrus.UnaryServerInterceptor(log),
			grpc_recovery.UnaryServerInterceptor(),
		)),
	)
	RegisterServer(g, srv)

	return g
}

// ListenAndServe runs the sim on addr until ctx ends.
func ListenAndServe(ctx context.Context, addr string, srv Server, log *logrus.Entry) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	g := NewGRPCServer(srv, log)
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()

	return g.Serve(lis)
}
