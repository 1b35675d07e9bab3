package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tcfw/btcbridge/internal/dispatch"
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/pkg/bridge"
	"github.com/tcfw/btcbridge/pkg/storage"
)

const adminServiceName = "bridged.admin.Admin"

func init() {
	reg = append(reg, func() APIHandler { return &adminApi{} })
}

// AdminServer is the operator RPC surface of a bridge node.
type AdminServer interface {
	Status(context.Context, *Empty) (*StatusResponse, error)
	Nodes(context.Context, *Empty) (*NodesResponse, error)
	Peers(context.Context, *Empty) (*PeersResponse, error)
	Events(context.Context, *Empty) (*EventsResponse, error)
	ListFailed(context.Context, *Empty) (*ListFailedResponse, error)
	Redrive(context.Context, *RedriveRequest) (*Empty, error)
	Withdrawals(context.Context, *WithdrawalsRequest) (*WithdrawalsResponse, error)
}

var AdminServiceDesc = grpc.ServiceDesc{
	ServiceName: adminServiceName,
	HandlerType: (*AdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Status", Handler: unary("Status", AdminServer.Status)},
		{MethodName: "Nodes", Handler: unary("Nodes", AdminServer.Nodes)},
		{MethodName: "Peers", Handler: unary("Peers", AdminServer.Peers)},
		{MethodName: "Events", Handler: unary("Events", AdminServer.Events)},
		{MethodName: "ListFailed", Handler: unary("ListFailed", AdminServer.ListFailed)},
		{MethodName: "Redrive", Handler: unary("Redrive", AdminServer.Redrive)},
		{MethodName: "Withdrawals", Handler: unary("Withdrawals", AdminServer.Withdrawals)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "admin",
}

func fullMethod(name string) string {
	return "/" + adminServiceName + "/" + name
}

func unary[Req any, Resp any](name string, call func(AdminServer, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AdminServer), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(AdminServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

type adminApi struct {
	BaseHandler
}

var _ AdminServer = (*adminApi)(nil)

func (s *adminApi) Desc() *grpc.ServiceDesc {
	return &AdminServiceDesc
}

func (s *adminApi) Status(context.Context, *Empty) (*StatusResponse, error) {
	return &StatusResponse{Status: s.a.n.Status()}, nil
}

func (s *adminApi) Nodes(context.Context, *Empty) (*NodesResponse, error) {
	return &NodesResponse{Nodes: s.a.n.UpstreamHealth()}, nil
}

func (s *adminApi) Peers(context.Context, *Empty) (*PeersResponse, error) {
	return &PeersResponse{Peers: s.a.n.Peers()}, nil
}

func (s *adminApi) Events(context.Context, *Empty) (*EventsResponse, error) {
	return &EventsResponse{Events: s.a.n.DepositEvents()}, nil
}

func (s *adminApi) ListFailed(ctx context.Context, _ *Empty) (*ListFailedResponse, error) {
	entries, err := s.a.n.FailedDeliveries(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListFailedResponse{Entries: entries}, nil
}

func (s *adminApi) Redrive(ctx context.Context, req *RedriveRequest) (*Empty, error) {
	if !req.Fingerprint.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "bad fingerprint %q", req.Fingerprint)
	}
	if err := s.a.n.Redrive(ctx, req.Fingerprint); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *adminApi) Withdrawals(_ context.Context, req *WithdrawalsRequest) (*WithdrawalsResponse, error) {
	ws, err := s.a.n.ListWithdrawals(req.StalledOnly)
	if err != nil {
		return nil, toStatus(err)
	}
	return &WithdrawalsResponse{Withdrawals: ws}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotFailed), errors.Is(err, node.ErrWithdrawalsDisabled):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *adminApi) Routes(r *mux.Router) {
	r.HandleFunc("/nodes", s.nodes).Methods("GET")
	r.HandleFunc("/peers", s.peers).Methods("GET")
	r.HandleFunc("/events", s.events).Methods("GET")
	r.HandleFunc("/outbox/failed", s.failed).Methods("GET")
	r.HandleFunc("/outbox/{fp}/redrive", s.redrive).Methods("POST")
	r.HandleFunc("/withdrawals", s.withdrawals).Methods("GET")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch status.Code(toStatus(err)) {
	case codes.NotFound:
		code = http.StatusNotFound
	case codes.FailedPrecondition:
		code = http.StatusConflict
	case codes.InvalidArgument:
		code = http.StatusBadRequest
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *adminApi) nodes(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.a.n.UpstreamHealth())
}

func (s *adminApi) peers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.a.n.Peers())
}

func (s *adminApi) events(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.a.n.DepositEvents())
}

func (s *adminApi) failed(w http.ResponseWriter, r *http.Request) {
	entries, err := s.a.n.FailedDeliveries(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *adminApi) redrive(w http.ResponseWriter, r *http.Request) {
	fp := bridge.Fingerprint(mux.Vars(r)["fp"])
	if !fp.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad fingerprint"})
		return
	}

	if err := s.a.n.Redrive(r.Context(), fp); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *adminApi) withdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := s.a.n.ListWithdrawals(r.URL.Query().Get("stalled") == "true")
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

// baseRoutes serves liveness, status and prometheus metrics.
func (a *Api) baseRoutes() {
	a.r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	a.r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := a.n.Status()
		code := http.StatusOK
		if !st.Healthy() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{"healthy": st.Healthy(), "degraded": st.Degraded})
	}).Methods("GET")

	a.r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.n.Status())
	}).Methods("GET")
}
