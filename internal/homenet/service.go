package homenet

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "bridged.homenet.HomeNetwork"

// Server is the home network RPC surface.
type Server interface {
	DeliverEvent(context.Context, *DeliverEventRequest) (*Ack, error)
	RetractEvent(context.Context, *RetractEventRequest) (*Ack, error)
	ListPendingWithdrawals(context.Context, *ListPendingWithdrawalsRequest) (*ListPendingWithdrawalsResponse, error)
	ReportWithdrawalStatus(context.Context, *ReportWithdrawalStatusRequest) (*ReportWithdrawalStatusResponse, error)
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "DeliverEvent", Handler: deliverEventHandler},
		{MethodName: "RetractEvent", Handler: retractEventHandler},
		{MethodName: "ListPendingWithdrawals", Handler: listPendingWithdrawalsHandler},
		{MethodName: "ReportWithdrawalStatus", Handler: reportWithdrawalStatusHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "homenet",
}

func RegisterServer(s grpc.ServiceRegistrar, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

// unary adapts a typed method to a grpc handler.
func unary[Req any, Resp any](name string, call func(Server, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(Server), ctx, in)
		}

		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(Server), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	deliverEventHandler           = unary("DeliverEvent", Server.DeliverEvent)
	retractEventHandler           = unary("RetractEvent", Server.RetractEvent)
	listPendingWithdrawalsHandler = unary("ListPendingWithdrawals", Server.ListPendingWithdrawals)
	reportWithdrawalStatusHandler = unary("ReportWithdrawalStatus", Server.ReportWithdrawalStatus)
)
