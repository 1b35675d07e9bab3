package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/node"
	"github.com/tcfw/btcbridge/internal/utils/logging"
	"github.com/tcfw/btcbridge/pkg/bridge"
)

// Bridge is the node surface exposed to operators.
type Bridge interface {
	Status() node.Status
	UpstreamHealth() []bridge.NodeHealth
	Peers() []node.PeerInfo
	DepositEvents() []node.EventInfo
	FailedDeliveries(ctx context.Context) ([]*bridge.OutboxEntry, error)
	Redrive(ctx context.Context, fp bridge.Fingerprint) error
	ListWithdrawals(stalledOnly bool) ([]bridge.Withdrawal, error)
}

var _ Bridge = (*node.Node)(nil)

type APIHandler interface {
	Setup(*Api) error
	Desc() *grpc.ServiceDesc
}

// routeHandler is implemented by handlers that also serve plain HTTP.
type routeHandler interface {
	Routes(r *mux.Router)
}

var (
	reg = []func() APIHandler{}
)

type BaseHandler struct {
	a *Api
}

func (b *BaseHandler) Setup(a *Api) error {
	b.a = a
	return nil
}

type Api struct {
	n   Bridge
	cfg *config.API
	log *logrus.Entry

	g *grpc.Server
	r *mux.Router
}

func NewAPI(n Bridge, cfg *config.API) (*Api, error) {
	a := &Api{
		n:   n,
		cfg: cfg,
		log: logging.Component("api"),
		r:   mux.NewRouter(),
	}
	a.g = newGRPCServer(a.log)
	a.baseRoutes()

	for _, newHandler := range reg {
		s := newHandler()
		a.g.RegisterService(s.Desc(), s)
		if err := s.Setup(a); err != nil {
			return nil, errors.Wrap(err, "registering service")
		}
		if rh, ok := s.(routeHandler); ok {
			rh.Routes(a.r)
		}
	}

	return a, nil
}

func (a *Api) Handler() http.Handler {
	return a.r
}

// Run serves gRPC and HTTP until ctx ends.
func (a *Api) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return errors.Wrap(err, "listening for grpc")
	}

	hs := &http.Server{
		Addr:              a.cfg.HTTPListen,
		Handler:           a.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() { errs <- a.g.Serve(lis) }()
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
			return
		}
		errs <- nil
	}()

	a.log.WithFields(logrus.Fields{"grpc": a.cfg.Listen, "http": a.cfg.HTTPListen}).Info("admin api listening")

	select {
	case <-ctx.Done():
	case err := <-errs:
		if err != nil {
			a.Shutdown(context.Background())
			hs.Close()
			return errors.Wrap(err, "serving admin api")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a.Shutdown(shutdownCtx)
	return hs.Shutdown(shutdownCtx)
}

func (a *Api) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.g.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		a.g.Stop()
	}

	return nil
}
