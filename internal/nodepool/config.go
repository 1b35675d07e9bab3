package nodepool

import (
	"context"

	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/config"
	"github.com/tcfw/btcbridge/internal/metrics"
	"github.com/tcfw/btcbridge/internal/utils/logging"
)

// NewFromConfig expands discovery records, dials every configured backend
// and returns a ready pool.
func NewFromConfig(ctx context.Context, cfg *config.Upstream, m *metrics.Metrics) (*Pool, error) {
	var proxy *config.SocksProxy
	if cfg.SocksProxy != "" {
		var err error
		if proxy, err = config.ParseSocksProxy(cfg.SocksProxy); err != nil {
			return nil, err
		}
	}

	nodes := cfg.Nodes
	for _, n := range nodes {
		if IsSRV(n.Endpoint) {
			res, err := NewResolver(cfg.Resolver)
			if err != nil {
				return nil, err
			}
			if nodes, err = res.Expand(ctx, cfg.Nodes); err != nil {
				return nil, errors.Wrap(err, "expanding srv endpoints")
			}
			break
		}
	}

	if len(nodes) < cfg.Quorum {
		return nil, errors.Errorf("%d upstream nodes configured, quorum needs %d", len(nodes), cfg.Quorum)
	}

	reg := NewRegistry(RegistryOptions{
		DeadAfter:        cfg.DeadAfter,
		BackoffMin:       cfg.BackoffMin,
		BackoffMax:       cfg.BackoffMax,
		ProbeInterval:    cfg.ProbeInterval,
		MaxProbeInterval: cfg.MaxProbeInterval,
		RateLimit:        cfg.RateLimit,
		RateBurst:        cfg.RateBurst,
	})

	for _, n := range nodes {
		b, err := NewBackend(n, proxy)
		if err != nil {
			return nil, err
		}
		reg.Add(b)
	}

	return New(reg, Options{
		Quorum:         cfg.Quorum,
		RequestTimeout: cfg.RequestTimeout,
		Workers:        cfg.Workers,
		Metrics:        m,
		Log:            logging.Component("nodepool"),
	}), nil
}
