package nodepool

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"

	"github.com/tcfw/btcbridge/internal/config"
)

const srvPrefix = "srv+"

// IsSRV reports whether the endpoint should be expanded through DNS SRV.
func IsSRV(endpoint string) bool {
	return strings.HasPrefix(endpoint, srvPrefix)
}

// Resolver looks up SRV records against a single DNS server.
type Resolver struct {
	Server string
	Client *dns.Client
}

// NewResolver uses server if given, otherwise the first nameserver from
// /etc/resolv.conf.
func NewResolver(server string) (*Resolver, error) {
	if server == "" {
		cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, errors.Wrap(err, "reading resolv.conf")
		}
		if len(cc.Servers) == 0 {
			return nil, errors.New("no nameservers configured")
		}
		server = net.JoinHostPort(cc.Servers[0], cc.Port)
	}

	return &Resolver{
		Server: server,
		Client: &dns.Client{Timeout: 5 * time.Second},
	}, nil
}

func (r *Resolver) LookupSRV(ctx context.Context, name string) ([]*dns.SRV, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeSRV)
	m.RecursionDesired = true

	in, _, err := r.Client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, errors.Wrapf(err, "querying %s", name)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, errors.Errorf("querying %s: %s", name, dns.RcodeToString[in.Rcode])
	}

	var out []*dns.SRV
	for _, rr := range in.Answer {
		if srv, ok := rr.(*dns.SRV); ok {
			out = append(out, srv)
		}
	}

	if len(out) == 0 {
		return nil, errors.Errorf("no SRV records for %s", name)
	}

	return out, nil
}

// Expand replaces srv+ endpoints with one node per SRV target. Ids get the
// target host appended so they stay unique.
func (r *Resolver) Expand(ctx context.Context, nodes []config.UpstreamNode) ([]config.UpstreamNode, error) {
	out := make([]config.UpstreamNode, 0, len(nodes))

	for _, n := range nodes {
		if !IsSRV(n.Endpoint) {
			out = append(out, n)
			continue
		}

		scheme, name, ok := strings.Cut(strings.TrimPrefix(n.Endpoint, srvPrefix), "://")
		if !ok || name == "" {
			return nil, errors.Errorf("node %q: malformed srv endpoint %q", n.ID, n.Endpoint)
		}

		records, err := r.LookupSRV(ctx, name)
		if err != nil {
			return nil, errors.Wrapf(err, "node %q", n.ID)
		}

		for _, srv := range records {
			host := strings.TrimSuffix(srv.Target, ".")
			expanded := n
			expanded.ID = fmt.Sprintf("%s/%s", n.ID, host)
			expanded.Endpoint = fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(host, strconv.Itoa(int(srv.Port))))
			out = append(out, expanded)
		}
	}

	return out, nil
}
