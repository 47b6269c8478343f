// Package dns resolves hostnames for the connector and caches the results.
package dns

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Resolver looks up the addresses of a hostname.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// TTLResolver is a Resolver that also reports how long its answer is valid.
type TTLResolver interface {
	Resolver
	ResolveTTL(ctx context.Context, host string) ([]net.IP, time.Duration, error)
}

// SystemResolver uses the operating system's resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

// Resolve implements Resolver.
func (r SystemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	addrs, err := res.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, len(addrs))
	for i, addr := range addrs {
		ips[i] = addr.IP
	}
	return ips, nil
}

// WireResolver queries a DNS server directly for A and AAAA records and
// reports the smallest record TTL of the answer.
type WireResolver struct {
	Server string // host:port
	client *dns.Client
	tcp    *dns.Client
}

// NewWireResolver returns a resolver for server ("host" or "host:port").
// An empty server uses the first nameserver from /etc/resolv.conf.
func NewWireResolver(server string) (*WireResolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("dns: reading resolv.conf: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("dns: no nameservers in resolv.conf")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "53")
	}
	return &WireResolver{
		Server: server,
		client: &dns.Client{Net: "udp", Timeout: 5 * time.Second},
		tcp:    &dns.Client{Net: "tcp", Timeout: 5 * time.Second},
	}, nil
}

// Resolve implements Resolver.
func (r *WireResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	ips, _, err := r.ResolveTTL(ctx, host)
	return ips, err
}

// ResolveTTL implements TTLResolver. A and AAAA are queried concurrently;
// one family failing is tolerated as long as the other answers.
func (r *WireResolver) ResolveTTL(ctx context.Context, host string) ([]net.IP, time.Duration, error) {
	var (
		v4, v6     []net.IP
		ttl4, ttl6 uint32
		err4, err6 error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v4, ttl4, err4 = r.query(gctx, host, dns.TypeA)
		return nil
	})
	g.Go(func() error {
		v6, ttl6, err6 = r.query(gctx, host, dns.TypeAAAA)
		return nil
	})
	_ = g.Wait()

	if err4 != nil && err6 != nil {
		return nil, 0, err4
	}
	ips := append(v6, v4...)
	if len(ips) == 0 {
		return nil, 0, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
	}
	ttl := ttl4
	if len(v4) == 0 || (len(v6) > 0 && ttl6 < ttl) {
		ttl = ttl6
	}
	return ips, time.Duration(ttl) * time.Second, nil
}

func (r *WireResolver) query(ctx context.Context, host string, qtype uint16) ([]net.IP, uint32, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), qtype)
	msg.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, msg, r.Server)
	if err == nil && in.Truncated {
		klog.V(3).Infof("dns: truncated %s answer for %s, retrying over tcp", dns.TypeToString[qtype], host)
		in, _, err = r.tcp.ExchangeContext(ctx, msg, r.Server)
	}
	if err != nil {
		return nil, 0, &net.DNSError{Err: err.Error(), Name: host, Server: r.Server}
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, 0, &net.DNSError{
			Err:        dns.RcodeToString[in.Rcode],
			Name:       host,
			Server:     r.Server,
			IsNotFound: in.Rcode == dns.RcodeNameError,
		}
	}

	var (
		ips []net.IP
		ttl uint32
	)
	for _, rr := range in.Answer {
		var ip net.IP
		switch rec := rr.(type) {
		case *dns.A:
			ip = rec.A
		case *dns.AAAA:
			ip = rec.AAAA
		default:
			continue
		}
		if ttl == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
		ips = append(ips, ip)
	}
	return ips, ttl, nil
}
