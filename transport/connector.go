package transport

import (
	"context"
	stdtls "crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sardanioss/wirecloak/dns"
	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/protocol"
	"github.com/sardanioss/wirecloak/proxy"
	"k8s.io/klog/v2"
)

// Target is the destination of a connection.
type Target struct {
	Scheme string // "https" or "http"
	Host   string
	Port   string
	Proxy  *proxy.Descriptor
}

// Addr returns host:port.
func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, t.Port)
}

// Connector opens fingerprinted connections: resolve, dial, optional proxy
// tunnel, TLS handshake and protocol setup. The zero value is usable.
type Connector struct {
	// Resolver defaults to dns.SystemResolver.
	Resolver dns.Resolver
	// Backend drives the target handshake; defaults to UTLSBackend.
	Backend Backend
	// ProxyBackend wraps connections to TLS proxies; defaults to StdBackend.
	ProxyBackend Backend
	// Proxies performs tunnel handshakes.
	Proxies *proxy.Dialer
	// Dial replaces the TCP dialer.
	Dial DialFunc

	ConnectTimeout   time.Duration // per address attempt
	AttemptDelay     time.Duration
	HandshakeTimeout time.Duration // TLS and proxy handshakes

	RootCAs            *x509.CertPool
	InsecureSkipVerify bool
	ClientCertificate  *stdtls.Certificate
	VerifyPeer         func(chain []*x509.Certificate, serverName string) error
	KeyLogWriter       io.Writer

	// DisableSessionCache turns off TLS session resumption.
	DisableSessionCache bool

	mu       sync.Mutex
	sessions map[string]*SessionCache
}

// SessionCache returns the resumption cache for a profile, creating it on
// first use. Caches are per profile so a ticket is only offered by the
// ClientHello shape that earned it.
func (c *Connector) SessionCache(profile string) *SessionCache {
	if c.DisableSessionCache {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions == nil {
		c.sessions = make(map[string]*SessionCache)
	}
	sc, ok := c.sessions[profile]
	if !ok {
		sc = NewSessionCache(DefaultSessionCacheSize)
		c.sessions[profile] = sc
	}
	return sc
}

func (c *Connector) resolver() dns.Resolver {
	if c.Resolver != nil {
		return c.Resolver
	}
	return dns.SystemResolver{}
}

func (c *Connector) backend() Backend {
	if c.Backend != nil {
		return c.Backend
	}
	return UTLSBackend{}
}

func (c *Connector) proxyBackend() Backend {
	if c.ProxyBackend != nil {
		return c.ProxyBackend
	}
	return StdBackend{}
}

func (c *Connector) proxies() *proxy.Dialer {
	if c.Proxies != nil {
		return c.Proxies
	}
	return &proxy.Dialer{Timeout: c.HandshakeTimeout, Resolve: c.resolver().Resolve}
}

// Connect opens a connection to t under profile p. HTTPS targets negotiate
// ALPN from the profile and yield an *H2Conn for h2 or an *H1Conn
// otherwise; plain http targets always yield an *H1Conn. Every failure
// closes the sockets opened so far.
func (c *Connector) Connect(ctx context.Context, t Target, p *fingerprint.Profile) (Conn, protocol.Timing, error) {
	var timing protocol.Timing
	start := time.Now()
	sm := &stateMachine{}

	raw, err := c.dial(ctx, t, &timing)
	if err != nil {
		sm.advance(StateClosed)
		return nil, timing, err
	}

	if t.Scheme == "http" {
		conn := newH1Conn(raw, t.Host, nil, sm)
		klog.V(2).Infof("connector: %s to %s ready (http/1.1, plaintext) in %s", conn.ID(), t.Addr(), time.Since(start))
		return conn, timing, nil
	}

	sm.advance(StateHandshaking)
	hctx := ctx
	if c.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.HandshakeTimeout)
		defer cancel()
	}
	tlsStart := time.Now()
	hs, err := Handshake(hctx, c.backend(), raw, &HandshakeConfig{
		Profile:            p,
		ServerName:         t.Host,
		RootCAs:            c.RootCAs,
		InsecureSkipVerify: c.InsecureSkipVerify,
		ClientCertificate:  c.ClientCertificate,
		VerifyPeer:         c.VerifyPeer,
		SessionCache:       c.SessionCache(p.Name),
		KeyLogWriter:       c.KeyLogWriter,
	})
	timing.TLSHandshake = time.Since(tlsStart)
	if err != nil {
		sm.advance(StateClosed)
		return nil, timing, err
	}
	st := hs.State()

	var conn Conn
	if st.NegotiatedProtocol == "h2" && p.HTTP2 != nil {
		h2, err := newH2Conn(hs, t.Host, p.HTTP2, &st, sm)
		if err != nil {
			_ = hs.Close()
			sm.advance(StateClosed)
			return nil, timing, err
		}
		conn = h2
	} else {
		conn = newH1Conn(hs, t.Host, &st, sm)
	}
	klog.V(2).Infof("connector: %s to %s ready (%s, %s, resumed=%v) in %s",
		conn.ID(), t.Addr(), conn.Version(), st.CipherSuiteName(), st.DidResume, time.Since(start))
	return conn, timing, nil
}

// dial returns a raw stream to t, tunnelled through t.Proxy when set.
func (c *Connector) dial(ctx context.Context, t Target, timing *protocol.Timing) (net.Conn, error) {
	host, port := t.Host, t.Port
	if t.Proxy != nil {
		var err error
		host, port, err = net.SplitHostPort(t.Proxy.Addr)
		if err != nil {
			return nil, protocol.New(protocol.ErrConnect, "proxy", t.Proxy.Addr, err)
		}
	}

	dnsStart := time.Now()
	ips, err := c.resolver().Resolve(ctx, host)
	timing.DNSLookup = time.Since(dnsStart)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.FromContext("resolve", host, ctx.Err())
		}
		return nil, &protocol.Error{Op: "resolve", Host: host, Category: protocol.ErrResolution, Cause: err, NotSent: true}
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range dns.Interleave(ips) {
		addrs = append(addrs, net.JoinHostPort(ip.String(), port))
	}

	connStart := time.Now()
	raw, err := DialRace(ctx, addrs, RaceOptions{
		AttemptDelay:   c.AttemptDelay,
		AttemptTimeout: c.ConnectTimeout,
		Dial:           c.Dial,
	})
	timing.TCPConnect = time.Since(connStart)
	if err != nil {
		if ctx.Err() != nil {
			return nil, protocol.FromContext("dial", host, ctx.Err())
		}
		return nil, &protocol.Error{Op: "dial", Host: host, Category: protocol.ErrConnect, Cause: err, NotSent: true}
	}
	if t.Proxy == nil {
		return raw, nil
	}

	tunnelStart := time.Now()
	defer func() { timing.ProxyTunnel = time.Since(tunnelStart) }()
	if t.Proxy.TLS {
		hctx := ctx
		if c.HandshakeTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, c.HandshakeTimeout)
			defer cancel()
		}
		hs, err := Handshake(hctx, c.proxyBackend(), raw, &HandshakeConfig{
			ServerName:         host,
			ALPNOverride:       []string{"http/1.1"},
			RootCAs:            c.RootCAs,
			InsecureSkipVerify: c.InsecureSkipVerify,
			KeyLogWriter:       c.KeyLogWriter,
		})
		if err != nil {
			return nil, proxyError(ctx, t.Proxy, err)
		}
		raw = hs
	}

	tunnel, err := c.proxies().Handshake(ctx, raw, t.Proxy, t.Host, t.Port)
	if err != nil {
		_ = raw.Close()
		return nil, proxyError(ctx, t.Proxy, err)
	}
	return tunnel, nil
}

// proxyError reports a failed proxy hop as ErrConnect so the target
// handshake is never attempted.
func proxyError(ctx context.Context, p *proxy.Descriptor, err error) error {
	if ctx.Err() != nil {
		return protocol.FromContext("proxy", p.Addr, ctx.Err())
	}
	var reply *proxy.ReplyError
	if errors.As(err, &reply) {
		klog.V(2).Infof("connector: proxy %s refused tunnel: %v", p, reply)
	}
	return &protocol.Error{Op: "proxy " + p.Kind.String(), Host: p.Addr, Category: protocol.ErrConnect, Cause: err, NotSent: true}
}
