// Package client is the request dispatcher: it resolves the profile for a
// request, borrows a connection from the pool, merges headers into the
// profile's order and follows redirects.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	http "github.com/sardanioss/http"
	"github.com/sardanioss/wirecloak/dns"
	"github.com/sardanioss/wirecloak/fingerprint"
	"github.com/sardanioss/wirecloak/pool"
	"github.com/sardanioss/wirecloak/protocol"
	"github.com/sardanioss/wirecloak/proxy"
	"github.com/sardanioss/wirecloak/transport"
	"k8s.io/klog/v2"
)

// ErrTooManyRedirects is returned when a request exceeds its redirect
// policy's Max.
var ErrTooManyRedirects = errors.New("too many redirects")

// Client sends requests with a browser fingerprint. It is safe for
// concurrent use; create one and reuse it so connections are pooled.
type Client struct {
	cfg       *Config
	registry  *fingerprint.Registry
	proxy     *proxy.Descriptor
	dns       *dns.Cache
	connector *transport.Connector
	pool      *pool.Pool
	jar       CookieJar
	stopDNS   context.CancelFunc

	mu       sync.Mutex
	profiles map[string]*fingerprint.Profile
	proxies  map[pool.Key]*proxy.Descriptor // keyed by proxy fields only
}

// New creates a client. It fails when the default profile is unknown or
// the proxy URL does not parse.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	c := &Client{
		cfg:      cfg,
		registry: cfg.Registry,
		jar:      cfg.Jar,
		profiles: make(map[string]*fingerprint.Profile),
		proxies:  make(map[pool.Key]*proxy.Descriptor),
	}
	if c.registry == nil {
		c.registry = fingerprint.Default()
	}
	if c.jar == nil {
		c.jar = NewJar()
	}
	if _, err := c.profile(cfg.Profile); err != nil {
		return nil, err
	}
	if cfg.Proxy != "" {
		d, err := proxy.Parse(cfg.Proxy)
		if err != nil {
			return nil, err
		}
		c.proxy = d
	}

	resolver := cfg.Resolver
	if resolver == nil {
		if cfg.DNSServer != "" {
			wr, err := dns.NewWireResolver(cfg.DNSServer)
			if err != nil {
				return nil, err
			}
			resolver = wr
		} else {
			resolver = dns.SystemResolver{}
		}
	}
	c.dns = dns.NewCache(resolver)

	c.connector = &transport.Connector{
		Resolver:            c.dns,
		ConnectTimeout:      cfg.ConnectTimeout,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		RootCAs:             cfg.RootCAs,
		InsecureSkipVerify:  cfg.InsecureSkipVerify,
		ClientCertificate:   cfg.ClientCertificate,
		VerifyPeer:          cfg.VerifyPeer,
		KeyLogWriter:        cfg.KeyLogWriter,
		DisableSessionCache: !cfg.SessionResumption,
	}

	pc := pool.DefaultConfig()
	pc.MaxConnsPerKey = cfg.MaxConnsPerHost
	pc.MaxIdleConns = cfg.MaxIdleConns
	pc.MaxIdleTime = cfg.IdleTimeout
	pc.WaitTimeout = cfg.PoolWaitTimeout
	c.pool = pool.New(pc, c.dial)

	if err := c.pool.Metrics().Register(cfg.Metrics); err != nil {
		_ = c.pool.Close()
		return nil, fmt.Errorf("register pool metrics: %w", err)
	}
	if cfg.Metrics != nil {
		if err := c.dns.Register(cfg.Metrics); err != nil {
			_ = c.pool.Close()
			return nil, fmt.Errorf("register dns metrics: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.dns.StartCleanup(ctx, time.Minute)
	c.stopDNS = cancel

	klog.V(2).Infof("client: created with profile %s, proxy %q", cfg.Profile, c.proxy.String())
	return c, nil
}

// Close closes every pooled connection. In-flight bodies fail.
func (c *Client) Close() error {
	c.stopDNS()
	return c.pool.Close()
}

// Stats returns a snapshot of the connection pool.
func (c *Client) Stats() pool.Stats {
	return c.pool.Stats()
}

// Jar returns the cookie jar.
func (c *Client) Jar() CookieJar {
	return c.jar
}

// Connector exposes the connection layer, e.g. to replace its dialer.
func (c *Client) Connector() *transport.Connector {
	return c.connector
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, rawURL string, header protocol.Header) (*Response, error) {
	return c.Do(ctx, &Request{Method: "GET", URL: rawURL, Header: header})
}

// Post sends a POST request with body.
func (c *Client) Post(ctx context.Context, rawURL, contentType string, body []byte) (*Response, error) {
	req := &Request{Method: "POST", URL: rawURL, Body: body}
	if contentType != "" {
		req.Header.Add("Content-Type", contentType)
	}
	return c.Do(ctx, req)
}

// Do sends req and returns once the final response's headers arrive. The
// timeout keeps running while the body is read and stops when the body is
// drained or closed.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	timeout := c.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}

	resp, err := c.do(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.raw.cancel = cancel

	if !hasBody(req.Method, resp.StatusCode) {
		_ = resp.Body.Close()
		resp.Body = http.NoBody
		return resp, nil
	}
	if enc := resp.Header.Get("Content-Encoding"); enc != "" {
		decoded, err := transport.Decode(resp.Body, enc)
		if err != nil {
			_ = resp.Body.Close()
			return nil, protocol.New(protocol.ErrBody, "decode", resp.URL.Hostname(), err)
		}
		resp.Body, resp.Decoded = decoded, decoded != resp.Body
	}
	return resp, nil
}

func hasBody(method string, status int) bool {
	return !strings.EqualFold(method, "HEAD") && status != 204 && status != 304
}

// do runs the redirect loop.
func (c *Client) do(ctx context.Context, req *Request) (*Response, error) {
	if req.Body != nil && req.BodyReader != nil {
		return nil, errors.New("client: request sets both Body and BodyReader")
	}
	u, err := parseTarget(req.URL, req.Query)
	if err != nil {
		return nil, err
	}
	d := c.proxy
	if req.Proxy != "" {
		if d, err = proxy.Parse(req.Proxy); err != nil {
			return nil, err
		}
	}
	policy := c.cfg.Redirect
	if req.Redirect != nil {
		policy = req.Redirect
	}
	auth := req.Auth
	if auth == nil {
		auth = c.cfg.Auth
	}
	useCookies := req.UseCookies == nil || *req.UseCookies

	h := &hop{
		method:     strings.ToUpper(req.Method),
		url:        u,
		header:     req.Header.Clone(),
		body:       req.Body,
		bodyReader: req.BodyReader,
		profile:    req.Profile,
	}
	if h.method == "" {
		h.method = "GET"
	}
	if h.profile == "" {
		h.profile = c.cfg.Profile
	}

	origin := u
	var history []*RedirectInfo
	challenged := false
	for {
		hopAuth := auth
		if !sameAuthority(origin, h.url) {
			hopAuth = nil
		}
		resp, err := c.send(ctx, h, d, useCookies, hopAuth)
		if err != nil {
			return nil, err
		}
		resp.Redirects = history

		if ch, ok := hopAuth.(Challenger); ok && resp.StatusCode == 401 && !challenged && h.replayable() {
			retry, err := ch.Challenge(resp.Header.Values("WWW-Authenticate"))
			if err != nil {
				discard(resp)
				return nil, err
			}
			if retry {
				challenged = true
				discard(resp)
				continue
			}
		}

		if !isRedirect(resp.StatusCode) || policy == nil || policy.Max <= 0 {
			return resp, nil
		}
		location := resp.Header.Get("Location")
		if location == "" {
			return resp, nil
		}
		if (resp.StatusCode == 307 || resp.StatusCode == 308) && !h.replayable() {
			// A streamed body cannot be sent again.
			return resp, nil
		}
		if len(history) >= policy.Max {
			discard(resp)
			return nil, fmt.Errorf("%w (max %d)", ErrTooManyRedirects, policy.Max)
		}
		next, err := resolveLocation(h.url, location)
		if err != nil {
			discard(resp)
			return nil, err
		}
		history = append(history, &RedirectInfo{
			StatusCode: resp.StatusCode,
			URL:        h.url.String(),
			Location:   next.String(),
			Header:     resp.Header,
		})
		discard(resp)
		klog.V(2).Infof("client: %d redirect %s -> %s", resp.StatusCode, h.url.Redacted(), next.Redacted())
		h = h.redirect(resp.StatusCode, next, policy, c.cfg.Profile)
		challenged = false
	}
}

// send performs one hop: cookies and auth in, the exchange, cookies out.
func (c *Client) send(ctx context.Context, h *hop, d *proxy.Descriptor, useCookies bool, auth Auth) (*Response, error) {
	p, err := c.profile(h.profile)
	if err != nil {
		return nil, err
	}
	header := h.header.Clone()
	if useCookies && !header.Has("Cookie") {
		if cs := c.jar.Cookies(h.url); len(cs) > 0 {
			header.Add("Cookie", cookieHeader(cs))
		}
	}
	if auth != nil && !header.Has("Authorization") {
		v, err := auth.Authorization(h.method, h.url.RequestURI())
		if err != nil {
			return nil, err
		}
		if v != "" {
			header.Add("Authorization", v)
		}
	}

	check := &transport.Request{Method: h.method, Authority: authority(h.url), Header: header}
	if err := transport.ValidateRequest(check); err != nil {
		return nil, &protocol.Error{Op: "request", Host: h.url.Host, Category: protocol.ErrProtocol, Cause: err, NotSent: true}
	}

	resp, err := c.roundTrip(ctx, c.key(h.url, d, p.Name), p, h, header)
	if err != nil {
		return nil, err
	}
	if useCookies {
		if sc := resp.Header.Values("Set-Cookie"); len(sc) > 0 {
			c.jar.SetCookies(h.url, sc)
		}
	}
	return resp, nil
}

// roundTrip retries once, on a fresh connection, failures that happened
// before any request byte was written.
func (c *Client) roundTrip(ctx context.Context, key pool.Key, p *fingerprint.Profile, h *hop, header protocol.Header) (*Response, error) {
	acquire := c.pool.Acquire
	for attempt := 0; ; attempt++ {
		lease, err := acquire(ctx, key)
		if err == nil {
			var resp *Response
			resp, err = c.exchange(ctx, lease, p, h, header)
			if err == nil {
				return resp, nil
			}
			if !h.replayable() {
				return nil, err
			}
		} else if errors.Is(err, protocol.ErrPoolExhausted) {
			return nil, err
		}
		if attempt > 0 || !protocol.Retryable(err) {
			return nil, err
		}
		klog.V(2).Infof("client: retrying %s on a fresh connection: %v", key, err)
		acquire = c.pool.AcquireFresh
	}
}

// exchange sends the request on a leased connection. The lease is
// returned when the response body ends, or at once on failure.
func (c *Client) exchange(ctx context.Context, lease *pool.Lease, p *fingerprint.Profile, h *hop, header protocol.Header) (*Response, error) {
	conn, ok := lease.Conn.(transport.Conn)
	if !ok {
		c.pool.Release(lease, false)
		return nil, fmt.Errorf("client: pooled connection %T is not a transport.Conn", lease.Conn)
	}
	treq := &transport.Request{
		Method:        h.method,
		Scheme:        h.url.Scheme,
		Authority:     authority(h.url),
		Path:          h.url.RequestURI(),
		Header:        MergeHeaders(p, header, conn.Version()),
		ContentLength: -1,
	}
	switch {
	case h.body != nil:
		treq.Body, treq.ContentLength = bytes.NewReader(h.body), int64(len(h.body))
	case h.bodyReader != nil:
		treq.Body = h.bodyReader
		if n, err := strconv.ParseInt(header.Get("Content-Length"), 10, 64); err == nil && n >= 0 {
			treq.ContentLength = n
		}
	case h.method == "POST" || h.method == "PUT" || h.method == "PATCH":
		// Browsers send Content-Length: 0 for empty bodies on these.
		treq.Body, treq.ContentLength = bytes.NewReader(nil), 0
	}

	tresp, err := conn.RoundTrip(ctx, treq)
	if err != nil {
		c.pool.Release(lease, conn.Reusable())
		return nil, err
	}
	body := &releaseBody{
		rc:      tresp.Body,
		release: func() { c.pool.Release(lease, conn.Reusable()) },
	}
	return &Response{
		StatusCode: tresp.StatusCode,
		Status:     tresp.Status,
		Proto:      tresp.Proto,
		Header:     tresp.Header,
		Body:       body,
		TLS:        conn.TLS(),
		URL:        h.url,
		Reused:     lease.Reused,
		raw:        body,
	}, nil
}

// dial is the pool's DialFunc.
func (c *Client) dial(ctx context.Context, key pool.Key) (pool.Conn, error) {
	p, err := c.profile(key.Profile)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	d := c.proxies[pool.Key{Proxy: key.Proxy, ProxySecret: key.ProxySecret}]
	c.mu.Unlock()

	conn, timing, err := c.connector.Connect(ctx, transport.Target{
		Scheme: key.Scheme,
		Host:   key.Host,
		Port:   key.Port,
		Proxy:  d,
	}, p)
	if err != nil {
		return nil, err
	}
	klog.V(2).Infof("client: dialed %s as %s (dns %s, connect %s, tunnel %s, tls %s)",
		key, conn.ID(), timing.DNSLookup, timing.TCPConnect, timing.ProxyTunnel, timing.TLSHandshake)
	return conn, nil
}

// key builds the pool key for a hop and remembers its proxy for dial.
func (c *Client) key(u *url.URL, d *proxy.Descriptor, profile string) pool.Key {
	k := pool.Key{
		Scheme:  u.Scheme,
		Host:    strings.ToLower(u.Hostname()),
		Port:    port(u),
		Profile: profile,
	}
	if d != nil {
		k.Proxy, k.ProxySecret = d.String(), d.Password
		c.mu.Lock()
		c.proxies[pool.Key{Proxy: k.Proxy, ProxySecret: k.ProxySecret}] = d
		c.mu.Unlock()
	}
	return k
}

// profile resolves a profile name once and applies the client's TLS
// overrides to a private copy.
func (c *Client) profile(name string) (*fingerprint.Profile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.profiles[name]; ok {
		return p, nil
	}
	p, err := c.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if c.cfg.PermuteExtensions != nil {
		p.TLS.PermuteExtensions = *c.cfg.PermuteExtensions
	}
	if c.cfg.ECHGrease != nil {
		p.TLS.ECHGrease = *c.cfg.ECHGrease
	}
	c.profiles[name] = p
	return p, nil
}
