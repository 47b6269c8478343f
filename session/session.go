// Package session keeps browser-like state across requests: one cookie
// jar, one connection pool and the validators needed for conditional
// requests, under a stable ID.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"github.com/sardanioss/wirecloak/client"
	"github.com/sardanioss/wirecloak/pool"
	"github.com/sardanioss/wirecloak/protocol"
)

var ErrSessionClosed = errors.New("session is closed")

// validators stores cache validation headers for a URL.
type validators struct {
	etag         string
	lastModified string
}

// Session is a client with its own cookie jar and connection pool.
type Session struct {
	ID        string
	CreatedAt time.Time

	client *client.Client
	jar    *client.Jar
	opts   []client.Option

	mu       sync.RWMutex
	lastUsed time.Time
	requests int64
	cache    map[string]validators
	active   bool
}

// Stats is a point-in-time view of a session.
type Stats struct {
	ID           string
	CreatedAt    time.Time
	LastUsed     time.Time
	RequestCount int64
	Age          time.Duration
	IdleTime     time.Duration
	Active       bool
	Cookies      int
	Pool         pool.Stats
}

// New creates a session. opts configure the underlying client; any cookie
// jar option is replaced by the session's own jar.
func New(opts ...client.Option) (*Session, error) {
	return newSession(client.NewJar(), nil, opts)
}

func newSession(jar *client.Jar, cache map[string]validators, opts []client.Option) (*Session, error) {
	own := append(append([]client.Option(nil), opts...), client.WithCookieJar(jar))
	c, err := client.New(own...)
	if err != nil {
		return nil, err
	}
	if cache == nil {
		cache = make(map[string]validators)
	}
	now := time.Now()
	s := &Session{
		ID:        uuid.New().String(),
		CreatedAt: now,
		client:    c,
		jar:       jar,
		opts:      opts,
		lastUsed:  now,
		cache:     cache,
		active:    true,
	}
	klog.V(2).Infof("session %s: created", s.ID)
	return s, nil
}

// Do sends req through the session. GET requests carry If-None-Match and
// If-Modified-Since from an earlier response for the same URL unless the
// caller set them.
func (s *Session) Do(ctx context.Context, req *client.Request) (*client.Response, error) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.lastUsed = time.Now()
	s.requests++
	v, cached := s.cache[req.URL]
	s.mu.Unlock()

	conditional := isGet(req.Method)
	if conditional && cached {
		r := *req
		r.Header = req.Header.Clone()
		if v.etag != "" && !r.Header.Has("If-None-Match") {
			r.Header.Set("If-None-Match", v.etag)
		}
		if v.lastModified != "" && !r.Header.Has("If-Modified-Since") {
			r.Header.Set("If-Modified-Since", v.lastModified)
		}
		req = &r
	}

	resp, err := s.client.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if conditional && resp.StatusCode == 200 {
		s.remember(req.URL, resp.Header)
	}
	return resp, nil
}

func isGet(method string) bool {
	return method == "" || method == "GET"
}

func (s *Session) remember(url string, h protocol.Header) {
	v := validators{etag: h.Get("ETag"), lastModified: h.Get("Last-Modified")}
	if v.etag == "" && v.lastModified == "" {
		return
	}
	s.mu.Lock()
	s.cache[url] = v
	s.mu.Unlock()
}

// Get performs a GET request.
func (s *Session) Get(ctx context.Context, url string, header protocol.Header) (*client.Response, error) {
	return s.Do(ctx, &client.Request{Method: "GET", URL: url, Header: header})
}

// Post performs a POST request.
func (s *Session) Post(ctx context.Context, url, contentType string, body []byte) (*client.Response, error) {
	req := &client.Request{Method: "POST", URL: url, Body: body}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return s.Do(ctx, req)
}

// IsActive reports whether the session can still send requests.
func (s *Session) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Close closes the session's connections. It is safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	if err := s.client.Close(); err != nil {
		klog.V(2).Infof("session %s: close: %v", s.ID, err)
	}
}

// Touch marks the session as used without sending a request.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// IdleTime returns the time since the session was last used.
func (s *Session) IdleTime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Since(s.lastUsed)
}

// Jar returns the session's cookie jar.
func (s *Session) Jar() *client.Jar { return s.jar }

// Client returns the underlying client.
func (s *Session) Client() *client.Client { return s.client }

// ClearCache forgets stored validators.
func (s *Session) ClearCache() {
	s.mu.Lock()
	s.cache = make(map[string]validators)
	s.mu.Unlock()
}

// Stats returns the session's counters.
func (s *Session) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now()
	return Stats{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastUsed:     s.lastUsed,
		RequestCount: s.requests,
		Age:          now.Sub(s.CreatedAt),
		IdleTime:     now.Sub(s.lastUsed),
		Active:       s.active,
		Cookies:      s.jar.Len(),
		Pool:         s.client.Stats(),
	}
}
