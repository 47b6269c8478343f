package client

import (
	"io"
	"net/url"
	"time"

	"github.com/sardanioss/wirecloak/protocol"
)

// Request is one request as the caller describes it.
type Request struct {
	Method string // "" means GET
	URL    string

	// Header is ordered and keeps casing and duplicates. Names the profile
	// also sends take the profile's position.
	Header protocol.Header

	// Body is sent as-is and can be replayed on retry or a 307/308
	// redirect. BodyReader is streamed once; a Content-Length header
	// fixes its length, otherwise HTTP/1.1 uses chunked encoding.
	Body       []byte
	BodyReader io.Reader

	// Query is appended to any query already in URL.
	Query url.Values

	// Profile overrides the client's default profile.
	Profile string
	// Proxy overrides the client's proxy URL.
	Proxy string
	// Timeout overrides the client's timeout.
	Timeout time.Duration
	// Redirect overrides the client's redirect policy.
	Redirect *RedirectPolicy
	// UseCookies opts out of the cookie jar when false.
	UseCookies *bool
	// Auth overrides the client's authentication.
	Auth Auth
}

// NewRequest returns a request for method and rawURL.
func NewRequest(method, rawURL string) *Request {
	return &Request{Method: method, URL: rawURL}
}

// SetHeader sets a header value, replacing any existing values.
func (r *Request) SetHeader(name, value string) *Request {
	r.Header.Set(name, value)
	return r
}

// AddHeader adds a header value, preserving existing values.
func (r *Request) AddHeader(name, value string) *Request {
	r.Header.Add(name, value)
	return r
}

// RedirectPolicy controls redirect following.
type RedirectPolicy struct {
	// Max is the number of redirects followed; the next one fails with
	// ErrTooManyRedirects. Zero returns 3xx responses to the caller.
	Max int
	// DropProfile sends hops after the first with the client's default
	// profile instead of the request's override.
	DropProfile bool
}

// RedirectInfo records one followed redirect.
type RedirectInfo struct {
	StatusCode int
	URL        string // the URL that answered with the redirect
	Location   string
	Header     protocol.Header
}

func isRedirect(status int) bool {
	switch status {
	case 301, 302, 303, 307, 308:
		return true
	}
	return false
}

// hop is the state carried from one redirect to the next.
type hop struct {
	method     string
	url        *url.URL
	header     protocol.Header
	body       []byte
	bodyReader io.Reader
	profile    string
}

func (h *hop) replayable() bool {
	return h.bodyReader == nil
}

// redirect returns the hop that follows a status redirect to next.
func (h *hop) redirect(status int, next *url.URL, p *RedirectPolicy, defaultProfile string) *hop {
	n := &hop{
		method:     h.method,
		url:        next,
		header:     h.header.Clone(),
		body:       h.body,
		bodyReader: h.bodyReader,
		profile:    h.profile,
	}
	if status != 307 && status != 308 && h.method != "HEAD" {
		n.method = "GET"
		n.body, n.bodyReader = nil, nil
		for _, name := range []string{"Content-Type", "Content-Length", "Content-Encoding", "Transfer-Encoding"} {
			n.header.Del(name)
		}
	}
	if !sameAuthority(h.url, next) {
		n.header.Del("Authorization")
		n.header.Del("Cookie")
	}
	if p.DropProfile {
		n.profile = defaultProfile
	}
	return n
}
