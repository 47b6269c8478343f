package client

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// parseTarget parses a request URL and appends query parameters to any
// already present.
func parseTarget(raw string, query url.Values) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("URL %q has no host", raw)
	}
	if len(query) > 0 {
		merged := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				merged.Add(k, v)
			}
		}
		u.RawQuery = merged.Encode()
	}
	return u, nil
}

// port returns u's port, defaulting by scheme.
func port(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "http" {
		return "80"
	}
	return "443"
}

// authority returns the :authority / Host value: the port is omitted
// when it is the scheme default.
func authority(u *url.URL) string {
	p := port(u)
	if (u.Scheme == "https" && p == "443") || (u.Scheme == "http" && p == "80") {
		if strings.Contains(u.Hostname(), ":") {
			return "[" + u.Hostname() + "]"
		}
		return u.Hostname()
	}
	return net.JoinHostPort(u.Hostname(), p)
}

// sameAuthority compares scheme, host and port.
func sameAuthority(a, b *url.URL) bool {
	return a.Scheme == b.Scheme && strings.EqualFold(a.Hostname(), b.Hostname()) && port(a) == port(b)
}

// resolveLocation resolves a Location header against the URL it came from.
func resolveLocation(base *url.URL, location string) (*url.URL, error) {
	loc, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("invalid redirect location %q: %w", location, err)
	}
	next := base.ResolveReference(loc)
	next.Scheme = strings.ToLower(next.Scheme)
	if next.Scheme != "https" && next.Scheme != "http" {
		return nil, fmt.Errorf("redirect to unsupported scheme %q", next.Scheme)
	}
	return next, nil
}
