// Package wirecloak is an HTTP client that looks like a browser on the wire.
//
// Every connection reproduces a browser profile: the ClientHello field
// order, the HTTP/2 SETTINGS, WINDOW_UPDATE and PRIORITY frames sent
// before the first request, pseudo-header order and default request
// headers. Connections are pooled per origin, proxy and profile.
//
// Quick start:
//
//	resp, err := wirecloak.Get(ctx, "https://example.com")
//	if err != nil {
//		return err
//	}
//	body, err := resp.Text()
//
// With options:
//
//	c, err := wirecloak.New(
//		client.WithProfile("firefox-133"),
//		client.WithProxy("socks5://127.0.0.1:1080"),
//	)
//	if err != nil {
//		return err
//	}
//	defer c.Close()
//	resp, err := c.Get(ctx, "https://example.com", nil)
package wirecloak

import (
	"context"
	"sync"

	"github.com/sardanioss/wirecloak/client"
	"github.com/sardanioss/wirecloak/fingerprint"
)

// New creates a client. See the client package for options.
func New(opts ...client.Option) (*client.Client, error) {
	return client.New(opts...)
}

var (
	defaultOnce   sync.Once
	defaultClient *client.Client
	defaultErr    error
)

// Default returns the shared client used by Get and Do, creating it with
// default options on first use.
func Default() (*client.Client, error) {
	defaultOnce.Do(func() {
		defaultClient, defaultErr = client.New()
	})
	return defaultClient, defaultErr
}

// Get fetches url with the shared client.
func Get(ctx context.Context, url string) (*client.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, url, nil)
}

// Do sends req with the shared client.
func Do(ctx context.Context, req *client.Request) (*client.Response, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, req)
}

// Profiles lists the registered profile names.
func Profiles() []string {
	return fingerprint.Names()
}

// CustomProfile derives a profile named name from base. A non-empty ja3
// replaces the ClientHello and a non-empty akamai replaces the HTTP/2
// preface. The result is not registered.
func CustomProfile(name, base, ja3, akamai string) (*fingerprint.Profile, error) {
	p, err := fingerprint.Lookup(base)
	if err != nil {
		return nil, err
	}
	p.Name = name
	if ja3 != "" {
		tp, err := fingerprint.ParseJA3(ja3, nil)
		if err != nil {
			return nil, err
		}
		p.TLS = *tp
	}
	if akamai != "" {
		hp, err := fingerprint.ParseAkamai(akamai)
		if err != nil {
			return nil, err
		}
		p.HTTP2 = hp
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
