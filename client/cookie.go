package client

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Cookie is a stored HTTP cookie.
type Cookie struct {
	Name     string
	Value    string
	Domain   string // without leading dot
	HostOnly bool   // no Domain attribute: exact host match only
	Path     string
	Expires  time.Time // zero for session cookies
	Secure   bool
	HttpOnly bool
	SameSite string // "Strict", "Lax", "None"
}

// Expired reports whether the cookie is past its expiry at now.
func (c *Cookie) Expired(now time.Time) bool {
	return !c.Expires.IsZero() && !now.Before(c.Expires)
}

// String returns "name=value" as sent in a Cookie header.
func (c *Cookie) String() string {
	return c.Name + "=" + c.Value
}

// Matches reports whether the cookie is sent to u.
func (c *Cookie) Matches(u *url.URL) bool {
	return c.matchesDomain(u.Hostname()) && c.matchesPath(u.Path) && (!c.Secure || u.Scheme == "https")
}

func (c *Cookie) matchesDomain(host string) bool {
	host = strings.ToLower(host)
	if host == c.Domain {
		return true
	}
	if c.HostOnly || net.ParseIP(host) != nil {
		return false
	}
	return strings.HasSuffix(host, "."+c.Domain)
}

func (c *Cookie) matchesPath(path string) bool {
	if path == "" {
		path = "/"
	}
	if path == c.Path {
		return true
	}
	if !strings.HasPrefix(path, c.Path) {
		return false
	}
	return strings.HasSuffix(c.Path, "/") || path[len(c.Path)] == '/'
}

// ParseSetCookie parses one Set-Cookie value received from u at now.
// It returns nil for values without a name, and for Domain attributes
// that do not cover u's host.
func ParseSetCookie(header string, u *url.URL, now time.Time) *Cookie {
	parts := strings.Split(header, ";")
	name, value, ok := strings.Cut(parts[0], "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return nil
	}

	c := &Cookie{
		Name:     name,
		Value:    strings.Trim(strings.TrimSpace(value), `"`),
		Domain:   strings.ToLower(u.Hostname()),
		HostOnly: true,
		Path:     defaultCookiePath(u.Path),
	}
	var maxAge *int
	for _, attr := range parts[1:] {
		k, v, _ := strings.Cut(strings.TrimSpace(attr), "=")
		v = strings.TrimSpace(v)
		switch strings.ToLower(strings.TrimSpace(k)) {
		case "domain":
			d := strings.ToLower(strings.TrimPrefix(v, "."))
			if d == "" {
				continue
			}
			probe := &Cookie{Domain: d}
			if !probe.matchesDomain(c.Domain) {
				return nil
			}
			c.Domain, c.HostOnly = d, false
		case "path":
			if strings.HasPrefix(v, "/") {
				c.Path = v
			}
		case "expires":
			if t, err := parseCookieTime(v); err == nil {
				c.Expires = t
			}
		case "max-age":
			if n, err := strconv.Atoi(v); err == nil {
				maxAge = &n
			}
		case "secure":
			c.Secure = true
		case "httponly":
			c.HttpOnly = true
		case "samesite":
			c.SameSite = v
		}
	}
	// Max-Age wins over Expires.
	if maxAge != nil {
		if *maxAge <= 0 {
			c.Expires = time.Unix(0, 0)
		} else {
			c.Expires = now.Add(time.Duration(*maxAge) * time.Second)
		}
	}
	return c
}

func defaultCookiePath(p string) string {
	i := strings.LastIndex(p, "/")
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

var cookieTimeLayouts = []string{
	time.RFC1123,
	"Mon, 02-Jan-2006 15:04:05 MST",
	"Monday, 02-Jan-06 15:04:05 MST",
	time.ANSIC,
	time.RFC1123Z,
}

func parseCookieTime(s string) (time.Time, error) {
	var err error
	for _, layout := range cookieTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
