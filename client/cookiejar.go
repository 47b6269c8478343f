package client

import (
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
)

// CookieJar is consulted by the dispatcher on every hop of a request that
// participates in cookies.
type CookieJar interface {
	// Cookies returns the cookies to send to u.
	Cookies(u *url.URL) []*Cookie
	// SetCookies stores Set-Cookie values received from u.
	SetCookies(u *url.URL, setCookie []string)
}

// Jar is an in-memory CookieJar safe for concurrent use.
type Jar struct {
	mu      sync.RWMutex
	cookies map[string][]*Cookie // domain -> cookies
	now     func() time.Time
}

// NewJar returns an empty jar.
func NewJar() *Jar {
	return &Jar{cookies: make(map[string][]*Cookie), now: time.Now}
}

// SetCookies parses and stores setCookie values received from u.
// Expired cookies delete stored ones with the same name, domain and path.
func (j *Jar) SetCookies(u *url.URL, setCookie []string) {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, h := range setCookie {
		c := ParseSetCookie(h, u, now)
		if c == nil {
			continue
		}
		kept := slices.DeleteFunc(j.cookies[c.Domain], func(old *Cookie) bool {
			return old.Name == c.Name && old.Path == c.Path
		})
		if !c.Expired(now) {
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(j.cookies, c.Domain)
			continue
		}
		j.cookies[c.Domain] = kept
	}
}

// Cookies returns the live cookies for u, longest path first.
func (j *Jar) Cookies(u *url.URL) []*Cookie {
	now := j.now()
	host := strings.ToLower(u.Hostname())

	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*Cookie
	for _, d := range candidateDomains(host) {
		out = append(out, lo.Filter(j.cookies[d], func(c *Cookie, _ int) bool {
			return !c.Expired(now) && c.Matches(u)
		})...)
	}
	slices.SortStableFunc(out, func(a, b *Cookie) int {
		return len(b.Path) - len(a.Path)
	})
	return out
}

// Set stores a host-only cookie for u.
func (j *Jar) Set(u *url.URL, name, value string) {
	j.SetCookies(u, []string{name + "=" + value + "; Path=/"})
}

// Len returns the number of stored cookies, expired ones included.
func (j *Jar) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	n := 0
	for _, cs := range j.cookies {
		n += len(cs)
	}
	return n
}

// All returns a snapshot of every live cookie.
func (j *Jar) All() []*Cookie {
	now := j.now()
	j.mu.RLock()
	defer j.mu.RUnlock()
	var out []*Cookie
	for _, cs := range j.cookies {
		for _, c := range cs {
			if !c.Expired(now) {
				cp := *c
				out = append(out, &cp)
			}
		}
	}
	return out
}

// Add stores c as is, replacing a cookie with the same name, domain and path.
func (j *Jar) Add(c *Cookie) {
	if c == nil || c.Name == "" || c.Domain == "" {
		return
	}
	cp := *c
	cp.Domain = strings.ToLower(strings.TrimPrefix(cp.Domain, "."))
	if cp.Path == "" {
		cp.Path = "/"
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := slices.DeleteFunc(j.cookies[cp.Domain], func(old *Cookie) bool {
		return old.Name == cp.Name && old.Path == cp.Path
	})
	j.cookies[cp.Domain] = append(kept, &cp)
}

// Clear removes every cookie.
func (j *Jar) Clear() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cookies = make(map[string][]*Cookie)
}

// ClearExpired drops cookies past their expiry.
func (j *Jar) ClearExpired() {
	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()
	for d, cs := range j.cookies {
		cs = slices.DeleteFunc(cs, func(c *Cookie) bool { return c.Expired(now) })
		if len(cs) == 0 {
			delete(j.cookies, d)
		} else {
			j.cookies[d] = cs
		}
	}
}

// candidateDomains returns host and its parent domains.
func candidateDomains(host string) []string {
	out := []string{host}
	for {
		i := strings.IndexByte(host, '.')
		if i < 0 {
			return out
		}
		host = host[i+1:]
		out = append(out, host)
	}
}

// cookieHeader joins cookies into a Cookie header value.
func cookieHeader(cs []*Cookie) string {
	return strings.Join(lo.Map(cs, func(c *Cookie, _ int) string { return c.String() }), "; ")
}

// noJar disables cookies.
type noJar struct{}

func (noJar) Cookies(*url.URL) []*Cookie     { return nil }
func (noJar) SetCookies(*url.URL, []string) {}
