package dns

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"
)

// Entry represents a cached DNS entry
type Entry struct {
	IPs       []net.IP
	ExpiresAt time.Time
	LookupAt  time.Time
}

// IsExpired checks if the entry has expired at now.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Cache provides TTL-aware DNS caching in front of a Resolver. Concurrent
// lookups for the same host share one resolution, and a failed refresh
// serves the previous answer rather than failing.
type Cache struct {
	resolver Resolver
	group    singleflight.Group

	mu      sync.RWMutex
	entries map[string]*Entry

	defaultTTL time.Duration
	minTTL     time.Duration
	maxTTL     time.Duration

	lookups *prometheus.CounterVec
	now     func() time.Time
}

// NewCache creates a DNS cache over r. A nil r uses the system resolver.
func NewCache(r Resolver) *Cache {
	if r == nil {
		r = SystemResolver{}
	}
	return &Cache{
		resolver:   r,
		entries:    make(map[string]*Entry),
		defaultTTL: 5 * time.Minute,  // when the resolver reports no TTL
		minTTL:     30 * time.Second, // floor against hammering
		maxTTL:     time.Hour,
		lookups:    newLookupCounter(),
		now:        time.Now,
	}
}

func newLookupCounter() *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wirecloak_dns_lookups_total",
		Help: "DNS cache lookups by result (hit, miss, stale, error).",
	}, []string{"result"})
}

// Register exposes the cache's lookup counter on reg. A collector already
// registered under the same name is reused, so several caches may share one
// registry.
func (c *Cache) Register(reg prometheus.Registerer) error {
	if reg == nil {
		return nil
	}
	if err := reg.Register(c.lookups); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			return err
		}
		existing, ok := are.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return err
		}
		c.lookups = existing
	}
	return nil
}

// Resolve looks up the IP addresses for a hostname
// Returns cached result if available and not expired
func (c *Cache) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	c.mu.RLock()
	entry, exists := c.entries[host]
	c.mu.RUnlock()

	if exists && !entry.IsExpired(c.now()) {
		c.lookups.WithLabelValues("hit").Inc()
		return entry.IPs, nil
	}

	ch := c.group.DoChan(host, func() (interface{}, error) {
		return c.lookup(context.WithoutCancel(ctx), host)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if res.Err != nil {
		if exists {
			c.lookups.WithLabelValues("stale").Inc()
			klog.Warningf("dns: lookup of %s failed, serving stale answer: %v", host, res.Err)
			return entry.IPs, nil
		}
		c.lookups.WithLabelValues("error").Inc()
		return nil, res.Err
	}
	c.lookups.WithLabelValues("miss").Inc()
	return res.Val.([]net.IP), nil
}

// lookup performs the actual DNS lookup and stores the answer.
func (c *Cache) lookup(ctx context.Context, host string) ([]net.IP, error) {
	var (
		ips []net.IP
		ttl time.Duration
		err error
	)
	if tr, ok := c.resolver.(TTLResolver); ok {
		ips, ttl, err = tr.ResolveTTL(ctx, host)
	} else {
		ips, err = c.resolver.Resolve(ctx, host)
	}
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{Err: "no addresses found", Name: host, IsNotFound: true}
	}

	switch {
	case ttl == 0:
		ttl = c.defaultTTL
	case ttl < c.minTTL:
		ttl = c.minTTL
	case ttl > c.maxTTL:
		ttl = c.maxTTL
	}

	now := c.now()
	c.mu.Lock()
	c.entries[host] = &Entry{IPs: ips, ExpiresAt: now.Add(ttl), LookupAt: now}
	c.mu.Unlock()
	klog.V(3).Infof("dns: resolved %s to %d addresses (ttl %s)", host, len(ips), ttl)
	return ips, nil
}

// ResolveAllSorted returns all IPs sorted for Happy Eyeballs (RFC 8305)
// IPv6 addresses first, interleaved with IPv4
func (c *Cache) ResolveAllSorted(ctx context.Context, host string) ([]net.IP, error) {
	ips, err := c.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return Interleave(ips), nil
}

// Interleave orders ips IPv6, IPv4, IPv6, IPv4, ... keeping the relative
// order within each family.
func Interleave(ips []net.IP) []net.IP {
	var ipv4, ipv6 []net.IP
	for _, ip := range ips {
		if ip.To4() != nil {
			ipv4 = append(ipv4, ip)
		} else {
			ipv6 = append(ipv6, ip)
		}
	}

	result := make([]net.IP, 0, len(ips))
	i, j := 0, 0
	for i < len(ipv6) || j < len(ipv4) {
		if i < len(ipv6) {
			result = append(result, ipv6[i])
			i++
		}
		if j < len(ipv4) {
			result = append(result, ipv4[j])
			j++
		}
	}
	return result
}

// Invalidate removes a hostname from the cache
func (c *Cache) Invalidate(host string) {
	c.mu.Lock()
	delete(c.entries, host)
	c.mu.Unlock()
}

// SetTTL sets the TTL used when the resolver reports none.
func (c *Cache) SetTTL(ttl time.Duration) {
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	c.defaultTTL = ttl
}

// Stats returns cache statistics
func (c *Cache) Stats() (total int, expired int) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	for _, entry := range c.entries {
		total++
		if entry.IsExpired(now) {
			expired++
		}
	}
	return
}

// Cleanup removes expired entries from the cache
func (c *Cache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for host, entry := range c.entries {
		if entry.IsExpired(now) {
			delete(c.entries, host)
		}
	}
}

// StartCleanup starts a background goroutine that periodically cleans up expired entries
func (c *Cache) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Cleanup()
			}
		}
	}()
}
