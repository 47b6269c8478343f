// Package pool caches live connections per destination, proxy and
// profile, sharing HTTP/2 connections across requests and lending HTTP/1.1
// connections to one request at a time.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"github.com/sardanioss/wirecloak/protocol"
	"k8s.io/klog/v2"
)

var ErrPoolClosed = errors.New("connection pool is closed")

// Conn is what the pool needs from a connection.
type Conn interface {
	// Multiplexed connections are shared up to MaxStreams leases.
	Multiplexed() bool
	MaxStreams() int
	// Reusable reports whether the connection can take another request.
	Reusable() bool
	Close() error
}

// goingAway is implemented by connections that can report a peer GOAWAY.
type goingAway interface {
	GoingAway() bool
}

// Key identifies a bucket of interchangeable connections.
type Key struct {
	Scheme  string
	Host    string
	Port    string
	Proxy   string // proxy URL without password; "" when direct
	Profile string

	// ProxySecret separates buckets for the same proxy with different
	// passwords. It is not printed.
	ProxySecret string
}

func (k Key) String() string {
	s := k.Scheme + "://" + net.JoinHostPort(k.Host, k.Port) + " [" + k.Profile + "]"
	if k.Proxy != "" {
		s += " via " + k.Proxy
	}
	return s
}

// DialFunc opens a new connection for key.
type DialFunc func(ctx context.Context, key Key) (Conn, error)

// Config bounds the pool.
type Config struct {
	// MaxConnsPerKey caps open plus dialing connections per key. Zero is
	// unlimited.
	MaxConnsPerKey int
	// MaxIdleConns caps idle connections across all keys; the least
	// recently used are closed first. Zero is unlimited.
	MaxIdleConns int
	// MaxIdleTime closes connections idle for longer. Zero keeps them.
	MaxIdleTime time.Duration
	// ReapInterval is the period of the background reaper. Zero disables it.
	ReapInterval time.Duration
	// WaitTimeout bounds queueing at the per-key cap. Zero waits for ctx.
	WaitTimeout time.Duration
}

// DefaultConfig returns browser-like limits: 6 connections per key, 100
// idle in total, 90s idle lifetime, a reaper every 30s and a 30s queue
// timeout.
func DefaultConfig() Config {
	return Config{
		MaxConnsPerKey: 6,
		MaxIdleConns:   100,
		MaxIdleTime:    90 * time.Second,
		ReapInterval:   30 * time.Second,
		WaitTimeout:    30 * time.Second,
	}
}

// Stats is a snapshot of the pool.
type Stats struct {
	Keys    int
	Conns   int // open connections
	Idle    int // open connections with no lease
	InUse   int // outstanding leases
	Dialing int
	Waiting int
}

// Pool manages connections for many keys. Each key has its own lock; the
// pool lock only guards the key map.
type Pool struct {
	cfg     Config
	dial    DialFunc
	metrics *Metrics
	now     func() time.Time

	mu     sync.Mutex
	hosts  map[Key]*hostPool
	closed atomic.Bool

	stop chan struct{}
	done chan struct{}
}

type hostPool struct {
	key     Key
	mu      sync.Mutex
	conns   []*entry
	dialing int
	waiters list.List // *waiter, FIFO
	dead    bool      // removed from the pool map
}

type entry struct {
	conn     Conn
	created  time.Time
	lastUsed time.Time
	inUse    int
	detached bool // no longer offered; closed when its last lease ends
}

type waiter struct {
	fresh bool
	ch    chan grant
	elem  *list.Element
}

// grant hands a queued acquirer either a connection or a dial slot.
type grant struct {
	e    *entry
	dial bool
	err  error
}

// Lease is one borrowed use of a connection. Return it with Release.
type Lease struct {
	Conn   Conn
	Key    Key
	Reused bool

	hp       *hostPool
	entry    *entry
	released atomic.Bool
}

// New creates a pool that opens connections with dial and starts the
// reaper when cfg.ReapInterval is set.
func New(cfg Config, dial DialFunc) *Pool {
	p := &Pool{
		cfg:   cfg,
		dial:  dial,
		now:   time.Now,
		hosts: make(map[Key]*hostPool),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	p.metrics = newMetrics(p)
	if cfg.ReapInterval > 0 {
		go p.reapLoop()
	} else {
		close(p.done)
	}
	return p
}

// Metrics returns the pool's collectors.
func (p *Pool) Metrics() *Metrics {
	return p.metrics
}

func (p *Pool) host(key Key) (*hostPool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	hp, ok := p.hosts[key]
	if !ok {
		hp = &hostPool{key: key}
		p.hosts[key] = hp
	}
	return hp, nil
}

// Acquire returns a lease on a connection for key: an idle HTTP/1.1
// connection, a shared HTTP/2 connection with a free stream slot, or a
// new connection when under the per-key cap. Otherwise it queues FIFO
// until a slot frees, failing with protocol.ErrPoolExhausted after
// WaitTimeout.
func (p *Pool) Acquire(ctx context.Context, key Key) (*Lease, error) {
	return p.acquire(ctx, key, false)
}

// AcquireFresh is Acquire without reuse: the lease is always on a newly
// dialled connection. At the cap an idle connection of the key is closed
// to make room.
func (p *Pool) AcquireFresh(ctx context.Context, key Key) (*Lease, error) {
	return p.acquire(ctx, key, true)
}

func (p *Pool) acquire(ctx context.Context, key Key, fresh bool) (*Lease, error) {
	for {
		hp, err := p.host(key)
		if err != nil {
			return nil, err
		}
		hp.mu.Lock()
		if hp.dead {
			hp.mu.Unlock()
			continue
		}
		if !fresh {
			if e := p.takeLocked(hp); e != nil {
				hp.mu.Unlock()
				p.metrics.acquired(resultReused)
				klog.V(2).Infof("pool: reusing connection for %s", key)
				return p.lease(hp, e, true), nil
			}
		}
		if p.admitDialLocked(hp, fresh) {
			hp.mu.Unlock()
			return p.dialFor(ctx, hp)
		}
		w := &waiter{fresh: fresh, ch: make(chan grant, 1)}
		w.elem = hp.waiters.PushBack(w)
		hp.mu.Unlock()
		return p.wait(ctx, hp, w)
	}
}

func (p *Pool) lease(hp *hostPool, e *entry, reused bool) *Lease {
	return &Lease{Conn: e.conn, Key: hp.key, Reused: reused, hp: hp, entry: e}
}

// takeLocked finds a connection with a free slot, dropping dead and
// expired ones on the way.
func (p *Pool) takeLocked(hp *hostPool) *entry {
	now := p.now()
	for i := 0; i < len(hp.conns); {
		e := hp.conns[i]
		if dead(e) {
			p.removeLocked(hp, e, unusableReason(e.conn))
			continue
		}
		if e.inUse == 0 && p.cfg.MaxIdleTime > 0 && now.Sub(e.lastUsed) > p.cfg.MaxIdleTime {
			p.removeLocked(hp, e, evictIdle)
			continue
		}
		free := e.inUse == 0
		if e.conn.Multiplexed() {
			free = e.inUse < e.conn.MaxStreams()
		}
		if free {
			e.inUse++
			e.lastUsed = now
			return e
		}
		i++
	}
	return nil
}

// admitDialLocked reserves a dial slot if the key is under its cap. A
// fresh acquirer at the cap may close an idle connection to get one.
func (p *Pool) admitDialLocked(hp *hostPool, fresh bool) bool {
	limit := p.cfg.MaxConnsPerKey
	if limit <= 0 || len(hp.conns)+hp.dialing < limit {
		hp.dialing++
		return true
	}
	if !fresh {
		return false
	}
	idle, ok := lo.Find(hp.conns, func(e *entry) bool { return e.inUse == 0 })
	if !ok {
		return false
	}
	p.removeLocked(hp, idle, evictLRU)
	hp.dialing++
	return true
}

// removeLocked stops offering e and closes it once no lease holds it.
func (p *Pool) removeLocked(hp *hostPool, e *entry, reason string) {
	if e.detached {
		return
	}
	e.detached = true
	hp.conns = slices.DeleteFunc(hp.conns, func(x *entry) bool { return x == e })
	if reason != "" {
		p.metrics.evicted(reason)
		klog.V(2).Infof("pool: evicting connection for %s (%s)", hp.key, reason)
	}
	if e.inUse == 0 {
		go e.conn.Close()
	}
}

// dead reports whether e can no longer be offered. An HTTP/1.1 connection
// on loan reports itself busy, which is not dead.
func dead(e *entry) bool {
	if !e.conn.Multiplexed() && e.inUse > 0 {
		return false
	}
	return !e.conn.Reusable()
}

func unusableReason(c Conn) string {
	if g, ok := c.(goingAway); ok && g.GoingAway() {
		return evictGoAway
	}
	return evictUnhealthy
}

// dispatchLocked serves queued acquirers, oldest first, while slots are
// available.
func (p *Pool) dispatchLocked(hp *hostPool) {
	for hp.waiters.Len() > 0 {
		w := hp.waiters.Front().Value.(*waiter)
		var g grant
		if !w.fresh {
			g.e = p.takeLocked(hp)
		}
		if g.e == nil {
			if !p.admitDialLocked(hp, w.fresh) {
				return
			}
			g.dial = true
		}
		hp.waiters.Remove(w.elem)
		w.elem = nil
		w.ch <- g
	}
}

func (p *Pool) wait(ctx context.Context, hp *hostPool, w *waiter) (*Lease, error) {
	start := p.now()
	var timeout <-chan time.Time
	if p.cfg.WaitTimeout > 0 {
		t := time.NewTimer(p.cfg.WaitTimeout)
		defer t.Stop()
		timeout = t.C
	}
	klog.V(3).Infof("pool: queued for %s", hp.key)

	var (
		g        grant
		ok       bool
		timedOut bool
	)
	select {
	case g = <-w.ch:
		ok = true
	case <-timeout:
		timedOut = true
	case <-ctx.Done():
	}

	if !ok {
		hp.mu.Lock()
		if w.elem != nil {
			hp.waiters.Remove(w.elem)
			w.elem = nil
			hp.mu.Unlock()
		} else {
			// A grant raced with the timeout; pass it on.
			hp.mu.Unlock()
			p.giveBack(hp, <-w.ch)
		}
		if timedOut {
			p.metrics.acquired(resultExhausted)
			return nil, &protocol.Error{Op: "acquire", Host: hp.key.Host, Category: protocol.ErrPoolExhausted,
				Cause: fmt.Errorf("no connection slot for %s within %s", hp.key, p.cfg.WaitTimeout), NotSent: true}
		}
		return nil, protocol.FromContext("acquire", hp.key.Host, ctx.Err())
	}

	p.metrics.waited(p.now().Sub(start))
	switch {
	case g.err != nil:
		return nil, g.err
	case g.e != nil:
		p.metrics.acquired(resultReused)
		return p.lease(hp, g.e, true), nil
	default:
		return p.dialFor(ctx, hp)
	}
}

// giveBack returns an unused grant.
func (p *Pool) giveBack(hp *hostPool, g grant) {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	switch {
	case g.e != nil:
		g.e.inUse--
		if g.e.detached && g.e.inUse == 0 {
			go g.e.conn.Close()
		}
	case g.dial:
		hp.dialing--
	}
	p.dispatchLocked(hp)
}

func (p *Pool) dialFor(ctx context.Context, hp *hostPool) (*Lease, error) {
	start := p.now()
	conn, err := p.dial(ctx, hp.key)

	hp.mu.Lock()
	hp.dialing--
	if err != nil {
		p.dispatchLocked(hp)
		hp.mu.Unlock()
		p.metrics.acquired(resultError)
		klog.V(2).Infof("pool: dial for %s failed: %v", hp.key, err)
		return nil, err
	}
	if p.closed.Load() || hp.dead {
		hp.mu.Unlock()
		_ = conn.Close()
		return nil, ErrPoolClosed
	}
	now := p.now()
	e := &entry{conn: conn, created: now, lastUsed: now, inUse: 1}
	hp.conns = append(hp.conns, e)
	p.dispatchLocked(hp)
	hp.mu.Unlock()

	p.metrics.acquired(resultDialed)
	klog.V(2).Infof("pool: dialled new connection for %s in %s", hp.key, now.Sub(start))
	return p.lease(hp, e, false), nil
}

// Release returns a lease. For HTTP/1.1, reusable reports whether the
// response was fully drained with keep-alive; the connection is kept only
// then. For HTTP/2 the stream slot is freed and the connection stays
// until the peer sends GOAWAY or it goes idle. Releasing twice is a no-op.
func (p *Pool) Release(l *Lease, reusable bool) {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return
	}
	hp, e := l.hp, l.entry
	hp.mu.Lock()
	defer hp.mu.Unlock()

	e.inUse--
	e.lastUsed = p.now()
	switch {
	case e.detached:
		if e.inUse == 0 {
			go e.conn.Close()
		}
	case p.closed.Load():
		p.removeLocked(hp, e, "")
	case !e.conn.Multiplexed() && !reusable:
		p.removeLocked(hp, e, "")
	case dead(e):
		p.removeLocked(hp, e, unusableReason(e.conn))
	}
	p.dispatchLocked(hp)
}

// Stats returns a snapshot across all keys.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{Keys: len(p.hosts)}
	for _, hp := range p.hosts {
		hp.mu.Lock()
		s.Conns += len(hp.conns)
		for _, e := range hp.conns {
			if e.inUse == 0 {
				s.Idle++
			}
			s.InUse += e.inUse
		}
		s.Dialing += hp.dialing
		s.Waiting += hp.waiters.Len()
		hp.mu.Unlock()
	}
	return s
}

func (p *Pool) reapLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

type idleRef struct {
	hp       *hostPool
	e        *entry
	lastUsed time.Time
}

// reap closes dead and expired connections, trims the idle set to
// MaxIdleConns by least recent use and forgets empty keys.
func (p *Pool) reap() {
	now := p.now()
	p.mu.Lock()
	hosts := make([]*hostPool, 0, len(p.hosts))
	for _, hp := range p.hosts {
		hosts = append(hosts, hp)
	}
	p.mu.Unlock()

	var idle []idleRef
	for _, hp := range hosts {
		hp.mu.Lock()
		for _, e := range slices.Clone(hp.conns) {
			switch {
			case dead(e):
				p.removeLocked(hp, e, unusableReason(e.conn))
			case e.inUse > 0:
			case p.cfg.MaxIdleTime > 0 && now.Sub(e.lastUsed) > p.cfg.MaxIdleTime:
				p.removeLocked(hp, e, evictIdle)
			default:
				idle = append(idle, idleRef{hp, e, e.lastUsed})
			}
		}
		p.dispatchLocked(hp)
		hp.mu.Unlock()
	}

	if p.cfg.MaxIdleConns > 0 && len(idle) > p.cfg.MaxIdleConns {
		slices.SortFunc(idle, func(a, b idleRef) int { return a.lastUsed.Compare(b.lastUsed) })
		for _, ref := range idle[:len(idle)-p.cfg.MaxIdleConns] {
			ref.hp.mu.Lock()
			if !ref.e.detached && ref.e.inUse == 0 && ref.e.lastUsed.Equal(ref.lastUsed) {
				p.removeLocked(ref.hp, ref.e, evictLRU)
			}
			ref.hp.mu.Unlock()
		}
	}

	p.mu.Lock()
	for key, hp := range p.hosts {
		hp.mu.Lock()
		if len(hp.conns) == 0 && hp.dialing == 0 && hp.waiters.Len() == 0 {
			hp.dead = true
			delete(p.hosts, key)
		}
		hp.mu.Unlock()
	}
	p.mu.Unlock()
}

// Close closes every connection, fails queued acquirers with
// ErrPoolClosed and stops the reaper. Leases still out close their
// connection on Release.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stop)
	<-p.done

	p.mu.Lock()
	hosts := p.hosts
	p.hosts = make(map[Key]*hostPool)
	p.mu.Unlock()

	for _, hp := range hosts {
		hp.mu.Lock()
		hp.dead = true
		for _, e := range slices.Clone(hp.conns) {
			e.detached = true
			_ = e.conn.Close()
		}
		hp.conns = nil
		for hp.waiters.Len() > 0 {
			w := hp.waiters.Remove(hp.waiters.Front()).(*waiter)
			w.elem = nil
			w.ch <- grant{err: ErrPoolClosed}
		}
		hp.mu.Unlock()
	}
	klog.V(2).Infof("pool: closed %d keys", len(hosts))
	return nil
}
