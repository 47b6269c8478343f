package transport

import (
	"container/list"
	"encoding/base64"
	"sync"
	"time"

	tls "github.com/sardanioss/utls"
)

const (
	// DefaultSessionCacheSize matches the per-client ticket cache of
	// Chromium-derived clients.
	DefaultSessionCacheSize = 8

	// SessionMaxAge bounds imported sessions; tickets rarely outlive it.
	SessionMaxAge = 24 * time.Hour
)

// SessionSnapshot is the serialised form of one cached session.
type SessionSnapshot struct {
	Ticket    string    `json:"ticket"` // base64
	State     string    `json:"state"`  // base64
	CreatedAt time.Time `json:"created_at"`
}

// SessionCache is an LRU-bounded tls.ClientSessionCache keyed by server
// name. Sessions can be exported and imported across processes.
type SessionCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front is most recent
	entries  map[string]*list.Element
}

type sessionEntry struct {
	key       string
	state     *tls.ClientSessionState
	createdAt time.Time
}

// NewSessionCache returns a cache holding at most capacity sessions;
// capacity <= 0 selects DefaultSessionCacheSize.
func NewSessionCache(capacity int) *SessionCache {
	if capacity <= 0 {
		capacity = DefaultSessionCacheSize
	}
	return &SessionCache{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}
}

// Get implements tls.ClientSessionCache.
func (c *SessionCache) Get(key string) (*tls.ClientSessionState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*sessionEntry).state, true
}

// Put implements tls.ClientSessionCache. A nil state removes the key.
func (c *SessionCache) Put(key string, cs *tls.ClientSessionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cs == nil {
		c.removeLocked(key)
		return
	}
	c.putLocked(key, cs, time.Now())
}

func (c *SessionCache) putLocked(key string, cs *tls.ClientSessionState, created time.Time) {
	if el, ok := c.entries[key]; ok {
		e := el.Value.(*sessionEntry)
		e.state, e.createdAt = cs, created
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&sessionEntry{key: key, state: cs, createdAt: created})
	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		c.removeLocked(oldest.Value.(*sessionEntry).key)
	}
}

func (c *SessionCache) removeLocked(key string) {
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// Has reports whether a session for key is cached, without touching
// recency.
func (c *SessionCache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Len returns the number of cached sessions.
func (c *SessionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear drops every session.
func (c *SessionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
}

// Export serialises the cached sessions. Sessions that cannot be
// serialised are skipped.
func (c *SessionCache) Export() map[string]SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]SessionSnapshot, len(c.entries))
	for key, el := range c.entries {
		e := el.Value.(*sessionEntry)
		ticket, state, err := e.state.ResumptionState()
		if err != nil || ticket == nil || state == nil {
			continue
		}
		raw, err := state.Bytes()
		if err != nil {
			continue
		}
		out[key] = SessionSnapshot{
			Ticket:    base64.StdEncoding.EncodeToString(ticket),
			State:     base64.StdEncoding.EncodeToString(raw),
			CreatedAt: e.createdAt,
		}
	}
	return out
}

// Import loads exported sessions, skipping ones older than SessionMaxAge or
// that fail to decode. It returns how many were loaded.
func (c *SessionCache) Import(sessions map[string]SessionSnapshot) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	loaded := 0
	for key, s := range sessions {
		if time.Since(s.CreatedAt) > SessionMaxAge {
			continue
		}
		ticket, err := base64.StdEncoding.DecodeString(s.Ticket)
		if err != nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(s.State)
		if err != nil {
			continue
		}
		state, err := tls.ParseSessionState(raw)
		if err != nil {
			continue
		}
		cs, err := tls.NewResumptionState(ticket, state)
		if err != nil {
			continue
		}
		c.putLocked(key, cs, s.CreatedAt)
		loaded++
	}
	return loaded
}
