package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/sardanioss/wirecloak/client"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionLimit    = errors.New("session limit reached")
)

// Manager owns a set of sessions and closes those left idle too long.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	maxSessions     int
	idleTimeout     time.Duration
	cleanupInterval time.Duration

	shutdown chan struct{}
	once     sync.Once
}

// NewManager returns a manager allowing 100 sessions with a 30 minute idle
// timeout, checked every minute.
func NewManager() *Manager {
	m := &Manager{
		sessions:        make(map[string]*Session),
		maxSessions:     100,
		idleTimeout:     30 * time.Minute,
		cleanupInterval: time.Minute,
		shutdown:        make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Create starts a session with opts and registers it.
func (m *Manager) Create(opts ...client.Option) (*Session, error) {
	m.mu.RLock()
	full := len(m.sessions) >= m.maxSessions
	m.mu.RUnlock()
	if full {
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, m.maxSessions)
	}

	s, err := New(opts...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions) >= m.maxSessions {
		s.Close()
		return nil, fmt.Errorf("%w (%d)", ErrSessionLimit, m.maxSessions)
	}
	m.sessions[s.ID] = s
	return s, nil
}

// Get returns the active session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if !s.IsActive() {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}
	return s, nil
}

// Close closes and forgets the session with id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.Close()
	return nil
}

// List returns stats for every session.
func (m *Manager) List() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make([]Stats, 0, len(m.sessions))
	for _, s := range m.sessions {
		stats = append(stats, s.Stats())
	}
	return stats
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.shutdown:
			return
		}
	}
}

// Cleanup closes sessions idle for longer than the idle timeout and
// returns how many it removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	timeout := m.idleTimeout
	var expired []*Session
	for id, s := range m.sessions {
		if s.IdleTime() > timeout || !s.IsActive() {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		klog.V(2).Infof("session %s: evicted after %s idle", s.ID, s.IdleTime().Round(time.Second))
		s.Close()
	}
	return len(expired)
}

// Shutdown closes every session and stops the cleanup loop.
func (m *Manager) Shutdown() {
	m.once.Do(func() { close(m.shutdown) })

	m.mu.Lock()
	all := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range all {
		s.Close()
	}
}

// SetMaxSessions sets the session limit.
func (m *Manager) SetMaxSessions(n int) {
	m.mu.Lock()
	m.maxSessions = n
	m.mu.Unlock()
}

// SetIdleTimeout sets how long a session may stay unused.
func (m *Manager) SetIdleTimeout(d time.Duration) {
	m.mu.Lock()
	m.idleTimeout = d
	m.mu.Unlock()
}
