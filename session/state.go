package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sardanioss/wirecloak/client"
)

// StateVersion is the format version written by Save.
const StateVersion = 1

// State is the saveable part of a session.
type State struct {
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	SavedAt   time.Time     `json:"saved_at"`
	Cookies   []CookieState `json:"cookies"`
}

// CookieState is a serialized cookie.
type CookieState struct {
	Domain   string     `json:"domain"`
	HostOnly bool       `json:"host_only,omitempty"`
	Path     string     `json:"path"`
	Name     string     `json:"name"`
	Value    string     `json:"value"`
	Expires  *time.Time `json:"expires,omitempty"`
	Secure   bool       `json:"secure,omitempty"`
	HttpOnly bool       `json:"http_only,omitempty"`
	SameSite string     `json:"same_site,omitempty"`
}

// Save serializes the session's live cookies.
func (s *Session) Save() ([]byte, error) {
	st := State{Version: StateVersion, CreatedAt: s.CreatedAt, SavedAt: time.Now()}
	for _, c := range s.jar.All() {
		cs := CookieState{
			Domain:   c.Domain,
			HostOnly: c.HostOnly,
			Path:     c.Path,
			Name:     c.Name,
			Value:    c.Value,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
			SameSite: c.SameSite,
		}
		if !c.Expires.IsZero() {
			exp := c.Expires
			cs.Expires = &exp
		}
		st.Cookies = append(st.Cookies, cs)
	}
	return json.Marshal(st)
}

// Load creates a session from data written by Save.
func Load(data []byte, opts ...client.Option) (*Session, error) {
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("session: decode state: %w", err)
	}
	if st.Version != StateVersion {
		return nil, fmt.Errorf("session: unsupported state version %d", st.Version)
	}
	jar := client.NewJar()
	now := time.Now()
	for _, cs := range st.Cookies {
		c := &client.Cookie{
			Name:     cs.Name,
			Value:    cs.Value,
			Domain:   cs.Domain,
			HostOnly: cs.HostOnly,
			Path:     cs.Path,
			Secure:   cs.Secure,
			HttpOnly: cs.HttpOnly,
			SameSite: cs.SameSite,
		}
		if cs.Expires != nil {
			c.Expires = *cs.Expires
		}
		if c.Expired(now) {
			continue
		}
		jar.Add(c)
	}
	s, err := newSession(jar, nil, opts)
	if err != nil {
		return nil, err
	}
	if !st.CreatedAt.IsZero() {
		s.CreatedAt = st.CreatedAt
	}
	return s, nil
}
