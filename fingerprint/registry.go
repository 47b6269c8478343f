package fingerprint

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sardanioss/wirecloak/protocol"
)

// DefaultProfile is used when neither the request nor the client names one.
const DefaultProfile = "chrome-143"

// Registry maps profile names to immutable profiles.
//
// Writes happen during initialization; afterwards the registry is read-only
// and lookups take only a read lock.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Register validates p and stores a private copy of it.
func (r *Registry) Register(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c := p.Clone()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.profiles[c.Name]; ok {
		return protocol.New(protocol.ErrDuplicateProfile, "register", "", fmt.Errorf("profile %q already registered", c.Name))
	}
	r.profiles[c.Name] = c
	return nil
}

// Lookup returns a copy of the named profile.
func (r *Registry) Lookup(name string) (*Profile, error) {
	r.mu.RLock()
	p, ok := r.profiles[name]
	r.mu.RUnlock()
	if !ok {
		return nil, protocol.New(protocol.ErrUnknownProfile, "lookup", "", fmt.Errorf("no profile named %q", name))
	}
	return p.Clone(), nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.profiles))
	for n := range r.profiles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry holding the built-in profiles.
func Default() *Registry {
	defaultOnce.Do(func() {
		r := NewRegistry()
		for _, p := range builtins() {
			if err := r.Register(p); err != nil {
				panic("fingerprint: invalid built-in profile: " + err.Error())
			}
		}
		defaultRegistry = r
	})
	return defaultRegistry
}

// Register adds a profile to the default registry.
func Register(p *Profile) error {
	return Default().Register(p)
}

// Lookup finds a profile in the default registry.
func Lookup(name string) (*Profile, error) {
	return Default().Lookup(name)
}

// Names lists the profiles in the default registry.
func Names() []string {
	return Default().Names()
}
