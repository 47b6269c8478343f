package session

import "maps"

// Fork creates n sessions that share the parent's cookie jar but dial their
// own connections, like extra tabs of one browser. Validators are copied.
func (s *Session) Fork(n int) ([]*Session, error) {
	s.mu.RLock()
	if !s.active {
		s.mu.RUnlock()
		return nil, ErrSessionClosed
	}
	cache := maps.Clone(s.cache)
	s.mu.RUnlock()

	forks := make([]*Session, 0, n)
	for range n {
		f, err := newSession(s.jar, maps.Clone(cache), s.opts)
		if err != nil {
			for _, done := range forks {
				done.Close()
			}
			return nil, err
		}
		forks = append(forks, f)
	}
	return forks, nil
}
