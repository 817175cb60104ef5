package track

import (
	"sync"
)

// Registry holds the active sessions of one service instance. It is
// constructed and injected explicitly so tests can run isolated instances.
type Registry struct {
	mu   sync.Mutex
	list map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{list: make(map[string]*Session)}
}

func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	r.list[s.ID] = s
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.list[id]
	return s, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.list, id)
	r.mu.Unlock()
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.list)
}

// Each calls fn for every registered session. The callback runs outside
// the registry lock so it may take the session lock itself.
func (r *Registry) Each(fn func(*Session)) {
	r.mu.Lock()
	snapshot := make([]*Session, 0, len(r.list))
	for _, s := range r.list {
		snapshot = append(snapshot, s)
	}
	r.mu.Unlock()
	for _, s := range snapshot {
		fn(s)
	}
}
