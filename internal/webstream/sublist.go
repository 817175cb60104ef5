package webstream

import (
	"sync"
)

// Subscriber receives update frames for one session.
type Subscriber interface {
	Push(sessionID string, data []byte) error
	Closed() bool
	Name() string
}

type subflag struct {
	sub Subscriber
	err error
}

// Sublist holds the subscribers of one session. Dead entries are
// compacted by Prune after each send.
type Sublist struct {
	mu   sync.Mutex
	list []subflag
}

func NewSublist() *Sublist {
	o := &Sublist{}
	o.list = make([]subflag, 0, 20)
	return o
}

func (s *Sublist) Subscribe(sub Subscriber) {
	s.mu.Lock()
	s.list = append(s.list, subflag{sub: sub})
	s.mu.Unlock()
}

func (s *Sublist) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	for i := range s.list {
		if s.list[i].sub == sub {
			s.list = append(s.list[:i], s.list[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Sublist) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

// Send pushes data to every subscriber and then compacts failed/closed
// entries.
func (s *Sublist) Send(sessionID string, d []byte) {
	s.mu.Lock()
	for i := range s.list {
		s.list[i].err = s.list[i].sub.Push(sessionID, d)
	}
	s.prune()
	s.mu.Unlock()
}

func (s *Sublist) Prune() {
	s.mu.Lock()
	s.prune()
	s.mu.Unlock()
}

// prune compacts the slice in place by back-filling bad slots from the
// tail, preserving no particular order.
func (s *Sublist) prune() {
	olen := len(s.list)
	tail := olen - 1
look_bad:
	for i := 0; i < olen; i++ {
		if s.list[i].err != nil || s.list[i].sub.Closed() { //index i is bad
			//look for replacement from the tail
			for j := tail; j > i; j-- {
				if s.list[j].err == nil && !s.list[j].sub.Closed() {
					s.list[i] = s.list[j] //j is good index, replace i with j
					if i+1 == j {
						//adjacent, nothing more to scan
						s.list = s.list[:i+1]
						return
					}
					tail = j - 1
					continue look_bad
				}
			}
			//no replacement, i is the first bad index with no good tail
			s.list = s.list[:i]
			return
		} else if i == tail { //i is good and is the tail
			s.list = s.list[:i+1]
			return
		}
	}
}

// SublistMap keys sublists by session id.
type SublistMap struct {
	mu   sync.Mutex
	list map[string]*Sublist
}

func NewSublistMap() *SublistMap {
	return &SublistMap{list: make(map[string]*Sublist)}
}

func (m *SublistMap) Get(key string, create bool) (*Sublist, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.list[key]
	if ok {
		return l, true
	}
	if !create {
		return nil, false
	}
	l = NewSublist()
	m.list[key] = l
	return l, true
}

func (m *SublistMap) Remove(key string) {
	m.mu.Lock()
	delete(m.list, key)
	m.mu.Unlock()
}
