package track

import "testing"

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if r.Len() != 0 {
		t.Fatal("fresh registry not empty")
	}
	s := test_session(t, 10)
	r.Add(s)
	if r.Len() != 1 {
		t.Error("len after add", r.Len())
	}
	got, ok := r.Get(s.ID)
	if !ok || got != s {
		t.Error("lookup after add failed")
	}
	if _, ok := r.Get("unknown"); ok {
		t.Error("lookup on unknown id succeeded")
	}
	r.Remove(s.ID)
	if _, ok := r.Get(s.ID); ok {
		t.Error("lookup after remove succeeded")
	}
	// removing twice is a no-op
	r.Remove(s.ID)
}

func TestRegistryEach(t *testing.T) {
	r := NewRegistry()
	ids := map[string]bool{}
	for i := 0; i < 3; i++ {
		s := test_session(t, 10)
		r.Add(s)
		ids[s.ID] = false
	}
	r.Each(func(s *Session) {
		// mutation during iteration must not deadlock
		r.Remove(s.ID)
		ids[s.ID] = true
	})
	for id, seen := range ids {
		if !seen {
			t.Error("session not visited:", id)
		}
	}
	if r.Len() != 0 {
		t.Error("len after removal in Each", r.Len())
	}
}
