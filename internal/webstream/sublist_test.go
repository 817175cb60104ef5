package webstream

import (
	"errors"
	"testing"
)

type mocksub struct {
	name   string
	closed bool
	pushes int
	err    error
}

func (m *mocksub) Push(sessionID string, data []byte) error {
	m.pushes++
	return m.err
}

func (m *mocksub) Closed() bool {
	return m.closed
}

func (m *mocksub) Name() string {
	return m.name
}

func fill_sublist(n int) (*Sublist, []*mocksub) {
	l := NewSublist()
	subs := make([]*mocksub, n)
	for i := range subs {
		subs[i] = &mocksub{name: string(rune('a' + i))}
		l.Subscribe(subs[i])
	}
	return l, subs
}

func TestNoPrune(t *testing.T) {
	l, _ := fill_sublist(5)
	l.Prune()
	if l.Len() != 5 {
		t.Error("all good list shrank to", l.Len())
	}
}

func TestPrune1(t *testing.T) {
	l, subs := fill_sublist(5)
	subs[0].closed = true
	subs[2].closed = true
	subs[4].closed = true
	l.Prune()
	if l.Len() != 2 {
		t.Error("expected 2 survivors, got", l.Len())
	}
}

func TestPrune2(t *testing.T) {
	l, subs := fill_sublist(5)
	for _, s := range subs {
		s.closed = true
	}
	l.Prune()
	if l.Len() != 0 {
		t.Error("expected empty list, got", l.Len())
	}
}

func TestPruneKeepsSurvivors(t *testing.T) {
	l, subs := fill_sublist(4)
	subs[1].closed = true
	l.Prune()
	if l.Len() != 3 {
		t.Fatal("expected 3 survivors, got", l.Len())
	}
	l.Send("s1", []byte("x"))
	for i, s := range subs {
		want := 1
		if s.closed {
			want = 0
		}
		if s.pushes != want {
			t.Errorf("sub %d pushes %d want %d", i, s.pushes, want)
		}
	}
}

func TestSendPrunesFailed(t *testing.T) {
	l, subs := fill_sublist(3)
	subs[1].err = errors.New("queue full")
	l.Send("s1", []byte("x"))
	if l.Len() != 2 {
		t.Error("failed subscriber not pruned, len", l.Len())
	}
	for _, s := range subs {
		if s.pushes != 1 {
			t.Error("send skipped a live subscriber")
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	l, subs := fill_sublist(3)
	l.Unsubscribe(subs[1])
	if l.Len() != 2 {
		t.Error("len after unsubscribe", l.Len())
	}
	// unknown subscriber is a no-op
	l.Unsubscribe(&mocksub{name: "z"})
	if l.Len() != 2 {
		t.Error("len after unknown unsubscribe", l.Len())
	}
}

func TestSublistMap(t *testing.T) {
	m := NewSublistMap()
	if _, ok := m.Get("s1", false); ok {
		t.Error("lookup without create succeeded")
	}
	l, ok := m.Get("s1", true)
	if !ok || l == nil {
		t.Fatal("create failed")
	}
	again, _ := m.Get("s1", false)
	if again != l {
		t.Error("second lookup returned a different list")
	}
	m.Remove("s1")
	if _, ok := m.Get("s1", false); ok {
		t.Error("lookup after remove succeeded")
	}
}
