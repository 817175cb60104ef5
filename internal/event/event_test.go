package event

import (
	"context"
	"testing"
)

func TestEmitReachesSubscriber(t *testing.T) {
	b, err := NewBus()
	if err != nil {
		t.Fatal(err)
	}
	var got []interface{}
	b.Subscribe("test", TopicSessionCompleted, func(ctx context.Context, data interface{}) {
		got = append(got, data)
	})

	payload := SessionCompleted{SessionID: "s1", WalkID: "w1", TotalDistance: 42}
	b.Emit(context.Background(), TopicSessionCompleted, payload)

	if len(got) != 1 {
		t.Fatal("handler calls", len(got))
	}
	if sc, ok := got[0].(SessionCompleted); !ok || sc.SessionID != "s1" {
		t.Error("payload", got[0])
	}

	// other topics do not reach the handler
	b.Emit(context.Background(), TopicBatchStored, BatchStored{SessionID: "s1"})
	if len(got) != 1 {
		t.Error("handler saw unrelated topic")
	}
}

func TestUnsubscribe(t *testing.T) {
	b, err := NewBus()
	if err != nil {
		t.Fatal(err)
	}
	calls := 0
	b.Subscribe("test", TopicBatchStored, func(ctx context.Context, data interface{}) {
		calls++
	})
	b.Unsubscribe("test")
	b.Emit(context.Background(), TopicBatchStored, BatchStored{})
	if calls != 0 {
		t.Error("handler called after unsubscribe")
	}
}

func TestEmitUnknownTopicLogged(t *testing.T) {
	b, err := NewBus()
	if err != nil {
		t.Fatal(err)
	}
	// must not panic or propagate
	b.Emit(context.Background(), "unregistered.topic", nil)
}
