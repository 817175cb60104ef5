package event

import (
	"context"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Domain events the core exposes to co-resident consumers (notification
// and billing adapters register handlers here).
const (
	TopicSessionCompleted = "walk.session.completed"
	TopicBatchStored      = "walk.batch.stored"
	TopicSessionHealth    = "walk.session.health"
)

// SessionCompleted is the payload of TopicSessionCompleted.
type SessionCompleted struct {
	SessionID     string  `json:"session_id"`
	WalkID        string  `json:"walk_id"`
	TotalDistance float64 `json:"total_distance"`
	Duration      float64 `json:"duration_seconds"`
}

// BatchStored is the payload of TopicBatchStored.
type BatchStored struct {
	SessionID string `json:"session_id"`
	WalkID    string `json:"walk_id"`
	Stored    int    `json:"stored"`
}

// Bus wraps the in-process event bus with our topics pre-registered.
type Bus struct {
	b      *bus.Bus
	logger zerolog.Logger
}

func NewBus() (*Bus, error) {
	node := uint64(1)
	m, err := monoton.New(sequencer.NewMillisecond(), node, 0)
	if err != nil {
		return nil, err
	}
	b, err := bus.NewBus(bus.Next(m.Next))
	if err != nil {
		return nil, err
	}
	b.RegisterTopics(TopicSessionCompleted, TopicBatchStored, TopicSessionHealth)
	o := &Bus{b: b}
	o.logger = log.With().Str("module", "event").Logger()
	return o, nil
}

// Emit is best-effort: handler errors and unknown-topic errors are logged,
// never surfaced to the ingestion path.
func (e *Bus) Emit(ctx context.Context, topic string, data interface{}) {
	if err := e.b.Emit(ctx, topic, data); err != nil {
		e.logger.Err(err).Str("topic", topic).Msg("emit failed")
	}
}

// Subscribe registers a handler for one topic under the given key.
func (e *Bus) Subscribe(key, topic string, fn func(ctx context.Context, data interface{})) {
	e.b.RegisterHandler(key, bus.Handler{
		Matcher: topic,
		Handle: func(ctx context.Context, ev bus.Event) {
			fn(ctx, ev.Data)
		},
	})
}

// Unsubscribe removes a handler by key.
func (e *Bus) Unsubscribe(key string) {
	e.b.DeregisterHandler(key)
}
