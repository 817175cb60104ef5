package pubsub

import (
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Publisher is the lightweight fan-out collaborator: topic plus payload
// bytes. Delivery is best-effort; the ingestion path never depends on it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

type NATSPublisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1))
	if err != nil {
		return nil, err
	}
	o := &NATSPublisher{nc: nc}
	o.logger = log.With().Str("module", "pubsub").Logger()
	return o, nil
}

func (p *NATSPublisher) Publish(topic string, payload []byte) error {
	err := p.nc.Publish(topic, payload)
	if err != nil {
		p.logger.Err(err).Str("topic", topic).Msg("publish failed")
	}
	return err
}

func (p *NATSPublisher) Close() {
	p.nc.Close()
}

// NullPublisher discards everything; used in dev and tests.
type NullPublisher struct{}

func (NullPublisher) Publish(topic string, payload []byte) error {
	return nil
}

// Multi fans one frame out to several publishers. Every publisher sees
// the frame even when an earlier one fails; the first error is returned.
type Multi []Publisher

func (m Multi) Publish(topic string, payload []byte) error {
	var first error
	for _, p := range m {
		if err := p.Publish(topic, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
