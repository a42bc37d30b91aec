package events

import "context"

//go:generate mockgen -source=publisher.go -destination=mocks/publisher.go -package=mocks

// Publisher receives outbox payloads during delivery. Implementations
// must be idempotent consumers: delivery is at-least-once.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, topic string, payload []byte) error

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// MultiPublisher fans a payload out to several publishers, failing on the
// first error so the outbox row retries.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			return err
		}
	}
	return nil
}
