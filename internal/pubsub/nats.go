// README: NATS core bus, selectable with bus.driver=nats.
package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

type NATSBus struct {
	conn *nats.Conn
}

func NewNATSBus(url string) (*NATSBus, error) {
	conn, err := nats.Connect(url, nats.Name("ridelink"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	return &NATSBus{conn: conn}, nil
}

func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.conn.Publish(topic, payload); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (b *NATSBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	in := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := b.conn.ChanSubscribe(topic, in)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to subject: %w", err)
	}
	// Flush so the server has registered interest before we return.
	if err := b.conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	s := &natsSub{sub: sub, in: in, ch: make(chan Message, subscriptionBuffer), done: make(chan struct{})}
	go s.pump(ctx, topic)
	return s, nil
}

func (b *NATSBus) Close() error {
	if b.conn != nil {
		b.conn.Close()
	}
	return nil
}

type natsSub struct {
	sub  *nats.Subscription
	in   chan *nats.Msg
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *natsSub) pump(ctx context.Context, topic string) {
	defer close(s.ch)
	for {
		select {
		case <-ctx.Done():
			_ = s.Close()
			return
		case <-s.done:
			return
		case m := <-s.in:
			select {
			case s.ch <- Message{Topic: topic, Payload: m.Data}:
			default:
			}
		}
	}
}

func (s *natsSub) C() <-chan Message { return s.ch }

func (s *natsSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
