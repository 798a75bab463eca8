// Package pubsub is the change-notification boundary: at-least-once topic
// delivery, unordered across topics.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("pubsub: bus closed")

type Message struct {
	Topic   string
	Payload []byte
}

// Subscription delivers messages for one topic until Close or context end.
type Subscription interface {
	C() <-chan Message
	Close() error
}

type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Close() error
}

// PublishJSON marshals v and publishes it on topic.
func PublishJSON(ctx context.Context, b Bus, topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Publish(ctx, topic, data)
}

// subscriptionBuffer bounds per-subscriber backlog; a slow reader drops
// messages rather than stalling publishers.
const subscriptionBuffer = 64
