// Package pubsub defines the topic-scoped transport the collaboration
// channels are built on: broadcast of arbitrary payloads plus per-topic
// presence tracking.
package pubsub

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("pubsub: broker closed")

const (
	// KindBroadcast is an application payload published by a member.
	KindBroadcast = "broadcast"
	// KindPresence signals that the topic roster changed. Receivers
	// re-read the roster; the event itself carries no membership data.
	KindPresence = "presence"
)

type Event struct {
	Topic   string `json:"topic"`
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Sender  string `json:"sender,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Subscription delivers events for one topic in publish order.
type Subscription interface {
	Events() <-chan Event
	Close() error
}

type Broker interface {
	// Subscribe returns once the subscription is live: events published
	// after Subscribe returns are guaranteed to be delivered.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Publish(ctx context.Context, topic string, ev Event) error

	// Track stores meta under key in the topic roster, overwriting any
	// previous entry, and publishes a KindPresence event.
	Track(ctx context.Context, topic, key string, meta []byte) error
	// Untrack removes key from the roster and publishes a KindPresence event.
	Untrack(ctx context.Context, topic, key string) error
	// Roster returns the full current roster of a topic.
	Roster(ctx context.Context, topic string) (map[string][]byte, error)

	Close() error
}

// Topic builds the channel name for a kind of traffic on a resource.
func Topic(channel, resourceID string) string {
	return channel + ":" + resourceID
}
