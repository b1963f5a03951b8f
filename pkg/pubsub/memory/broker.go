package memory

import (
	"context"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-collab/pkg/pubsub"
)

type topic struct {
	subs   map[*subscription]struct{}
	roster map[string][]byte
}

// Broker is an in-process pubsub.Broker. Every subscriber has its own
// unbounded FIFO queue, so a slow subscriber never blocks publishers and
// never loses events.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*topic
	closed bool

	logger *slog.Logger
}

var _ pubsub.Broker = (*Broker)(nil)

func New(logger *slog.Logger) *Broker {
	return &Broker{
		topics: make(map[string]*topic),
		logger: logger.With(slog.String("component", "broker_memory")),
	}
}

// topicLocked must be called with b.mu held for writing.
func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{
			subs:   make(map[*subscription]struct{}),
			roster: make(map[string][]byte),
		}
		b.topics[name] = t
	}
	return t
}

func (b *Broker) Subscribe(ctx context.Context, name string) (pubsub.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}

	sub := newSubscription(func(s *subscription) { b.remove(name, s) })
	b.topicLocked(name).subs[sub] = struct{}{}
	b.logger.Debug("Subscribed", slog.String("topic", name))
	return sub, nil
}

func (b *Broker) remove(name string, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return
	}
	delete(t.subs, s)
	// For memory hygiene, drop topics nobody listens to and nobody is tracked in.
	if len(t.subs) == 0 && len(t.roster) == 0 {
		delete(b.topics, name)
	}
}

func (b *Broker) Publish(ctx context.Context, name string, ev pubsub.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	b.fanoutLocked(name, ev)
	return nil
}

// fanoutLocked must be called with b.mu held (read or write).
func (b *Broker) fanoutLocked(name string, ev pubsub.Event) {
	t, ok := b.topics[name]
	if !ok {
		return
	}
	ev.Topic = name
	for s := range t.subs {
		s.push(ev)
	}
}

func (b *Broker) Track(ctx context.Context, name, key string, meta []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	stored := make([]byte, len(meta))
	copy(stored, meta)
	b.topicLocked(name).roster[key] = stored
	b.fanoutLocked(name, pubsub.Event{Kind: pubsub.KindPresence, Sender: key})
	return nil
}

func (b *Broker) Untrack(ctx context.Context, name, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return pubsub.ErrClosed
	}
	t, ok := b.topics[name]
	if !ok {
		return nil
	}
	if _, tracked := t.roster[key]; !tracked {
		return nil
	}
	delete(t.roster, key)
	b.fanoutLocked(name, pubsub.Event{Kind: pubsub.KindPresence, Sender: key})
	if len(t.subs) == 0 && len(t.roster) == 0 {
		delete(b.topics, name)
	}
	return nil
}

func (b *Broker) Roster(ctx context.Context, name string) (map[string][]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, pubsub.ErrClosed
	}
	out := make(map[string][]byte)
	if t, ok := b.topics[name]; ok {
		for k, v := range t.roster {
			out[k] = v
		}
	}
	return out, nil
}

// Close ends every subscription. Further calls fail with pubsub.ErrClosed.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, t := range b.topics {
		for s := range t.subs {
			subs = append(subs, s)
		}
	}
	b.topics = make(map[string]*topic)
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	return nil
}
