// Package redisbroker implements pubsub.Broker on Redis so that several
// server instances share topics and presence rosters. Broadcasts travel over
// Redis PUBLISH/SUBSCRIBE; rosters live in one hash per topic.
package redisbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "collab:topic:"
	rosterPrefix  = "collab:roster:"
)

type Broker struct {
	rdb    redis.UniversalClient
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscription]struct{}
	closed bool
}

var _ pubsub.Broker = (*Broker)(nil)

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, logger *slog.Logger, opts Options) (*Broker, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	return New(rdb, logger), nil
}

// New wraps an existing client. Close closes the client.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Broker {
	return &Broker{
		rdb:    rdb,
		logger: logger.With(slog.String("component", "broker_redis")),
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Broker) Subscribe(ctx context.Context, topic string) (pubsub.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, pubsub.ErrClosed
	}
	b.mu.Unlock()

	ps := b.rdb.Subscribe(ctx, channelPrefix+topic)
	// Wait for the subscribe confirmation so nothing published afterwards is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("failed to subscribe to topic '%s': %w", topic, err)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		ps:     ps,
		topic:  topic,
		out:    make(chan pubsub.Event),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: b.logger,
	}
	sub.onClose = func() { b.forget(sub) }

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(readCtx)
	return sub, nil
}

func (b *Broker) forget(s *subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

func (b *Broker) Publish(ctx context.Context, topic string, ev pubsub.Event) error {
	msg, err := encode(topic, ev)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, channelPrefix+topic, msg).Err(); err != nil {
		return fmt.Errorf("failed to publish to topic '%s': %w", topic, err)
	}
	return nil
}

func (b *Broker) Track(ctx context.Context, topic, key string, meta []byte) error {
	msg, err := encode(topic, pubsub.Event{Kind: pubsub.KindPresence, Sender: key})
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rosterPrefix+topic, key, meta)
		pipe.Publish(ctx, channelPrefix+topic, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to track '%s' on topic '%s': %w", key, topic, err)
	}
	return nil
}

func (b *Broker) Untrack(ctx context.Context, topic, key string) error {
	msg, err := encode(topic, pubsub.Event{Kind: pubsub.KindPresence, Sender: key})
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, rosterPrefix+topic, key)
		pipe.Publish(ctx, channelPrefix+topic, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to untrack '%s' on topic '%s': %w", key, topic, err)
	}
	return nil
}

func (b *Broker) Roster(ctx context.Context, topic string) (map[string][]byte, error) {
	raw, err := b.rdb.HGetAll(ctx, rosterPrefix+topic).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read roster of topic '%s': %w", topic, err)
	}
	out := make(map[string][]byte, len(raw))
	for k, v := range raw {
		out[k] = []byte(v)
	}
	return out, nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, s := range subs {
		s.shutdown()
	}
	return b.rdb.Close()
}

func encode(topic string, ev pubsub.Event) (string, error) {
	ev.Topic = topic
	data, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to encode event for topic '%s': %w", topic, err)
	}
	return string(data), nil
}
