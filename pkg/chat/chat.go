// Package chat is the per-resource message channel: persisted history plus
// live delivery to everyone subscribed to the resource.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/oklog/ulid/v2"
)

const (
	MaxBodyRunes   = 4000
	DefaultHistory = 50
	MaxHistory     = 200

	messageEvent = "message"
)

var (
	ErrEmptyBody   = errors.New("chat: message body is empty")
	ErrBodyTooLong = fmt.Errorf("chat: message body exceeds %d characters", MaxBodyRunes)
)

type Message struct {
	ID          string    `json:"id"`
	ResourceID  string    `json:"resource_id"`
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Body        string    `json:"body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store is what the chat channel persists to.
type Store interface {
	store.Messages
	identity.NameLookup
}

type Service struct {
	store  Store
	broker pubsub.Broker
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st Store, broker pubsub.Broker, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		broker: broker,
		logger: logger.With(slog.String("component", "chat")),
		now:    time.Now,
	}
}

// Send validates, persists and then broadcasts a message. A failed broadcast
// is logged but not returned: the message is stored and shows up in history.
func (s *Service) Send(ctx context.Context, resourceID string, sender identity.Identity, body string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyRunes {
		return Message{}, ErrBodyTooLong
	}

	at := s.now().UTC()
	m := Message{
		ID:          ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String(),
		ResourceID:  resourceID,
		UserID:      sender.UserID,
		DisplayName: sender.DisplayName,
		Body:        body,
		CreatedAt:   at,
	}
	err := s.store.AppendMessage(ctx, store.ChatMessage{
		ID:         m.ID,
		ResourceID: m.ResourceID,
		UserID:     m.UserID,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	})
	if err != nil {
		return Message{}, fmt.Errorf("failed to store message: %w", err)
	}

	payload, err := json.Marshal(m)
	if err != nil {
		return m, nil
	}
	err = s.broker.Publish(ctx, pubsub.Topic("chat", resourceID), pubsub.Event{
		Kind:    pubsub.KindBroadcast,
		Name:    messageEvent,
		Sender:  sender.UserID,
		Payload: payload,
	})
	if err != nil {
		s.logger.Warn("Message stored but broadcast failed", slog.String("resourceID", resourceID), slog.String("messageID", m.ID), slog.Any("error", err))
	}
	return m, nil
}

// FetchHistory returns the latest messages, oldest first, with sender names
// resolved in a single lookup.
func (s *Service) FetchHistory(ctx context.Context, resourceID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = DefaultHistory
	}
	if limit > MaxHistory {
		limit = MaxHistory
	}
	rows, err := s.store.RecentMessages(ctx, resourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.UserID
	}
	names := identity.ResolveNames(ctx, s.store, s.logger, ids)

	out := make([]Message, len(rows))
	for i, r := range rows {
		out[i] = Message{
			ID:          r.ID,
			ResourceID:  r.ResourceID,
			UserID:      r.UserID,
			DisplayName: names[r.UserID],
			Body:        r.Body,
			CreatedAt:   r.CreatedAt,
		}
	}
	return out, nil
}

// recentMessages is how many delivered messages a subscription remembers for
// de-duplication.
const recentMessages = 256

// Subscription delivers live messages of one resource, each id at most once.
type Subscription struct {
	sub       pubsub.Subscription
	log       *Log
	onMessage func(Message)
	logger    *slog.Logger
	done      chan struct{}
	closeOnce sync.Once
}

// Subscribe starts live delivery. The subscription is active when Subscribe
// returns; messages sent afterwards are delivered to onMessage in order.
func (s *Service) Subscribe(ctx context.Context, resourceID string, onMessage func(Message)) (*Subscription, error) {
	sub, err := s.broker.Subscribe(ctx, pubsub.Topic("chat", resourceID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to chat of '%s': %w", resourceID, err)
	}
	cs := &Subscription{
		sub:       sub,
		log:       NewLog(recentMessages),
		onMessage: onMessage,
		logger:    s.logger.With(slog.String("resourceID", resourceID)),
		done:      make(chan struct{}),
	}
	go cs.run()
	return cs, nil
}

func (cs *Subscription) run() {
	defer close(cs.done)
	for ev := range cs.sub.Events() {
		if ev.Kind != pubsub.KindBroadcast || ev.Name != messageEvent {
			continue
		}
		var m Message
		if err := json.Unmarshal(ev.Payload, &m); err != nil || m.ID == "" {
			cs.logger.Debug("Dropping malformed chat event", slog.Any("error", err))
			continue
		}
		if !cs.log.Add(m) {
			continue
		}
		if cs.onMessage != nil {
			cs.onMessage(m)
		}
	}
}

// Seen marks messages as already delivered, e.g. after a history fetch, so a
// late live copy of them is skipped.
func (cs *Subscription) Seen(msgs ...Message) {
	for _, m := range msgs {
		cs.log.Add(m)
	}
}

func (cs *Subscription) Close() error {
	var err error
	cs.closeOnce.Do(func() {
		err = cs.sub.Close()
		<-cs.done
	})
	return err
}
