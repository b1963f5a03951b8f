// Package cursor broadcasts each collaborator's text selection to the other
// viewers of a resource.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/debounce"
	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/pubsub"
)

const selectionEvent = "selection"

var ErrInvalidSelection = errors.New("cursor: selection offsets must be non-negative")

// Selection is a range of character offsets in one named field.
// Start <= End always holds for selections produced by this package.
type Selection struct {
	Field string `json:"field"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// State is what collaborators see of one user. A nil Selection means the
// user has no active selection and nothing should be drawn.
type State struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Color       string     `json:"color"`
	Selection   *Selection `json:"selection,omitempty"`
}

type Config struct {
	Debounce time.Duration
}

func DefaultConfig() Config {
	return Config{Debounce: 50 * time.Millisecond}
}

type Session struct {
	broker pubsub.Broker
	topic  string
	self   identity.Identity
	logger *slog.Logger

	sub       pubsub.Subscription
	debouncer *debounce.Debouncer
	onRemote  func(State)

	mu       sync.Mutex
	lastSent *Selection
	sent     bool
	remote   map[string]State

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// Join subscribes to the resource's cursor topic. onRemote is called for
// every selection change of another user, in broadcast order.
func Join(ctx context.Context, broker pubsub.Broker, resourceID string, self identity.Identity, cfg Config, logger *slog.Logger, onRemote func(State)) (*Session, error) {
	topic := pubsub.Topic("cursor", resourceID)
	sub, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join cursors of '%s': %w", resourceID, err)
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		broker:    broker,
		topic:     topic,
		self:      self,
		logger:    logger.With(slog.String("component", "cursor"), slog.String("resourceID", resourceID)),
		sub:       sub,
		debouncer: debounce.New(cfg.Debounce),
		onRemote:  onRemote,
		remote:    make(map[string]State),
		ctx:       loopCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// UpdateSelection records the local selection. Bursts are coalesced and only
// the last selection of a burst is broadcast, and only if it differs from the
// previous broadcast. Reversed ranges are normalised.
func (s *Session) UpdateSelection(field string, start, end int) error {
	if start < 0 || end < 0 {
		return ErrInvalidSelection
	}
	if start > end {
		start, end = end, start
	}
	sel := &Selection{Field: field, Start: start, End: end}
	s.debouncer.Trigger(func() { s.broadcast(sel) })
	return nil
}

// ClearSelection tells collaborators to stop drawing this user's cursor.
func (s *Session) ClearSelection() {
	s.debouncer.Trigger(func() { s.broadcast(nil) })
}

func (s *Session) broadcast(sel *Selection) {
	s.mu.Lock()
	if s.sent && sameSelection(s.lastSent, sel) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	payload, err := json.Marshal(State{
		UserID:      s.self.UserID,
		DisplayName: s.self.DisplayName,
		Color:       s.self.Color,
		Selection:   sel,
	})
	if err != nil {
		return
	}
	err = s.broker.Publish(s.ctx, s.topic, pubsub.Event{
		Kind:    pubsub.KindBroadcast,
		Name:    selectionEvent,
		Sender:  s.self.UserID,
		Payload: payload,
	})
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Debug("Selection broadcast failed", slog.Any("error", err))
		}
		return
	}

	// Only a delivered selection counts, so a failed one is retried on the
	// next identical update.
	s.mu.Lock()
	s.lastSent = sel
	s.sent = true
	s.mu.Unlock()
}

func sameSelection(a, b *Selection) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (s *Session) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if ev.Kind != pubsub.KindBroadcast || ev.Name != selectionEvent || ev.Sender == s.self.UserID {
				continue
			}
			s.receive(ev.Payload)
		}
	}
}

func (s *Session) receive(payload []byte) {
	var st State
	if err := json.Unmarshal(payload, &st); err != nil || st.UserID == "" {
		return
	}
	// Malformed ranges are treated like no selection at all.
	if st.Selection != nil && (st.Selection.Start < 0 || st.Selection.Start > st.Selection.End) {
		st.Selection = nil
	}
	st.Color = identity.ColorFor(st.UserID)
	if st.DisplayName == "" {
		st.DisplayName = identity.PlaceholderName
	}

	s.mu.Lock()
	if st.Selection == nil {
		delete(s.remote, st.UserID)
	} else {
		s.remote[st.UserID] = st
	}
	s.mu.Unlock()

	if s.onRemote != nil {
		s.onRemote(st)
	}
}

// Remote returns the current selection of every other user that has one.
func (s *Session) Remote() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]State, len(s.remote))
	for k, v := range s.remote {
		out[k] = v
	}
	return out
}

// Retain forgets users that are not in userIDs, typically the latest
// presence roster.
func (s *Session) Retain(userIDs []string) {
	keep := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		keep[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.remote {
		if _, ok := keep[id]; !ok {
			delete(s.remote, id)
		}
	}
}

// Close cancels any pending broadcast and unsubscribes.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.debouncer.Stop()
		s.cancel()
		<-s.done
		_ = s.sub.Close()
	})
}
