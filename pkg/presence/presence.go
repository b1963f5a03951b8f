// Package presence tracks who is currently viewing a resource.
//
// Every roster delivered to a subscriber is a full snapshot read from the
// broker, never a diff: the latest snapshot always wins and nothing is
// reconciled locally.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/google/uuid"
)

// DefaultVisible is how many avatars a roster view shows before collapsing
// the rest into an overflow count.
const DefaultVisible = 5

type Record struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Color       string    `json:"color"`
	JoinedAt    time.Time `json:"joined_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

type Roster []Record

// UserIDs lists the ids in roster order.
func (r Roster) UserIDs() []string {
	ids := make([]string, len(r))
	for i, rec := range r {
		ids[i] = rec.UserID
	}
	return ids
}

// Visible caps a roster for display and returns how many were left out.
func Visible(r Roster, max int) (Roster, int) {
	if max < 0 {
		max = 0
	}
	if len(r) <= max {
		return r, 0
	}
	return r[:max], len(r) - max
}

type Config struct {
	// HeartbeatInterval is how often a subscription re-announces itself.
	HeartbeatInterval time.Duration
	// StaleAfter drops records not refreshed for this long. Zero disables it.
	StaleAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 15 * time.Second,
		StaleAfter:        45 * time.Second,
	}
}

type Channel struct {
	broker pubsub.Broker
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(broker pubsub.Broker, cfg Config, logger *slog.Logger) *Channel {
	return &Channel{
		broker: broker,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "presence")),
		now:    time.Now,
	}
}

// Subscription is one identity's membership in one resource's roster.
// Each subscription tracks its own entry, so a user with several tabs open
// stays listed until the last of them leaves.
type Subscription struct {
	ch         *Channel
	resourceID string
	topic      string
	key        string
	joinedAt   time.Time
	self       identity.Identity
	sub        pubsub.Subscription
	onSync     func(Roster)

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	last   Roster
	synced bool

	leaveOnce sync.Once
}

// Join subscribes to the resource's presence topic and, once the subscription
// is live, announces self. onSync receives every roster change as a full
// snapshot without self. A subscribe failure is returned and not retried.
func (c *Channel) Join(ctx context.Context, resourceID string, self identity.Identity, onSync func(Roster)) (*Subscription, error) {
	topic := pubsub.Topic("presence", resourceID)
	sub, err := c.broker.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("failed to join presence of '%s': %w", resourceID, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		ch:         c,
		resourceID: resourceID,
		topic:      topic,
		key:        self.UserID + "#" + uuid.NewString(),
		joinedAt:   c.now(),
		self:       self,
		sub:        sub,
		onSync:     onSync,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if err := s.announce(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, fmt.Errorf("failed to announce presence in '%s': %w", resourceID, err)
	}

	go s.run(loopCtx)
	c.logger.Debug("Joined presence", slog.String("resourceID", resourceID), slog.String("userID", self.UserID))
	return s, nil
}

func (s *Subscription) announce(ctx context.Context) error {
	rec := Record{
		UserID:      s.self.UserID,
		DisplayName: s.self.DisplayName,
		Color:       s.self.Color,
		JoinedAt:    s.joinedAt,
		LastSeenAt:  s.ch.now(),
	}
	meta, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.ch.broker.Track(ctx, s.topic, s.key, meta)
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	var tick <-chan time.Time
	if s.ch.cfg.HeartbeatInterval > 0 {
		ticker := time.NewTicker(s.ch.cfg.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sub.Events():
			if !ok {
				return
			}
			if ev.Kind == pubsub.KindPresence {
				s.sync(ctx)
			}
		case <-tick:
			if err := s.announce(ctx); err != nil && ctx.Err() == nil {
				s.ch.logger.Debug("Presence heartbeat failed", slog.String("resourceID", s.resourceID), slog.Any("error", err))
			}
			// Re-read even if nothing was announced, so stale peers drop out.
			s.sync(ctx)
		}
	}
}

func (s *Subscription) sync(ctx context.Context) {
	raw, err := s.ch.broker.Roster(ctx, s.topic)
	if err != nil {
		if ctx.Err() == nil {
			s.ch.logger.Debug("Roster read failed", slog.String("resourceID", s.resourceID), slog.Any("error", err))
		}
		return
	}

	type entry struct {
		key string
		rec Record
	}
	now := s.ch.now()
	byUser := make(map[string]entry, len(raw))
	for key, meta := range raw {
		var rec Record
		if err := json.Unmarshal(meta, &rec); err != nil {
			s.ch.logger.Debug("Skipping malformed presence record", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if rec.UserID == s.self.UserID {
			continue
		}
		if s.ch.cfg.StaleAfter > 0 && now.Sub(rec.LastSeenAt) > s.ch.cfg.StaleAfter {
			continue
		}
		if rec.DisplayName == "" {
			rec.DisplayName = identity.PlaceholderName
		}
		// One row per user: the most recent join decides name and color.
		if cur, ok := byUser[rec.UserID]; ok {
			if rec.JoinedAt.Before(cur.rec.JoinedAt) || (rec.JoinedAt.Equal(cur.rec.JoinedAt) && key < cur.key) {
				continue
			}
		}
		byUser[rec.UserID] = entry{key: key, rec: rec}
	}
	roster := make(Roster, 0, len(byUser))
	for _, e := range byUser {
		roster = append(roster, e.rec)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })

	s.mu.Lock()
	if s.synced && sameMembers(s.last, roster) {
		s.last = roster
		s.mu.Unlock()
		return
	}
	s.last = roster
	s.synced = true
	s.mu.Unlock()

	if s.onSync != nil {
		s.onSync(append(Roster(nil), roster...))
	}
}

// sameMembers compares membership and identity, ignoring heartbeat times.
func sameMembers(a, b Roster) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].UserID != b[i].UserID || a[i].DisplayName != b[i].DisplayName || a[i].Color != b[i].Color {
			return false
		}
	}
	return true
}

// Roster returns the last snapshot delivered to onSync.
func (s *Subscription) Roster() Roster {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(Roster(nil), s.last...)
}

func (s *Subscription) ResourceID() string {
	return s.resourceID
}

// Leave untracks this subscription's entry and tears it down. Other
// subscriptions of the same user stay listed. Safe to call more than once.
func (s *Subscription) Leave(ctx context.Context) error {
	var err error
	s.leaveOnce.Do(func() {
		s.cancel()
		<-s.done
		err = s.ch.broker.Untrack(ctx, s.topic, s.key)
		_ = s.sub.Close()
		s.ch.logger.Debug("Left presence", slog.String("resourceID", s.resourceID), slog.String("userID", s.self.UserID))
	})
	return err
}
