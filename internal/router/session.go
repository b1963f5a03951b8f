package router

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/a-essam23/go-collab/pkg/access"
	"github.com/a-essam23/go-collab/pkg/chat"
	"github.com/a-essam23/go-collab/pkg/cursor"
	"github.com/a-essam23/go-collab/pkg/docsync"
	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/google/uuid"
)

const (
	controlGrantChanged  = "grant_changed"
	controlJoinRequested = "join_requested"
	leaveTimeout         = 5 * time.Second
)

// Sender is the outbound half of a client connection.
type Sender interface {
	Send(message []byte) error
}

// session is everything one connection has joined.
type session struct {
	connID uuid.UUID
	self   identity.Identity
	out    Sender
	logger *slog.Logger

	mu        sync.Mutex
	resources map[string]*resourceSession
}

// resourceSession bundles the channels of one joined resource.
type resourceSession struct {
	id string

	mu     sync.Mutex
	access access.Access

	presence *presence.Subscription
	cursors  *cursor.Session
	doc      *docsync.Syncer
	chat     *chat.Subscription
	unread   *chat.Unread
	control  pubsub.Subscription
}

func (rs *resourceSession) Access() access.Access {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.access
}

func (rs *resourceSession) setAccess(a access.Access) {
	rs.mu.Lock()
	rs.access = a
	rs.mu.Unlock()
}

// close tears the channels down in reverse join order: presence first so
// peers stop showing us, then the document so pending edits are flushed.
func (rs *resourceSession) close() {
	if rs.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		_ = rs.presence.Leave(ctx)
		cancel()
	}
	if rs.cursors != nil {
		rs.cursors.Close()
	}
	if rs.doc != nil {
		rs.doc.Close()
	}
	if rs.chat != nil {
		_ = rs.chat.Close()
	}
	if rs.control != nil {
		_ = rs.control.Close()
	}
}

func (s *session) get(resourceID string) (*resourceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.resources[resourceID]
	return rs, ok
}

func (s *session) take(resourceID string) (*resourceSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.resources[resourceID]
	if ok {
		delete(s.resources, resourceID)
	}
	return rs, ok
}

func (s *session) takeAll() []*resourceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*resourceSession, 0, len(s.resources))
	for id, rs := range s.resources {
		out = append(out, rs)
		delete(s.resources, id)
	}
	return out
}

func (s *session) push(event string, payload any) {
	s.send(ServerMessage{Event: event, Payload: payload})
}

func (s *session) send(msg ServerMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal server message", slog.String("event", msg.Event), slog.Any("error", err))
		return
	}
	if err := s.out.Send(b); err != nil {
		s.logger.Debug("Dropping server message", slog.String("event", msg.Event), slog.Any("error", err))
	}
}

type presencePush struct {
	ResourceID string          `json:"resource_id"`
	Members    presence.Roster `json:"members"`
	Overflow   int             `json:"overflow"`
	Total      int             `json:"total"`
}

type cursorPush struct {
	ResourceID string `json:"resource_id"`
	cursor.State
}

type docChangePush struct {
	ResourceID string      `json:"resource_id"`
	Field      store.Field `json:"field"`
	Content    string      `json:"content"`
}

type docSavedPush struct {
	ResourceID string      `json:"resource_id"`
	Field      store.Field `json:"field"`
	OK         bool        `json:"ok"`
	Error      string      `json:"error,omitempty"`
}

type chatPush struct {
	Message chat.Message `json:"message"`
	Unread  int          `json:"unread"`
}

type accessPush struct {
	ResourceID string        `json:"resource_id"`
	Access     access.Access `json:"access"`
}

type controlMessage struct {
	UserID  string             `json:"user_id,omitempty"`
	Request *store.JoinRequest `json:"request,omitempty"`
}

// openResource joins every channel of resourceID for this session. On
// failure whatever was opened is closed again.
func (r *EventRouter) openResource(ctx context.Context, s *session, resourceID string, a access.Access) (_ *resourceSession, err error) {
	rs := &resourceSession{id: resourceID, access: a, unread: chat.NewUnread(s.self.UserID)}
	defer func() {
		if err != nil {
			rs.close()
		}
	}()
	logger := s.logger.With(slog.String("resourceID", resourceID))

	if rs.control, err = r.broker.Subscribe(ctx, pubsub.Topic("access", resourceID)); err != nil {
		return nil, err
	}
	go r.watchControl(s, rs, rs.control)

	rs.doc, err = docsync.Sync(ctx, r.store, resourceID, r.docCfg, logger,
		func(ch docsync.Change) {
			s.push(EventDocChange, docChangePush{ResourceID: resourceID, Field: ch.Field, Content: ch.Content})
		},
		docsync.WithWriteCallback(func(res docsync.WriteResult) {
			p := docSavedPush{ResourceID: resourceID, Field: res.Field, OK: res.Err == nil}
			if res.Err != nil {
				p.Error = res.Err.Error()
			}
			s.push(EventDocSaved, p)
		}),
	)
	if err != nil {
		return nil, err
	}

	rs.chat, err = r.chat.Subscribe(ctx, resourceID, func(m chat.Message) {
		s.push(EventChatMessage, chatPush{Message: m, Unread: rs.unread.Observe(m)})
	})
	if err != nil {
		return nil, err
	}

	rs.cursors, err = cursor.Join(ctx, r.broker, resourceID, s.self, r.cursorCfg, logger, func(st cursor.State) {
		s.push(EventCursorState, cursorPush{ResourceID: resourceID, State: st})
	})
	if err != nil {
		return nil, err
	}

	// Presence goes last: announcing ourselves is the point of no return.
	cursors := rs.cursors
	rs.presence, err = r.presence.Join(ctx, resourceID, s.self, func(roster presence.Roster) {
		cursors.Retain(roster.UserIDs())
		visible, overflow := presence.Visible(roster, presence.DefaultVisible)
		s.push(EventPresenceSync, presencePush{ResourceID: resourceID, Members: visible, Overflow: overflow, Total: len(roster)})
	})
	if err != nil {
		return nil, err
	}
	return rs, nil
}

// watchControl reacts to access changes published for the resource by any
// node: grant changes addressed to this user, and join requests when this
// user owns the resource.
func (r *EventRouter) watchControl(s *session, rs *resourceSession, sub pubsub.Subscription) {
	for ev := range sub.Events() {
		var msg controlMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			continue
		}
		switch ev.Name {
		case controlGrantChanged:
			if msg.UserID == s.self.UserID {
				r.refreshAccess(s, rs)
			}
		case controlJoinRequested:
			if rs.Access().IsOwner && msg.Request != nil {
				s.push(EventAccessRequested, msg.Request)
			}
		}
	}
}

// refreshAccess re-resolves the user's role after a grant change. Losing
// access entirely closes the resource on this connection.
func (r *EventRouter) refreshAccess(s *session, rs *resourceSession) (access.Access, error) {
	ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
	defer cancel()

	a, err := r.access.ResolveRole(ctx, rs.id, s.self.UserID)
	if err != nil {
		s.logger.Warn("Access refresh failed", slog.String("resourceID", rs.id), slog.Any("error", err))
		return rs.Access(), err
	}
	if a == rs.Access() {
		return a, nil
	}
	rs.setAccess(a)
	s.push(EventAccessChanged, accessPush{ResourceID: rs.id, Access: a})

	if a.Role == access.RoleNone {
		s.logger.Info("Access revoked, leaving resource", slog.String("resourceID", rs.id))
		r.closeResource(s, rs.id)
		return a, nil
	}
	if err := r.state.SetPermissions(s.self.UserID, rs.id, string(a.Role), a.Role.Permissions()); err != nil {
		s.logger.Debug("Membership gone before permissions refresh", slog.String("resourceID", rs.id), slog.Any("error", err))
	}
	return a, nil
}

// closeResource leaves resourceID on this connection. It is a no-op if the
// resource was not joined.
func (r *EventRouter) closeResource(s *session, resourceID string) bool {
	rs, ok := s.take(resourceID)
	if !ok {
		return false
	}
	if err := r.state.Leave(s.connID, resourceID); err != nil {
		s.logger.Warn("Failed to leave resource state", slog.String("resourceID", resourceID), slog.Any("error", err))
	}
	// The control watcher may be the caller; closing its subscription
	// ends its loop once this returns.
	rs.close()
	return true
}

// NotifyGrantChanged tells userID's sessions on resourceID, on every node, to
// re-resolve their access.
func (r *EventRouter) NotifyGrantChanged(ctx context.Context, resourceID, userID string) {
	r.publishControl(ctx, resourceID, controlGrantChanged, controlMessage{UserID: userID})
}

// NotifyJoinRequested tells the owner's sessions on resourceID about req.
func (r *EventRouter) NotifyJoinRequested(ctx context.Context, req store.JoinRequest) {
	r.publishControl(ctx, req.ResourceID, controlJoinRequested, controlMessage{Request: &req})
}

// NotifyRequester pushes the requester's new access to their local sessions
// after a join request was resolved.
func (r *EventRouter) NotifyRequester(ctx context.Context, req store.JoinRequest) {
	a, err := r.access.ResolveRole(ctx, req.ResourceID, req.RequesterID)
	if err != nil {
		return
	}
	for _, s := range r.userSessions(req.RequesterID) {
		s.push(EventAccessChanged, accessPush{ResourceID: req.ResourceID, Access: a})
	}
}

func (r *EventRouter) publishControl(ctx context.Context, resourceID, name string, msg controlMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	err = r.broker.Publish(ctx, pubsub.Topic("access", resourceID), pubsub.Event{Kind: pubsub.KindBroadcast, Name: name, Payload: payload})
	if err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Warn("Failed to publish access change", slog.String("resourceID", resourceID), slog.Any("error", err))
	}
}
