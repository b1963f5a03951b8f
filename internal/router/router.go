package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/a-essam23/go-collab/pkg/access"
	"github.com/a-essam23/go-collab/pkg/chat"
	"github.com/a-essam23/go-collab/pkg/cursor"
	"github.com/a-essam23/go-collab/pkg/docsync"
	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/pubsub"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// Deps are the services the router dispatches into.
type Deps struct {
	State    state.Manager
	Store    store.Store
	Broker   pubsub.Broker
	Access   *access.Service
	Chat     *chat.Service
	Presence *presence.Channel
	// Registry supplies named steps and params. Nil means the core set.
	Registry *Registry

	Cursor           cursor.Config
	Doc              docsync.Config
	ChatHistoryLimit int
	// ChatRateLimit guards chat.send, e.g. "20/m". Empty disables it.
	ChatRateLimit string
}

type EventRouter struct {
	logger   *slog.Logger
	registry *Registry

	state    state.Manager
	store    store.Store
	broker   pubsub.Broker
	access   *access.Service
	chat     *chat.Service
	presence *presence.Channel

	cursorCfg    cursor.Config
	docCfg       docsync.Config
	historyLimit int

	pipelines map[string][]pipeline.Step

	sessMu   sync.RWMutex
	sessions map[uuid.UUID]*session
}

// NewEventRouter builds the router. extra holds configured steps per event;
// they run after the event's built-in guards and before its handler.
func NewEventRouter(logger *slog.Logger, deps Deps, extra map[string][]pipeline.Step) (*EventRouter, error) {
	r := &EventRouter{
		logger:       logger.With(slog.String("component", "event_router")),
		registry:     deps.Registry,
		state:        deps.State,
		store:        deps.Store,
		broker:       deps.Broker,
		access:       deps.Access,
		chat:         deps.Chat,
		presence:     deps.Presence,
		cursorCfg:    deps.Cursor,
		docCfg:       deps.Doc,
		historyLimit: deps.ChatHistoryLimit,
		sessions:     make(map[uuid.UUID]*session),
	}
	if r.registry == nil {
		r.registry = NewRegistry(logger)
	}

	guards := r.guards(deps.ChatRateLimit)
	handlers := r.handlers()
	r.pipelines = make(map[string][]pipeline.Step, len(handlers))
	for event, h := range handlers {
		pipe := append([]pipeline.Step{}, guards[event]...)
		pipe = append(pipe, extra[event]...)
		pipe = append(pipe, pipeline.Step{Name: event, Function: h})
		r.pipelines[event] = pipe
	}
	for event := range extra {
		if _, ok := handlers[event]; !ok {
			return nil, fmt.Errorf("steps configured for unknown event '%s'", event)
		}
	}
	return r, nil
}

// Registry exposes the named steps, for compiling configured pipelines.
func (r *EventRouter) Registry() *Registry {
	return r.registry
}

func (r *EventRouter) step(name string, params ...string) pipeline.Step {
	fn, ok := r.registry.GetStepFunc(name)
	if !ok {
		panic("core step not registered: " + name)
	}
	return pipeline.Step{Name: name, Function: fn, Params: params}
}

func (r *EventRouter) guards(chatRate string) map[string][]pipeline.Step {
	member := r.step("member")
	chatSend := []pipeline.Step{member}
	if chatRate != "" {
		chatSend = append(chatSend, r.step("rate_limit", chatRate))
	}
	return map[string][]pipeline.Step{
		"cursor.update":  {member},
		"cursor.clear":   {member},
		"doc.write":      {member, r.step("can_edit")},
		"chat.send":      chatSend,
		"chat.history":   {member},
		"chat.open":      {member},
		"chat.close":     {member},
		"access.refresh": {member},
	}
}

// Connect starts a session for a registered connection and associates it
// with the authenticated user. An empty displayName is looked up in the
// profile store; a non-empty one is saved there.
func (r *EventRouter) Connect(ctx context.Context, connID uuid.UUID, userID, displayName string, out Sender) error {
	if displayName != "" {
		if err := r.store.PutProfile(ctx, userID, displayName); err != nil {
			r.logger.Warn("Failed to save profile", slog.String("userID", userID), slog.Any("error", err))
		}
	} else {
		displayName = identity.ResolveNames(ctx, r.store, r.logger, []string{userID})[userID]
	}
	self := identity.New(userID, displayName)

	if _, err := r.state.AssociateUser(connID, userID, self.DisplayName); err != nil {
		return fmt.Errorf("failed to associate user: %w", err)
	}

	r.sessMu.Lock()
	r.sessions[connID] = &session{
		connID:    connID,
		self:      self,
		out:       out,
		logger:    r.logger.With(slog.String("connID", connID.String()), slog.String("userID", userID)),
		resources: make(map[string]*resourceSession),
	}
	r.sessMu.Unlock()
	return nil
}

// Disconnect leaves every resource the connection joined and forgets it.
func (r *EventRouter) Disconnect(connID uuid.UUID) {
	r.sessMu.Lock()
	s, ok := r.sessions[connID]
	delete(r.sessions, connID)
	r.sessMu.Unlock()
	if !ok {
		return
	}
	for _, rs := range s.takeAll() {
		if err := r.state.Leave(connID, rs.id); err != nil {
			s.logger.Warn("Failed to leave resource state", slog.String("resourceID", rs.id), slog.Any("error", err))
		}
		rs.close()
	}
	s.logger.Debug("Session closed")
}

func (r *EventRouter) session(connID uuid.UUID) (*session, bool) {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	s, ok := r.sessions[connID]
	return s, ok
}

// userSessions returns the local sessions of userID.
func (r *EventRouter) userSessions(userID string) []*session {
	r.sessMu.RLock()
	defer r.sessMu.RUnlock()
	var out []*session
	for _, s := range r.sessions {
		if s.self.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// HandleMessage runs one client frame through its event pipeline and
// acknowledges it. Frames of a connection are handled one at a time.
func (r *EventRouter) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	s, ok := r.session(connID)
	if !ok {
		r.logger.Error("Message for unknown session", slog.String("connID", connID.String()))
		return
	}

	var clientMsg ClientMessage
	if err := json.Unmarshal(msg, &clientMsg); err != nil {
		s.logger.Warn("Failed to unmarshal client message", slog.Any("error", err))
		s.send(ServerMessage{Event: EventError, Payload: errorBody(fmt.Errorf("%w: %v", ErrInvalidPayload, err))})
		return
	}

	pipe, ok := r.pipelines[clientMsg.Event]
	if !ok {
		s.logger.Warn("Received unknown event", slog.String("event", clientMsg.Event))
		r.nack(s, clientMsg.Ref, fmt.Errorf("%w '%s'", ErrUnknownEvent, clientMsg.Event))
		return
	}

	conn, ok := r.state.GetConnection(connID)
	if !ok {
		s.logger.Error("Could not find connection state for active session")
		return
	}

	targetID := clientMsg.Target
	if targetID == "" {
		targetID = gjson.GetBytes(clientMsg.Payload, "resource_id").String()
	}
	pctx := &pipeline.Cargo{
		Logger:       s.logger,
		Ctx:          ctx,
		User:         conn.User,
		Connection:   conn,
		StateManager: r.state,
		EventName:    clientMsg.Event,
		Payload:      clientMsg.Payload,
		TargetID:     targetID,
	}

	s.logger.Debug("Executing event pipeline", slog.String("event", clientMsg.Event), slog.String("targetID", targetID))
	for _, step := range pipe {
		params, err := r.resolveParams(pctx, step.Params)
		if err == nil {
			err = step.Function(pctx, params...)
		}
		if err != nil {
			s.logger.Debug("Step failed, halting pipeline", slog.String("step", step.Name), slog.Any("error", err))
			r.nack(s, clientMsg.Ref, err)
			return
		}
	}
	s.send(ServerMessage{Ref: clientMsg.Ref, Event: EventAck, Payload: Ack{OK: true, Data: pctx.Reply}})
}

// ErrorCode maps a failure onto the stable code clients switch on.
func ErrorCode(err error) string {
	return errorCode(err)
}

func (r *EventRouter) nack(s *session, ref string, err error) {
	s.send(ServerMessage{Ref: ref, Event: EventAck, Payload: Ack{OK: false, Error: errorBody(err)}})
}

func errorBody(err error) *ErrorBody {
	return &ErrorBody{Code: errorCode(err), Message: err.Error()}
}

// errorCode maps failures onto the stable codes clients switch on.
func errorCode(err error) string {
	switch {
	case errors.Is(err, access.ErrInsufficientPermission):
		return "insufficient_permission"
	case errors.Is(err, access.ErrDuplicateRequest):
		return "duplicate_request"
	case errors.Is(err, access.ErrAlreadyMember):
		return "already_member"
	case errors.Is(err, access.ErrRequestResolved):
		return "request_resolved"
	case errors.Is(err, access.ErrInvalidRole):
		return "invalid_role"
	case errors.Is(err, access.ErrNotFound), errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrEmptyBody):
		return "empty_body"
	case errors.Is(err, chat.ErrBodyTooLong):
		return "body_too_long"
	case errors.Is(err, cursor.ErrInvalidSelection):
		return "invalid_selection"
	case errors.Is(err, store.ErrInvalidField), errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnknownEvent):
		return "unknown_event"
	}
	return "internal"
}

// Shutdown closes every session.
func (r *EventRouter) Shutdown() {
	r.sessMu.RLock()
	ids := make([]uuid.UUID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.sessMu.RUnlock()
	for _, id := range ids {
		r.Disconnect(id)
	}
}
