package router

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/a-essam23/go-collab/pkg/access"
	"github.com/a-essam23/go-collab/pkg/chat"
	"github.com/a-essam23/go-collab/pkg/pipeline"
	"github.com/a-essam23/go-collab/pkg/presence"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/tidwall/gjson"
)

func (r *EventRouter) handlers() map[string]pipeline.StepFunc {
	return map[string]pipeline.StepFunc{
		"resource.join":        r.handleJoin,
		"resource.leave":       r.handleLeave,
		"cursor.update":        r.handleCursorUpdate,
		"cursor.clear":         r.handleCursorClear,
		"doc.write":            r.handleDocWrite,
		"chat.send":            r.handleChatSend,
		"chat.history":         r.handleChatHistory,
		"chat.open":            r.handleChatOpen,
		"chat.close":           r.handleChatClose,
		"access.resolve":       r.handleAccessResolve,
		"access.refresh":       r.handleAccessRefresh,
		"access.grant":         r.handleAccessGrant,
		"access.revoke":        r.handleAccessRevoke,
		"access.request":       r.handleAccessRequest,
		"access.respond":       r.handleAccessRespond,
		"access.collaborators": r.handleCollaborators,
		"access.pending":       r.handlePending,
	}
}

// cargoSession returns the caller's session and, when the event targets a
// resource it joined, that resource's session.
func (r *EventRouter) cargoSession(pctx *pipeline.Cargo) (*session, *resourceSession, error) {
	s, ok := r.session(pctx.Connection.ID)
	if !ok {
		return nil, nil, errors.New("session closed")
	}
	rs, _ := s.get(pctx.TargetID)
	return s, rs, nil
}

func (r *EventRouter) joinedResource(pctx *pipeline.Cargo) (*session, *resourceSession, error) {
	s, rs, err := r.cargoSession(pctx)
	if err != nil {
		return nil, nil, err
	}
	if rs == nil {
		return nil, nil, ErrNotJoined
	}
	return s, rs, nil
}

func requireTarget(pctx *pipeline.Cargo) error {
	if pctx.TargetID == "" {
		return fmt.Errorf("%w: missing resource_id", ErrInvalidPayload)
	}
	return nil
}

func payloadString(pctx *pipeline.Cargo, path string) (string, error) {
	v := gjson.GetBytes(pctx.Payload, path)
	if !v.Exists() {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidPayload, path)
	}
	return v.String(), nil
}

type joinReply struct {
	ResourceID string                 `json:"resource_id"`
	Access     access.Access          `json:"access"`
	Fields     map[store.Field]string `json:"fields"`
	Members    presence.Roster        `json:"members"`
	Unread     int                    `json:"unread"`
}

func snapshot(rs *resourceSession) joinReply {
	return joinReply{
		ResourceID: rs.id,
		Access:     rs.Access(),
		Fields: map[store.Field]string{
			store.FieldScriptContent:    rs.doc.Value(store.FieldScriptContent),
			store.FieldSceneDescription: rs.doc.Value(store.FieldSceneDescription),
		},
		Members: rs.presence.Roster(),
		Unread:  rs.unread.Count(),
	}
}

func (r *EventRouter) handleJoin(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	s, rs, err := r.cargoSession(pctx)
	if err != nil {
		return err
	}
	if rs != nil {
		pctx.Reply = snapshot(rs)
		return nil
	}

	a, err := r.access.Authorize(pctx.Ctx, pctx.TargetID, s.self.UserID, state.PermCanRead)
	if err != nil {
		return err
	}
	if _, err := r.state.Join(s.connID, pctx.TargetID, string(a.Role), a.Role.Permissions()); err != nil {
		return err
	}
	rs, err = r.openResource(pctx.Ctx, s, pctx.TargetID, a)
	if err != nil {
		_ = r.state.Leave(s.connID, pctx.TargetID)
		return err
	}
	s.mu.Lock()
	s.resources[pctx.TargetID] = rs
	s.mu.Unlock()

	pctx.Logger.Info("Joined resource", slog.String("resourceID", pctx.TargetID), slog.String("role", string(a.Role)))
	pctx.Reply = snapshot(rs)
	return nil
}

func (r *EventRouter) handleLeave(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	s, _, err := r.cargoSession(pctx)
	if err != nil {
		return err
	}
	left := r.closeResource(s, pctx.TargetID)
	pctx.Reply = map[string]bool{"left": left}
	return nil
}

func (r *EventRouter) handleCursorUpdate(pctx *pipeline.Cargo, _ ...string) error {
	_, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	field, err := payloadString(pctx, "field")
	if err != nil {
		return err
	}
	if !store.Field(field).Valid() {
		return fmt.Errorf("%w: %s", store.ErrInvalidField, field)
	}
	start := gjson.GetBytes(pctx.Payload, "start")
	end := gjson.GetBytes(pctx.Payload, "end")
	if !start.Exists() || !end.Exists() {
		return fmt.Errorf("%w: selection needs start and end", ErrInvalidPayload)
	}
	return rs.cursors.UpdateSelection(field, int(start.Int()), int(end.Int()))
}

func (r *EventRouter) handleCursorClear(pctx *pipeline.Cargo, _ ...string) error {
	_, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	rs.cursors.ClearSelection()
	return nil
}

type docWriteReply struct {
	Field store.Field `json:"field"`
	State string      `json:"state"`
}

func (r *EventRouter) handleDocWrite(pctx *pipeline.Cargo, _ ...string) error {
	_, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	field, err := payloadString(pctx, "field")
	if err != nil {
		return err
	}
	value, err := payloadString(pctx, "value")
	if err != nil {
		return err
	}
	f := store.Field(field)
	if err := rs.doc.Write(f, value); err != nil {
		return err
	}
	pctx.Reply = docWriteReply{Field: f, State: rs.doc.State(f).String()}
	return nil
}

func (r *EventRouter) handleChatSend(pctx *pipeline.Cargo, _ ...string) error {
	s, _, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	body, err := payloadString(pctx, "body")
	if err != nil {
		return err
	}
	m, err := r.chat.Send(pctx.Ctx, pctx.TargetID, s.self, body)
	if err != nil {
		return err
	}
	pctx.Reply = m
	return nil
}

func (r *EventRouter) handleChatHistory(pctx *pipeline.Cargo, _ ...string) error {
	_, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	limit := int(gjson.GetBytes(pctx.Payload, "limit").Int())
	if limit <= 0 {
		limit = r.historyLimit
	}
	history, err := r.chat.FetchHistory(pctx.Ctx, pctx.TargetID, limit)
	if err != nil {
		return err
	}
	rs.chat.Seen(history...)
	if history == nil {
		history = []chat.Message{}
	}
	pctx.Reply = history
	return nil
}

func (r *EventRouter) handleChatOpen(pctx *pipeline.Cargo, _ ...string) error {
	_, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	rs.unread.Open()
	pctx.Reply = map[string]int{"unread": 0}
	return nil
}

func (r *EventRouter) handleChatClose(pctx *pipeline.Cargo, _ ...string) error {
	_, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	rs.unread.Close()
	pctx.Reply = map[string]int{"unread": rs.unread.Count()}
	return nil
}

func (r *EventRouter) handleAccessResolve(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	a, err := r.access.ResolveRole(pctx.Ctx, pctx.TargetID, pctx.User.ID)
	if err != nil {
		return err
	}
	pctx.Reply = a
	return nil
}

func (r *EventRouter) handleAccessRefresh(pctx *pipeline.Cargo, _ ...string) error {
	s, rs, err := r.joinedResource(pctx)
	if err != nil {
		return err
	}
	a, err := r.refreshAccess(s, rs)
	if err != nil {
		return err
	}
	pctx.Reply = a
	return nil
}

func (r *EventRouter) handleAccessGrant(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	userID, err := payloadString(pctx, "user_id")
	if err != nil {
		return err
	}
	role, err := access.ParseRole(gjson.GetBytes(pctx.Payload, "role").String())
	if err != nil {
		return err
	}
	if err := r.access.GrantRole(pctx.Ctx, pctx.User.ID, pctx.TargetID, userID, role); err != nil {
		return err
	}
	r.NotifyGrantChanged(pctx.Ctx, pctx.TargetID, userID)
	return nil
}

func (r *EventRouter) handleAccessRevoke(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	userID, err := payloadString(pctx, "user_id")
	if err != nil {
		return err
	}
	if err := r.access.RevokeGrant(pctx.Ctx, pctx.User.ID, pctx.TargetID, userID); err != nil {
		return err
	}
	r.NotifyGrantChanged(pctx.Ctx, pctx.TargetID, userID)
	return nil
}

func (r *EventRouter) handleAccessRequest(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	req, err := r.access.RequestJoin(pctx.Ctx, pctx.TargetID, pctx.User.ID)
	if err != nil {
		return err
	}
	r.NotifyJoinRequested(pctx.Ctx, req)
	pctx.Reply = req
	return nil
}

// handleAccessRespond resolves a join request. The requester has not joined
// the resource, so their connections on this node are told directly.
func (r *EventRouter) handleAccessRespond(pctx *pipeline.Cargo, _ ...string) error {
	requestID, err := payloadString(pctx, "request_id")
	if err != nil {
		return err
	}
	accept := gjson.GetBytes(pctx.Payload, "accept").Bool()
	role := access.Role(gjson.GetBytes(pctx.Payload, "role").String())

	req, err := r.access.ResolveJoinRequest(pctx.Ctx, pctx.User.ID, requestID, accept, role)
	if err != nil {
		return err
	}
	r.NotifyRequester(pctx.Ctx, req)
	pctx.Reply = req
	return nil
}

func (r *EventRouter) handleCollaborators(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	cs, err := r.access.ListCollaborators(pctx.Ctx, pctx.User.ID, pctx.TargetID)
	if err != nil {
		return err
	}
	pctx.Reply = cs
	return nil
}

func (r *EventRouter) handlePending(pctx *pipeline.Cargo, _ ...string) error {
	if err := requireTarget(pctx); err != nil {
		return err
	}
	reqs, err := r.access.PendingRequests(pctx.Ctx, pctx.User.ID, pctx.TargetID)
	if err != nil {
		return err
	}
	pctx.Reply = reqs
	return nil
}
