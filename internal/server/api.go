package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/a-essam23/go-collab/internal/router"
	"github.com/a-essam23/go-collab/internal/server/middleware"
	"github.com/a-essam23/go-collab/pkg/access"
	"github.com/a-essam23/go-collab/pkg/identity"
	"github.com/a-essam23/go-collab/pkg/state"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

const maxRequestBody = 64 << 10

var errBadRequest = errors.New("malformed request body")

func (a *App) registerAPI(r *mux.Router) {
	r.HandleFunc("/resources", a.handleCreateResource).Methods(http.MethodPost)
	r.HandleFunc("/resources/{id}", a.handleGetResource).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}/access", a.handleGetAccess).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}/messages", a.handleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}/messages", a.handleSendMessage).Methods(http.MethodPost)
	r.HandleFunc("/resources/{id}/collaborators", a.handleListCollaborators).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}/collaborators/{userID}", a.handleGrant).Methods(http.MethodPut)
	r.HandleFunc("/resources/{id}/collaborators/{userID}", a.handleRevoke).Methods(http.MethodDelete)
	r.HandleFunc("/resources/{id}/requests", a.handleListRequests).Methods(http.MethodGet)
	r.HandleFunc("/resources/{id}/requests", a.handleRequestJoin).Methods(http.MethodPost)
	r.HandleFunc("/requests/{requestID}", a.handleResolveRequest).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(code string) int {
	switch code {
	case "insufficient_permission":
		return http.StatusForbidden
	case "not_found":
		return http.StatusNotFound
	case "duplicate_request", "already_member", "request_resolved":
		return http.StatusConflict
	case "invalid_role", "empty_body", "body_too_long", "invalid_payload":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := router.ErrorCode(err)
	if errors.Is(err, errBadRequest) {
		code = "invalid_payload"
	}
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
		a.logger.Error("API request failed", slog.String("path", r.URL.Path), slog.String("requestID", reqMeta.RequestID), slog.Any("error", err))
		msg = "internal error"
	}
	writeJSON(w, status, router.ErrorBody{Code: code, Message: msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func caller(r *http.Request) *middleware.RequestMetadata {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())
	return reqMeta
}

// rememberName saves the caller's token name so other users see it next to
// the records the caller creates.
func (a *App) rememberName(r *http.Request) {
	meta := caller(r)
	if meta.DisplayName == "" {
		return
	}
	if err := a.store.PutProfile(r.Context(), meta.UserID, meta.DisplayName); err != nil {
		a.logger.Warn("Failed to save profile", slog.String("userID", meta.UserID), slog.Any("error", err))
	}
}

type createResourceRequest struct {
	Title            string `json:"title"`
	ScriptContent    string `json:"script_content"`
	SceneDescription string `json:"scene_description"`
}

// handleCreateResource creates a project owned by the caller.
func (a *App) handleCreateResource(w http.ResponseWriter, r *http.Request) {
	var req createResourceRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		a.writeError(w, r, fmt.Errorf("%w: title is required", errBadRequest))
		return
	}
	a.rememberName(r)
	p := store.Project{
		ID:               uuid.NewString(),
		OwnerID:          caller(r).UserID,
		Title:            req.Title,
		ScriptContent:    req.ScriptContent,
		SceneDescription: req.SceneDescription,
		UpdatedAt:        time.Now(),
	}
	if err := a.store.CreateProject(r.Context(), p); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (a *App) handleGetResource(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.access.Authorize(r.Context(), id, caller(r).UserID, state.PermCanRead); err != nil {
		a.writeError(w, r, err)
		return
	}
	p, err := a.store.GetProject(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *App) handleGetAccess(w http.ResponseWriter, r *http.Request) {
	acc, err := a.access.ResolveRole(r.Context(), mux.Vars(r)["id"], caller(r).UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *App) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := a.access.Authorize(r.Context(), id, caller(r).UserID, state.PermCanRead); err != nil {
		a.writeError(w, r, err)
		return
	}
	limit := a.config.Collab.ChatHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.writeError(w, r, fmt.Errorf("%w: bad limit '%s'", errBadRequest, raw))
			return
		}
		limit = n
	}
	msgs, err := a.chat.FetchHistory(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type sendMessageRequest struct {
	Body string `json:"body"`
}

func (a *App) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	meta := caller(r)
	if _, err := a.access.Authorize(r.Context(), id, meta.UserID, state.PermCanRead); err != nil {
		a.writeError(w, r, err)
		return
	}
	var req sendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.rememberName(r)
	msg, err := a.chat.Send(r.Context(), id, identity.New(meta.UserID, meta.DisplayName), req.Body)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *App) handleListCollaborators(w http.ResponseWriter, r *http.Request) {
	list, err := a.access.ListCollaborators(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type grantRequest struct {
	Role string `json:"role"`
}

func (a *App) handleGrant(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var req grantRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	role, err := access.ParseRole(req.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.rememberName(r)
	if err := a.access.GrantRole(r.Context(), caller(r).UserID, vars["id"], vars["userID"], role); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.eventRouter.NotifyGrantChanged(r.Context(), vars["id"], vars["userID"])
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleRevoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.access.RevokeGrant(r.Context(), caller(r).UserID, vars["id"], vars["userID"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.eventRouter.NotifyGrantChanged(r.Context(), vars["id"], vars["userID"])
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleListRequests(w http.ResponseWriter, r *http.Request) {
	list, err := a.access.PendingRequests(r.Context(), caller(r).UserID, mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *App) handleRequestJoin(w http.ResponseWriter, r *http.Request) {
	a.rememberName(r)
	req, err := a.access.RequestJoin(r.Context(), mux.Vars(r)["id"], caller(r).UserID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.eventRouter.NotifyJoinRequested(r.Context(), req)
	writeJSON(w, http.StatusCreated, req)
}

type resolveRequest struct {
	Accept bool   `json:"accept"`
	Role   string `json:"role"`
}

func (a *App) handleResolveRequest(w http.ResponseWriter, r *http.Request) {
	var body resolveRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, r, err)
		return
	}
	role, err := access.ParseRole(body.Role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	req, err := a.access.ResolveJoinRequest(r.Context(), caller(r).UserID, mux.Vars(r)["requestID"], body.Accept, role)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.eventRouter.NotifyRequester(r.Context(), req)
	writeJSON(w, http.StatusOK, req)
}
