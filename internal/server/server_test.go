package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/internal/server"
	"github.com/a-essam23/go-collab/internal/server/middleware"
	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/a-essam23/go-collab/pkg/pubsub/memory"
	"github.com/a-essam23/go-collab/pkg/store"
	"github.com/a-essam23/go-collab/pkg/store/memstore"
	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address: "127.0.0.1:0",
			Auth:    config.AuthConfig{JWTSecret: secret, CookieName: "session-token"},
		},
		Collab: config.CollabConfig{
			PresenceHeartbeat: time.Hour,
			CursorDebounce:    5 * time.Millisecond,
			DocDebounce:       10 * time.Millisecond,
			EchoSuppression:   400 * time.Millisecond,
			ChatHistoryLimit:  50,
		},
	}
}

func token(t *testing.T, userID, name string) string {
	t.Helper()
	claims := middleware.AppClaims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type testServer struct {
	t   *testing.T
	srv *httptest.Server
}

func newTestServer(t *testing.T, cfg *config.Config) *testServer {
	t.Helper()
	logger := logging.Discard()
	app, err := server.NewAppWith(context.Background(), logger, cfg, memstore.New(logger), memory.New(logger))
	require.NoError(t, err)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = app.Shutdown() })
	return &testServer{t: t, srv: srv}
}

func (ts *testServer) call(method, path, userID string, body any) (int, []byte) {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(ts.t, err)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(ts.t, userID, strings.ToUpper(userID[:1])+userID[1:]))
	}
	resp, err := ts.srv.Client().Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp.StatusCode, out.Bytes()
}

func (ts *testServer) createProject(owner string) store.Project {
	ts.t.Helper()
	status, body := ts.call(http.MethodPost, "/api/resources", owner, map[string]string{"title": "Pilot", "script_content": "INT. DAY"})
	require.Equal(ts.t, http.StatusCreated, status, string(body))
	var p store.Project
	require.NoError(ts.t, json.Unmarshal(body, &p))
	return p
}

func TestHealthz_NoAuth(t *testing.T) {
	ts := newTestServer(t, testConfig())
	status, body := ts.call(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")
}

func TestAPI_RequiresToken(t *testing.T) {
	ts := newTestServer(t, testConfig())
	status, _ := ts.call(http.MethodGet, "/api/resources/x/access", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestAPI_JoinRequestFlow(t *testing.T) {
	ts := newTestServer(t, testConfig())
	p := ts.createProject("olivia")

	status, body := ts.call(http.MethodGet, "/api/resources/"+p.ID, "sam", nil)
	assert.Equal(t, http.StatusForbidden, status)
	assert.Contains(t, string(body), "insufficient_permission")

	status, body = ts.call(http.MethodPost, "/api/resources/"+p.ID+"/requests", "sam", nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	var req store.JoinRequest
	require.NoError(t, json.Unmarshal(body, &req))

	status, _ = ts.call(http.MethodPost, "/api/resources/"+p.ID+"/requests", "sam", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ts.call(http.MethodGet, "/api/resources/"+p.ID+"/requests", "olivia", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"requester_name":"Sam"`)

	status, _ = ts.call(http.MethodPost, "/api/requests/"+req.ID, "sam", map[string]any{"accept": true})
	assert.Equal(t, http.StatusForbidden, status)

	status, _ = ts.call(http.MethodPost, "/api/requests/"+req.ID, "olivia", map[string]any{"accept": true, "role": "viewer"})
	require.Equal(t, http.StatusOK, status)

	status, body = ts.call(http.MethodGet, "/api/resources/"+p.ID+"/access", "sam", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"role":"viewer","is_owner":false,"can_edit":false}`, string(body))
}

func TestAPI_ChatAndCollaborators(t *testing.T) {
	ts := newTestServer(t, testConfig())
	p := ts.createProject("olivia")

	status, _ := ts.call(http.MethodPut, "/api/resources/"+p.ID+"/collaborators/eddie", "olivia", map[string]string{"role": "editor"})
	require.Equal(t, http.StatusNoContent, status)

	status, _ = ts.call(http.MethodPost, "/api/resources/"+p.ID+"/messages", "eddie", map[string]string{"body": "   "})
	assert.Equal(t, http.StatusBadRequest, status)

	for _, text := range []string{"first", "second"} {
		status, body := ts.call(http.MethodPost, "/api/resources/"+p.ID+"/messages", "eddie", map[string]string{"body": text})
		require.Equal(t, http.StatusCreated, status, string(body))
	}

	status, body := ts.call(http.MethodGet, "/api/resources/"+p.ID+"/messages?limit=1", "olivia", nil)
	require.Equal(t, http.StatusOK, status)
	var msgs []struct {
		Body        string `json:"body"`
		DisplayName string `json:"display_name"`
	}
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Body)
	assert.Equal(t, "Eddie", msgs[0].DisplayName)

	status, body = ts.call(http.MethodGet, "/api/resources/"+p.ID+"/collaborators", "eddie", nil)
	require.Equal(t, http.StatusOK, status)
	var collabs []struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(body, &collabs))
	require.Len(t, collabs, 2)
	assert.Equal(t, "olivia", collabs[0].UserID)
	assert.Equal(t, "owner", collabs[0].Role)

	status, _ = ts.call(http.MethodDelete, "/api/resources/"+p.ID+"/collaborators/eddie", "eddie", nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, _ = ts.call(http.MethodDelete, "/api/resources/"+p.ID+"/collaborators/eddie", "olivia", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = ts.call(http.MethodGet, "/api/resources/"+p.ID+"/messages", "eddie", nil)
	assert.Equal(t, http.StatusForbidden, status)
}

type frame struct {
	Ref     string          `json:"ref"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (ts *testServer) dial(ctx context.Context, userID string) (*websocket.Conn, *http.Response, error) {
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	return websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token(ts.t, userID, "")}},
	})
}

func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	for {
		_, data, err := c.Read(ctx)
		require.NoError(t, err)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if match(f) {
			return f
		}
	}
}

func send(t *testing.T, ctx context.Context, c *websocket.Conn, ref, event string, payload any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{"ref": ref, "event": event, "payload": json.RawMessage(body)})
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestWebSocket_JoinAndChat(t *testing.T) {
	ts := newTestServer(t, testConfig())
	p := ts.createProject("olivia")
	status, _ := ts.call(http.MethodPut, "/api/resources/"+p.ID+"/collaborators/eddie", "olivia", map[string]string{"role": "editor"})
	require.Equal(t, http.StatusNoContent, status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	owner, _, err := ts.dial(ctx, "olivia")
	require.NoError(t, err)
	defer owner.Close(websocket.StatusNormalClosure, "")
	editor, _, err := ts.dial(ctx, "eddie")
	require.NoError(t, err)
	defer editor.Close(websocket.StatusNormalClosure, "")

	send(t, ctx, owner, "j1", "resource.join", map[string]string{"resource_id": p.ID})
	ack := readUntil(t, ctx, owner, func(f frame) bool { return f.Event == "ack" && f.Ref == "j1" })
	assert.Contains(t, string(ack.Payload), `"ok":true`)
	assert.Contains(t, string(ack.Payload), "INT. DAY")

	send(t, ctx, editor, "j2", "resource.join", map[string]string{"resource_id": p.ID})
	readUntil(t, ctx, editor, func(f frame) bool { return f.Event == "ack" && f.Ref == "j2" })

	send(t, ctx, editor, "c1", "chat.send", map[string]string{"resource_id": p.ID, "body": "hello"})
	push := readUntil(t, ctx, owner, func(f frame) bool { return f.Event == "chat.message" })
	assert.Contains(t, string(push.Payload), "hello")
}

func TestWebSocket_ConnectionLimitReject(t *testing.T) {
	cfg := testConfig()
	cfg.Server.ConnectionLimit = config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "reject"}
	ts := newTestServer(t, cfg)
	p := ts.createProject("olivia")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := ts.dial(ctx, "olivia")
	require.NoError(t, err)
	defer first.Close(websocket.StatusNormalClosure, "")
	send(t, ctx, first, "j1", "resource.join", map[string]string{"resource_id": p.ID})
	readUntil(t, ctx, first, func(f frame) bool { return f.Event == "ack" })

	_, resp, err := ts.dial(ctx, "olivia")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestNewApp_UnknownConfiguredStep(t *testing.T) {
	cfg := testConfig()
	cfg.Events = map[string]config.EventConfig{
		"chat.send": {Steps: []config.StepConfig{{Name: "no_such_step"}}},
	}
	logger := logging.Discard()
	_, err := server.NewAppWith(context.Background(), logger, cfg, memstore.New(logger), memory.New(logger))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_step")
}
