package middleware_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/a-essam23/go-collab/internal/server/middleware"
	"github.com/a-essam23/go-collab/pkg/config"
	"github.com/a-essam23/go-collab/pkg/logging"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "s3cret"

func sign(t *testing.T, method jwt.SigningMethod, key any, sub, name string) string {
	t.Helper()
	claims := middleware.AppClaims{Name: name, RegisteredClaims: jwt.RegisteredClaims{
		Subject:   sub,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return s
}

// whoami reports the authenticated user as "id|name".
var whoami = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	meta, _ := middleware.ReqMetadataFrom(r.Context())
	_, _ = w.Write([]byte(meta.UserID + "|" + meta.DisplayName))
})

func authChain() http.Handler {
	logger := logging.Discard()
	return middleware.Chain(whoami,
		middleware.RequestMetadataMiddleware(),
		middleware.NewAuthMiddleware(logger, secret, "session-token"),
	)
}

func TestAuth_BearerAndCookie(t *testing.T) {
	h := authChain()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(secret), "u1", "Ada"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1|Ada", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "session-token", Value: sign(t, jwt.SigningMethodHS256, []byte(secret), "u2", "")})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "u2|", rec.Body.String())
}

func TestAuth_Rejects(t *testing.T) {
	h := authChain()
	cases := map[string]string{
		"missing":    "",
		"wrong key":  "Bearer " + sign(t, jwt.SigningMethodHS256, []byte("other"), "u1", ""),
		"no subject": "Bearer " + sign(t, jwt.SigningMethodHS256, []byte(secret), "", "Ada"),
		"garbage":    "Bearer not-a-token",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestParseToken_RejectsNoneAlg(t *testing.T) {
	token := sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, "u1", "")
	_, err := middleware.ParseToken(token, secret)
	assert.Error(t, err)
}

func limiterFor(count int, mode string, cycled *[]string) http.Handler {
	logger := logging.Discard()
	counter := func(string) (int, error) { return count, nil }
	cycler := func(userID string) { *cycled = append(*cycled, userID) }
	setUser := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			meta, _ := middleware.ReqMetadataFrom(r.Context())
			meta.UserID = "u1"
			next.ServeHTTP(w, r)
		})
	}
	return middleware.Chain(whoami,
		middleware.RequestMetadataMiddleware(),
		setUser,
		middleware.NewConnectionLimiter(logger, counter, cycler, config.ConnectionLimitConfig{MaxPerUser: 2, Mode: mode}),
	)
}

func TestConnectionLimiter(t *testing.T) {
	var cycled []string

	rec := httptest.NewRecorder()
	limiterFor(1, "reject", &cycled).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	limiterFor(2, "reject", &cycled).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, cycled)

	rec = httptest.NewRecorder()
	limiterFor(2, "cycle", &cycled).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1"}, cycled)
}

func TestConnectionLimiter_CounterError(t *testing.T) {
	logger := logging.Discard()
	h := middleware.Chain(whoami,
		middleware.RequestMetadataMiddleware(),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				meta, _ := middleware.ReqMetadataFrom(r.Context())
				meta.UserID = "u1"
				next.ServeHTTP(w, r)
			})
		},
		middleware.NewConnectionLimiter(logger,
			func(string) (int, error) { return 0, errors.New("boom") },
			func(string) {},
			config.ConnectionLimitConfig{MaxPerUser: 1, Mode: "reject"}),
	)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
