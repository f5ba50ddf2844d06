package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"adminease/internal/audit"
	"adminease/internal/auth"
	"adminease/internal/bootstrap"
	"adminease/internal/config"
	"adminease/internal/httpapi"
	"adminease/internal/metrics"
	"adminease/internal/rbac"
	"adminease/internal/tokens"
	"adminease/internal/users"
)

type testServer struct {
	router *gin.Engine
	store  *tokens.MemoryStore
	events *audit.MemoryRepo
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	signer, err := auth.NewSigner(config.AuthConfig{
		JWTSecret: base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("k"), auth.MinKeyBytes)),
	})
	require.NoError(t, err)

	dir := users.NewDirectory(users.NewMemoryRepo(), bcrypt.MinCost)
	for _, u := range []users.NewUser{
		{Subject: "teacher1", Email: "t1@uni.test", Password: "correct-horse", Role: rbac.RoleTeacher},
		{Subject: "root", Email: "root@uni.test", Password: "correct-horse", Role: rbac.RoleAdmin},
	} {
		_, err := dir.Register(context.Background(), u)
		require.NoError(t, err)
	}

	store := tokens.NewMemoryStore()
	events := audit.NewMemoryRepo()
	app := &bootstrap.App{
		Store:   store,
		Users:   dir,
		Audit:   audit.NewService(events),
		Metrics: metrics.New(),
	}
	app.Auth = auth.NewService(auth.Deps{
		Signer:     signer,
		Store:      store,
		Verifier:   dir,
		Principals: dir,
		Auditor:    app.Audit,
		Metrics:    app.Metrics,
	}, time.Minute, time.Hour)
	app.Reaper = tokens.NewReaper(store, nil, app.Metrics)

	r := gin.New()
	r.Use(app.Metrics.Middleware())
	r.Use(httpapi.ClientIP())
	registerRoutes(r, app)
	return testServer{router: r, store: store, events: events}
}

func (s testServer) call(t *testing.T, method, path, body, bearer string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var out map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w.Code, out
}

func (s testServer) login(t *testing.T, subject string) (access, refresh string) {
	t.Helper()
	code, body := s.call(t, http.MethodPost, "/api/v1/auth/authenticate", `{"subject":"`+subject+`","password":"correct-horse"}`, "")
	require.Equal(t, http.StatusOK, code)
	return body["accessToken"].(string), body["refreshToken"].(string)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)
	access, refresh := s.login(t, "teacher1")

	code, me := s.call(t, http.MethodGet, "/api/v1/me", "", access)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "teacher1", me["subject"])
	assert.Equal(t, rbac.RoleTeacher, me["role"])

	code, pair := s.call(t, http.MethodPost, "/api/v1/auth/refresh-token", "", refresh)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, refresh, pair["refreshToken"])
	fresh := pair["accessToken"].(string)

	code, _ = s.call(t, http.MethodGet, "/api/v1/me", "", fresh)
	require.Equal(t, http.StatusOK, code)

	code, out := s.call(t, http.MethodPost, "/api/v1/auth/logout", "", fresh)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "Logged out successfully!", out["message"])

	code, _ = s.call(t, http.MethodGet, "/api/v1/me", "", fresh)
	assert.Equal(t, http.StatusUnauthorized, code)

	// Logging out twice is harmless.
	code, _ = s.call(t, http.MethodGet, "/api/v1/auth/logout", "", fresh)
	assert.Equal(t, http.StatusOK, code)

	assert.Len(t, s.events.ByType(audit.EventLoginSucceeded), 1)
	assert.NotEmpty(t, s.events.ByType(audit.EventLogout))
}

func TestSecondLoginRevokesFirst(t *testing.T) {
	s := newTestServer(t)
	first, _ := s.login(t, "teacher1")
	second, _ := s.login(t, "teacher1")

	code, _ := s.call(t, http.MethodGet, "/api/v1/me", "", first)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = s.call(t, http.MethodGet, "/api/v1/me", "", second)
	assert.Equal(t, http.StatusOK, code)
}

func TestProtectedRoutes(t *testing.T) {
	s := newTestServer(t)

	code, _ := s.call(t, http.MethodGet, "/api/v1/me", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.call(t, http.MethodGet, "/api/v1/me", "", "not-a-jwt")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = s.call(t, http.MethodPost, "/api/v1/auth/authenticate", `{"subject":"teacher1","password":"wrong-horse"}`, "")
	assert.Equal(t, http.StatusUnauthorized, code)

	teacher, _ := s.login(t, "teacher1")
	code, _ = s.call(t, http.MethodPost, "/api/v1/admin/tokens/reap", "", teacher)
	assert.Equal(t, http.StatusForbidden, code)
}

func TestAdminReap(t *testing.T) {
	s := newTestServer(t)
	teacher, _ := s.login(t, "teacher1")
	s.login(t, "teacher1") // supersedes the first session
	_, _ = s.call(t, http.MethodPost, "/api/v1/auth/logout", "", teacher)

	admin, _ := s.login(t, "root")
	code, body := s.call(t, http.MethodPost, "/api/v1/admin/tokens/reap", "", admin)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["deleted"])
	assert.Equal(t, 2, s.store.Len())
	assert.Len(t, s.events.ByType(audit.EventTokensReaped), 1)
}

func TestPublicEndpoints(t *testing.T) {
	s := newTestServer(t)
	code, _ := s.call(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, code)

	s.login(t, "teacher1")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `auth_logins_total{result="ok"} 1`)
}
