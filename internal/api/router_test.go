package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/isdelr/openclaw-command-center/internal/api/respond"
	"github.com/isdelr/openclaw-command-center/internal/database"
	"github.com/isdelr/openclaw-command-center/internal/services"
	"github.com/isdelr/openclaw-command-center/internal/session"
	"github.com/isdelr/openclaw-command-center/internal/status"
	"github.com/isdelr/openclaw-command-center/internal/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type fakeIndicator struct{}

func (fakeIndicator) View() status.View {
	return status.View{State: "connected", Icon: "🟢", Text: "Connected", Class: "status-connected", Color: "#10b981"}
}

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	sent      []string
}

func (f *fakeUpstream) Send(msgType string, payload any) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return false
	}
	f.sent = append(f.sent, msgType)
	return true
}

type testEnv struct {
	server   *httptest.Server
	auth     *services.AuthService
	upstream *fakeUpstream
}

func setup(t *testing.T, limiter *IPRateLimiter) *testEnv {
	t.Helper()

	db, err := database.New(database.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(db, database.DriverSQLite))

	events := services.NewEventService(db)
	authService, err := services.NewAuthService(services.NewUserService(db), events,
		services.AuthOptions{LoginDelay: 10 * time.Millisecond, BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	hub := websocket.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	upstream := &fakeUpstream{connected: true}
	router := NewRouter(Dependencies{
		Auth:           authService,
		Events:         events,
		Sessions:       session.NewManager(session.NewMemoryStore(), session.Options{CookieName: "openclaw_session"}),
		Hub:            hub,
		Indicator:      fakeIndicator{},
		Upstream:       upstream,
		LoginLimiter:   limiter,
		AllowedOrigins: []string{"http://localhost"},
	})

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &testEnv{server: server, auth: authService, upstream: upstream}
}

func (e *testEnv) createUser(t *testing.T, username, role string) {
	t.Helper()
	_, err := e.auth.CreateUser(t.Context(), username, username+"-password", username+"@example.com", role)
	require.NoError(t, err)
}

func newBrowser(t *testing.T) *http.Client {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &http.Client{Jar: jar}
}

func do(t *testing.T, c *http.Client, method, url string, body any) (*http.Response, respond.Envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env respond.Envelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env
}

func (e *testEnv) login(t *testing.T, c *http.Client, username, password string) (*http.Response, respond.Envelope) {
	t.Helper()
	return do(t, c, http.MethodPost, e.server.URL+"/api/v1/auth/login", map[string]string{"username": username, "password": password})
}

func dataMap(t *testing.T, env respond.Envelope) map[string]any {
	t.Helper()
	m, ok := env.Data.(map[string]any)
	require.True(t, ok, "data is %T", env.Data)
	return m
}

func TestLogin_Success(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "alice", "admin")
	browser := newBrowser(t)

	resp, body := env.login(t, browser, "  alice ", "alice-password")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)

	data := dataMap(t, body)
	assert.Equal(t, "Login successful", data["message"])
	user := data["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "admin", user["role"])
	assert.NotContains(t, user, "password_hash")

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "openclaw_session" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookie.SameSite)

	_, verify := do(t, browser, http.MethodGet, env.server.URL+"/api/v1/auth/verify", nil)
	assert.Equal(t, true, dataMap(t, verify)["authenticated"])
}

func TestLogin_Failures(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "alice", "viewer")

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"missing password", map[string]string{"username": "alice"}, http.StatusBadRequest, respond.CodeInvalidInput},
		{"empty username", map[string]string{"username": "", "password": "x"}, http.StatusBadRequest, respond.CodeInvalidInput},
		{"wrong password", map[string]string{"username": "alice", "password": "nope-nope"}, http.StatusUnauthorized, respond.CodeAuthFailed},
		{"unknown user", map[string]string{"username": "mallory", "password": "whatever1"}, http.StatusUnauthorized, respond.CodeAuthFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, newBrowser(t), http.MethodPost, env.server.URL+"/api/v1/auth/login", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.False(t, body.Success)
			require.NotNil(t, body.Error)
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestLogout(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "alice", "viewer")
	browser := newBrowser(t)

	resp, _ := env.login(t, browser, "alice", "alice-password")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, browser, http.MethodPost, env.server.URL+"/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Logout successful", dataMap(t, body)["message"])

	_, verify := do(t, browser, http.MethodGet, env.server.URL+"/api/v1/auth/verify", nil)
	assert.Equal(t, false, dataMap(t, verify)["authenticated"])
	assert.NotContains(t, dataMap(t, verify), "user")

	// Logging out again is still a success.
	resp, _ = do(t, browser, http.MethodPost, env.server.URL+"/api/v1/auth/logout", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouting_Fallbacks(t *testing.T) {
	env := setup(t, nil)

	resp, body := do(t, newBrowser(t), http.MethodGet, env.server.URL+"/api/v1/auth/login", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, respond.CodeMethodNotAllowed, body.Error.Code)

	resp, body = do(t, newBrowser(t), http.MethodGet, env.server.URL+"/api/v1/auth/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, respond.CodeNotFound, body.Error.Code)

	resp, body = do(t, newBrowser(t), http.MethodGet, env.server.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, body.Success)
}

func TestLogin_RateLimited(t *testing.T) {
	env := setup(t, NewIPRateLimiter(1, 2))
	browser := newBrowser(t)

	for i := 0; i < 2; i++ {
		resp, _ := env.login(t, browser, "ghost", "whatever1")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp, body := env.login(t, browser, "ghost", "whatever1")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, respond.CodeRateLimited, body.Error.Code)
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestUsers_Create(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "admin", "admin")
	env.createUser(t, "viewer", "viewer")

	viewer := newBrowser(t)
	env.login(t, viewer, "viewer", "viewer-password")
	resp, body := do(t, viewer, http.MethodPost, env.server.URL+"/api/v1/users", map[string]string{"username": "bob", "password": "bob-password"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, respond.CodeForbidden, body.Error.Code)

	resp, body = do(t, newBrowser(t), http.MethodPost, env.server.URL+"/api/v1/users", map[string]string{"username": "bob", "password": "bob-password"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, respond.CodeUnauthorized, body.Error.Code)

	admin := newBrowser(t)
	env.login(t, admin, "admin", "admin-password")

	tests := []struct {
		name   string
		body   map[string]string
		status int
		code   string
	}{
		{"created", map[string]string{"username": "bob", "password": "bob-password", "role": "operator"}, http.StatusCreated, ""},
		{"duplicate", map[string]string{"username": "bob", "password": "bob-password"}, http.StatusConflict, respond.CodeDuplicateUsername},
		{"weak", map[string]string{"username": "carol", "password": "short"}, http.StatusBadRequest, respond.CodeWeakPassword},
		{"bad role", map[string]string{"username": "dave", "password": "dave-password", "role": "root"}, http.StatusBadRequest, respond.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, admin, http.MethodPost, env.server.URL+"/api/v1/users", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code == "" {
				assert.NotZero(t, dataMap(t, body)["user_id"])
				return
			}
			assert.Equal(t, tt.code, body.Error.Code)
		})
	}
}

func TestUsers_ChangePassword(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "alice", "viewer") // id 1
	env.createUser(t, "bob", "viewer")   // id 2

	alice := newBrowser(t)
	env.login(t, alice, "alice", "alice-password")

	url := env.server.URL + "/api/v1/users/%s/password"
	tests := []struct {
		name   string
		id     string
		body   map[string]string
		status int
		code   string
	}{
		{"other user", "2", map[string]string{"currentPassword": "bob-password", "newPassword": "new-password"}, http.StatusForbidden, respond.CodeForbidden},
		{"weak", "1", map[string]string{"currentPassword": "alice-password", "newPassword": "short"}, http.StatusBadRequest, respond.CodeWeakPassword},
		{"wrong current", "1", map[string]string{"currentPassword": "nope", "newPassword": "new-password"}, http.StatusBadRequest, respond.CodeWrongPassword},
		{"bad id", "abc", map[string]string{}, http.StatusBadRequest, respond.CodeInvalidInput},
		{"changed", "1", map[string]string{"currentPassword": "alice-password", "newPassword": "new-password"}, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, alice, http.MethodPut, strings.Replace(url, "%s", tt.id, 1), tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, body.Error.Code)
			}
		})
	}

	resp, _ := env.login(t, newBrowser(t), "alice", "new-password")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventsAndStatus(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "admin", "admin")

	resp, _ := do(t, newBrowser(t), http.MethodGet, env.server.URL+"/api/v1/status", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	admin := newBrowser(t)
	env.login(t, admin, "admin", "admin-password")

	resp, body := do(t, admin, http.MethodGet, env.server.URL+"/api/v1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conn := dataMap(t, body)["connection"].(map[string]any)
	assert.Equal(t, "connected", conn["state"])

	resp, body = do(t, admin, http.MethodGet, env.server.URL+"/api/v1/events?limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events, ok := body.Data.([]any)
	require.True(t, ok)
	assert.NotEmpty(t, events, "user creation and login are audited")
}

func TestWebSocket_SubscribeAndForward(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "op", "operator")
	env.createUser(t, "viewer", "viewer")

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"

	_, resp, err := gorilla.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err, "anonymous dashboards are rejected")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	dial := func(username string) *gorilla.Conn {
		browser := newBrowser(t)
		r, _ := env.login(t, browser, username, username+"-password")
		require.Equal(t, http.StatusOK, r.StatusCode)
		dialer := gorilla.Dialer{Jar: browser.Jar, HandshakeTimeout: time.Second}
		conn, _, err := dialer.Dial(wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		return conn
	}
	read := func(conn *gorilla.Conn) websocket.Message {
		var msg websocket.Message
		require.NoError(t, conn.ReadJSON(&msg))
		return msg
	}

	op := dial("op")
	require.NoError(t, op.WriteJSON(map[string]string{"type": "subscribe", "topic": "agent_status"}))
	msg := read(op)
	assert.Equal(t, websocket.TypeSubscribed, msg.Type)
	assert.Equal(t, "agent_status", msg.Topic)

	require.NoError(t, op.WriteJSON(map[string]any{"type": "restart_agent", "data": map[string]string{"id": "a-1"}}))
	msg = read(op)
	assert.Equal(t, websocket.TypeCommandResult, msg.Type)
	assert.JSONEq(t, `{"command":"restart_agent","sent":true}`, string(msg.Data))

	env.upstream.mu.Lock()
	assert.Equal(t, []string{"restart_agent"}, env.upstream.sent)
	env.upstream.connected = false
	env.upstream.mu.Unlock()

	require.NoError(t, op.WriteJSON(map[string]any{"type": "restart_agent"}))
	msg = read(op)
	assert.JSONEq(t, `{"command":"restart_agent","sent":false,"error":"Fleet stream not connected"}`, string(msg.Data))

	viewer := dial("viewer")
	require.NoError(t, viewer.WriteJSON(map[string]any{"type": "restart_agent"}))
	msg = read(viewer)
	assert.Equal(t, websocket.TypeError, msg.Type)
	assert.Contains(t, string(msg.Data), "Insufficient permissions")
}

func TestWebSocket_LogoutClosesOwnSockets(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "op", "operator")
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"

	open := func(browser *http.Client) *gorilla.Conn {
		r, _ := env.login(t, browser, "op", "op-password")
		require.Equal(t, http.StatusOK, r.StatusCode)
		dialer := gorilla.Dialer{Jar: browser.Jar, HandshakeTimeout: time.Second}
		conn, _, err := dialer.Dial(wsURL, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

		require.NoError(t, conn.WriteJSON(map[string]string{"type": "subscribe", "topic": "agent_status"}))
		var msg websocket.Message
		require.NoError(t, conn.ReadJSON(&msg))
		require.Equal(t, websocket.TypeSubscribed, msg.Type)
		return conn
	}

	laptop := newBrowser(t)
	phone := newBrowser(t)
	laptopConn := open(laptop)
	phoneConn := open(phone)

	resp, _ := do(t, laptop, http.MethodPost, env.server.URL+"/api/v1/auth/logout", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, _, err := laptopConn.ReadMessage()
	assert.Error(t, err, "socket of the ended login is closed")

	require.NoError(t, phoneConn.WriteJSON(map[string]string{"type": "unsubscribe", "topic": "agent_status"}))
	var msg websocket.Message
	require.NoError(t, phoneConn.ReadJSON(&msg))
	assert.Equal(t, websocket.TypeUnsubscribed, msg.Type, "other logins keep their sockets")
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	env := setup(t, nil)
	env.createUser(t, "op", "operator")

	browser := newBrowser(t)
	env.login(t, browser, "op", "op-password")

	dialer := gorilla.Dialer{Jar: browser.Jar, HandshakeTimeout: time.Second}
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws"
	_, resp, err := dialer.Dial(wsURL, http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
