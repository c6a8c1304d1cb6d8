package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/Relay/internal/app"
	"github.com/dkeye/Relay/internal/config"
	"github.com/dkeye/Relay/internal/core"
	"github.com/dkeye/Relay/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitTimeout = 2 * time.Second
	testSecret  = "test-secret"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Mode:       "test",
		Port:       8080,
		ReadLimit:  4096,
		PingPeriod: time.Hour,
		PongWait:   2 * time.Hour,
		WriteWait:  time.Second,
		Secret:     testSecret,
		Hub:        config.HubConfig{Capacity: app.DefaultHubCapacity},
		Auth:       config.AuthConfig{AllowAnonymous: true, TokenTTL: time.Hour},
		RateLimit:  config.RateLimitConfig{Connects: 100, Interval: time.Minute},
	}
}

type testServer struct {
	*httptest.Server
	orch *app.Orchestrator
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	orch := app.NewOrchestrator(app.NewRegistry(), app.NewHub(cfg.Hub.Capacity), nil)
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, orch))
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), waitTimeout)
		defer scancel()
		_ = orch.Shutdown(sctx)
	})
	return &testServer{Server: srv, orch: orch}
}

func (s *testServer) wsURL(query url.Values) string {
	u := "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// dial connects and waits until the new session is subscribed to the hub.
func (s *testServer) dial(t *testing.T, d *websocket.Dialer, query url.Values, header http.Header) *websocket.Conn {
	t.Helper()
	want := s.orch.Hub.Subscribers() + 1
	conn, resp, err := d.Dial(s.wsURL(query), header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return s.orch.Hub.Subscribers() >= want }, waitTimeout, 5*time.Millisecond)
	return conn
}

func (s *testServer) dialAs(t *testing.T, username string) *websocket.Conn {
	t.Helper()
	return s.dial(t, websocket.DefaultDialer, url.Values{"username": {username}}, nil)
}

func (s *testServer) dialStatus(t *testing.T, query url.Values, header http.Header) int {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(s.wsURL(query), header)
	if conn != nil {
		_ = conn.Close()
		t.Fatal("expected the handshake to be refused")
	}
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	return resp.StatusCode
}

func sendMsg(t *testing.T, conn *websocket.Conn, m domain.Message) {
	t.Helper()
	b, err := domain.Serialize(m)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
}

func expectMsg(t *testing.T, conn *websocket.Conn, room domain.RoomName, username string, data domain.Data) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitTimeout)))
	mt, b, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, mt)
	m, err := domain.Parse(b)
	require.NoError(t, err)
	require.Equal(t, room, m.Room)
	require.Equal(t, username, m.Username)
	require.Equal(t, data, m.Data)
}

func getJSON(t *testing.T, client *http.Client, u string, out any) int {
	t.Helper()
	resp, err := client.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestRouterLobbyOverWebSocket(t *testing.T) {
	s := newTestServer(t, nil)
	linuxfish := s.dialAs(t, "linuxfish")
	alice := s.dialAs(t, "alice")

	sendMsg(t, linuxfish, domain.NewJoin("lobby", "linuxfish"))
	expectMsg(t, linuxfish, "lobby", "linuxfish", domain.Join())
	expectMsg(t, alice, "lobby", "linuxfish", domain.Join())

	sendMsg(t, alice, domain.NewJoin("lobby", "alice"))
	expectMsg(t, linuxfish, "lobby", "alice", domain.Join())
	expectMsg(t, alice, "lobby", "alice", domain.Join())

	sendMsg(t, linuxfish, domain.NewText("lobby", "linuxfish", "hello world"))
	expectMsg(t, linuxfish, "lobby", "linuxfish", domain.Text("hello world"))
	expectMsg(t, alice, "lobby", "linuxfish", domain.Text("hello world"))

	var rooms struct {
		Rooms []core.RoomInfo `json:"rooms"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, s.Client(), s.URL+"/api/rooms", &rooms))
	assert.Equal(t, []core.RoomInfo{{Name: "lobby", UserCount: 2}}, rooms.Rooms)

	var users struct {
		Room  string   `json:"room"`
		Users []string `json:"users"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, s.Client(), s.URL+"/api/rooms/lobby/users", &users))
	assert.Equal(t, "lobby", users.Room)
	assert.Equal(t, []string{"alice", "linuxfish"}, users.Users)

	var health struct {
		Status      string `json:"status"`
		Sessions    int    `json:"sessions"`
		Subscribers int    `json:"subscribers"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, s.Client(), s.URL+"/healthz", &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.Sessions)
	assert.Equal(t, 2, health.Subscribers)
}

func TestRouterDisconnectPublishesLeave(t *testing.T) {
	s := newTestServer(t, nil)
	observer := s.dialAs(t, "observer")
	u := s.dialAs(t, "u")

	sendMsg(t, u, domain.NewJoin("a", "u"))
	expectMsg(t, observer, "a", "u", domain.Join())
	sendMsg(t, u, domain.NewJoin("b", "u"))
	expectMsg(t, observer, "b", "u", domain.Join())

	require.NoError(t, u.Close())
	expectMsg(t, observer, "a", "u", domain.Leave())
	expectMsg(t, observer, "b", "u", domain.Leave())

	var rooms struct {
		Username string   `json:"username"`
		Rooms    []string `json:"rooms"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, s.Client(), s.URL+"/api/users/u/rooms", &rooms))
	assert.Equal(t, "u", rooms.Username)
	assert.Empty(t, rooms.Rooms)
}

func TestRouterTokenIdentity(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Auth.AllowAnonymous = false })
	token, err := IssueToken([]byte(testSecret), "carol", time.Minute)
	require.NoError(t, err)

	byHeader := s.dial(t, websocket.DefaultDialer, nil, http.Header{"Authorization": {"Bearer " + token}})
	sendMsg(t, byHeader, domain.NewJoin("lobby", "someone-else"))
	expectMsg(t, byHeader, "lobby", "carol", domain.Join())

	byQuery := s.dial(t, websocket.DefaultDialer, url.Values{"token": {token}}, nil)
	sendMsg(t, byQuery, domain.NewText("lobby", "carol", "hi"))
	expectMsg(t, byQuery, "lobby", "carol", domain.Text("hi"))
}

func TestRouterRejectsHandshake(t *testing.T) {
	expired, err := IssueToken([]byte(testSecret), "carol", -time.Minute)
	require.NoError(t, err)
	foreign, err := IssueToken([]byte("other-secret"), "carol", time.Minute)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*config.Config)
		query  url.Values
		header http.Header
		want   int
	}{
		{"no identity", nil, nil, nil, http.StatusUnauthorized},
		{"anonymous disabled", func(c *config.Config) { c.Auth.AllowAnonymous = false }, url.Values{"username": {"alice"}}, nil, http.StatusUnauthorized},
		{"garbage token", nil, url.Values{"token": {"not-a-jwt"}, "username": {"alice"}}, nil, http.StatusUnauthorized},
		{"expired token", nil, url.Values{"token": {expired}}, nil, http.StatusUnauthorized},
		{"wrong key", nil, nil, http.Header{"Authorization": {"Bearer " + foreign}}, http.StatusUnauthorized},
		{"tokens disabled", func(c *config.Config) { c.Secret = "" }, url.Values{"token": {foreign}}, nil, http.StatusUnauthorized},
		{"username too long", nil, url.Values{"username": {strings.Repeat("x", domain.MaxUsernameLen+1)}}, nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, tc.mutate)
			assert.Equal(t, tc.want, s.dialStatus(t, tc.query, tc.header))
			assert.Equal(t, 0, s.orch.SessionCount())
		})
	}
}

func TestRouterRateLimitsConnects(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.RateLimit.Connects = 1 })
	s.dialAs(t, "alice")
	assert.Equal(t, http.StatusTooManyRequests, s.dialStatus(t, url.Values{"username": {"alice"}}, nil))
	s.dialAs(t, "bob")
}

func TestRouterPlainGetOnWS(t *testing.T) {
	s := newTestServer(t, nil)
	resp, err := s.Client().Get(s.URL + "/ws?username=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, s.orch.SessionCount())
}

func TestRouterCookieSession(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.Auth.AllowAnonymous = true })
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	client := &http.Client{Jar: jar}

	assert.Equal(t, http.StatusUnauthorized, getJSON(t, client, s.URL+"/api/session", nil))

	resp, err := client.Post(s.URL+"/api/session", "application/json", bytes.NewBufferString(`{"username":"dave"}`))
	require.NoError(t, err)
	var login struct {
		Username string `json:"username"`
		Token    string `json:"token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dave", login.Username)
	assert.NotEmpty(t, login.Token)

	var who struct {
		Username string `json:"username"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, client, s.URL+"/api/session", &who))
	assert.Equal(t, "dave", who.Username)

	dialer := *websocket.DefaultDialer
	dialer.Jar = jar
	conn := s.dial(t, &dialer, nil, nil)
	sendMsg(t, conn, domain.NewJoin("lobby", "dave"))
	expectMsg(t, conn, "lobby", "dave", domain.Join())

	req, err := http.NewRequest(http.MethodDelete, s.URL+"/api/session", nil)
	require.NoError(t, err)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, getJSON(t, client, s.URL+"/api/session", nil))
}

func TestRouterLoginValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
		body   string
		want   int
	}{
		{"missing username", nil, `{}`, http.StatusBadRequest},
		{"too long", nil, `{"username":"` + strings.Repeat("x", domain.MaxUsernameLen+1) + `"}`, http.StatusBadRequest},
		{"anonymous disabled", func(c *config.Config) { c.Auth.AllowAnonymous = false }, `{"username":"dave"}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, tc.mutate)
			resp, err := s.Client().Post(s.URL+"/api/session", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.want, resp.StatusCode)
		})
	}
}

func TestRouterSessionCookieAttributes(t *testing.T) {
	cases := []struct {
		name   string
		secure bool
	}{
		{"plain http listener", false},
		{"behind tls", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestServer(t, func(c *config.Config) { c.CookieSecure = tc.secure })
			resp, err := s.Client().Post(s.URL+"/api/session", "application/json", strings.NewReader(`{"username":"dave"}`))
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			var session *http.Cookie
			for _, ck := range resp.Cookies() {
				if ck.Name == "RelaySessions" {
					session = ck
				}
			}
			require.NotNil(t, session, "login must set the session cookie")
			assert.Equal(t, tc.secure, session.Secure)
			assert.True(t, session.HttpOnly)
			assert.Equal(t, http.SameSiteLaxMode, session.SameSite)
			assert.Equal(t, "/", session.Path)
		})
	}
}
