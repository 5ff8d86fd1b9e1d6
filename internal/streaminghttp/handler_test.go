package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restmcp/gateway/auth"
	"github.com/restmcp/gateway/internal/dispatcher"
	"github.com/restmcp/gateway/internal/mcpsession"
	"github.com/restmcp/gateway/internal/oauthflow"
	"github.com/restmcp/gateway/internal/otp"
	"github.com/restmcp/gateway/internal/resolver"
	"github.com/restmcp/gateway/internal/sessionstore"
	"github.com/restmcp/gateway/internal/storage/memory"
)

type gatewayFixture struct {
	handler  *Handler
	server   *httptest.Server
	sessions *sessionstore.Store
	mcp      *mcpsession.Manager
}

type allowAllVerifier struct{}

func (allowAllVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	return auth.NewIdentity("user-"+token, nil), nil
}

// newGateway builds a full transport. withAuth wires a resolver whose
// verifier accepts any bearer token; without it the transport runs open.
func newGateway(t *testing.T, withAuth bool) *gatewayFixture {
	t.Helper()

	kv := memory.New()
	t.Cleanup(func() { kv.Close() })
	tickets := otp.NewExchanger(kv)
	sessions := sessionstore.New(nil)
	mcp := mcpsession.NewManager(nil)

	disp := dispatcher.New(nil)
	require.NoError(t, disp.RegisterTool(dispatcher.Tool{
		Name: "echo",
		Handler: func(_ context.Context, args json.RawMessage, bearer string) (*dispatcher.ToolResult, error) {
			return &dispatcher.ToolResult{Content: dispatcher.TextContent(string(args))}, nil
		},
	}))

	flow := oauthflow.New(oauthflow.Config{
		AuthorizationEndpoint: "https://idp.example.com/authorize",
		TokenEndpoint:         "https://idp.example.com/token",
		ClientID:              "gateway",
		RedirectURL:           "https://gw.example.com/oauth/callback",
	}, tickets, sessions, nil)

	var res *resolver.Resolver
	if withAuth {
		var err error
		res, err = resolver.New(resolver.Config{
			Verifier: allowAllVerifier{},
			Sessions: sessions,
			ClientID: "gateway",
		}, nil)
		require.NoError(t, err)
	}

	h, err := New(Config{
		PublicEndpoint: "https://gw.example.com/mcp",
		ServerName:     "rest-gateway",
		ServerVersion:  "1.0.0",
		Issuer:         "https://idp.example.com",
		JWKSURI:        "https://idp.example.com/keys",
	}, sessions, mcp, tickets, flow, disp, res, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &gatewayFixture{handler: h, server: srv, sessions: sessions, mcp: mcp}
}

func (g *gatewayFixture) post(t *testing.T, body string, hdrs map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, g.server.URL+"/mcp", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdrs {
		req.Header.Set(k, v)
	}
	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	return res
}

func initializeBody(id int) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`, id)
}

func (g *gatewayFixture) initialize(t *testing.T) (sessionID string) {
	t.Helper()
	res := g.post(t, initializeBody(1), nil)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	sessionID = res.Header.Get("Mcp-Session-Id")
	require.NotEmpty(t, sessionID)
	return sessionID
}

func TestInitialize_CreatesSessionAndLoginURL(t *testing.T) {
	g := newGateway(t, false)

	res := g.post(t, initializeBody(1), nil)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	sessID := res.Header.Get("Mcp-Session-Id")
	require.Len(t, sessID, 64)
	assert.Equal(t, "2025-03-26", res.Header.Get("MCP-Protocol-Version"))

	var rpc struct {
		Result initializeResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rpc))
	assert.Equal(t, "2025-03-26", rpc.Result.ProtocolVersion)
	assert.Equal(t, "rest-gateway", rpc.Result.ServerInfo["name"])
	assert.Contains(t, rpc.Result.Instructions, "/auth/login?otp_token=")

	// The transport session is paired with a pending token session.
	sess, found := g.mcp.Get(sessID)
	require.True(t, found)
	stored, found := g.sessions.GetSession(sess.OAuthHandle)
	require.True(t, found)
	assert.Equal(t, sessionstore.StatusPending, stored.Status)
}

func TestInitialize_UnknownVersionFallsBack(t *testing.T) {
	g := newGateway(t, false)

	res := g.post(t, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2031-01-01"}}`, nil)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "2025-03-26", res.Header.Get("MCP-Protocol-Version"))
}

func TestPost_MalformedProtocolVersionHeader(t *testing.T) {
	g := newGateway(t, false)

	res := g.post(t, initializeBody(1), map[string]string{"MCP-Protocol-Version": "2025/01/01"})
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	body, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(body), "MCP-Protocol-Version")
}

func TestPost_NonInitializeWithoutSessionIs404(t *testing.T) {
	g := newGateway(t, false)

	res := g.post(t, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestPost_SecondInitializeConflicts(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	res := g.post(t, initializeBody(2), map[string]string{"Mcp-Session-Id": sessID})
	defer res.Body.Close()
	assert.Equal(t, http.StatusConflict, res.StatusCode)
}

func TestPost_ToolCallJSON(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	res := g.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`,
		map[string]string{"Mcp-Session-Id": sessID})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")

	var rpc struct {
		Result dispatcher.ToolResult `json:"result"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&rpc))
	require.Len(t, rpc.Result.Content, 1)
	assert.Contains(t, rpc.Result.Content[0].Text, `"x":1`)
}

func TestPost_NotificationAccepted(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	res := g.post(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		map[string]string{"Mcp-Session-Id": sessID})
	defer res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestPost_BatchForbidden(t *testing.T) {
	g := newGateway(t, false)

	res := g.post(t, `[{"jsonrpc":"2.0","id":1,"method":"initialize"}]`, nil)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestPost_SSEOneShotCarriesEventID(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	res := g.post(t, `{"jsonrpc":"2.0","id":2,"method":"ping"}`,
		map[string]string{"Mcp-Session-Id": sessID, "Accept": "text/event-stream"})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("id: 1\n")), "got %q", body)
	assert.Contains(t, string(body), `data: {"jsonrpc":"2.0"`)
}

func TestPost_WildcardAcceptGetsPlainJSON(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	res := g.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": sessID, "Accept": "*/*"})
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "application/json")
}

func TestOrigin_AllowListEnforced(t *testing.T) {
	g := newGateway(t, false)

	res := g.post(t, initializeBody(1), map[string]string{"Origin": "https://evil.example.net"})
	defer res.Body.Close()
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	// Loopback origins and the gateway's own origin always pass.
	res = g.post(t, initializeBody(1), map[string]string{"Origin": "http://localhost:3000"})
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res = g.post(t, initializeBody(1), map[string]string{"Origin": "https://gw.example.com"})
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAuth_DeniedWithBearerChallenge(t *testing.T) {
	g := newGateway(t, true)
	sessID := g.initialize(t)

	res := g.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": sessID})
	defer res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	challenge := res.Header.Get("WWW-Authenticate")
	require.NotEmpty(t, challenge)
	assert.True(t, strings.HasPrefix(challenge, "Bearer"))
	assert.Contains(t, challenge, "oauth-protected-resource")
}

func TestAuth_ExplicitBearerWins(t *testing.T) {
	g := newGateway(t, true)
	sessID := g.initialize(t)

	res := g.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": sessID, "Authorization": "Bearer tok"})
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAuth_CookieTokenAcceptedAsBearer(t *testing.T) {
	g := newGateway(t, true)
	sessID := g.initialize(t)

	req, err := http.NewRequest(http.MethodPost, g.server.URL+"/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.AddCookie(&http.Cookie{Name: "access_token", Value: "cookie-tok"})

	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestAuth_SessionTokenAfterLogin(t *testing.T) {
	g := newGateway(t, true)
	sessID := g.initialize(t)

	sess, found := g.mcp.Get(sessID)
	require.True(t, found)
	require.True(t, g.sessions.SetAuthenticated(sess.OAuthHandle, "stored-token", "", 3600, "user-1", "", "", 0))

	res := g.post(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		map[string]string{"Mcp-Session-Id": sessID})
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestDelete_UnknownSessionIs404(t *testing.T) {
	g := newGateway(t, false)

	req, err := http.NewRequest(http.MethodDelete, g.server.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", strings.Repeat("ab", 32))
	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func openStream(t *testing.T, g *gatewayFixture, sessID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, g.server.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	return res
}

func TestDelete_ClosesOpenStreams(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	s1 := openStream(t, g, sessID)
	defer s1.Body.Close()
	s2 := openStream(t, g, sessID)
	defer s2.Body.Close()

	sess, _ := g.mcp.Get(sessID)
	require.Eventually(t, func() bool { return sess.StreamCount() == 2 }, time.Second, 10*time.Millisecond)

	req, err := http.NewRequest(http.MethodDelete, g.server.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Mcp-Session-Id", sessID)
	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "terminated", body["status"])

	// Both standing streams end once the session is gone.
	done := make(chan struct{}, 2)
	for _, s := range []*http.Response{s1, s2} {
		go func(s *http.Response) {
			io.Copy(io.Discard, s.Body)
			done <- struct{}{}
		}(s)
	}
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("stream did not close after DELETE")
		}
	}
}

func TestGet_StreamDeliversPublishedEventsInOrder(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)

	stream := openStream(t, g, sessID)
	defer stream.Body.Close()

	sess, _ := g.mcp.Get(sessID)
	require.Eventually(t, func() bool { return sess.StreamCount() == 1 }, time.Second, 10*time.Millisecond)

	sess.Publish([]byte(`{"jsonrpc":"2.0","method":"notifications/one"}`))
	sess.Publish([]byte(`{"jsonrpc":"2.0","method":"notifications/two"}`))

	r := bufio.NewReader(stream.Body)
	var ids []string
	for len(ids) < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	assert.Equal(t, []string{"1", "2"}, ids)
}

func TestGet_LastEventIDReplaysMissedEvents(t *testing.T) {
	g := newGateway(t, false)
	sessID := g.initialize(t)
	sess, _ := g.mcp.Get(sessID)

	for i := 1; i <= 3; i++ {
		sess.Publish([]byte(fmt.Sprintf(`{"jsonrpc":"2.0","method":"notifications/n%d"}`, i)))
	}

	req, err := http.NewRequest(http.MethodGet, g.server.URL+"/mcp", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	req.Header.Set("Last-Event-ID", "1")
	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	r := bufio.NewReader(res.Body)
	var ids []string
	for len(ids) < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
	}
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestWellKnownAndHealth(t *testing.T) {
	g := newGateway(t, false)

	for _, path := range []string{
		"/.well-known/oauth-protected-resource",
		"/.well-known/oauth-authorization-server",
		"/.well-known/openid-configuration",
	} {
		res, err := g.server.Client().Get(g.server.URL + path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, res.StatusCode, path)
		assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"), path)
		res.Body.Close()
	}

	res, err := g.server.Client().Get(g.server.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer res.Body.Close()
	var md map[string]any
	require.NoError(t, json.NewDecoder(res.Body).Decode(&md))
	assert.Equal(t, "https://idp.example.com", md["issuer"])

	health, err := g.server.Client().Get(g.server.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	var hb map[string]string
	require.NoError(t, json.NewDecoder(health.Body).Decode(&hb))
	assert.Equal(t, "ok", hb["status"])
	assert.NotEmpty(t, hb["timestamp"])
}

func TestPost_WrongContentType(t *testing.T) {
	g := newGateway(t, false)

	req, err := http.NewRequest(http.MethodPost, g.server.URL+"/mcp", strings.NewReader("x=1"))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	res, err := g.server.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusUnsupportedMediaType, res.StatusCode)
}
