// Package streaminghttp implements the MCP streaming HTTP transport: POST,
// GET and DELETE on the /mcp endpoint, the browser-facing login endpoints,
// well-known discovery documents, and a liveness probe. JSON-RPC handling is
// delegated to the shared dispatcher so the stdio transport stays in lockstep.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/restmcp/gateway/auth"
	"github.com/restmcp/gateway/internal/dispatcher"
	"github.com/restmcp/gateway/internal/jsonrpc"
	"github.com/restmcp/gateway/internal/logctx"
	"github.com/restmcp/gateway/internal/mcpsession"
	"github.com/restmcp/gateway/internal/oauthflow"
	"github.com/restmcp/gateway/internal/otp"
	"github.com/restmcp/gateway/internal/resolver"
	"github.com/restmcp/gateway/internal/sessionstore"
	"github.com/restmcp/gateway/internal/wellknown"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader        = "Last-Event-ID"
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "MCP-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"

	// accessTokenCookie carries a bearer token for browser clients that
	// cannot set an Authorization header.
	accessTokenCookie = "access_token"
)

const fallbackProtocolVersion = "2025-03-26"

var supportedProtocolVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// Version headers must look like a protocol revision date. Anything else is
// rejected outright; unknown but well-formed dates pass (forward compatible).
var protocolVersionShape = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before a JSON-RPC exchange is possible. This is transport-level
// framing, not JSON-RPC.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// buildBearerChallenge renders the WWW-Authenticate value per RFC 6750.
// Realm and resource_metadata are omitted when empty.
func buildBearerChallenge(realm, resourceMetadata string, params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 2+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc(resourceMetadata)))
	}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// lockedWriteFlusher serializes concurrent writes/flushes on an SSE response
// and refuses to write once the request context is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// Config carries the handler's static settings.
type Config struct {
	// PublicEndpoint is the externally visible URL of the MCP endpoint.
	PublicEndpoint string

	ServerName    string
	ServerVersion string

	// Realm is advertised in WWW-Authenticate challenges; empty omits it.
	Realm string

	// AllowedOrigins is the strict allow-list for browser requests. Requests
	// without an Origin header pass (non-browser clients); loopback origins
	// and the public endpoint's own origin always pass.
	AllowedOrigins []string

	// Issuer and endpoint data for the discovery documents.
	Issuer                string
	AuthorizationEndpoint string
	TokenEndpoint         string
	JWKSURI               string
	Scopes                []string
}

// Handler is the streaming HTTP front of the gateway.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger
	cfg Config

	serverURL      *url.URL
	prmDocument    wellknown.ProtectedResourceMetadata
	prmDocumentURL *url.URL
	asMetadata     wellknown.AuthServerMetadata

	sessions *sessionstore.Store
	mcp      *mcpsession.Manager
	tickets  *otp.Exchanger
	flow     *oauthflow.Controller
	disp     *dispatcher.Dispatcher

	// res is nil when OAuth is unconfigured; the transport then runs open,
	// with login flow endpoints answering 501.
	res *resolver.Resolver
}

func New(cfg Config, sessions *sessionstore.Store, mcp *mcpsession.Manager, tickets *otp.Exchanger, flow *oauthflow.Controller, disp *dispatcher.Dispatcher, res *resolver.Resolver, log *slog.Logger) (*Handler, error) {
	if sessions == nil || mcp == nil || tickets == nil || disp == nil {
		return nil, fmt.Errorf("sessions, mcp manager, otp exchanger and dispatcher are required")
	}
	mcpURL, err := url.Parse(cfg.PublicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid public endpoint %q: %w", cfg.PublicEndpoint, err)
	}
	if mcpURL.Scheme != "http" && mcpURL.Scheme != "https" {
		return nil, fmt.Errorf("public endpoint must use http or https, got %q", mcpURL.Scheme)
	}
	if log == nil {
		log = slog.Default()
	}

	h := &Handler{
		log:       slog.New(logctx.Handler{Handler: log.Handler()}),
		cfg:       cfg,
		serverURL: mcpURL,
		sessions:  sessions,
		mcp:       mcp,
		tickets:   tickets,
		flow:      flow,
		disp:      disp,
		res:       res,
	}

	if res == nil {
		h.log.Warn("auth.disabled", slog.String("reason", "oauth is not configured; requests are not authenticated"))
	}

	h.prmDocumentURL = &url.URL{Scheme: mcpURL.Scheme, Host: mcpURL.Host, Path: "/.well-known/oauth-protected-resource"}
	h.prmDocument = wellknown.ProtectedResourceMetadata{
		Resource:               mcpURL.String(),
		AuthorizationServers:   nonEmpty(cfg.Issuer),
		JwksURI:                cfg.JWKSURI,
		ScopesSupported:        cfg.Scopes,
		BearerMethodsSupported: []string{"authorization_header"},
		ResourceName:           cfg.ServerName,
	}
	h.asMetadata = wellknown.AuthServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint,
		TokenEndpoint:                     cfg.TokenEndpoint,
		JwksURI:                           cfg.JWKSURI,
		ScopesSupported:                   cfg.Scopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token", "client_credentials"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic"},
	}

	mcpPath := mcpURL.Path
	if mcpPath == "" {
		mcpPath = "/mcp"
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", mcpPath), h.handlePostMCP)
	mux.HandleFunc(fmt.Sprintf("GET %s", mcpPath), h.handleGetMCP)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", mcpPath), h.handleDeleteMCP)

	if flow != nil {
		mux.HandleFunc("GET /auth/login", flow.HandleLogin)
		mux.HandleFunc("GET /oauth/callback", flow.HandleCallback)
	}

	mux.HandleFunc("GET /.well-known/oauth-protected-resource", h.handleGetProtectedResourceMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-protected-resource", h.handleOptionsWellKnown)
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", h.handleGetAuthServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/oauth-authorization-server", h.handleOptionsWellKnown)
	mux.HandleFunc("GET /.well-known/openid-configuration", h.handleGetAuthServerMetadata)
	mux.HandleFunc("OPTIONS /.well-known/openid-configuration", h.handleOptionsWellKnown)

	mux.HandleFunc("GET /health", h.handleGetHealth)

	h.mux = mux
	return h, nil
}

func nonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return []string{s}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// checkOrigin enforces the browser origin allow-list. Requests without an
// Origin header are non-browser clients and always pass.
func (h *Handler) checkOrigin(ctx context.Context, w http.ResponseWriter, r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		writeJSONError(w, http.StatusForbidden, "malformed Origin header")
		h.log.WarnContext(ctx, "origin.malformed", slog.String("origin", origin))
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if u.Host == h.serverURL.Host && u.Scheme == h.serverURL.Scheme {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	writeJSONError(w, http.StatusForbidden, "origin is not allowed")
	h.log.WarnContext(ctx, "origin.rejected", slog.String("origin", origin))
	return false
}

// checkProtocolVersion validates the version header shape. An absent header
// negotiates down to the last known-compatible fallback; unrecognized but
// well-formed versions pass with a warning.
func (h *Handler) checkProtocolVersion(ctx context.Context, w http.ResponseWriter, r *http.Request) (string, bool) {
	pv := r.Header.Get(mcpProtocolVersionHeader)
	if pv == "" {
		return fallbackProtocolVersion, true
	}
	if !protocolVersionShape.MatchString(pv) {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("malformed %s header: %q is not a YYYY-MM-DD version", mcpProtocolVersionHeader, pv))
		h.log.WarnContext(ctx, "protocol.version.malformed", slog.String("client_version", pv))
		return "", false
	}
	known := false
	for _, v := range supportedProtocolVersions {
		if v == pv {
			known = true
			break
		}
	}
	if !known {
		h.log.WarnContext(ctx, "protocol.version.unrecognized", slog.String("client_version", pv))
	}
	return pv, true
}

// checkAuthentication resolves the caller's identity through the priority
// chain. A nil return means the response has already been written. With no
// resolver configured the transport runs open.
func (h *Handler) checkAuthentication(ctx context.Context, w http.ResponseWriter, r *http.Request, oauthHandle string) *resolver.Resolution {
	if h.res == nil {
		return &resolver.Resolution{Identity: auth.NewAppIdentity("unauthenticated")}
	}

	bearer := ""
	if ah := r.Header.Get(authorizationHeader); ah != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(ah, bearerPrefix) || strings.TrimSpace(ah[len(bearerPrefix):]) == "" {
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.cfg.Realm, h.prmDocumentURL.String(), map[string]string{
				"error": "invalid_request", "error_description": "malformed bearer authorization header",
			}))
			writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
			return nil
		}
		bearer = strings.TrimSpace(ah[len(bearerPrefix):])
	}
	if bearer == "" {
		if c, err := r.Cookie(accessTokenCookie); err == nil && c.Value != "" {
			bearer = c.Value
		}
	}

	res, err := h.res.Resolve(ctx, bearer, oauthHandle)
	if err != nil {
		params := map[string]string{}
		switch {
		case errors.Is(err, auth.ErrSessionExpired):
			params["error"] = "invalid_token"
			params["error_description"] = "session expired and refresh token exhausted; re-run the login flow"
		case bearer != "" || oauthHandle != "":
			params["error"] = "invalid_token"
			params["error_description"] = "credentials were rejected"
		default:
			// Bare challenge per RFC 6750 when no credentials were offered.
		}
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.cfg.Realm, h.prmDocumentURL.String(), params))
		writeJSONError(w, http.StatusUnauthorized, err.Error())
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil
	}
	return res
}

type initializeParams struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      map[string]any `json:"serverInfo"`
	Instructions    string         `json:"instructions,omitempty"`
}

func (h *Handler) handlePostMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	if !h.checkOrigin(ctx, w, r) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	headerPV, ok := h.checkProtocolVersion(ctx, w, r)
	if !ok {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on the streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: msg.Method, ID: msg.ID.String(), Type: msg.Type()})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, r, &msg, headerPV, start)
		return
	}

	sess, found := h.mcp.Get(sessID)
	if !found {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	sess.Touch()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{MCPSessionID: sess.ID, ProtocolVersion: sess.ProtocolVersion})

	if req := msg.AsRequest(); req != nil && req.Method == "initialize" {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	res := h.checkAuthentication(ctx, w, r, sess.OAuthHandle)
	if res == nil {
		return
	}
	if res.Identity.Fallback() {
		ctx = logctx.WithSessionData(ctx, &logctx.SessionData{MCPSessionID: sess.ID, ProtocolVersion: sess.ProtocolVersion, FallbackIdentity: true})
	}
	h.log.InfoContext(ctx, "auth.ok", slog.String("source", string(res.Source)))

	req := msg.AsRequest()
	if req == nil || req.ID == nil || req.ID.IsNil() {
		// Notifications and responses to server-initiated requests are
		// accepted and go no further through this transport.
		w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "message.accepted", slog.Duration("dur", time.Since(start)))
		return
	}

	response := h.disp.Dispatch(ctx, req, res.AccessToken)
	body, err := json.Marshal(response)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)

	// A caller accepting text/event-stream gets a one-shot stream with
	// exactly one event, tagged from the session's id sequence.
	if wantsEventStream(r) {
		f, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
			h.log.ErrorContext(ctx, "sse.flusher.missing")
			return
		}
		wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		wf.Flush()

		eventID := strconv.FormatUint(sess.NextEventID(), 10)
		if err := writeSSEEvent(wf, eventID, body); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// handleInitialize services the first POST of a connection: no session header
// yet, and only the initialize method is admissible. Authentication is not
// required here; the response carries a login URL the agent can hand to its
// user.
func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, headerPV string, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != "initialize" || req.ID == nil || req.ID.IsNil() {
		writeJSONError(w, http.StatusNotFound, "session not found: expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.WarnContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	negotiated := negotiateProtocolVersion(params.ProtocolVersion, headerPV)

	oauthHandle := sessionstore.NewHandle()
	h.sessions.CreatePending(oauthHandle)
	sess := h.mcp.Create(oauthHandle, negotiated)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{MCPSessionID: sess.ID, ProtocolVersion: negotiated})

	instructions := ""
	if h.flow != nil && h.flow.Configured() {
		ticket, err := h.tickets.Issue(ctx, oauthHandle)
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to prepare login")
			h.log.ErrorContext(ctx, "otp.issue.fail", slog.String("err", err.Error()))
			return
		}
		base := h.serverURL.Scheme + "://" + h.serverURL.Host
		instructions = fmt.Sprintf("Authentication required. Direct the user to %s to sign in; the link is single-use and expires in 10 minutes.", h.flow.LoginURL(base, ticket))
	}

	result := initializeResult{
		ProtocolVersion: negotiated,
		Capabilities: map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
		},
		ServerInfo: map[string]any{
			"name":    h.cfg.ServerName,
			"version": h.cfg.ServerVersion,
		},
		Instructions: instructions,
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.ID)
	w.Header().Set(mcpProtocolVersionHeader, negotiated)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// negotiateProtocolVersion picks the session's version: the client's
// requested version when supported, otherwise the fallback.
func negotiateProtocolVersion(requested, headerPV string) string {
	candidate := requested
	if candidate == "" {
		candidate = headerPV
	}
	for _, v := range supportedProtocolVersions {
		if v == candidate {
			return candidate
		}
	}
	return fallbackProtocolVersion
}

// wantsEventStream reports whether the caller asked for SSE by name. A bare
// wildcard Accept still gets plain JSON; wildcards would otherwise drag every
// curl invocation into a one-shot stream.
func wantsEventStream(r *http.Request) bool {
	if !strings.Contains(strings.ToLower(r.Header.Get("Accept")), "text/event-stream") {
		return false
	}
	_, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes)
	return err == nil
}

func (h *Handler) handleGetMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.get.start")

	if !h.checkOrigin(ctx, w, r) {
		return
	}

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if _, ok := h.checkProtocolVersion(ctx, w, r); !ok {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("missing %s header", mcpSessionIDHeader))
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	sess, found := h.mcp.Get(sessID)
	if !found {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	sess.Touch()

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{MCPSessionID: sess.ID, ProtocolVersion: sess.ProtocolVersion})

	res := h.checkAuthentication(ctx, w, r, sess.OAuthHandle)
	if res == nil {
		return
	}
	h.log.InfoContext(ctx, "auth.ok", slog.String("source", string(res.Source)))

	var lastEventID uint64
	if lei := r.Header.Get(lastEventIDHeader); lei != "" {
		v, err := strconv.ParseUint(lei, 10, 64)
		if err != nil {
			h.log.WarnContext(ctx, "sse.last_event_id.malformed", slog.String("value", lei))
		} else {
			lastEventID = v
		}
	}

	stream, missed := sess.Subscribe(lastEventID)
	defer stream.Close()

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	w.Header().Set(mcpProtocolVersionHeader, sess.ProtocolVersion)
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	h.log.InfoContext(ctx, "sse.stream.start", slog.Int("replayed", len(missed)))

	for _, ev := range missed {
		if err := writeSSEEvent(wf, strconv.FormatUint(ev.ID, 10), ev.Data); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
			return
		case ev, open := <-stream.Events:
			if !open {
				h.log.InfoContext(ctx, "sse.stream.closed", slog.Duration("dur", time.Since(start)))
				return
			}
			if err := writeSSEEvent(wf, strconv.FormatUint(ev.ID, 10), ev.Data); err != nil {
				h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
			h.log.InfoContext(ctx, "sse.message.deliver")
		}
	}
}

func (h *Handler) handleDeleteMCP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if !h.checkOrigin(ctx, w, r) {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("missing %s header", mcpSessionIDHeader))
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	sess, found := h.mcp.Get(sessID)
	if !found {
		writeJSONError(w, http.StatusNotFound, "session not found")
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{MCPSessionID: sess.ID, ProtocolVersion: sess.ProtocolVersion})

	res := h.checkAuthentication(ctx, w, r, sess.OAuthHandle)
	if res == nil {
		return
	}

	// Termination also discards the paired token record; an explicit DELETE
	// is the client's logout.
	h.mcp.Delete(sess.ID)
	h.sessions.Delete(sess.OAuthHandle)

	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "terminated"})
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleGetProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.prmDocument); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode protected resource metadata: %v", err), http.StatusInternalServerError)
	}
}

func (h *Handler) handleGetAuthServerMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Vary", "Origin")
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.asMetadata); err != nil {
		http.Error(w, fmt.Sprintf("failed to encode authorization server metadata: %v", err), http.StatusInternalServerError)
	}
}

func (h *Handler) handleOptionsWellKnown(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
