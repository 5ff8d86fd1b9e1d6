// Package oauthflow drives the browser-facing half of the login dance: the
// initiate endpoint that turns a one-time ticket into an authorization
// redirect, and the callback endpoint that exchanges the returned code and
// binds the resulting tokens to a session handle.
package oauthflow

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/restmcp/gateway/internal/otp"
	"github.com/restmcp/gateway/internal/sessionstore"
)

const (
	stateCookie    = "oauth_state"
	verifierCookie = "oauth_verifier"
	cookieTTL      = 10 * time.Minute

	// The session handle rides inside the state value so providers that do
	// not echo extra query parameters still round-trip it.
	stateSessionSep = ":session:"

	exchangeTimeout = 15 * time.Second
)

// Config carries the provider endpoints and client registration. Zero
// ClientID or AuthorizationEndpoint leaves the controller unconfigured; both
// entry points then answer 501.
type Config struct {
	AuthorizationEndpoint string
	TokenEndpoint         string
	ClientID              string
	ClientSecret          string
	Scopes                []string

	// RedirectURL is the public URL of the callback endpoint, registered
	// with the provider.
	RedirectURL string

	// TrustProxyHeaders enables X-Forwarded-For as the rate-limit key.
	// Only set behind a proxy that strips the client's own copy; a
	// direct-connecting caller can put anything in that header.
	TrustProxyHeaders bool
}

type Controller struct {
	cfg      Config
	tickets  *otp.Exchanger
	sessions *sessionstore.Store
	limiter  *RateLimiter
	log      *slog.Logger
}

func New(cfg Config, tickets *otp.Exchanger, sessions *sessionstore.Store, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		cfg:      cfg,
		tickets:  tickets,
		sessions: sessions,
		limiter:  NewRateLimiter(defaultMaxAttempts, defaultWindow),
		log:      log,
	}
}

// Configured reports whether enough provider settings are present to run the
// authorization-code flow.
func (c *Controller) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.AuthorizationEndpoint != "" && c.cfg.TokenEndpoint != ""
}

// LoginURL builds the initiate URL for a freshly issued ticket, for embedding
// in initialize responses.
func (c *Controller) LoginURL(baseURL, otpToken string) string {
	return strings.TrimSuffix(baseURL, "/") + "/auth/login?otp_token=" + url.QueryEscape(otpToken)
}

// CleanupLoop periodically drops aged-out rate limiter entries until ctx is
// cancelled.
func (c *Controller) CleanupLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.limiter.Cleanup()
		}
	}
}

func (c *Controller) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		Scopes:       c.cfg.Scopes,
		RedirectURL:  c.cfg.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthorizationEndpoint,
			TokenURL:  c.cfg.TokenEndpoint,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// HandleLogin implements GET /auth/login. The otp_token query parameter is
// redeemed for the session handle; the redirect carries PKCE parameters and a
// state value embedding that handle.
func (c *Controller) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if !c.Configured() {
		writeJSONError(w, http.StatusNotImplemented, "oauth login is not configured on this gateway")
		return
	}

	ticket := r.URL.Query().Get("otp_token")
	if ticket == "" {
		writeJSONError(w, http.StatusBadRequest, "missing required query parameter otp_token")
		return
	}

	handle, ok, err := c.tickets.Redeem(ctx, ticket)
	if err != nil {
		c.log.ErrorContext(ctx, "login.redeem.error", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "ticket redemption failed")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "otp_token is invalid, expired, or already used")
		return
	}

	state := randomToken() + stateSessionSep + handle
	verifier := oauth2.GenerateVerifier()

	secure := requestIsSecure(r)
	setFlowCookie(w, stateCookie, state, secure)
	setFlowCookie(w, verifierCookie, verifier, secure)

	authURL := c.oauthConfig().AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	c.log.InfoContext(ctx, "login.redirect", slog.String("authorization_endpoint", c.cfg.AuthorizationEndpoint))
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback implements GET /oauth/callback.
func (c *Controller) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	ip := c.clientIP(r)
	if !c.limiter.Allow(ip) {
		c.log.WarnContext(ctx, "callback.rate_limited", slog.String("client_ip", ip))
		writeJSONError(w, http.StatusTooManyRequests, "too many authentication attempts, retry later")
		return
	}

	if !c.Configured() {
		writeJSONError(w, http.StatusNotImplemented, "oauth login is not configured on this gateway")
		return
	}

	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "missing required query parameter code")
		return
	}
	state := q.Get("state")
	if state == "" {
		writeJSONError(w, http.StatusBadRequest, "missing required query parameter state")
		return
	}

	localOrigin := looksLocal(r)

	// State check covers the random prefix only; the session suffix is
	// recovered from the query regardless.
	if stored, err := r.Cookie(stateCookie); err == nil && stored.Value != "" {
		if subtle.ConstantTimeCompare([]byte(statePrefix(stored.Value)), []byte(statePrefix(state))) != 1 {
			writeJSONError(w, http.StatusBadRequest, "state does not match the value set at login")
			return
		}
	} else if !localOrigin {
		writeJSONError(w, http.StatusBadRequest, "state cookie is missing; restart the login flow from /auth/login")
		return
	} else {
		c.log.WarnContext(ctx, "callback.state_cookie_missing", slog.String("client_ip", ip))
	}

	verifier := ""
	if vc, err := r.Cookie(verifierCookie); err == nil {
		verifier = vc.Value
	}
	if verifier == "" && !localOrigin {
		writeJSONError(w, http.StatusBadRequest, "code_verifier cookie is missing; ensure cookies are enabled and restart the login flow")
		return
	}

	handle, ok := sessionHandleFromState(state)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "state does not carry a session handle")
		return
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := c.oauthConfig().Exchange(exchangeCtx, code, opts...)
	if err != nil {
		// oauth2 error strings carry the upstream response body, never our
		// secret or the verifier.
		c.log.WarnContext(ctx, "callback.exchange.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("token exchange rejected by authorization server: %v", err))
		return
	}

	sub, email, name := identityFromToken(tok)
	expiresIn := int(time.Until(tok.Expiry).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}

	if !c.sessions.SetAuthenticated(handle, tok.AccessToken, tok.RefreshToken, expiresIn, sub, email, name, refreshExpiresIn(tok)) {
		writeJSONError(w, http.StatusBadRequest, "state carries an unknown session handle; restart the client session")
		return
	}

	secure := requestIsSecure(r)
	clearFlowCookie(w, stateCookie, secure)
	clearFlowCookie(w, verifierCookie, secure)

	c.log.InfoContext(ctx, "callback.success", slog.String("user_id", sub))

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, successPage)
}

func randomToken() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("oauthflow: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func statePrefix(state string) string {
	if i := strings.Index(state, stateSessionSep); i >= 0 {
		return state[:i]
	}
	return state
}

func sessionHandleFromState(state string) (string, bool) {
	i := strings.Index(state, stateSessionSep)
	if i < 0 {
		return "", false
	}
	handle := state[i+len(stateSessionSep):]
	return handle, handle != ""
}

// identityFromToken pulls best-effort user fields from the id_token, if the
// provider issued one. The claims are read without signature verification
// because the token was just received first-hand over the token endpoint's
// TLS channel.
func identityFromToken(tok *oauth2.Token) (sub, email, name string) {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return "", "", ""
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return "", "", ""
	}
	sub, _ = claims["sub"].(string)
	email, _ = claims["email"].(string)
	name, _ = claims["name"].(string)
	return sub, email, name
}

func refreshExpiresIn(tok *oauth2.Token) int {
	switch v := tok.Extra("refresh_expires_in").(type) {
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

func requestIsSecure(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func setFlowCookie(w http.ResponseWriter, name, value string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   int(cookieTTL.Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearFlowCookie(w http.ResponseWriter, name string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// clientIP keys the rate limiter. X-Forwarded-For is honored only when the
// deployment declares a fronting proxy; otherwise the header is
// caller-controlled and would let a direct client rotate its way past the
// window.
func (c *Controller) clientIP(r *http.Request) string {
	if c.cfg.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// looksLocal reports whether the request plausibly originates from the same
// machine, judged by peer address or Referer. Some native-app flows cannot
// round-trip cookies, so state validation degrades to this heuristic for
// loopback callers only.
func looksLocal(r *http.Request) bool {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return true
		}
	}
	if ref := r.Header.Get("Referer"); ref != "" {
		if u, err := url.Parse(ref); err == nil {
			h := u.Hostname()
			if h == "localhost" || h == "127.0.0.1" || h == "::1" {
				return true
			}
		}
	}
	return false
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

const successPage = `<!DOCTYPE html>
<html>
<head><title>Login complete</title></head>
<body>
<h1>Login complete</h1>
<p>You are signed in. You can close this window and return to your client.</p>
</body>
</html>
`
