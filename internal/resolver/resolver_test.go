package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restmcp/gateway/auth"
	"github.com/restmcp/gateway/internal/sessionstore"
	"github.com/restmcp/gateway/internal/tokencache"
)

// stubVerifier accepts any token except those in its reject set.
type stubVerifier struct {
	reject map[string]bool
	calls  []string
}

func (v *stubVerifier) Verify(_ context.Context, token string) (auth.Identity, error) {
	v.calls = append(v.calls, token)
	if v.reject[token] {
		return nil, errors.New("signature mismatch")
	}
	return auth.NewIdentity("user-1", map[string]any{"sub": "user-1"}), nil
}

func newTestResolver(t *testing.T, v auth.Verifier, sessions *sessionstore.Store, fallback *tokencache.Cache, tokenURL string) *Resolver {
	t.Helper()
	r, err := New(Config{
		Verifier:     v,
		Sessions:     sessions,
		Fallback:     fallback,
		TokenURL:     tokenURL,
		ClientID:     "gateway",
		ClientSecret: "s3cret",
	}, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, err)
	return r
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) { w.t.Log(string(p)); return len(p), nil }

func TestResolve_BearerWinsOverSession(t *testing.T) {
	v := &stubVerifier{}
	sessions := sessionstore.New(nil)
	handle := sessionstore.NewHandle()
	sessions.CreatePending(handle)
	require.True(t, sessions.SetAuthenticated(handle, "stored-token", "", 3600, "user-1", "", "", 0))

	r := newTestResolver(t, v, sessions, nil, "")

	res, err := r.Resolve(context.Background(), "explicit-token", handle)
	require.NoError(t, err)
	assert.Equal(t, SourceBearer, res.Source)
	assert.Equal(t, "explicit-token", res.AccessToken)
	assert.Equal(t, []string{"explicit-token"}, v.calls)
}

func TestResolve_RejectedBearerDoesNotFallThrough(t *testing.T) {
	v := &stubVerifier{reject: map[string]bool{"bad": true}}
	sessions := sessionstore.New(nil)
	handle := sessionstore.NewHandle()
	sessions.CreatePending(handle)
	require.True(t, sessions.SetAuthenticated(handle, "stored-token", "", 3600, "user-1", "", "", 0))

	r := newTestResolver(t, v, sessions, nil, "")

	_, err := r.Resolve(context.Background(), "bad", handle)
	require.ErrorIs(t, err, auth.ErrUnauthorized)
}

func TestResolve_LiveSessionTokenUsedWithoutVerification(t *testing.T) {
	v := &stubVerifier{}
	sessions := sessionstore.New(nil)
	handle := sessionstore.NewHandle()
	sessions.CreatePending(handle)
	require.True(t, sessions.SetAuthenticated(handle, "stored-token", "", 3600, "user-1", "u@example.com", "U", 0))

	r := newTestResolver(t, v, sessions, nil, "")

	res, err := r.Resolve(context.Background(), "", handle)
	require.NoError(t, err)
	assert.Equal(t, SourceSession, res.Source)
	assert.Equal(t, "stored-token", res.AccessToken)
	assert.Equal(t, "user-1", res.Identity.UserID())
	assert.False(t, res.Identity.Fallback())
	assert.Empty(t, v.calls)
}

func TestResolve_ExpiredSessionRefreshes(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-token",
			"refresh_token": "R2",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer provider.Close()

	v := &stubVerifier{}
	sessions := sessionstore.New(nil)
	handle := sessionstore.NewHandle()
	sessions.CreatePending(handle)
	require.True(t, sessions.SetAuthenticated(handle, "stale-token", "R1", -1, "user-1", "", "", 0))

	r := newTestResolver(t, v, sessions, nil, provider.URL)

	res, err := r.Resolve(context.Background(), "", handle)
	require.NoError(t, err)
	assert.Equal(t, SourceRefresh, res.Source)
	assert.Equal(t, "fresh-token", res.AccessToken)
	assert.Equal(t, []string{"fresh-token"}, v.calls, "refreshed token must be verified")
}

func TestResolve_RefreshFailureFallsBackToAppToken(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		switch r.FormValue("grant_type") {
		case "refresh_token":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": "app-token",
				"token_type":   "Bearer",
				"expires_in":   3600,
			})
		}
	}))
	defer provider.Close()

	sessions := sessionstore.New(nil)
	handle := sessionstore.NewHandle()
	sessions.CreatePending(handle)
	require.True(t, sessions.SetAuthenticated(handle, "stale-token", "R1", -1, "user-1", "", "", 0))

	fallback := tokencache.New(tokencache.Config{
		TokenURL: provider.URL,
		ClientID: "gateway",
	})
	r := newTestResolver(t, &stubVerifier{}, sessions, fallback, provider.URL)

	res, err := r.Resolve(context.Background(), "", handle)
	require.NoError(t, err)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "app-token", res.AccessToken)
	assert.True(t, res.Identity.Fallback())
	assert.Equal(t, "app:gateway", res.Identity.UserID())
}

func TestResolve_RefreshFailureWithoutFallbackIsSessionExpired(t *testing.T) {
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	defer provider.Close()

	sessions := sessionstore.New(nil)
	handle := sessionstore.NewHandle()
	sessions.CreatePending(handle)
	require.True(t, sessions.SetAuthenticated(handle, "stale-token", "R1", -1, "user-1", "", "", 0))

	r := newTestResolver(t, &stubVerifier{}, sessions, nil, provider.URL)

	_, err := r.Resolve(context.Background(), "", handle)
	require.ErrorIs(t, err, auth.ErrSessionExpired)
}

func TestResolve_NoCredentialsDenied(t *testing.T) {
	r := newTestResolver(t, &stubVerifier{}, sessionstore.New(nil), nil, "")

	_, err := r.Resolve(context.Background(), "", "")
	require.ErrorIs(t, err, auth.ErrUnauthorized)
	require.NotErrorIs(t, err, auth.ErrSessionExpired)
}
