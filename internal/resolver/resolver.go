// Package resolver turns an inbound request's credentials into a verified
// identity. Candidates are tried in strict priority order — explicit bearer,
// stored session, refresh, client-credentials fallback — short-circuiting on
// the first success; each strategy either produces a token, passes to the
// next, or denies.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/restmcp/gateway/auth"
	"github.com/restmcp/gateway/internal/sessionstore"
	"github.com/restmcp/gateway/internal/tokencache"
)

// Source records which strategy produced the winning token.
type Source string

const (
	SourceBearer   Source = "bearer"
	SourceSession  Source = "session"
	SourceRefresh  Source = "refresh"
	SourceFallback Source = "fallback"
)

// Resolution is a successful outcome: a verified identity plus the bearer
// token downstream calls should carry.
type Resolution struct {
	Identity    auth.Identity
	AccessToken string
	Source      Source
}

// Config wires the resolver's collaborators. Fallback is optional; when nil
// the chain ends at the session tier.
type Config struct {
	Verifier auth.Verifier
	Sessions *sessionstore.Store
	Fallback *tokencache.Cache

	// Refresh exchange parameters, handed through to the session store.
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type Resolver struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config, log *slog.Logger) (*Resolver, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("verifier is required")
	}
	if cfg.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{cfg: cfg, log: log}, nil
}

// Resolve walks the priority chain. bearer is an explicit token from the
// Authorization header or cookie (empty if absent); sessionHandle identifies
// a session store record (empty if the request carries none).
//
// Denials wrap auth.ErrUnauthorized; a session whose refresh token is also
// spent wraps auth.ErrSessionExpired so the transport can tell the client to
// re-run the login flow.
func (r *Resolver) Resolve(ctx context.Context, bearer, sessionHandle string) (*Resolution, error) {
	// Tier 1: explicit bearer token, used as-is, straight to verification.
	if bearer != "" {
		id, err := r.cfg.Verifier.Verify(ctx, bearer)
		if err != nil {
			return nil, fmt.Errorf("%w: bearer token rejected: %v", auth.ErrUnauthorized, err)
		}
		return &Resolution{Identity: id, AccessToken: bearer, Source: SourceBearer}, nil
	}

	sessionExpired := false
	if sessionHandle != "" {
		// Tier 2: a live token already sitting in the session store.
		token, isExpired, found := r.cfg.Sessions.GetAccessToken(sessionHandle)
		if found && !isExpired {
			sess, _ := r.cfg.Sessions.GetSession(sessionHandle)
			return &Resolution{
				Identity:    auth.NewIdentity(sess.UserID, sessionClaims(sess)),
				AccessToken: token,
				Source:      SourceSession,
			}, nil
		}

		// Tier 3: expired access token but a refresh token on file.
		if found && isExpired {
			if r.cfg.Sessions.RefreshToken(ctx, sessionHandle, r.cfg.TokenURL, r.cfg.ClientID, r.cfg.ClientSecret) {
				token, _, _ := r.cfg.Sessions.GetAccessToken(sessionHandle)
				id, err := r.cfg.Verifier.Verify(ctx, token)
				if err != nil {
					return nil, fmt.Errorf("%w: refreshed token failed verification: %v", auth.ErrUnauthorized, err)
				}
				r.log.InfoContext(ctx, "auth.resolve.refreshed")
				return &Resolution{Identity: id, AccessToken: token, Source: SourceRefresh}, nil
			}
			// Refresh failed; the store has already marked the session
			// expired. Fall through to the fallback tier.
			sessionExpired = true
		}
	}

	// Tier 4: application-level client-credentials fallback.
	if r.cfg.Fallback != nil {
		token, fromCache, err := r.cfg.Fallback.GetToken(ctx)
		if err == nil {
			r.log.InfoContext(ctx, "auth.resolve.fallback", slog.Bool("from_cache", fromCache))
			return &Resolution{
				Identity:    auth.NewAppIdentity(r.cfg.ClientID),
				AccessToken: token,
				Source:      SourceFallback,
			}, nil
		}
		// Fallback being unavailable is never fatal by itself.
		r.log.WarnContext(ctx, "auth.resolve.fallback_unavailable", slog.String("err", err.Error()))
	}

	// Tier 5: deny, distinguishing "session died" from "never logged in".
	if sessionExpired {
		return nil, fmt.Errorf("%w: refresh token also expired; re-run the login flow", auth.ErrSessionExpired)
	}
	return nil, fmt.Errorf("%w: no usable credentials", auth.ErrUnauthorized)
}

func sessionClaims(sess sessionstore.Session) map[string]any {
	claims := map[string]any{}
	if sess.UserID != "" {
		claims["sub"] = sess.UserID
	}
	if sess.UserEmail != "" {
		claims["email"] = sess.UserEmail
	}
	if sess.UserName != "" {
		claims["name"] = sess.UserName
	}
	return claims
}
