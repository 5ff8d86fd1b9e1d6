// Package jwtauth validates JWT access tokens against a JWKS published by the
// authorization server. Keys are looked up by the token's kid header and
// cached with automatic refresh.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/restmcp/gateway/auth"
)

// ErrUnauthorized indicates the token failed signature, issuer, audience or
// time validation.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Config controls validation behavior for access tokens.
type Config struct {
	// Issuer is the expected "iss" claim and, for discovery, the OIDC issuer URL.
	Issuer string
	// Audience is enforced only when the token carries an "aud" claim; tokens
	// without one pass audience validation (some providers omit it for
	// first-party access tokens).
	Audience    string
	AllowedAlgs []string
	Leeway      time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{AllowedAlgs: []string{"RS256"}, Leeway: 60 * time.Second}
}

type verifier struct {
	cfg *Config
	kf  jwt.Keyfunc

	// endpoints learned via discovery; empty for static construction
	authorizationEndpoint string
	tokenEndpoint         string
	jwksURI               string
}

var _ auth.Verifier = (*verifier)(nil)

// AuthorizationEndpoint returns the discovered authorization endpoint, if any.
func (v *verifier) AuthorizationEndpoint() string { return v.authorizationEndpoint }

// TokenEndpoint returns the discovered token endpoint, if any.
func (v *verifier) TokenEndpoint() string { return v.tokenEndpoint }

// JWKSURI returns the JWKS endpoint in use.
func (v *verifier) JWKSURI() string { return v.jwksURI }

// NewFromDiscovery performs OIDC discovery to obtain jwks_uri and endpoint
// metadata, then constructs a Verifier with an auto-refreshing JWKS cache.
func NewFromDiscovery(ctx context.Context, cfg *Config) (*verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI       string `json:"jwks_uri"`
		Authorization string `json:"authorization_endpoint"`
		Token         string `json:"token_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	return newWithJWKS(ctx, cfg, meta.JwksURI, meta.Authorization, meta.Token)
}

// NewStatic constructs a Verifier against a statically configured JWKS URI,
// skipping discovery.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (*verifier, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	return newWithJWKS(ctx, cfg, jwksURI, "", "")
}

func newWithJWKS(ctx context.Context, cfg *Config, jwksURI, authzEP, tokenEP string) (*verifier, error) {
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &verifier{
		cfg: cfg,
		kf: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			allowed := false
			for _, a := range cfg.AllowedAlgs {
				if alg == a {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
		authorizationEndpoint: authzEP,
		tokenEndpoint:         tokenEP,
		jwksURI:               jwksURI,
	}, nil
}

// Verify implements auth.Verifier. It parses and verifies the compact JWT,
// enforcing signature, issuer, expiry and, when the token carries an audience
// claim, the expected audience.
func (v *verifier) Verify(ctx context.Context, tok string) (auth.Identity, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)

	parsed, err := parser.Parse(tok, v.kf)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}

	if aud, present := claims["aud"]; present && v.cfg.Audience != "" {
		if !audContains(aud, v.cfg.Audience) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}

	return auth.NewIdentity(sub, claims), nil
}

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return v == want
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if s == want {
				return true
			}
		}
	}
	return false
}
