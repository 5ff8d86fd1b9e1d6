// Package auth defines the identity contracts shared by the authentication
// resolver and the protocol transports.
package auth

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were
// supplied. Transports answer it with 401 and a Bearer challenge.
var ErrUnauthorized = errors.New("unauthorized")

// ErrSessionExpired indicates the caller once held a valid session whose
// refresh token has also expired; the login flow must be re-run.
var ErrSessionExpired = errors.New("session expired")

// Identity represents a verified principal.
// Implementations must be safe for concurrent use.
type Identity interface {
	// UserID returns the unique identifier of the principal.
	UserID() string
	// Fallback reports whether this is the shared application-level identity
	// obtained through the client-credentials grant rather than a user login.
	Fallback() bool
	// Claims unmarshals the principal's token claims into ref.
	Claims(ref any) error
}

// Verifier validates bearer tokens cryptographically and returns the identity
// they assert. It must return an error wrapping ErrUnauthorized for tokens
// that fail signature, issuer, audience or time validation.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// identity is the concrete Identity used for resolved principals.
type identity struct {
	sub      string
	fallback bool
	claims   map[string]any
}

func (i *identity) UserID() string { return i.sub }
func (i *identity) Fallback() bool { return i.fallback }
func (i *identity) Claims(ref any) error {
	b, err := json.Marshal(i.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// NewIdentity builds a user-level identity from verified claims.
func NewIdentity(sub string, claims map[string]any) Identity {
	return &identity{sub: sub, claims: claims}
}

// NewAppIdentity builds the application-level identity used when a request is
// served with the client-credentials fallback token.
func NewAppIdentity(clientID string) Identity {
	return &identity{sub: "app:" + clientID, fallback: true, claims: map[string]any{"client_id": clientID}}
}
