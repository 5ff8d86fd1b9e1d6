// Package sessionstore owns the mapping from an opaque session handle to an
// OAuth token pair, its expiry bookkeeping, and refresh orchestration.
//
// Refresh tokens from most providers are single-use: two overlapping refresh
// attempts for one handle would invalidate each other. Every mutation of a
// session record therefore runs under a per-handle mutex; unrelated handles
// never contend.
package sessionstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Status describes where a session is in its lifecycle. Transitions are
// monotonic (pending -> active -> expired); only a brand-new OAuth completion
// resurrects a handle, by overwriting the record in place.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
)

const refreshTimeout = 15 * time.Second

// Session is a snapshot of one session record.
type Session struct {
	Handle                string
	Status                Status
	AccessToken           string
	RefreshToken          string
	AccessTokenExpiresAt  time.Time
	RefreshTokenExpiresAt time.Time // zero when the provider did not say
	UserID                string
	UserEmail             string
	UserName              string
	CreatedAt             time.Time
	LastAccessedAt        time.Time
}

type record struct {
	mu   sync.Mutex
	sess Session
}

// Store is the owned, interior-synchronized session map. Construct once and
// pass by reference; there is no ambient global.
type Store struct {
	log *slog.Logger
	now func() time.Time

	mu      sync.RWMutex
	records map[string]*record
}

func New(log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{log: log, now: time.Now, records: make(map[string]*record)}
}

// NewHandle returns a fresh cryptographically random session handle.
func NewHandle() string {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic("sessionstore: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

func (s *Store) get(handle string) *record {
	s.mu.RLock()
	r := s.records[handle]
	s.mu.RUnlock()
	return r
}

// CreatePending registers a new handle awaiting OAuth completion.
func (s *Store) CreatePending(handle string) {
	now := s.now()
	r := &record{sess: Session{
		Handle:         handle,
		Status:         StatusPending,
		CreatedAt:      now,
		LastAccessedAt: now,
	}}
	s.mu.Lock()
	s.records[handle] = r
	s.mu.Unlock()
}

// SetAuthenticated stores the outcome of a completed token exchange. It
// reports false when the handle was never created by a transport session;
// tokens for unknown handles are discarded, not adopted.
func (s *Store) SetAuthenticated(handle, accessToken, refreshToken string, expiresIn int, userID, userEmail, userName string, refreshExpiresIn int) bool {
	r := s.get(handle)
	if r == nil {
		return false
	}
	now := s.now()
	r.mu.Lock()
	r.sess.Status = StatusActive
	r.sess.AccessToken = accessToken
	r.sess.RefreshToken = refreshToken
	r.sess.AccessTokenExpiresAt = now.Add(time.Duration(expiresIn) * time.Second)
	if refreshExpiresIn > 0 {
		r.sess.RefreshTokenExpiresAt = now.Add(time.Duration(refreshExpiresIn) * time.Second)
	} else {
		r.sess.RefreshTokenExpiresAt = time.Time{}
	}
	r.sess.UserID = userID
	r.sess.UserEmail = userEmail
	r.sess.UserName = userName
	r.sess.LastAccessedAt = now
	r.mu.Unlock()
	return true
}

// GetAccessToken returns the stored access token and whether it should be
// considered expired. The token is returned even when expired so diagnostic
// callers can inspect it; callers that care must honor the flag.
func (s *Store) GetAccessToken(handle string) (token string, isExpired bool, ok bool) {
	r := s.get(handle)
	if r == nil {
		return "", false, false
	}
	now := s.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess.AccessToken == "" {
		return "", false, false
	}
	r.sess.LastAccessedAt = now
	expired := r.sess.Status == StatusExpired || !now.Before(r.sess.AccessTokenExpiresAt)
	return r.sess.AccessToken, expired, true
}

// GetSession returns a snapshot of the session record.
func (s *Store) GetSession(handle string) (Session, bool) {
	r := s.get(handle)
	if r == nil {
		return Session{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess, true
}

// RefreshToken exchanges the stored refresh token for a new token pair. On
// success the record stays active with fresh tokens; on any failure the
// session is downgraded to expired and stays there. The per-handle mutex is
// held across the exchange so a second caller can never race a single-use
// refresh token.
func (s *Store) RefreshToken(ctx context.Context, handle, tokenURL, clientID, clientSecret string) bool {
	r := s.get(handle)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now()

	// A racing caller may have completed the refresh while we waited.
	if r.sess.Status == StatusActive && now.Before(r.sess.AccessTokenExpiresAt) {
		return true
	}
	if r.sess.Status == StatusExpired {
		return false
	}
	if r.sess.RefreshToken == "" {
		r.sess.Status = StatusExpired
		return false
	}
	if !r.sess.RefreshTokenExpiresAt.IsZero() && !now.Before(r.sess.RefreshTokenExpiresAt) {
		s.log.InfoContext(ctx, "session.refresh.token_expired")
		r.sess.Status = StatusExpired
		return false
	}

	conf := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInHeader},
	}

	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	reqCtx = context.WithValue(reqCtx, oauth2.HTTPClient, &http.Client{Timeout: refreshTimeout})

	tok, err := conf.TokenSource(reqCtx, &oauth2.Token{RefreshToken: r.sess.RefreshToken}).Token()
	if err != nil {
		// The provider rejected the refresh token (consumed, revoked or
		// expired upstream). Not retried; the user must log in again.
		s.log.InfoContext(ctx, "session.refresh.fail", slog.String("err", err.Error()))
		r.sess.Status = StatusExpired
		return false
	}

	r.sess.Status = StatusActive
	r.sess.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		r.sess.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		r.sess.AccessTokenExpiresAt = tok.Expiry
	} else {
		r.sess.AccessTokenExpiresAt = s.now().Add(time.Hour)
	}
	if v, ok := tok.Extra("refresh_expires_in").(float64); ok && v > 0 {
		r.sess.RefreshTokenExpiresAt = s.now().Add(time.Duration(v) * time.Second)
	}
	r.sess.LastAccessedAt = s.now()
	s.log.InfoContext(ctx, "session.refresh.ok")
	return true
}

// Delete removes the record for handle, if any.
func (s *Store) Delete(handle string) {
	s.mu.Lock()
	delete(s.records, handle)
	s.mu.Unlock()
}

// SweepIdle removes sessions that have not been touched within idleTTL and
// returns how many were reclaimed. The transport's sweeper drives this on the
// same cadence as MCP session cleanup.
func (s *Store) SweepIdle(idleTTL time.Duration) int {
	cutoff := s.now().Add(-idleTTL)
	var stale []string

	s.mu.RLock()
	for handle, r := range s.records {
		r.mu.Lock()
		if r.sess.LastAccessedAt.Before(cutoff) {
			stale = append(stale, handle)
		}
		r.mu.Unlock()
	}
	s.mu.RUnlock()

	s.mu.Lock()
	for _, handle := range stale {
		delete(s.records, handle)
	}
	s.mu.Unlock()
	return len(stale)
}
