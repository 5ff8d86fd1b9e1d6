// Package tokencache caches the process-wide client-credentials token used as
// the application-level fallback when no user session is available.
package tokencache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

// expiryMargin is subtracted from the provider-reported expiry so a token is
// never handed out moments before it dies mid-request.
const expiryMargin = 60 * time.Second

const requestTimeout = 15 * time.Second

// Config identifies the client and token endpoint for the grant.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Cache holds at most one client-credentials token, shared by every session
// that falls back to it. A miss triggers a single outbound grant request no
// matter how many callers arrive concurrently.
type Cache struct {
	cc  clientcredentials.Config
	sf  singleflight.Group
	now func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func New(cfg Config) *Cache {
	return &Cache{
		cc: clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		},
		now: time.Now,
	}
}

// GetToken returns the cached token while it is still comfortably valid,
// otherwise performs a client_credentials grant. Concurrent callers during a
// miss share one in-flight request and all receive its result.
func (c *Cache) GetToken(ctx context.Context) (accessToken string, fromCache bool, err error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.expiresAt) {
		tok := c.token
		c.mu.Unlock()
		return tok, true, nil
	}
	c.mu.Unlock()

	v, err, _ := c.sf.Do("token", func() (any, error) {
		// Re-check under the flight: a racing caller may have refilled the
		// cache between our miss and winning the flight.
		c.mu.Lock()
		if c.token != "" && c.now().Before(c.expiresAt) {
			tok := c.token
			c.mu.Unlock()
			return tok, nil
		}
		c.mu.Unlock()

		// The flight's result is shared by every coalesced waiter, so the
		// grant must not die with whichever caller happened to win it. Its
		// own timeout still bounds it.
		reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), requestTimeout)
		defer cancel()
		reqCtx = context.WithValue(reqCtx, oauth2.HTTPClient, &http.Client{Timeout: requestTimeout})

		tok, err := c.cc.Token(reqCtx)
		if err != nil {
			return nil, fmt.Errorf("client credentials grant failed: %w", err)
		}

		c.mu.Lock()
		c.token = tok.AccessToken
		if tok.Expiry.IsZero() {
			c.expiresAt = c.now().Add(time.Hour - expiryMargin)
		} else {
			c.expiresAt = tok.Expiry.Add(-expiryMargin)
		}
		c.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", false, err
	}
	return v.(string), false, nil
}
