// Package otp issues single-use, short-lived tickets that stand in for a
// session handle inside redirect URLs. Authorization redirects end up in
// browser history and proxy logs; the ticket is a one-time decoy so the
// long-lived session handle never appears there.
package otp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/restmcp/gateway/internal/storage"
)

// TicketTTL is how long an issued ticket stays redeemable.
const TicketTTL = 10 * time.Minute

const keyPrefix = "otp:"

type ticket struct {
	SessionHandle string    `json:"session_handle"`
	CreatedAt     time.Time `json:"created_at"`
}

// Exchanger maps random tickets to session handles through a KV store.
type Exchanger struct {
	kv storage.KV
}

func NewExchanger(kv storage.KV) *Exchanger {
	return &Exchanger{kv: kv}
}

// Issue generates a fresh ticket bound to sessionHandle.
func (e *Exchanger) Issue(ctx context.Context, sessionHandle string) (string, error) {
	tok := uuid.NewString()
	b, err := json.Marshal(ticket{SessionHandle: sessionHandle, CreatedAt: time.Now()})
	if err != nil {
		return "", fmt.Errorf("failed to encode ticket: %w", err)
	}
	if err := e.kv.Set(ctx, keyPrefix+tok, b, TicketTTL); err != nil {
		return "", fmt.Errorf("failed to store ticket: %w", err)
	}
	return tok, nil
}

// Redeem exchanges a ticket for its session handle. A ticket redeems at most
// once: the underlying Take is atomic, so concurrent redemptions of the same
// ticket cannot both succeed. Expired, used and unknown tickets are
// indistinguishable (all report ok=false).
func (e *Exchanger) Redeem(ctx context.Context, otpToken string) (string, bool, error) {
	b, ok, err := e.kv.Take(ctx, keyPrefix+otpToken)
	if err != nil {
		return "", false, fmt.Errorf("failed to redeem ticket: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	var t ticket
	if err := json.Unmarshal(b, &t); err != nil {
		return "", false, fmt.Errorf("failed to decode ticket: %w", err)
	}
	return t.SessionHandle, true, nil
}
