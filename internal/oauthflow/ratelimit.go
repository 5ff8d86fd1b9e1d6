package oauthflow

import (
	"sync"
	"time"
)

// RateLimiter bounds authentication attempts per client IP using a sliding
// window. A rejected attempt is not recorded, so being rate limited does not
// extend the window.
type RateLimiter struct {
	mu sync.Mutex

	maxAttempts int
	window      time.Duration
	now         func() time.Time

	attempts map[string][]time.Time
}

const (
	defaultMaxAttempts = 10
	defaultWindow      = 5 * time.Minute
)

func NewRateLimiter(maxAttempts int, window time.Duration) *RateLimiter {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		now:         time.Now,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow records and permits an attempt from clientIP, or returns false when
// the window is already full.
func (rl *RateLimiter) Allow(clientIP string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.window)

	var recent []time.Time
	for _, t := range rl.attempts[clientIP] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= rl.maxAttempts {
		rl.attempts[clientIP] = recent
		return false
	}

	rl.attempts[clientIP] = append(recent, now)
	return true
}

// Cleanup drops IPs whose every attempt has aged out of the window. Called
// periodically by the owning controller.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := rl.now().Add(-rl.window)
	for ip, attempts := range rl.attempts {
		var recent []time.Time
		for _, t := range attempts {
			if t.After(windowStart) {
				recent = append(recent, t)
			}
		}
		if len(recent) == 0 {
			delete(rl.attempts, ip)
		} else {
			rl.attempts[ip] = recent
		}
	}
}
