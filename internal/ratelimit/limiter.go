// Copyright (c) 2025 HDOps, Inc. All rights reserved.

// Package ratelimit gates outbound calls per external system with a
// token bucket. Each system (every Freshdesk instance, the Jira target)
// gets its own Limiter and therefore its own budget.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/time/rate"
)

const (
	// After a 429 the effective rate halves for the cooldown window.
	throttleFactor  = 0.5
	defaultCooldown = 30 * time.Second
)

// Limiter wraps a token bucket with adaptive throttling: a 429 from the
// remote side shrinks the effective rate for a cooldown window, after
// which the configured rate is restored. This is distinct from the
// per-call retry backoff, which handles the individual failed request.
type Limiter struct {
	lim      *rate.Limiter
	clock    clock.Clock
	cooldown time.Duration

	mu             sync.Mutex
	baseRate       rate.Limit
	throttledUntil time.Time
}

// PerMinute builds a limiter allowing n calls per minute with no burst
// beyond a single token, so observed call spacing never exceeds the
// configured rate in any sliding window.
func PerMinute(n int, clk clock.Clock) *Limiter {
	if n <= 0 {
		n = 60
	}
	if clk == nil {
		clk = clock.WallClock
	}
	r := rate.Limit(float64(n) / 60.0)
	return &Limiter{
		lim:      rate.NewLimiter(r, 1),
		clock:    clk,
		cooldown: defaultCooldown,
		baseRate: r,
	}
}

// Wait blocks until a token is available or ctx is done. It also
// restores the base rate once a throttle cooldown has elapsed.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	if !l.throttledUntil.IsZero() && l.clock.Now().After(l.throttledUntil) {
		l.lim.SetLimit(l.baseRate)
		l.throttledUntil = time.Time{}
	}
	l.mu.Unlock()
	return l.lim.Wait(ctx)
}

// Throttle shrinks the effective rate after a 429. retryAfter, when the
// server provided one, extends the cooldown window.
func (l *Limiter) Throttle(retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.cooldown
	if retryAfter > window {
		window = retryAfter
	}
	l.lim.SetLimit(l.baseRate * throttleFactor)
	l.throttledUntil = l.clock.Now().Add(window)
}

// Throttled reports whether the limiter is currently in a cooldown.
func (l *Limiter) Throttled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.throttledUntil.IsZero() && l.clock.Now().Before(l.throttledUntil)
}

// Rate returns the current effective rate in calls per second.
func (l *Limiter) Rate() float64 {
	return float64(l.lim.Limit())
}
