package services

import (
	"context"
	"sync"
	"time"
)

// IdleGuard times out an authenticated dashboard session after a period
// of inactivity, with a warning window before expiry. It has no coupling
// to the queue store; the "recoverable session" shape is coincidental.
type IdleGuard struct {
	duration      time.Duration
	warningWindow time.Duration
	now           func() time.Time

	mu           sync.Mutex
	lastActivity time.Time
	warned       bool
	expired      bool

	onWarn   func(remaining time.Duration)
	onExpire func()
}

func NewIdleGuard(duration, warningWindow time.Duration, onWarn func(time.Duration), onExpire func()) *IdleGuard {
	g := &IdleGuard{
		duration:      duration,
		warningWindow: warningWindow,
		now:           time.Now,
		onWarn:        onWarn,
		onExpire:      onExpire,
	}
	g.lastActivity = g.now()
	return g
}

// Touch records activity and clears a pending warning.
func (g *IdleGuard) Touch() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return
	}
	g.lastActivity = g.now()
	g.warned = false
}

// Extend is the explicit "keep me signed in" action; same effect as
// activity but exposed as its own endpoint.
func (g *IdleGuard) Extend() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.expired {
		return false
	}
	g.lastActivity = g.now()
	g.warned = false
	return true
}

// Remaining returns the time until expiry, zero if already expired.
func (g *IdleGuard) Remaining() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	remaining := g.duration - g.now().Sub(g.lastActivity)
	if g.expired || remaining < 0 {
		return 0
	}
	return remaining
}

// Expired reports whether the session has been invalidated.
func (g *IdleGuard) Expired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.expired
}

// Expire invalidates the session immediately (explicit logout).
func (g *IdleGuard) Expire() {
	g.mu.Lock()
	expired := g.expired
	g.expired = true
	g.mu.Unlock()
	if !expired && g.onExpire != nil {
		g.onExpire()
	}
}

// Run drives the countdown until the session expires or ctx is done.
// The check interval trades precision for simplicity; the warning still
// fires with most of the window left.
func (g *IdleGuard) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if g.tick() {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// tick fires the warning and expiry callbacks as thresholds pass.
// Returns true once the session expired.
func (g *IdleGuard) tick() bool {
	g.mu.Lock()
	if g.expired {
		g.mu.Unlock()
		return true
	}
	remaining := g.duration - g.now().Sub(g.lastActivity)

	var warn func(time.Duration)
	var expire func()
	switch {
	case remaining <= 0:
		g.expired = true
		expire = g.onExpire
	case remaining <= g.warningWindow && !g.warned:
		g.warned = true
		warn = g.onWarn
	}
	g.mu.Unlock()

	if warn != nil {
		warn(remaining)
	}
	if expire != nil {
		expire()
		return true
	}
	return false
}
