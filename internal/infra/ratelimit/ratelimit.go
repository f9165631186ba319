// Package ratelimit is a best-effort, in-memory request throttle.
//
// Each policy keeps a fixed window per identity. State is per process, so
// several replicas each allow the full limit; the ledger's atomic updates
// remain the authoritative spend guard.
package ratelimit

import (
	"sync"
	"time"

	"github.com/tutu-network/pit/internal/domain"
	"github.com/tutu-network/pit/internal/infra/observability"
)

// sweepInterval bounds how often expired windows are collected.
const sweepInterval = 5 * time.Minute

type window struct {
	count int
	start time.Time
}

// Limiter implements domain.RateLimiter.
type Limiter struct {
	mu        sync.Mutex
	policies  map[string]map[string]*window
	lastSweep time.Time
	now       func() time.Time
}

var _ domain.RateLimiter = (*Limiter)(nil)

// New creates an empty limiter.
func New() *Limiter {
	return &Limiter{
		policies:  make(map[string]map[string]*window),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Check counts one request from identity against policy. The first request
// after a window expires opens a new window.
func (l *Limiter) Check(policy string, limit int, win time.Duration, identity string) domain.RateLimitResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entries, ok := l.policies[policy]
	if !ok {
		entries = make(map[string]*window)
		l.policies[policy] = entries
	}
	l.sweep(now, entries, win)

	w, ok := entries[identity]
	if !ok || now.Sub(w.start) > win {
		entries[identity] = &window{count: 1, start: now}
		return domain.RateLimitResult{Success: true, Remaining: limit - 1, ResetAt: now.Add(win)}
	}
	if w.count >= limit {
		observability.RateLimited.WithLabelValues(policy).Inc()
		return domain.RateLimitResult{Success: false, Remaining: 0, ResetAt: w.start.Add(win)}
	}
	w.count++
	return domain.RateLimitResult{Success: true, Remaining: limit - w.count, ResetAt: w.start.Add(win)}
}

// sweep drops expired windows at most once per sweepInterval.
func (l *Limiter) sweep(now time.Time, entries map[string]*window, win time.Duration) {
	if now.Sub(l.lastSweep) < sweepInterval {
		return
	}
	l.lastSweep = now
	for id, w := range entries {
		if now.Sub(w.start) > win {
			delete(entries, id)
		}
	}
}

// Len returns the number of tracked identities for policy.
func (l *Limiter) Len(policy string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.policies[policy])
}
