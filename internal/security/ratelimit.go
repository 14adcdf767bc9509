package security

import (
	"context"
	"sync"
	"time"
)

// RateLimiter keeps a timestamp log per identity. The window slides with the
// clock: a request counts until exactly window has elapsed since it was made.
type RateLimiter struct {
	mu   sync.Mutex
	now  func() time.Time
	logs map[string][]time.Time
}

type RateDecision struct {
	Allowed    bool          `json:"allowed"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	Window     time.Duration `json:"window"`
	RetryAfter time.Duration `json:"retry_after"`
	Blocked    bool          `json:"blocked,omitempty"`
}

func NewRateLimiter(now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{now: now, logs: map[string][]time.Time{}}
}

// Allow records a request for identity when it fits in the window. Rejected
// requests are not counted.
func (l *RateLimiter) Allow(identity string, max int, window time.Duration) RateDecision {
	decision := RateDecision{Limit: max, Window: window}
	if max <= 0 || window <= 0 {
		decision.Allowed = true
		return decision
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	log := l.logs[identity]
	expired := 0
	for expired < len(log) && now.Sub(log[expired]) >= window {
		expired++
	}
	log = log[expired:]

	if len(log) >= max {
		l.logs[identity] = log
		decision.RetryAfter = log[0].Add(window).Sub(now)
		return decision
	}
	log = append(log, now)
	l.logs[identity] = log
	decision.Allowed = true
	decision.Remaining = max - len(log)
	return decision
}

// Sweep drops identities whose every request has left the window.
func (l *RateLimiter) Sweep(window time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for identity, log := range l.logs {
		if len(log) == 0 || now.Sub(log[len(log)-1]) >= window {
			delete(l.logs, identity)
			dropped++
		}
	}
	return dropped
}

// RunSweeper calls Sweep once per window until ctx is done, so identities
// that stop sending requests do not stay in memory.
func (l *RateLimiter) RunSweeper(ctx context.Context, window time.Duration) {
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep(window)
		}
	}
}
