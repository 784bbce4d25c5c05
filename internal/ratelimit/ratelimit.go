package ratelimit

import (
	"sync"
	"time"
)

// Limiter spaces out calls per provider. Each provider has an earliest next
// allowed time; Reserve advances it and returns how long the caller must wait
// before issuing the call. A provider-reported cooldown pushes the window out
// further via ReportRateLimited.
type Limiter struct {
	Now func() time.Time

	mu        sync.Mutex
	intervals map[string]time.Duration
	next      map[string]time.Time
}

func New(intervals map[string]time.Duration) *Limiter {
	if intervals == nil {
		intervals = map[string]time.Duration{}
	}
	return &Limiter{
		Now:       time.Now,
		intervals: intervals,
		next:      map[string]time.Time{},
	}
}

// SetInterval configures the minimum spacing between calls for a provider.
func (l *Limiter) SetInterval(provider string, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.intervals[provider] = d
}

// Reserve claims the next call slot for a provider and returns the wait until
// it opens. The slot is claimed immediately; the caller is expected to sleep
// for the returned duration before issuing the call.
func (l *Limiter) Reserve(provider string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.Now()
	start := now
	if next, ok := l.next[provider]; ok && next.After(now) {
		start = next
	}
	l.next[provider] = start.Add(l.intervals[provider])
	return start.Sub(now)
}

// ReportRateLimited records a provider cooldown. Subsequent Reserve calls for
// that provider wait at least until the cooldown expires.
func (l *Limiter) ReportRateLimited(provider string, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	until := l.Now().Add(retryAfter)
	if until.After(l.next[provider]) {
		l.next[provider] = until
	}
}
