package ratelimit

import (
	"testing"
	"time"
)

func newTestLimiter(interval time.Duration) (*Limiter, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := New(map[string]time.Duration{"p": interval})
	l.Now = func() time.Time { return now }
	return l, &now
}

func TestReserveFirstCallImmediate(t *testing.T) {
	l, _ := newTestLimiter(2 * time.Second)
	if wait := l.Reserve("p"); wait != 0 {
		t.Fatalf("first reserve wait = %v, want 0", wait)
	}
}

func TestReserveEnforcesInterval(t *testing.T) {
	l, now := newTestLimiter(2 * time.Second)
	l.Reserve("p")
	*now = now.Add(500 * time.Millisecond)
	wait := l.Reserve("p")
	if wait != 1500*time.Millisecond {
		t.Fatalf("second reserve wait = %v, want 1.5s", wait)
	}
}

func TestReserveQueuesSuccessiveCalls(t *testing.T) {
	l, _ := newTestLimiter(time.Second)
	l.Reserve("p")
	if wait := l.Reserve("p"); wait != time.Second {
		t.Fatalf("second wait = %v, want 1s", wait)
	}
	if wait := l.Reserve("p"); wait != 2*time.Second {
		t.Fatalf("third wait = %v, want 2s", wait)
	}
}

func TestReportRateLimitedExtendsWindow(t *testing.T) {
	l, _ := newTestLimiter(time.Second)
	l.ReportRateLimited("p", 30*time.Second)
	if wait := l.Reserve("p"); wait != 30*time.Second {
		t.Fatalf("wait after cooldown = %v, want 30s", wait)
	}
}

func TestCooldownNeverShrinksWindow(t *testing.T) {
	l, _ := newTestLimiter(time.Second)
	l.ReportRateLimited("p", time.Minute)
	l.ReportRateLimited("p", time.Second)
	if wait := l.Reserve("p"); wait != time.Minute {
		t.Fatalf("wait = %v, want 1m", wait)
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(time.Second)
	l.SetInterval("q", time.Second)
	l.Reserve("p")
	l.ReportRateLimited("p", 30*time.Second)
	if wait := l.Reserve("q"); wait != 0 {
		t.Fatalf("provider q wait = %v, want 0", wait)
	}
}

func TestUnknownProviderHasNoSpacing(t *testing.T) {
	l, _ := newTestLimiter(time.Second)
	if wait := l.Reserve("other"); wait != 0 {
		t.Fatalf("wait = %v, want 0", wait)
	}
	if wait := l.Reserve("other"); wait != 0 {
		t.Fatalf("wait = %v, want 0", wait)
	}
}
