package retry

import (
	"context"
	"math/rand"
	"time"
)

// Class tells the policy how to treat a failed attempt.
type Class int

const (
	// Permanent errors stop retrying immediately.
	Permanent Class = iota
	// Transient errors retry against the main attempt budget.
	Transient
	// Validation errors retry against the smaller validation budget. The
	// output arrived but failed structural checks, so hammering the
	// provider rarely helps.
	Validation
)

// Policy retries an operation with exponential backoff and jitter. Classify
// decides whether an error is worth another attempt; Cooldown lets the caller
// feed provider cooldown hints back in, returning a minimum wait that
// overrides the computed backoff when longer.
type Policy struct {
	MaxAttempts        int
	ValidationAttempts int
	BaseDelay          time.Duration
	MaxDelay           time.Duration
	Jitter             float64

	Classify func(error) Class
	Cooldown func(error) time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
	Rand     func() float64
}

// OnRetry is invoked before each sleep with the attempt number just failed,
// the error, and the wait before the next attempt.
type OnRetry func(attempt int, err error, wait time.Duration)

// Do runs op until it succeeds, exhausts its budget, hits a permanent error,
// or the context is cancelled. Cancellation during a backoff sleep returns
// ctx.Err() without counting a further attempt. The returned int is the
// number of attempts actually made.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context, attempt int) error, onRetry OnRetry) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	validationBudget := p.ValidationAttempts
	if validationBudget <= 0 {
		validationBudget = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	validationFailures := 0
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}
		lastErr = op(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}

		class := Transient
		if p.Classify != nil {
			class = p.Classify(lastErr)
		}
		switch class {
		case Permanent:
			return attempt, lastErr
		case Validation:
			validationFailures++
			if validationFailures >= validationBudget {
				return attempt, lastErr
			}
		}
		if attempt >= maxAttempts {
			return attempt, lastErr
		}

		wait := p.backoff(attempt)
		if p.Cooldown != nil {
			if hint := p.Cooldown(lastErr); hint > wait {
				wait = hint
			}
		}
		if onRetry != nil {
			onRetry(attempt, lastErr, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return attempt, err
		}
	}
}

func (p Policy) backoff(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	max := p.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		// Spread in [d*(1-jitter), d*(1+jitter)].
		d = time.Duration(float64(d) * (1 + p.Jitter*(2*r()-1)))
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
