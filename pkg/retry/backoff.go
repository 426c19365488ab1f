// Package retry provides bounded retry loops with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts int           // total attempts including the first
	BaseDelay   time.Duration // delay before the second attempt
	MaxDelay    time.Duration // cap applied before jitter
	Multiplier  float64
	Jitter      float64 // fraction of the delay, 0..1
}

// DefaultPolicy returns the policy used for store connection attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
	}
}

// Backoff computes jittered exponential delays.
type Backoff struct {
	policy Policy

	mu   sync.Mutex
	rand *rand.Rand
}

// NewBackoff creates a backoff for the given policy.
func NewBackoff(p Policy) *Backoff {
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return &Backoff{
		policy: p,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter only
	}
}

// Next returns the delay before retry number attempt (0-based).
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.policy.BaseDelay) * math.Pow(b.policy.Multiplier, float64(attempt))
	if b.policy.MaxDelay > 0 && d > float64(b.policy.MaxDelay) {
		d = float64(b.policy.MaxDelay)
	}

	if b.policy.Jitter > 0 {
		b.mu.Lock()
		spread := d * b.policy.Jitter
		d += b.rand.Float64()*2*spread - spread
		b.mu.Unlock()
	}

	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
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

// ErrExhausted wraps the last error once all attempts have failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Permanent marks an error that must not be retried.
type Permanent struct {
	Err error
}

func (p *Permanent) Error() string { return p.Err.Error() }
func (p *Permanent) Unwrap() error { return p.Err }

// Do calls fn until it succeeds, returns a Permanent error, ctx is done or the
// policy is exhausted. onRetry, when set, is called before each wait with the
// 1-based number of the failed attempt.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, delay time.Duration, err error)) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	b := NewBackoff(p)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}

		var perm *Permanent
		if errors.As(err, &perm) {
			return perm.Err
		}
		if attempt == attempts {
			break
		}

		delay := b.Next(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, delay, err)
		}
		if serr := Sleep(ctx, delay); serr != nil {
			return errors.Join(serr, err)
		}
	}
	return errors.Join(ErrExhausted, err)
}
