package detector

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket with a cooldown gate. A 429 from the activity
// API closes the gate until the provider's hint (or a fixed fallback) has
// passed; every worker waits on the gate before taking a token.
//
// One Limiter belongs to one detector run.
type Limiter struct {
	bucket   *rate.Limiter
	fallback time.Duration
	now      func() time.Time

	mu            sync.Mutex
	cooldownUntil time.Time
	throttles     int
}

// NewLimiter creates a limiter allowing rps requests per second with the
// given burst. fallback is the cooldown applied when a 429 carries no hint.
func NewLimiter(rps float64, burst int, fallback time.Duration, now func() time.Time) *Limiter {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if now == nil {
		now = time.Now
	}
	return &Limiter{
		bucket:   rate.NewLimiter(limit, burst),
		fallback: fallback,
		now:      now,
	}
}

// Wait blocks until the cooldown gate is open and a token is available.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		until, cooling := l.CooldownUntil()
		if !cooling {
			break
		}
		timer := time.NewTimer(until.Sub(l.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return l.bucket.Wait(ctx)
}

// Throttle closes the gate for hint, or for the fallback when hint is zero.
// An existing later deadline is kept.
func (l *Limiter) Throttle(hint time.Duration) time.Time {
	d := hint
	if d <= 0 {
		d = l.fallback
	}
	until := l.now().Add(d)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttles++
	if until.After(l.cooldownUntil) {
		l.cooldownUntil = until
	}
	return l.cooldownUntil
}

// CooldownUntil returns the gate deadline and whether it is still closed.
func (l *Limiter) CooldownUntil() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cooldownUntil, l.now().Before(l.cooldownUntil)
}

// Throttles returns how many 429s this limiter has seen.
func (l *Limiter) Throttles() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.throttles
}
