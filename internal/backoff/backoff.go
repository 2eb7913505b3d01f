// Package backoff classifies delivery failures and schedules the next
// attempt. Waiting is expressed as a timestamp stored on the queue item; no
// caller sleeps.
package backoff

import (
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/albapepper/matchwatch/internal/email"
	"github.com/albapepper/matchwatch/internal/model"
)

// Class is a failure classification.
type Class string

const (
	RateLimited Class = "rate_limited"
	Permanent   Class = "permanent"
	Transient   Class = "transient"
	Exhausted   Class = "exhausted"
)

// ErrPermanent marks a failure that will never succeed for this recipient.
// Wrap it to force suppression.
var ErrPermanent = errors.New("permanent delivery failure")

// Policy holds the backoff parameters. Rand returns a value in [0, 1); nil
// uses math/rand/v2.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     float64
	Rand       func() float64
}

// DefaultPolicy is 1m base, x5, 4h cap, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{Base: time.Minute, Multiplier: 5, Max: 4 * time.Hour, Jitter: 0.1}
}

// Decision is the scheduler's verdict for one failed attempt.
type Decision struct {
	ShouldRetry   bool
	NextAttemptAt time.Time
	Delay         time.Duration
	Suppress      bool
	Class         Class
}

// Classify maps an error from a send attempt to a failure class. Timeouts
// and anything unrecognised are transient.
func Classify(err error) Class {
	if errors.Is(err, ErrPermanent) {
		return Permanent
	}
	var se *email.SendError
	if errors.As(err, &se) {
		switch {
		case se.RateLimited():
			return RateLimited
		case se.InvalidRecipient():
			return Permanent
		}
	}
	return Transient
}

// Delay returns the un-jittered delay after the given attempt number
// (1-based): Base * Multiplier^(attempts-1), capped at Max.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempts-1))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 0) || math.IsNaN(d)) {
		return p.Max
	}
	return time.Duration(d)
}

// jittered adds up to Jitter*delay and re-applies the cap, so the result
// never exceeds Max and stays non-decreasing across attempts whenever
// Multiplier >= 1+Jitter.
func (p Policy) jittered(d time.Duration) time.Duration {
	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		d += time.Duration(float64(d) * p.Jitter * r())
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// Decide classifies err and decides what happens to the item. item.Attempts
// is the number of attempts started, including the one that just failed.
//
// A permanent failure is reported as such even on the last attempt so the
// address is still suppressed; otherwise attempts >= MaxAttempts is
// exhausted regardless of class.
func (p Policy) Decide(item model.QueueItem, err error, now time.Time) Decision {
	class := Classify(err)
	if class == Permanent {
		return Decision{Class: Permanent, Suppress: true}
	}
	if item.MaxAttempts > 0 && item.Attempts >= item.MaxAttempts {
		return Decision{Class: Exhausted}
	}

	var delay time.Duration
	var se *email.SendError
	if class == RateLimited && errors.As(err, &se) && se.RetryAfter > 0 {
		delay = se.RetryAfter
		if p.Max > 0 && delay > p.Max {
			delay = p.Max
		}
	} else {
		delay = p.jittered(p.Delay(item.Attempts))
	}

	return Decision{
		ShouldRetry:   true,
		NextAttemptAt: now.Add(delay),
		Delay:         delay,
		Class:         class,
	}
}
