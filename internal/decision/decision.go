// Package decision decides whether a subscriber should hear about an entity
// right now. Checks run in a fixed order: subscriber and global opt-out,
// per-entity preference and block, then the per-pair cooldown taken from the
// audit log. Every lookup failure denies.
package decision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
)

// Reason explains a denial.
type Reason string

const (
	ReasonSubscriberNotFound Reason = "subscriber_not_found"
	ReasonGloballyDisabled   Reason = "globally_disabled"
	ReasonPreferenceNotFound Reason = "preference_not_found"
	ReasonEntityDisabled     Reason = "entity_disabled"
	ReasonBlocked            Reason = "blocked"
	ReasonCooldown           Reason = "cooldown"
	ReasonLookupFailed       Reason = "lookup_failed"
)

// Decision is the outcome for one (subscriber, entity) pair. RetryAfter is
// set only for cooldown denials.
type Decision struct {
	Allowed    bool
	Reason     Reason
	RetryAfter time.Time
}

// Store reads preferences (owned elsewhere) and the core's block overlay.
type Store interface {
	Subscriber(ctx context.Context, id string) (model.Subscriber, error)
	GlobalPreference(ctx context.Context, subscriberID string) (model.Preference, error)
	EntityPreference(ctx context.Context, subscriberID, entityID string) (model.Preference, error)
	Blocked(ctx context.Context, subscriberID, entityID string) (bool, error)
	Candidates(ctx context.Context, entityID string) ([]model.Candidate, error)
}

// SentLookup finds the last sent notification for a pair.
type SentLookup interface {
	LastSentAt(ctx context.Context, subscriberID, entityID string) (time.Time, bool, error)
}

// Options configures an Engine.
type Options struct {
	Cooldown time.Duration
	Now      func() time.Time
	Logger   *slog.Logger
}

// Engine evaluates eligibility.
type Engine struct {
	store    Store
	sent     SentLookup
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// New creates an Engine.
func New(s Store, sent SentLookup, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{store: s, sent: sent, cooldown: opts.Cooldown, now: opts.Now, logger: opts.Logger}
}

// ShouldNotify evaluates one pair. It never returns an error.
func (e *Engine) ShouldNotify(ctx context.Context, subscriberID, entityID string) Decision {
	deny := func(r Reason, err error) Decision {
		e.logger.Warn("Eligibility lookup denied",
			"subscriber_id", subscriberID, "entity_id", entityID, "reason", r, "error", err)
		return Decision{Reason: r}
	}

	var c model.Candidate
	sub, err := e.store.Subscriber(ctx, subscriberID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return deny(ReasonSubscriberNotFound, err)
	case err != nil:
		return deny(ReasonLookupFailed, err)
	}
	c.Subscriber = sub

	global, err := e.store.GlobalPreference(ctx, subscriberID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No global row means the subscriber never opted out.
	case err != nil:
		return deny(ReasonLookupFailed, err)
	default:
		c.GlobalPreference = &global
	}
	if d := globalCheck(c); !d.Allowed {
		return d
	}

	pref, err := e.store.EntityPreference(ctx, subscriberID, entityID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return deny(ReasonPreferenceNotFound, err)
	case err != nil:
		return deny(ReasonLookupFailed, err)
	}
	c.Preference = pref

	if c.Blocked, err = e.store.Blocked(ctx, subscriberID, entityID); err != nil {
		return deny(ReasonLookupFailed, err)
	}

	last, ok, err := e.sent.LastSentAt(ctx, subscriberID, entityID)
	if err != nil {
		return deny(ReasonLookupFailed, err)
	}
	if ok {
		c.LastSentAt = &last
	}
	return e.evaluate(c)
}

// GetEligibleSubscribers returns the followers of an entity that may be
// notified now, using one store query for the whole fan-out. On a store
// error nobody is eligible and the error is returned for the cycle summary.
func (e *Engine) GetEligibleSubscribers(ctx context.Context, entityID string) ([]model.Candidate, error) {
	candidates, err := e.store.Candidates(ctx, entityID)
	if err != nil {
		return nil, err
	}
	var eligible []model.Candidate
	for _, c := range candidates {
		d := e.evaluate(c)
		if !d.Allowed {
			e.logger.Debug("Subscriber not eligible",
				"subscriber_id", c.Subscriber.ID, "entity_id", entityID, "reason", d.Reason)
			continue
		}
		eligible = append(eligible, c)
	}
	return eligible, nil
}

// evaluate applies every check to a fully loaded candidate.
func (e *Engine) evaluate(c model.Candidate) Decision {
	if d := globalCheck(c); !d.Allowed {
		return d
	}
	if !c.Preference.Enabled {
		return Decision{Reason: ReasonEntityDisabled}
	}
	if c.Blocked {
		return Decision{Reason: ReasonBlocked}
	}
	if c.LastSentAt != nil {
		until := c.LastSentAt.Add(e.cooldown)
		if e.now().Before(until) {
			return Decision{Reason: ReasonCooldown, RetryAfter: until}
		}
	}
	return Decision{Allowed: true}
}

func globalCheck(c model.Candidate) Decision {
	if !c.Subscriber.NotificationsEnabled {
		return Decision{Reason: ReasonGloballyDisabled}
	}
	if c.GlobalPreference != nil && !c.GlobalPreference.Enabled {
		return Decision{Reason: ReasonGloballyDisabled}
	}
	return Decision{Allowed: true}
}
