package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/matchwatch/internal/model"
)

// Subscriber returns one subscriber or ErrNotFound.
func (s *Postgres) Subscriber(ctx context.Context, id string) (model.Subscriber, error) {
	var sub model.Subscriber
	err := s.pool.QueryRow(ctx, "subscriber_by_id", id).Scan(&sub.ID, &sub.Email, &sub.NotificationsEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subscriber{}, ErrNotFound
	}
	if err != nil {
		return model.Subscriber{}, fmt.Errorf("get subscriber %s: %w", id, err)
	}
	return sub, nil
}

// GlobalPreference returns the subscriber's global row or ErrNotFound.
func (s *Postgres) GlobalPreference(ctx context.Context, subscriberID string) (model.Preference, error) {
	return s.preference(ctx, "preference_global", subscriberID, "", subscriberID)
}

// EntityPreference returns the per-entity row or ErrNotFound.
func (s *Postgres) EntityPreference(ctx context.Context, subscriberID, entityID string) (model.Preference, error) {
	return s.preference(ctx, "preference_entity", subscriberID, entityID, subscriberID, entityID)
}

func (s *Postgres) preference(ctx context.Context, stmt, subscriberID, entityID string, args ...any) (model.Preference, error) {
	pref := model.Preference{SubscriberID: subscriberID, EntityID: entityID}
	var filters []byte
	err := s.pool.QueryRow(ctx, stmt, args...).Scan(&pref.Enabled, &filters)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Preference{}, ErrNotFound
	}
	if err != nil {
		return model.Preference{}, fmt.Errorf("get preference: %w", err)
	}
	if pref.Filters, err = decodeFilters(filters); err != nil {
		return model.Preference{}, err
	}
	return pref, nil
}

// Blocked reports whether the core has blocked the pair.
func (s *Postgres) Blocked(ctx context.Context, subscriberID, entityID string) (bool, error) {
	var blocked bool
	if err := s.pool.QueryRow(ctx, "block_exists", subscriberID, entityID).Scan(&blocked); err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return blocked, nil
}

// Block records a core-owned opt-out. Existing blocks are left untouched.
func (s *Postgres) Block(ctx context.Context, b model.Block) error {
	if _, err := s.pool.Exec(ctx, "block_insert", b.SubscriberID, b.EntityID, b.Reason, b.CreatedAt); err != nil {
		return fmt.Errorf("insert block: %w", err)
	}
	return nil
}

// TrackedEntities lists entities with at least one enabled follower.
func (s *Postgres) TrackedEntities(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "tracked_entities")
	if err != nil {
		return nil, fmt.Errorf("list tracked entities: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Candidates returns every follower of an entity together with global flag,
// block state and last sent time, in one round trip.
func (s *Postgres) Candidates(ctx context.Context, entityID string) ([]model.Candidate, error) {
	rows, err := s.pool.Query(ctx, "entity_candidates", entityID)
	if err != nil {
		return nil, fmt.Errorf("get candidates: %w", err)
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var (
			c                     model.Candidate
			globalEnabled         *bool
			globalFilters, filter []byte
		)
		if err := rows.Scan(&c.Subscriber.ID, &c.Subscriber.Email, &c.Subscriber.NotificationsEnabled,
			&globalEnabled, &globalFilters, &c.Preference.Enabled, &filter,
			&c.Blocked, &c.LastSentAt); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		c.Preference.SubscriberID = c.Subscriber.ID
		c.Preference.EntityID = entityID
		if c.Preference.Filters, err = decodeFilters(filter); err != nil {
			return nil, err
		}
		if globalEnabled != nil {
			g := model.Preference{SubscriberID: c.Subscriber.ID, Enabled: *globalEnabled}
			if g.Filters, err = decodeFilters(globalFilters); err != nil {
				return nil, err
			}
			c.GlobalPreference = &g
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func decodeFilters(raw []byte) (model.Filters, error) {
	var f model.Filters
	if len(raw) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode filters: %w", err)
	}
	return f, nil
}
