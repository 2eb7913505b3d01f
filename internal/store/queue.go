package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/matchwatch/internal/model"
)

// InsertItem stores a new pending item. ErrAlreadyQueued means the pair
// already has an item in flight.
func (s *Postgres) InsertItem(ctx context.Context, item model.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	tag, err := s.pool.Exec(ctx, "queue_insert",
		item.ID, item.SubscriberID, item.EntityID, item.Recipient, payload, item.Priority,
		item.Attempts, item.MaxAttempts, string(item.Status), item.ScheduledAt, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyQueued
	}
	return nil
}

// ClaimItems atomically moves up to limit due pending items to processing
// and increments their attempt counters. Concurrent claimers never receive
// the same row (FOR UPDATE SKIP LOCKED).
func (s *Postgres) ClaimItems(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	rows, err := s.pool.Query(ctx, "queue_claim", now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return nil, fmt.Errorf("claim queue items: %w", err)
	}
	// UPDATE ... RETURNING does not preserve the subquery order.
	model.SortForDispatch(items)
	return items, nil
}

// MarkSent records a successful send. The item must be processing.
func (s *Postgres) MarkSent(ctx context.Context, id, messageID string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, "queue_mark_sent", id, messageID, now)
	if err != nil {
		return fmt.Errorf("mark sent %s: %w", id, err)
	}
	return affected(tag)
}

// RescheduleItem returns a processing item to pending at the given time.
func (s *Postgres) RescheduleItem(ctx context.Context, id string, at time.Time, lastError string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, "queue_reschedule", id, at, lastError, now)
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", id, err)
	}
	return affected(tag)
}

// MarkFailed moves a processing or sent item to failed.
func (s *Postgres) MarkFailed(ctx context.Context, id, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, "queue_mark_failed", id, reason, now)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", id, err)
	}
	return affected(tag)
}

// MarkDead moves a processing item to the dead-letter state.
func (s *Postgres) MarkDead(ctx context.Context, id, reason string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, "queue_mark_dead", id, reason, now)
	if err != nil {
		return fmt.Errorf("mark dead %s: %w", id, err)
	}
	return affected(tag)
}

// ItemByID returns one item or ErrNotFound.
func (s *Postgres) ItemByID(ctx context.Context, id string) (model.QueueItem, error) {
	return s.oneItem(ctx, "queue_by_id", id)
}

// ItemByMessageID looks an item up by the provider's message id.
func (s *Postgres) ItemByMessageID(ctx context.Context, messageID string) (model.QueueItem, error) {
	return s.oneItem(ctx, "queue_by_message", messageID)
}

func (s *Postgres) oneItem(ctx context.Context, stmt, key string) (model.QueueItem, error) {
	rows, err := s.pool.Query(ctx, stmt, key)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	items, err := collectItems(rows)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("get queue item: %w", err)
	}
	if len(items) == 0 {
		return model.QueueItem{}, ErrNotFound
	}
	return items[0], nil
}

// ItemsByStatus lists the most recently updated items in a status.
func (s *Postgres) ItemsByStatus(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueItem, error) {
	rows, err := s.pool.Query(ctx, "queue_by_status", string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list %s items: %w", status, err)
	}
	return collectItems(rows)
}

// RequeueItem resets a dead or failed item to pending with zero attempts.
func (s *Postgres) RequeueItem(ctx context.Context, id string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, "queue_requeue", id, now)
	if isUniqueViolation(err) {
		return ErrAlreadyQueued
	}
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.ItemByID(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// ReleaseStale returns processing items untouched since olderThan to pending.
func (s *Postgres) ReleaseStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "queue_release_stale", olderThan, now)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneItems deletes sent and failed items last updated before the horizon.
// Dead items stay until an operator acts on them.
func (s *Postgres) PruneItems(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "queue_prune", before)
	if err != nil {
		return 0, fmt.Errorf("prune queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectItems(rows pgx.Rows) ([]model.QueueItem, error) {
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var (
			it      model.QueueItem
			payload []byte
			status  string
		)
		if err := rows.Scan(&it.ID, &it.SubscriberID, &it.EntityID, &it.Recipient, &payload,
			&it.Priority, &it.Attempts, &it.MaxAttempts, &status, &it.ScheduledAt,
			&it.LastError, &it.ProviderMessageID, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		it.Status = model.QueueStatus(status)
		if err := json.Unmarshal(payload, &it.Payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", it.ID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
