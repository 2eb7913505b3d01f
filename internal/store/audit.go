package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/matchwatch/internal/model"
)

// AppendAudit inserts one audit row. inserted is false when an entry with
// the same (provider message id, event type) already exists.
func (s *Postgres) AppendAudit(ctx context.Context, e model.AuditEntry) (bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, "audit_insert",
		e.SubscriberID, e.EntityID, string(e.Type), string(e.NotificationKind), e.QueueItemID,
		e.ProviderMessageID, e.Attempt, e.Reason, e.At).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("append audit %s: %w", e.Type, err)
	}
	return true, nil
}

// QueryAudit returns entries matching f, newest first.
func (s *Postgres) QueryAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SubscriberID != "" {
		add("subscriber_id = $%d", f.SubscriberID)
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.Type != "" {
		add("event_type = $%d", string(f.Type))
	}
	if !f.Since.IsZero() {
		add("created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("created_at < $%d", f.Until)
	}
	if f.BeforeID > 0 {
		add("id < $%d", f.BeforeID)
	}

	query := `SELECT id, subscriber_id, entity_id, event_type, notification_kind, queue_item_id,
		COALESCE(provider_message_id, ''), attempt, reason, created_at FROM notification_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e         model.AuditEntry
			eventType string
			kind      string
		)
		if err := rows.Scan(&e.ID, &e.SubscriberID, &e.EntityID, &eventType, &kind, &e.QueueItemID,
			&e.ProviderMessageID, &e.Attempt, &e.Reason, &e.At); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.Type = model.AuditEventType(eventType)
		e.NotificationKind = model.ChangeKind(kind)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastSentAt returns the newest sent entry time for the pair.
func (s *Postgres) LastSentAt(ctx context.Context, subscriberID, entityID string) (time.Time, bool, error) {
	var last *time.Time
	if err := s.pool.QueryRow(ctx, "audit_last_sent", subscriberID, entityID).Scan(&last); err != nil {
		return time.Time{}, false, fmt.Errorf("last sent: %w", err)
	}
	if last == nil {
		return time.Time{}, false, nil
	}
	return *last, true, nil
}

// AuditStats counts entries per event type since the given time.
func (s *Postgres) AuditStats(ctx context.Context, since time.Time) (map[model.AuditEventType]int64, error) {
	rows, err := s.pool.Query(ctx, "audit_stats", since)
	if err != nil {
		return nil, fmt.Errorf("audit stats: %w", err)
	}
	defer rows.Close()

	out := make(map[model.AuditEventType]int64)
	for rows.Next() {
		var (
			eventType string
			n         int64
		)
		if err := rows.Scan(&eventType, &n); err != nil {
			return nil, fmt.Errorf("scan audit stats: %w", err)
		}
		out[model.AuditEventType(eventType)] = n
	}
	return out, rows.Err()
}

// PruneAudit deletes entries older than before.
func (s *Postgres) PruneAudit(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "audit_prune", before)
	if err != nil {
		return 0, fmt.Errorf("prune audit: %w", err)
	}
	return tag.RowsAffected(), nil
}
