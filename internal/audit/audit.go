// Package audit is the append-only ledger of notification lifecycle events.
// It is the only input to cooldown checks and delivery statistics.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Store is the persistence the log needs.
type Store interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) (bool, error)
	QueryAudit(ctx context.Context, f model.AuditFilter) ([]model.AuditEntry, error)
	LastSentAt(ctx context.Context, subscriberID, entityID string) (time.Time, bool, error)
	AuditStats(ctx context.Context, since time.Time) (map[model.AuditEventType]int64, error)
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
}

// Log appends and reads audit entries.
type Log struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Log.
func New(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{store: store, logger: logger, now: time.Now}
}

// Append writes one entry. It returns false without error when an entry with
// the same provider message id and type already exists, which is how
// replayed provider callbacks are detected.
func (l *Log) Append(ctx context.Context, e model.AuditEntry) (bool, error) {
	if !e.Type.Valid() {
		return false, fmt.Errorf("append audit: unknown event type %q", e.Type)
	}
	if e.SubscriberID == "" || e.EntityID == "" {
		return false, fmt.Errorf("append audit: subscriber and entity are required")
	}
	if e.At.IsZero() {
		e.At = l.now()
	}
	inserted, err := l.store.AppendAudit(ctx, e)
	if err != nil {
		return false, err
	}
	if !inserted {
		l.logger.Debug("Duplicate audit entry ignored",
			"type", e.Type, "provider_message_id", e.ProviderMessageID)
	}
	return inserted, nil
}

// Page is one page of query results. NextBeforeID is zero on the last page.
type Page struct {
	Entries      []model.AuditEntry `json:"entries"`
	NextBeforeID int64              `json:"next_before_id,omitempty"`
}

// Query returns entries newest first. Pass Page.NextBeforeID back as
// Filter.BeforeID to continue.
func (l *Log) Query(ctx context.Context, f model.AuditFilter) (Page, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	f.Limit = limit + 1

	entries, err := l.store.QueryAudit(ctx, f)
	if err != nil {
		return Page{}, err
	}
	page := Page{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		page.NextBeforeID = page.Entries[limit-1].ID
	}
	if page.Entries == nil {
		page.Entries = []model.AuditEntry{}
	}
	return page, nil
}

// LastSentAt returns when the pair was last sent a notification.
func (l *Log) LastSentAt(ctx context.Context, subscriberID, entityID string) (time.Time, bool, error) {
	return l.store.LastSentAt(ctx, subscriberID, entityID)
}

// Stats counts entries by type since the given time. Every known type is
// present in the result, with zero when absent.
func (l *Log) Stats(ctx context.Context, since time.Time) (map[model.AuditEventType]int64, error) {
	counts, err := l.store.AuditStats(ctx, since)
	if err != nil {
		return nil, err
	}
	out := make(map[model.AuditEventType]int64, len(model.AuditEventTypes))
	for _, t := range model.AuditEventTypes {
		out[t] = counts[t]
	}
	return out, nil
}

// Prune deletes entries older than before. Retention only.
func (l *Log) Prune(ctx context.Context, before time.Time) (int64, error) {
	return l.store.PruneAudit(ctx, before)
}
