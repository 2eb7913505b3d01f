// Package webhook verifies and applies delivery callbacks from the email
// provider. Every side effect is insert-if-absent or a guarded status change,
// and the audit append is unique per (message id, event type), so a replayed
// callback changes nothing.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
	"github.com/albapepper/matchwatch/internal/suppression"
)

// Store is what the processor reads and writes directly.
type Store interface {
	ItemByMessageID(ctx context.Context, messageID string) (model.QueueItem, error)
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	Block(ctx context.Context, b model.Block) error
}

// AuditLog records the callback.
type AuditLog interface {
	Append(ctx context.Context, e model.AuditEntry) (bool, error)
}

// Suppressions receives hard bounces and complaints.
type Suppressions interface {
	Add(ctx context.Context, address, reason, sourceItemID string) (bool, error)
}

// Processor applies parsed events.
type Processor struct {
	store       Store
	audit       AuditLog
	suppression Suppressions
	logger      *slog.Logger
	now         func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(s Store, a AuditLog, sup Suppressions, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{store: s, audit: a, suppression: sup, logger: logger, now: time.Now}
}

// Handle applies one event. Events for unknown message ids are logged and
// dropped. A returned error means the provider should redeliver.
func (p *Processor) Handle(ctx context.Context, ev Event) error {
	item, err := p.store.ItemByMessageID(ctx, ev.MessageID())
	if errors.Is(err, store.ErrNotFound) {
		p.logger.Warn("Webhook for unknown message ignored", "message_id", ev.MessageID())
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup message %s: %w", ev.MessageID(), err)
	}

	entry := model.AuditEntry{
		SubscriberID:      item.SubscriberID,
		EntityID:          item.EntityID,
		NotificationKind:  item.Payload.Kind,
		At:                ev.OccurredAt(),
		QueueItemID:       item.ID,
		ProviderMessageID: ev.MessageID(),
		Attempt:           item.Attempts,
	}
	if entry.At.IsZero() {
		entry.At = p.now()
	}

	// Side effects first: if one fails the provider redelivers, and the
	// audit row, written last, is what marks the event as seen.
	switch ev := ev.(type) {
	case Sent:
		entry.Type = model.AuditSent
	case Delivered:
		entry.Type = model.AuditDelivered
		p.logger.Info("Email delivered",
			"message_id", ev.MessageID(),
			"item_id", item.ID,
			"latency", entry.At.Sub(item.UpdatedAt).Round(time.Second))
	case Bounced:
		entry.Type = model.AuditBounced
		kind := "soft"
		if ev.Hard {
			kind = "hard"
			if err := p.optOut(ctx, item, suppression.ReasonHardBounce); err != nil {
				return err
			}
		}
		if err := p.store.MarkFailed(ctx, item.ID, kind+" bounce: "+ev.Reason, p.now()); err != nil &&
			!errors.Is(err, store.ErrConflict) {
			return fmt.Errorf("mark failed %s: %w", item.ID, err)
		}
		entry.Reason = kind + ": " + ev.Reason
	case Complained:
		entry.Type = model.AuditComplained
		entry.Reason = ev.Reason
		if err := p.optOut(ctx, item, suppression.ReasonComplaint); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupported, ev)
	}

	inserted, err := p.audit.Append(ctx, entry)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	if !inserted {
		p.logger.Debug("Duplicate webhook ignored", "message_id", ev.MessageID(), "type", entry.Type)
		return nil
	}
	p.logger.Info("Webhook applied",
		"message_id", ev.MessageID(),
		"type", entry.Type,
		"item_id", item.ID,
		"subscriber_id", item.SubscriberID)
	return nil
}

// optOut suppresses the address and blocks the pair.
func (p *Processor) optOut(ctx context.Context, item model.QueueItem, reason string) error {
	if _, err := p.suppression.Add(ctx, item.Recipient, reason, item.ID); err != nil {
		return fmt.Errorf("suppress %s: %w", item.ID, err)
	}
	err := p.store.Block(ctx, model.Block{
		SubscriberID: item.SubscriberID,
		EntityID:     item.EntityID,
		Reason:       reason,
		CreatedAt:    p.now(),
	})
	if err != nil {
		return fmt.Errorf("block pair for %s: %w", item.ID, err)
	}
	return nil
}
