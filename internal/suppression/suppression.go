// Package suppression guards against sending to addresses that hard bounced
// or complained. Entries are never removed automatically.
package suppression

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
)

// Reasons recorded on entries.
const (
	ReasonHardBounce       = "hard_bounce"
	ReasonComplaint        = "complaint"
	ReasonInvalidRecipient = "invalid_recipient"
)

// Store is the persistence the list needs.
type Store interface {
	IsSuppressed(ctx context.Context, address string) (bool, error)
	AddSuppression(ctx context.Context, e model.SuppressionEntry) (bool, error)
	RemoveSuppression(ctx context.Context, address string) error
	GetSuppression(ctx context.Context, address string) (model.SuppressionEntry, error)
}

// List normalises addresses before every store call.
type List struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a List.
func New(store Store, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}
	return &List{store: store, logger: logger, now: time.Now}
}

// IsSuppressed reports whether an address may not be sent to.
func (l *List) IsSuppressed(ctx context.Context, address string) (bool, error) {
	return l.store.IsSuppressed(ctx, model.NormalizeAddress(address))
}

// Add suppresses an address if it is not already. added reports whether a
// new entry was written.
func (l *List) Add(ctx context.Context, address, reason, sourceItemID string) (bool, error) {
	addr := model.NormalizeAddress(address)
	if addr == "" {
		return false, fmt.Errorf("add suppression: empty address")
	}
	added, err := l.store.AddSuppression(ctx, model.SuppressionEntry{
		Address:      addr,
		Reason:       reason,
		SourceItemID: sourceItemID,
		CreatedAt:    l.now(),
	})
	if err != nil {
		return false, err
	}
	if added {
		l.logger.Info("Address suppressed", "address", addr, "reason", reason, "queue_item_id", sourceItemID)
	}
	return added, nil
}

// Remove lifts a suppression. Manual operator action only.
func (l *List) Remove(ctx context.Context, address string) error {
	addr := model.NormalizeAddress(address)
	if err := l.store.RemoveSuppression(ctx, addr); err != nil {
		return err
	}
	l.logger.Warn("Suppression removed by operator", "address", addr)
	return nil
}

// Get returns the entry for an address.
func (l *List) Get(ctx context.Context, address string) (model.SuppressionEntry, error) {
	return l.store.GetSuppression(ctx, model.NormalizeAddress(address))
}
