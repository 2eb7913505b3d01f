// Package maintenance prunes data past its retention horizon. Dead queue
// items are never pruned; they wait for an operator.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store is what the cleaner deletes from.
type Store interface {
	PruneAudit(ctx context.Context, before time.Time) (int64, error)
	PruneStatusChanges(ctx context.Context, before time.Time) (int64, error)
	PruneItems(ctx context.Context, before time.Time) (int64, error)
}

// Config holds retention horizons. Zero disables a task.
type Config struct {
	AuditRetention        time.Duration // audit entries
	StatusChangeRetention time.Duration // raw status change log
	QueueRetention        time.Duration // sent and failed queue items
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{
		AuditRetention:        30 * 24 * time.Hour,
		StatusChangeRetention: 7 * 24 * time.Hour,
		QueueRetention:        30 * 24 * time.Hour,
	}
}

// Result counts deleted rows per table.
type Result struct {
	Audit         int64
	StatusChanges int64
	QueueItems    int64
}

// Cleaner runs the retention tasks.
type Cleaner struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Cleaner.
func New(store Store, cfg Config, logger *slog.Logger) *Cleaner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cleaner{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Run prunes every table with a configured horizon. A failing task is
// logged and the others still run; the first error is returned.
func (c *Cleaner) Run(ctx context.Context) (Result, error) {
	now := c.now()
	var res Result
	var firstErr error

	tasks := []struct {
		name    string
		horizon time.Duration
		prune   func(context.Context, time.Time) (int64, error)
		count   *int64
	}{
		{"audit entries", c.cfg.AuditRetention, c.store.PruneAudit, &res.Audit},
		{"status changes", c.cfg.StatusChangeRetention, c.store.PruneStatusChanges, &res.StatusChanges},
		{"queue items", c.cfg.QueueRetention, c.store.PruneItems, &res.QueueItems},
	}
	for _, t := range tasks {
		if t.horizon <= 0 {
			continue
		}
		n, err := t.prune(ctx, now.Add(-t.horizon))
		if err != nil {
			c.logger.Warn("Cleanup: failed to purge "+t.name, "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("purge %s: %w", t.name, err)
			}
			continue
		}
		*t.count = n
		if n > 0 {
			c.logger.Info("Cleanup: purged "+t.name, "count", n, "older_than", t.horizon)
		}
	}
	return res, firstErr
}
