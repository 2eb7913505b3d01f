package store

import (
	"context"
	"fmt"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
)

// Snapshots returns the stored snapshot for each id that has one.
func (s *Postgres) Snapshots(ctx context.Context, ids []string) (map[string]model.StatusSnapshot, error) {
	rows, err := s.pool.Query(ctx, "snapshot_get_many", ids)
	if err != nil {
		return nil, fmt.Errorf("get snapshots: %w", err)
	}
	defer rows.Close()

	out := make(map[string]model.StatusSnapshot, len(ids))
	for rows.Next() {
		var snap model.StatusSnapshot
		if err := rows.Scan(&snap.EntityID, &snap.Online, &snap.Active,
			&snap.SessionRef, &snap.TimeControl, &snap.CheckedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out[snap.EntityID] = snap
	}
	return out, rows.Err()
}

// SaveSnapshot overwrites the snapshot for one entity.
func (s *Postgres) SaveSnapshot(ctx context.Context, snap model.StatusSnapshot) error {
	_, err := s.pool.Exec(ctx, "snapshot_upsert",
		snap.EntityID, snap.Online, snap.Active, snap.SessionRef, snap.TimeControl, snap.CheckedAt)
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", snap.EntityID, err)
	}
	return nil
}

// RecordChange appends a transition to the raw status change log.
func (s *Postgres) RecordChange(ctx context.Context, ev model.StatusChangeEvent) error {
	var wasActive *bool
	if ev.Previous != nil {
		wasActive = &ev.Previous.Active
	}
	_, err := s.pool.Exec(ctx, "status_change_insert",
		ev.EntityID, string(ev.Kind), wasActive, ev.Current.Active, ev.Current.SessionRef, ev.At)
	if err != nil {
		return fmt.Errorf("record status change %s: %w", ev.EntityID, err)
	}
	return nil
}

// PruneStatusChanges deletes status change rows older than before.
func (s *Postgres) PruneStatusChanges(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, "status_change_prune", before)
	if err != nil {
		return 0, fmt.Errorf("prune status changes: %w", err)
	}
	return tag.RowsAffected(), nil
}
