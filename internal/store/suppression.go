package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/albapepper/matchwatch/internal/model"
)

// IsSuppressed reports whether an address is on the suppression list.
// Callers pass normalised addresses.
func (s *Postgres) IsSuppressed(ctx context.Context, address string) (bool, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "suppression_exists", address).Scan(&exists); err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// AddSuppression inserts an entry if absent. added is false when the
// address was already suppressed.
func (s *Postgres) AddSuppression(ctx context.Context, e model.SuppressionEntry) (bool, error) {
	tag, err := s.pool.Exec(ctx, "suppression_insert", e.Address, e.Reason, e.SourceItemID, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("add suppression: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveSuppression deletes an entry. Returns ErrNotFound if absent.
func (s *Postgres) RemoveSuppression(ctx context.Context, address string) error {
	tag, err := s.pool.Exec(ctx, "suppression_delete", address)
	if err != nil {
		return fmt.Errorf("remove suppression: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSuppression returns one entry or ErrNotFound.
func (s *Postgres) GetSuppression(ctx context.Context, address string) (model.SuppressionEntry, error) {
	var e model.SuppressionEntry
	err := s.pool.QueryRow(ctx, "suppression_get", address).Scan(&e.Address, &e.Reason, &e.SourceItemID, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.SuppressionEntry{}, ErrNotFound
	}
	if err != nil {
		return model.SuppressionEntry{}, fmt.Errorf("get suppression: %w", err)
	}
	return e, nil
}
