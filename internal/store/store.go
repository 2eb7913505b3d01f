// Package store persists matchwatch state in Postgres through prepared
// statements registered by internal/db. One Postgres value satisfies every
// store interface the components declare.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyQueued is returned when a (subscriber, entity) pair already
	// has a pending or processing queue item.
	ErrAlreadyQueued = errors.New("notification already queued for subscriber and entity")
	// ErrConflict is returned when a conditional update found the row in an
	// unexpected state.
	ErrConflict = errors.New("row not in expected state")
)

// Postgres is the pgx-backed store.
type Postgres struct {
	pool *pgxpool.Pool
}

// New returns a store over an open pool.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// affected maps a zero-row conditional update to ErrConflict.
func affected(tag pgconn.CommandTag) error {
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}
