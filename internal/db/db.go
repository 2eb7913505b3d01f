// Package db provides a pgxpool-based connection pool with schema migration,
// prepared statement registration and health checking.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/albapepper/matchwatch/internal/config"
)

//go:embed schema.sql
var schemaSQL string

// Pool wraps pgxpool.Pool with application-specific helpers.
type Pool struct {
	*pgxpool.Pool
}

// New applies the schema (when enabled), then creates and validates a pool.
// Migration runs on a dedicated connection first because every pooled
// connection prepares statements against the tables in AfterConnect.
func New(ctx context.Context, cfg *config.Config) (*Pool, error) {
	if cfg.AutoMigrate {
		if err := Migrate(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}

	poolCfg.MinConns = int32(cfg.DBPoolMinConns)
	poolCfg.MaxConns = int32(cfg.DBPoolMaxConns)
	poolCfg.MaxConnLifetime = cfg.DBPoolMaxLife
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	// Register prepared statements on every new connection.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return registerPreparedStatements(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	// Verify connectivity
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Pool{Pool: pool}, nil
}

// Migrate applies schema.sql. Every statement is idempotent.
func Migrate(ctx context.Context, databaseURL string) error {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return fmt.Errorf("connect for migration: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// HealthCheck runs a trivial query to verify the database is reachable.
func (p *Pool) HealthCheck(ctx context.Context) error {
	var n int
	return p.QueryRow(ctx, "health_check").Scan(&n)
}

// registerPreparedStatements registers the hot-path statements used by the
// stores. Dynamic queries (audit filtering) are built at call time instead.
func registerPreparedStatements(ctx context.Context, conn *pgx.Conn) error {
	stmts := map[string]string{
		// Health
		"health_check": "SELECT 1",

		// Snapshots
		"snapshot_get_many": `SELECT entity_id, online, active, session_ref, time_control, checked_at
			FROM status_snapshot WHERE entity_id = ANY($1)`,
		"snapshot_upsert": `INSERT INTO status_snapshot (entity_id, online, active, session_ref, time_control, checked_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (entity_id) DO UPDATE SET
				online = EXCLUDED.online, active = EXCLUDED.active,
				session_ref = EXCLUDED.session_ref, time_control = EXCLUDED.time_control,
				checked_at = EXCLUDED.checked_at`,
		"status_change_insert": `INSERT INTO status_change_log (entity_id, kind, was_active, is_active, session_ref, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
		"status_change_prune": "DELETE FROM status_change_log WHERE created_at < $1",

		// Preferences (read-only) and core-owned blocks
		"subscriber_by_id":  "SELECT id, email, notifications_enabled FROM subscribers WHERE id = $1",
		"preference_global": "SELECT enabled, filters FROM notification_preferences WHERE subscriber_id = $1 AND entity_id IS NULL",
		"preference_entity": "SELECT enabled, filters FROM notification_preferences WHERE subscriber_id = $1 AND entity_id = $2",
		"block_exists":      "SELECT EXISTS (SELECT 1 FROM notification_blocks WHERE subscriber_id = $1 AND entity_id = $2)",
		"block_insert": `INSERT INTO notification_blocks (subscriber_id, entity_id, reason, created_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
		"tracked_entities": `SELECT DISTINCT p.entity_id FROM notification_preferences p
			JOIN subscribers s ON s.id = p.subscriber_id
			WHERE p.entity_id IS NOT NULL AND p.enabled AND s.notifications_enabled
			ORDER BY p.entity_id`,
		"entity_candidates": `SELECT s.id, s.email, s.notifications_enabled,
				g.enabled, g.filters, p.enabled, p.filters,
				(b.subscriber_id IS NOT NULL), ls.last_sent
			FROM notification_preferences p
			JOIN subscribers s ON s.id = p.subscriber_id
			LEFT JOIN notification_preferences g ON g.subscriber_id = p.subscriber_id AND g.entity_id IS NULL
			LEFT JOIN notification_blocks b ON b.subscriber_id = p.subscriber_id AND b.entity_id = p.entity_id
			LEFT JOIN LATERAL (
				SELECT MAX(a.created_at) AS last_sent FROM notification_audit a
				WHERE a.subscriber_id = p.subscriber_id AND a.entity_id = p.entity_id AND a.event_type = 'sent'
			) ls ON TRUE
			WHERE p.entity_id = $1
			ORDER BY s.id`,

		// Queue
		"queue_insert": `INSERT INTO notification_queue (
				id, subscriber_id, entity_id, recipient, payload, priority, attempts,
				max_attempts, status, scheduled_at, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
			ON CONFLICT DO NOTHING`,
		"queue_claim": `UPDATE notification_queue q
			SET status = 'processing', attempts = q.attempts + 1, updated_at = $1
			WHERE q.id IN (
				SELECT id FROM notification_queue
				WHERE status = 'pending' AND scheduled_at <= $1
				ORDER BY priority DESC, scheduled_at ASC
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING ` + queueColumns,
		"queue_mark_sent": `UPDATE notification_queue
			SET status = 'sent', provider_message_id = NULLIF($2, ''), last_error = '', updated_at = $3
			WHERE id = $1 AND status = 'processing'`,
		"queue_reschedule": `UPDATE notification_queue
			SET status = 'pending', scheduled_at = $2, last_error = $3, updated_at = $4
			WHERE id = $1 AND status = 'processing'`,
		"queue_mark_failed": `UPDATE notification_queue
			SET status = 'failed', last_error = $2, updated_at = $3
			WHERE id = $1 AND status IN ('processing', 'sent')`,
		"queue_mark_dead": `UPDATE notification_queue
			SET status = 'dead', last_error = $2, updated_at = $3
			WHERE id = $1 AND status = 'processing'`,
		"queue_by_id":      "SELECT " + queueColumns + " FROM notification_queue WHERE id = $1",
		"queue_by_message": "SELECT " + queueColumns + " FROM notification_queue WHERE provider_message_id = $1",
		"queue_by_status":  "SELECT " + queueColumns + " FROM notification_queue WHERE status = $1 ORDER BY updated_at DESC LIMIT $2",
		"queue_requeue": `UPDATE notification_queue
			SET status = 'pending', attempts = 0, scheduled_at = $2, last_error = '', updated_at = $2
			WHERE id = $1 AND status IN ('dead', 'failed')`,
		"queue_release_stale": `UPDATE notification_queue
			SET status = 'pending', updated_at = $2
			WHERE status = 'processing' AND updated_at < $1`,
		"queue_prune": `DELETE FROM notification_queue
			WHERE status IN ('sent', 'failed') AND updated_at < $1`,

		// Audit
		"audit_insert": `INSERT INTO notification_audit (
				subscriber_id, entity_id, event_type, notification_kind, queue_item_id,
				provider_message_id, attempt, reason, created_at
			) VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
			ON CONFLICT DO NOTHING
			RETURNING id`,
		"audit_last_sent": `SELECT MAX(created_at) FROM notification_audit
			WHERE subscriber_id = $1 AND entity_id = $2 AND event_type = 'sent'`,
		"audit_stats": `SELECT event_type, COUNT(*) FROM notification_audit
			WHERE created_at >= $1 GROUP BY event_type`,
		"audit_prune": "DELETE FROM notification_audit WHERE created_at < $1",

		// Suppression
		"suppression_get":    "SELECT address, reason, source_item_id, created_at FROM suppression_list WHERE address = $1",
		"suppression_exists": "SELECT EXISTS (SELECT 1 FROM suppression_list WHERE address = $1)",
		"suppression_insert": `INSERT INTO suppression_list (address, reason, source_item_id, created_at)
			VALUES ($1, $2, $3, $4) ON CONFLICT (address) DO NOTHING`,
		"suppression_delete": "DELETE FROM suppression_list WHERE address = $1",
	}

	for name, sql := range stmts {
		if _, err := conn.Prepare(ctx, name, sql); err != nil {
			return fmt.Errorf("prepare %q: %w", name, err)
		}
	}
	return nil
}

// queueColumns is the column list every queue read scans, in store order.
const queueColumns = `id, subscriber_id, entity_id, recipient, payload, priority, attempts,
	max_attempts, status, scheduled_at, last_error, COALESCE(provider_message_id, ''),
	created_at, updated_at`
