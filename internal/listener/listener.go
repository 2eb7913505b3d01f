// Package listener provides a Postgres LISTEN/NOTIFY consumer. It holds a
// dedicated pgx connection (not from the pool) and hands every payload on
// the channel to a callback.
//
// The schema's trg_queue_ready trigger notifies on `queue_ready` whenever a
// queue item becomes claimable, so the server can drain immediately instead
// of waiting for the next tick.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// ChannelQueueReady carries the id of a queue item that is due now.
const ChannelQueueReady = "queue_ready"

const (
	reconnectBackoff = 5 * time.Second
	maxReconnect     = 30 * time.Second
)

// Start opens a dedicated connection and listens on channel. It reconnects
// automatically on connection loss. Blocks until ctx is cancelled. Intended
// to be called with `go`. onNotify must not block for long.
func Start(ctx context.Context, dbURL, channel string, onNotify func(payload string), logger *slog.Logger) {
	backoff := reconnectBackoff

	for {
		err := listenLoop(ctx, dbURL, channel, onNotify, logger)
		if ctx.Err() != nil {
			logger.Info("Listener stopped (context cancelled)", "channel", channel)
			return
		}

		logger.Error("Listener disconnected, reconnecting...",
			"channel", channel, "error", err, "backoff", backoff)

		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff)
		case <-ctx.Done():
			return
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxReconnect)
}

// listenLoop runs a single listen session. Returns when the connection drops
// or the context is cancelled.
func listenLoop(ctx context.Context, dbURL, channel string, onNotify func(string), logger *slog.Logger) error {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return fmt.Errorf("LISTEN %s: %w", channel, err)
	}
	logger.Info("Listener connected", "channel", channel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		logger.Debug("Notification received", "channel", n.Channel, "payload", n.Payload)
		onNotify(n.Payload)
	}
}
