package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/albapepper/matchwatch/internal/email"
	"github.com/albapepper/matchwatch/internal/model"
)

// DrainResult summarises one drain pass.
type DrainResult struct {
	Claimed    int
	Sent       int
	Retried    int
	Failed     int
	Dead       int
	Suppressed int
	Errors     []string
	Duration   time.Duration
}

// Summary returns a short human-readable summary of the result.
func (r DrainResult) Summary() string {
	return fmt.Sprintf("claimed=%d sent=%d retried=%d failed=%d dead=%d suppressed=%d errors=%d duration=%s",
		r.Claimed, r.Sent, r.Retried, r.Failed, r.Dead, r.Suppressed, len(r.Errors), r.Duration.Round(time.Millisecond))
}

type drainTally struct {
	mu  sync.Mutex
	res DrainResult
}

func (t *drainTally) status(s model.QueueStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch s {
	case model.StatusSent:
		t.res.Sent++
	case model.StatusPending:
		t.res.Retried++
	case model.StatusFailed:
		t.res.Failed++
	case model.StatusDead:
		t.res.Dead++
	}
}

func (t *drainTally) suppressed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Suppressed++
	t.res.Failed++
}

func (t *drainTally) fail(id string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.res.Errors = append(t.res.Errors, fmt.Sprintf("%s: %v", id, err))
}

// Drain claims one batch and dispatches it with bounded parallelism. A
// failing item never stops the others; store errors while settling an item
// are collected in DrainResult.Errors and the item is left for ReleaseStale.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	start := time.Now()
	items, err := q.ClaimBatch(ctx, q.opts.BatchSize)
	if err != nil {
		return DrainResult{}, err
	}

	tally := &drainTally{res: DrainResult{Claimed: len(items)}}
	if len(items) == 0 {
		return tally.res, nil
	}

	var g errgroup.Group
	g.SetLimit(q.opts.Workers)
	for _, item := range items {
		g.Go(func() error {
			q.dispatch(ctx, item, tally)
			return nil
		})
	}
	_ = g.Wait()

	tally.res.Duration = time.Since(start)
	q.logger.Info("Queue drain complete",
		"claimed", tally.res.Claimed,
		"sent", tally.res.Sent,
		"retried", tally.res.Retried,
		"failed", tally.res.Failed,
		"dead", tally.res.Dead,
		"suppressed", tally.res.Suppressed,
		"errors", len(tally.res.Errors))
	return tally.res, nil
}

// dispatch sends one claimed item and settles it. Settlement uses a context
// detached from cancellation so a shutdown mid-send still records the result.
func (q *Queue) dispatch(ctx context.Context, item model.QueueItem, tally *drainTally) {
	settleCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Dispatch panicked", "item_id", item.ID, "panic", r)
			status, err := q.ReportOutcome(settleCtx, item, Outcome{Err: fmt.Errorf("dispatch panic: %v", r)})
			if err != nil {
				tally.fail(item.ID, err)
				return
			}
			tally.status(status)
		}
	}()

	suppressed, err := q.suppression.IsSuppressed(ctx, item.Recipient)
	if err != nil {
		// Unknown suppression state: do not send, retry later.
		q.settle(settleCtx, item, Outcome{Err: fmt.Errorf("suppression lookup: %w", err)}, tally)
		return
	}
	if suppressed {
		now := q.opts.Now()
		if err := q.store.MarkFailed(settleCtx, item.ID, "recipient suppressed", now); err != nil {
			tally.fail(item.ID, err)
			return
		}
		q.logger.Info("Recipient suppressed, skipping send",
			"item_id", item.ID,
			"subscriber_id", item.SubscriberID)
		q.record(settleCtx, item, model.AuditFailed, "", "suppressed")
		tally.suppressed()
		return
	}

	if err := q.limiter.Wait(ctx); err != nil {
		// Shutting down before the send started: put it back untouched.
		if rerr := q.store.RescheduleItem(settleCtx, item.ID, q.opts.Now(), "dispatch interrupted", q.opts.Now()); rerr != nil {
			tally.fail(item.ID, rerr)
		}
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, q.opts.SendTimeout)
	defer cancel()
	messageID, sendErr := q.provider.Send(sendCtx, email.Message{
		To:             item.Recipient,
		Subject:        item.Payload.Subject,
		HTML:           item.Payload.HTML,
		Text:           item.Payload.Text,
		Tags:           item.Payload.Tags,
		IdempotencyKey: item.ID,
	})
	if sendErr == nil && strings.TrimSpace(messageID) == "" {
		sendErr = fmt.Errorf("provider returned empty message id")
	}
	q.settle(settleCtx, item, Outcome{MessageID: messageID, Err: sendErr}, tally)
}

func (q *Queue) settle(ctx context.Context, item model.QueueItem, out Outcome, tally *drainTally) {
	status, err := q.ReportOutcome(ctx, item, out)
	if err != nil {
		q.logger.Error("Failed to settle queue item", "item_id", item.ID, "error", err)
		tally.fail(item.ID, err)
		return
	}
	tally.status(status)
}
