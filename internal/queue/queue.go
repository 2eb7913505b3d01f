// Package queue is the email dispatch queue. Items move
// pending -> processing -> sent | failed | dead, with retries going back to
// pending with a later scheduled time. Claiming is a conditional update in
// the store, so any number of drainers may run at once.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/albapepper/matchwatch/internal/backoff"
	"github.com/albapepper/matchwatch/internal/email"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/render"
	"github.com/albapepper/matchwatch/internal/store"
	"github.com/albapepper/matchwatch/internal/suppression"
)

var (
	// ErrInvalidJob is returned by Enqueue when a required field is missing.
	ErrInvalidJob = errors.New("invalid job")
	// ErrAlreadyQueued means the pair already has a pending or processing item.
	ErrAlreadyQueued = store.ErrAlreadyQueued
)

// Store is the queue persistence.
type Store interface {
	InsertItem(ctx context.Context, item model.QueueItem) error
	ClaimItems(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error)
	MarkSent(ctx context.Context, id, messageID string, now time.Time) error
	RescheduleItem(ctx context.Context, id string, at time.Time, lastError string, now time.Time) error
	MarkFailed(ctx context.Context, id, reason string, now time.Time) error
	MarkDead(ctx context.Context, id, reason string, now time.Time) error
	ItemByID(ctx context.Context, id string) (model.QueueItem, error)
	ItemsByStatus(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueItem, error)
	RequeueItem(ctx context.Context, id string, now time.Time) error
	ReleaseStale(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// Renderer produces email content for a notification kind.
type Renderer interface {
	Render(kind model.ChangeKind, params map[string]string) (render.Content, error)
}

// AuditLog records lifecycle events.
type AuditLog interface {
	Append(ctx context.Context, e model.AuditEntry) (bool, error)
}

// Suppressions is consulted before every send and fed on permanent failures.
type Suppressions interface {
	IsSuppressed(ctx context.Context, address string) (bool, error)
	Add(ctx context.Context, address, reason, sourceItemID string) (bool, error)
}

// Options configures a Queue. Zero values get defaults in New.
type Options struct {
	BatchSize          int
	Workers            int
	SendTimeout        time.Duration
	ProviderRatePerSec float64
	MaxAttempts        int
	Policy             backoff.Policy
	Now                func() time.Time
	Logger             *slog.Logger
}

// Queue enqueues, claims and dispatches email jobs.
type Queue struct {
	store       Store
	renderer    Renderer
	provider    email.Provider
	audit       AuditLog
	suppression Suppressions
	limiter     *rate.Limiter
	opts        Options
	logger      *slog.Logger
}

// New creates a Queue.
func New(s Store, r Renderer, p email.Provider, a AuditLog, sup Suppressions, opts Options) *Queue {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 15 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Policy.Base == 0 {
		opts.Policy = backoff.DefaultPolicy()
	}
	limit := rate.Inf
	if opts.ProviderRatePerSec > 0 {
		limit = rate.Limit(opts.ProviderRatePerSec)
	}
	return &Queue{
		store:       s,
		renderer:    r,
		provider:    p,
		audit:       a,
		suppression: sup,
		limiter:     rate.NewLimiter(limit, 1),
		opts:        opts,
		logger:      opts.Logger,
	}
}

// Job is a request to notify one subscriber about one entity.
type Job struct {
	SubscriberID string
	EntityID     string
	Recipient    string
	Kind         model.ChangeKind
	Params       map[string]string
	Priority     int
	// ScheduledAt defers the first attempt. Zero means now.
	ScheduledAt time.Time
	// MaxAttempts overrides the queue default when positive.
	MaxAttempts int
}

func (j Job) validate() error {
	switch {
	case j.SubscriberID == "":
		return fmt.Errorf("%w: subscriber id is required", ErrInvalidJob)
	case j.EntityID == "":
		return fmt.Errorf("%w: entity id is required", ErrInvalidJob)
	case model.NormalizeAddress(j.Recipient) == "":
		return fmt.Errorf("%w: recipient is required", ErrInvalidJob)
	case j.Kind != model.ActivityStarted && j.Kind != model.ActivityEnded:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, j.Kind)
	}
	return nil
}

// Enqueue renders the job and stores it as a pending item. Content is
// rendered up front so a template problem fails here rather than at send
// time.
func (q *Queue) Enqueue(ctx context.Context, job Job) (model.QueueItem, error) {
	if err := job.validate(); err != nil {
		return model.QueueItem{}, err
	}

	content, err := q.renderer.Render(job.Kind, job.Params)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("render %s: %w", job.Kind, err)
	}

	now := q.opts.Now()
	scheduled := job.ScheduledAt
	if scheduled.IsZero() {
		scheduled = now
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}

	item := model.QueueItem{
		ID:           uuid.NewString(),
		SubscriberID: job.SubscriberID,
		EntityID:     job.EntityID,
		Recipient:    model.NormalizeAddress(job.Recipient),
		Payload: model.Payload{
			Kind:    job.Kind,
			Subject: content.Subject,
			HTML:    content.HTML,
			Text:    content.Text,
			Tags:    map[string]string{"kind": string(job.Kind)},
			Params:  job.Params,
		},
		Priority:    job.Priority,
		MaxAttempts: maxAttempts,
		Status:      model.StatusPending,
		ScheduledAt: scheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertItem(ctx, item); err != nil {
		if errors.Is(err, ErrAlreadyQueued) {
			return model.QueueItem{}, err
		}
		return model.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}

	q.record(ctx, item, model.AuditQueued, "", "")
	return item, nil
}

// ClaimBatch moves up to limit due items to processing and returns them in
// dispatch order. Each claim counts as one attempt.
func (q *Queue) ClaimBatch(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = q.opts.BatchSize
	}
	items, err := q.store.ClaimItems(ctx, q.opts.Now(), limit)
	if err != nil {
		return nil, fmt.Errorf("claim items: %w", err)
	}
	return items, nil
}

// Outcome is the result of one send attempt. A nil Err is success.
type Outcome struct {
	MessageID string
	Err       error
}

// ReportOutcome settles a processing item and returns its new status.
// Failures go through the backoff policy: retry moves the item back to
// pending, a permanent failure marks it failed and suppresses the recipient,
// and running out of attempts moves it to dead.
func (q *Queue) ReportOutcome(ctx context.Context, item model.QueueItem, out Outcome) (model.QueueStatus, error) {
	now := q.opts.Now()

	if out.Err == nil {
		if err := q.store.MarkSent(ctx, item.ID, out.MessageID, now); err != nil {
			return "", fmt.Errorf("mark sent %s: %w", item.ID, err)
		}
		item.ProviderMessageID = out.MessageID
		q.record(ctx, item, model.AuditSent, out.MessageID, "")
		return model.StatusSent, nil
	}

	reason := out.Err.Error()
	d := q.opts.Policy.Decide(item, out.Err, now)
	switch {
	case d.ShouldRetry:
		if err := q.store.RescheduleItem(ctx, item.ID, d.NextAttemptAt, reason, now); err != nil {
			return "", fmt.Errorf("reschedule %s: %w", item.ID, err)
		}
		q.logger.Info("Email send failed, retry scheduled",
			"item_id", item.ID,
			"attempt", item.Attempts,
			"class", d.Class,
			"next_attempt_at", d.NextAttemptAt,
			"error", out.Err)
		q.record(ctx, item, model.AuditRetryScheduled, "", string(d.Class)+": "+reason)
		return model.StatusPending, nil

	case d.Class == backoff.Permanent:
		if err := q.store.MarkFailed(ctx, item.ID, reason, now); err != nil {
			return "", fmt.Errorf("mark failed %s: %w", item.ID, err)
		}
		if d.Suppress {
			if _, err := q.suppression.Add(ctx, item.Recipient, suppressionReason(out.Err), item.ID); err != nil {
				q.logger.Error("Failed to suppress recipient", "item_id", item.ID, "error", err)
			}
		}
		q.logger.Warn("Email permanently rejected",
			"item_id", item.ID,
			"subscriber_id", item.SubscriberID,
			"error", out.Err)
		q.record(ctx, item, model.AuditFailed, "", string(d.Class)+": "+reason)
		return model.StatusFailed, nil

	default:
		if err := q.store.MarkDead(ctx, item.ID, reason, now); err != nil {
			return "", fmt.Errorf("mark dead %s: %w", item.ID, err)
		}
		q.logger.Warn("Email moved to dead letters",
			"item_id", item.ID,
			"attempts", item.Attempts,
			"error", out.Err)
		q.record(ctx, item, model.AuditFailed, "", string(d.Class)+": "+reason)
		return model.StatusDead, nil
	}
}

func suppressionReason(err error) string {
	var se *email.SendError
	if errors.As(err, &se) && se.InvalidRecipient() {
		return suppression.ReasonInvalidRecipient
	}
	return suppression.ReasonHardBounce
}

// Requeue moves a dead or failed item back to pending with attempts reset.
func (q *Queue) Requeue(ctx context.Context, id string) (model.QueueItem, error) {
	if err := q.store.RequeueItem(ctx, id, q.opts.Now()); err != nil {
		return model.QueueItem{}, fmt.Errorf("requeue %s: %w", id, err)
	}
	item, err := q.store.ItemByID(ctx, id)
	if err != nil {
		return model.QueueItem{}, fmt.Errorf("load requeued item %s: %w", id, err)
	}
	q.logger.Info("Queue item requeued", "item_id", id)
	return item, nil
}

// DeadLetters lists dead items, most recently updated first.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	items, err := q.store.ItemsByStatus(ctx, model.StatusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return items, nil
}

// ReleaseStale returns items stuck in processing for longer than olderThan
// to pending. Their attempt is kept, so a crash still counts against
// MaxAttempts.
func (q *Queue) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := q.opts.Now()
	n, err := q.store.ReleaseStale(ctx, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("release stale: %w", err)
	}
	if n > 0 {
		q.logger.Warn("Released stale queue items", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// record appends an audit entry. The queue item is the source of truth, so
// a failed audit write is logged and not returned.
func (q *Queue) record(ctx context.Context, item model.QueueItem, typ model.AuditEventType, messageID, reason string) {
	_, err := q.audit.Append(ctx, model.AuditEntry{
		SubscriberID:      item.SubscriberID,
		EntityID:          item.EntityID,
		Type:              typ,
		NotificationKind:  item.Payload.Kind,
		At:                q.opts.Now(),
		QueueItemID:       item.ID,
		ProviderMessageID: messageID,
		Attempt:           item.Attempts,
		Reason:            reason,
	})
	if err != nil {
		q.logger.Error("Failed to append audit entry",
			"item_id", item.ID,
			"type", typ,
			"error", err)
	}
}
