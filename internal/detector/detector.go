// Package detector polls the activity API for tracked players and turns
// snapshot differences into transition events.
//
// Each DetectChanges call owns its own rate limiter and worker sizer. The
// limiter gates every outbound request; the sizer picks how many fetches run
// in parallel for the next batch based on how the last batch went.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/matchwatch/internal/activity"
	"github.com/albapepper/matchwatch/internal/model"
)

// Fetcher returns the current activity for one player.
type Fetcher interface {
	FetchStatus(ctx context.Context, username string) (activity.Status, error)
}

// SnapshotStore persists the last observed state per player.
type SnapshotStore interface {
	Snapshots(ctx context.Context, ids []string) (map[string]model.StatusSnapshot, error)
	SaveSnapshot(ctx context.Context, snap model.StatusSnapshot) error
	RecordChange(ctx context.Context, ev model.StatusChangeEvent) error
}

// Options configures a Detector. Zero values get defaults in New.
type Options struct {
	Sizer          SizerConfig
	RequestsPerSec float64
	Burst          int
	Cooldown       time.Duration // 429 fallback when no Retry-After is sent
	FetchTimeout   time.Duration
	FetchAttempts  int
	RetryDelay     time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Detector compares fresh activity against stored snapshots.
type Detector struct {
	fetcher Fetcher
	store   SnapshotStore
	opts    Options
	logger  *slog.Logger
}

// New creates a detector.
func New(fetcher Fetcher, store SnapshotStore, opts Options) *Detector {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.FetchAttempts < 1 {
		opts.FetchAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 250 * time.Millisecond
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = time.Minute
	}
	return &Detector{fetcher: fetcher, store: store, opts: opts, logger: opts.Logger}
}

// EntityError is a failed read for one player. The snapshot was left as is.
type EntityError struct {
	EntityID string
	Err      error
}

func (e EntityError) Error() string {
	return fmt.Sprintf("%s: %v", e.EntityID, e.Err)
}

func (e EntityError) Unwrap() error { return e.Err }

// Result is the outcome of one detection pass.
type Result struct {
	Events       []model.StatusChangeEvent
	Errors       []EntityError
	Checked      int // snapshots written
	Skipped      int // players unknown upstream
	RateLimited  int
	Duration     time.Duration
	FinalWorkers int
}

// Summary returns a short human-readable summary of the result.
func (r Result) Summary() string {
	return fmt.Sprintf("checked=%d events=%d skipped=%d errors=%d rate_limited=%d workers=%d duration=%s",
		r.Checked, len(r.Events), r.Skipped, len(r.Errors), r.RateLimited, r.FinalWorkers, r.Duration.Round(time.Millisecond))
}

// fetchOutcome is what one worker hands back to the batch loop.
type fetchOutcome struct {
	status  activity.Status
	err     error
	latency time.Duration
}

// DetectChanges fetches every id, overwrites the stored snapshot for each
// successful read and returns the transitions. Only a failure to load the
// previous snapshots aborts the pass; per-player failures land in
// Result.Errors.
func (d *Detector) DetectChanges(ctx context.Context, entityIDs []string) (Result, error) {
	start := d.opts.Now()
	ids := normalizeIDs(entityIDs)

	var res Result
	if len(ids) == 0 {
		return res, nil
	}

	previous, err := d.store.Snapshots(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("load snapshots: %w", err)
	}

	limiter := NewLimiter(d.opts.RequestsPerSec, d.opts.Burst, d.opts.Cooldown, d.opts.Now)
	sizer := NewAdaptiveSizer(d.opts.Sizer)

	for i := 0; i < len(ids); {
		if err := ctx.Err(); err != nil {
			for _, id := range ids[i:] {
				res.Errors = append(res.Errors, EntityError{EntityID: id, Err: err})
			}
			break
		}

		size := sizer.Size()
		batch := ids[i:min(i+size, len(ids))]
		i += len(batch)

		outcomes := d.fetchBatch(ctx, limiter, batch)

		var stats BatchStats
		var latency time.Duration
		for j, id := range batch {
			out := outcomes[j]
			latency += out.latency
			if out.err != nil {
				var rl *activity.RateLimitError
				switch {
				case errors.Is(out.err, activity.ErrNotFound):
					res.Skipped++
					stats.Succeeded++
					d.logger.Debug("Player not found upstream, skipping", "entity_id", id)
					continue
				case errors.As(out.err, &rl):
					res.RateLimited++
					stats.RateLimited++
				}
				stats.Failed++
				res.Errors = append(res.Errors, EntityError{EntityID: id, Err: out.err})
				continue
			}
			stats.Succeeded++

			ev, err := d.apply(ctx, id, previous, out.status)
			if err != nil {
				res.Errors = append(res.Errors, EntityError{EntityID: id, Err: err})
				continue
			}
			res.Checked++
			if ev != nil {
				res.Events = append(res.Events, *ev)
			}
		}
		stats.MeanLatency = latency / time.Duration(len(batch))

		before := sizer.Size()
		if state := sizer.Observe(stats); state != SizerHold {
			d.logger.Debug("Detector worker pool resized",
				"state", state,
				"from", before,
				"to", sizer.Size(),
				"succeeded", stats.Succeeded,
				"failed", stats.Failed,
				"rate_limited", stats.RateLimited,
				"mean_latency_ms", stats.MeanLatency.Milliseconds())
		}
	}

	res.FinalWorkers = sizer.Size()
	res.Duration = d.opts.Now().Sub(start)
	return res, nil
}

// fetchBatch runs one fetch per id in parallel. Outcomes keep batch order.
func (d *Detector) fetchBatch(ctx context.Context, limiter *Limiter, batch []string) []fetchOutcome {
	outcomes := make([]fetchOutcome, len(batch))
	var g errgroup.Group
	for j, id := range batch {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("Detector worker panicked", "entity_id", id, "panic", r)
					outcomes[j] = fetchOutcome{err: fmt.Errorf("panic: %v", r)}
				}
			}()
			began := time.Now()
			status, fetchErr := d.fetch(ctx, limiter, id)
			outcomes[j] = fetchOutcome{status: status, err: fetchErr, latency: time.Since(began)}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

// fetch retries transient failures. 404 and 429 end the loop at once; a 429
// also closes the limiter gate for every worker in this run.
func (d *Detector) fetch(ctx context.Context, limiter *Limiter, id string) (activity.Status, error) {
	var (
		status  activity.Status
		lastErr error
		mu      sync.Mutex
	)
	err := retry.Do(
		func() error {
			if err := limiter.Wait(ctx); err != nil {
				return retry.Unrecoverable(err)
			}
			callCtx, cancel := context.WithTimeout(ctx, d.opts.FetchTimeout)
			defer cancel()

			st, err := d.fetcher.FetchStatus(callCtx, id)
			mu.Lock()
			lastErr = err
			mu.Unlock()
			if err != nil {
				var rl *activity.RateLimitError
				if errors.As(err, &rl) {
					until := limiter.Throttle(rl.RetryAfter)
					d.logger.Warn("Activity API rate limited, cooling down",
						"entity_id", id,
						"retry_after", rl.RetryAfter,
						"until", until)
				}
				if !transient(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			status = st
			return nil
		},
		retry.Attempts(uint(d.opts.FetchAttempts)),
		retry.Delay(d.opts.RetryDelay),
		retry.MaxDelay(8*d.opts.RetryDelay),
		retry.MaxJitter(d.opts.RetryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			d.logger.Debug("Retrying activity fetch", "entity_id", id, "attempt", n+1, "error", err)
		}),
		retry.RetryIf(transient),
	)
	if err != nil {
		mu.Lock()
		defer mu.Unlock()
		if lastErr != nil {
			return activity.Status{}, lastErr
		}
		return activity.Status{}, err
	}
	return status, nil
}

// transient reports whether a fetch error is worth another try within the
// same pass: network failures, timeouts and retryable statuses.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, activity.ErrNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	var rl *activity.RateLimitError
	if errors.As(err, &rl) {
		return false
	}
	var se *activity.StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}

// apply writes the fresh snapshot and classifies it against the previous one.
// The change log write is best effort; the snapshot write is not.
func (d *Detector) apply(ctx context.Context, id string, previous map[string]model.StatusSnapshot, status activity.Status) (*model.StatusChangeEvent, error) {
	now := d.opts.Now()
	cur := status.Snapshot(now)
	cur.EntityID = id

	if err := d.store.SaveSnapshot(ctx, cur); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}

	var prev *model.StatusSnapshot
	if p, ok := previous[id]; ok {
		prev = &p
	}
	kind := Classify(prev, cur)
	if kind == model.NoChange {
		return nil, nil
	}

	ev := model.StatusChangeEvent{EntityID: id, Previous: prev, Current: cur, Kind: kind, At: now}
	if err := d.store.RecordChange(ctx, ev); err != nil {
		d.logger.Warn("Failed to record status change", "entity_id", id, "kind", kind, "error", err)
	}
	return &ev, nil
}

// normalizeIDs lower-cases, trims and de-duplicates ids, keeping first-seen
// order.
func normalizeIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.ToLower(strings.TrimSpace(id))
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
