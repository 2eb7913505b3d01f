// Package pipeline wires detection, eligibility and dispatch into the
// periodic cycles the server runs: detect, drain, release stale claims and
// retention cleanup. Every cycle is independent; a failed run is logged and
// the next tick starts fresh.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/albapepper/matchwatch/internal/detector"
	"github.com/albapepper/matchwatch/internal/maintenance"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/queue"
)

// EntitySource lists the players anyone follows.
type EntitySource interface {
	TrackedEntities(ctx context.Context) ([]string, error)
}

// Detector finds transitions for a set of players.
type Detector interface {
	DetectChanges(ctx context.Context, entityIDs []string) (detector.Result, error)
}

// Eligibility returns the followers that may be notified now.
type Eligibility interface {
	GetEligibleSubscribers(ctx context.Context, entityID string) ([]model.Candidate, error)
}

// Dispatcher is the dispatch queue.
type Dispatcher interface {
	Enqueue(ctx context.Context, job queue.Job) (model.QueueItem, error)
	Drain(ctx context.Context) (queue.DrainResult, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Cleaner prunes old rows.
type Cleaner interface {
	Run(ctx context.Context) (maintenance.Result, error)
}

// Options configures the pipeline.
type Options struct {
	DetectInterval  time.Duration
	DrainInterval   time.Duration
	CleanupInterval time.Duration
	ReleaseInterval time.Duration
	StaleClaimAfter time.Duration
	Priority        int
	PublicBaseURL   string
	Logger          *slog.Logger
}

// Pipeline runs the cycles.
type Pipeline struct {
	entities    EntitySource
	detector    Detector
	eligibility Eligibility
	queue       Dispatcher
	cleaner     Cleaner
	opts        Options
	logger      *slog.Logger
}

// New creates a Pipeline.
func New(entities EntitySource, det Detector, elig Eligibility, q Dispatcher, cleaner Cleaner, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StaleClaimAfter <= 0 {
		opts.StaleClaimAfter = 10 * time.Minute
	}
	return &Pipeline{
		entities:    entities,
		detector:    det,
		eligibility: elig,
		queue:       q,
		cleaner:     cleaner,
		opts:        opts,
		logger:      opts.Logger,
	}
}

// CycleResult summarises one detect cycle.
type CycleResult struct {
	Tracked    int
	Detection  detector.Result
	Started    int
	Ended      int
	Eligible   int
	Filtered   int
	Enqueued   int
	Duplicates int
	Errors     []string
}

// Summary returns a short human-readable summary of the result.
func (r CycleResult) Summary() string {
	return fmt.Sprintf("tracked=%d started=%d ended=%d eligible=%d filtered=%d enqueued=%d duplicates=%d errors=%d detector=[%s]",
		r.Tracked, r.Started, r.Ended, r.Eligible, r.Filtered, r.Enqueued, r.Duplicates, len(r.Errors), r.Detection.Summary())
}

// RunDetectCycle polls every tracked player and enqueues a notification for
// each eligible follower of a player who just started playing.
func (p *Pipeline) RunDetectCycle(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	ids, err := p.entities.TrackedEntities(ctx)
	if err != nil {
		return res, fmt.Errorf("list tracked entities: %w", err)
	}
	res.Tracked = len(ids)
	if len(ids) == 0 {
		return res, nil
	}

	det, err := p.detector.DetectChanges(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("detect changes: %w", err)
	}
	res.Detection = det
	for _, e := range det.Errors {
		res.Errors = append(res.Errors, e.Error())
	}

	for _, ev := range det.Events {
		switch ev.Kind {
		case model.ActivityStarted:
			res.Started++
			p.fanOut(ctx, ev, &res)
		case model.ActivityEnded:
			res.Ended++
		}
	}

	p.logger.Info("Detect cycle complete",
		"tracked", res.Tracked,
		"checked", det.Checked,
		"started", res.Started,
		"ended", res.Ended,
		"enqueued", res.Enqueued,
		"duplicates", res.Duplicates,
		"filtered", res.Filtered,
		"errors", len(res.Errors),
		"workers", det.FinalWorkers)
	return res, nil
}

func (p *Pipeline) fanOut(ctx context.Context, ev model.StatusChangeEvent, res *CycleResult) {
	candidates, err := p.eligibility.GetEligibleSubscribers(ctx, ev.EntityID)
	if err != nil {
		p.logger.Warn("Get eligible subscribers failed", "entity_id", ev.EntityID, "error", err)
		res.Errors = append(res.Errors, fmt.Sprintf("%s: eligibility: %v", ev.EntityID, err))
		return
	}

	for _, c := range candidates {
		res.Eligible++
		if !wants(c, ev.Current) {
			res.Filtered++
			continue
		}
		_, err := p.queue.Enqueue(ctx, queue.Job{
			SubscriberID: c.Subscriber.ID,
			EntityID:     ev.EntityID,
			Recipient:    c.Subscriber.Email,
			Kind:         ev.Kind,
			Params:       p.params(ev),
			Priority:     p.opts.Priority,
		})
		switch {
		case errors.Is(err, queue.ErrAlreadyQueued):
			res.Duplicates++
		case err != nil:
			p.logger.Warn("Enqueue failed",
				"subscriber_id", c.Subscriber.ID,
				"entity_id", ev.EntityID,
				"error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("%s/%s: enqueue: %v", c.Subscriber.ID, ev.EntityID, err))
		default:
			res.Enqueued++
		}
	}
}

// wants applies the global and per-entity time class filters.
func wants(c model.Candidate, snap model.StatusSnapshot) bool {
	if c.GlobalPreference != nil && !c.GlobalPreference.Filters.Match(snap) {
		return false
	}
	return c.Preference.Filters.Match(snap)
}

func (p *Pipeline) params(ev model.StatusChangeEvent) map[string]string {
	timeControl := ev.Current.TimeControl
	if timeControl == "" {
		timeControl = "unknown"
	}
	return map[string]string{
		"entity":       ev.EntityID,
		"session_url":  ev.Current.SessionRef,
		"time_control": timeControl,
		"time_class":   ev.Current.TimeClass(),
		"manage_url":   strings.TrimRight(p.opts.PublicBaseURL, "/") + "/preferences",
	}
}

// RunDrain dispatches one batch of due emails.
func (p *Pipeline) RunDrain(ctx context.Context) (queue.DrainResult, error) {
	return p.queue.Drain(ctx)
}

// RunRelease returns abandoned claims to pending.
func (p *Pipeline) RunRelease(ctx context.Context) (int64, error) {
	return p.queue.ReleaseStale(ctx, p.opts.StaleClaimAfter)
}

// RunCleanup applies retention.
func (p *Pipeline) RunCleanup(ctx context.Context) (maintenance.Result, error) {
	return p.cleaner.Run(ctx)
}
