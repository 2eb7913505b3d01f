package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// Scheduler triggers the pipeline cycles on fixed intervals. A cycle still
// running when its next tick fires is skipped, never overlapped. Wake runs
// an extra drain between ticks.
type Scheduler struct {
	pipeline *Pipeline
	logger   *slog.Logger
	wake     chan struct{}

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(p *Pipeline) *Scheduler {
	return &Scheduler{pipeline: p, logger: p.logger, wake: make(chan struct{}, 1)}
}

// Wake asks for a drain as soon as possible. Calls made while a wake-up is
// already pending collapse into one. It never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) wakeLoop(ctx context.Context, drain func()) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			drain()
		}
	}
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) (string, error)
}

func (s *Scheduler) jobs() []job {
	p := s.pipeline
	return []job{
		{"detect", p.opts.DetectInterval, func(ctx context.Context) (string, error) {
			res, err := p.RunDetectCycle(ctx)
			return res.Summary(), err
		}},
		{"drain", p.opts.DrainInterval, func(ctx context.Context) (string, error) {
			res, err := p.RunDrain(ctx)
			return res.Summary(), err
		}},
		{"release", p.opts.ReleaseInterval, func(ctx context.Context) (string, error) {
			n, err := p.RunRelease(ctx)
			return fmt.Sprintf("released=%d", n), err
		}},
		{"cleanup", p.opts.CleanupInterval, func(ctx context.Context) (string, error) {
			res, err := p.RunCleanup(ctx)
			return fmt.Sprintf("audit=%d status_changes=%d queue_items=%d", res.Audit, res.StatusChanges, res.QueueItems), err
		}},
	}
}

// Start registers every cycle with a positive interval and starts the cron
// runner. Jobs run with a context cancelled by Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	runCtx, cancel := context.WithCancel(ctx)

	registered := 0
	for _, j := range s.jobs() {
		if j.name == "drain" {
			s.wg.Add(1)
			go s.wakeLoop(runCtx, s.wrap(runCtx, j))
		}
		if j.interval <= 0 {
			s.logger.Info("Cycle disabled", "cycle", j.name)
			continue
		}
		if _, err := c.AddFunc("@every "+j.interval.String(), s.wrap(runCtx, j)); err != nil {
			cancel()
			s.wg.Wait()
			return fmt.Errorf("schedule %s: %w", j.name, err)
		}
		registered++
	}

	c.Start()
	s.c = c
	s.cancel = cancel
	s.logger.Info("Scheduler started",
		"cycles", registered,
		"detect", s.pipeline.opts.DetectInterval,
		"drain", s.pipeline.opts.DrainInterval,
		"release", s.pipeline.opts.ReleaseInterval,
		"cleanup", s.pipeline.opts.CleanupInterval)
	return nil
}

func (s *Scheduler) wrap(ctx context.Context, j job) func() {
	return func() {
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		summary, err := j.run(ctx)
		if err != nil {
			s.logger.Error("Cycle failed", "cycle", j.name, "duration", time.Since(start).Round(time.Millisecond), "error", err)
			return
		}
		s.logger.Debug("Cycle finished", "cycle", j.name, "summary", summary)
	}
}

// Stop cancels running cycles and waits for them to return, or for ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	cancel()
	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	s.logger.Info("Scheduler stopped")
}

// Entries returns the number of registered cycles.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return 0
	}
	return len(s.c.Entries())
}
