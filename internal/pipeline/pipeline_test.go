package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/matchwatch/internal/activity"
	"github.com/albapepper/matchwatch/internal/audit"
	"github.com/albapepper/matchwatch/internal/backoff"
	"github.com/albapepper/matchwatch/internal/decision"
	"github.com/albapepper/matchwatch/internal/detector"
	"github.com/albapepper/matchwatch/internal/email"
	"github.com/albapepper/matchwatch/internal/maintenance"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/queue"
	"github.com/albapepper/matchwatch/internal/render"
	"github.com/albapepper/matchwatch/internal/store/memstore"
	"github.com/albapepper/matchwatch/internal/suppression"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// switchFetcher reports players as playing or idle on demand.
type switchFetcher struct {
	mu      sync.Mutex
	playing map[string]string // username -> time control
}

func (f *switchFetcher) set(username, timeControl string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if timeControl == "" {
		delete(f.playing, username)
		return
	}
	f.playing[username] = timeControl
}

func (f *switchFetcher) FetchStatus(_ context.Context, username string) (activity.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := activity.Status{Username: username}
	if tc, ok := f.playing[username]; ok {
		st.Games = []activity.Game{{URL: "https://www.chess.com/game/live/9", Turn: "black", MoveBy: 1, TimeControl: tc}}
	}
	return st, nil
}

type harness struct {
	p        *Pipeline
	store    *memstore.Store
	fetcher  *switchFetcher
	provider *email.MockProvider
	clock    *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r, err := render.New()
	if err != nil {
		t.Fatal(err)
	}
	st := memstore.New()
	clock := &fakeClock{t: t0}
	fetcher := &switchFetcher{playing: map[string]string{}}
	provider := email.NewMockProvider(nil)
	auditLog := audit.New(st, nil)

	det := detector.New(fetcher, st, detector.Options{
		Sizer:         detector.SizerConfig{Min: 1, Max: 4, Initial: 2},
		FetchAttempts: 1,
		Now:           clock.Now,
	})
	engine := decision.New(st, auditLog, decision.Options{Cooldown: time.Hour, Now: clock.Now})
	q := queue.New(st, r, provider, auditLog, suppression.New(st, nil), queue.Options{
		Workers: 2,
		Policy:  backoff.Policy{Base: time.Minute, Multiplier: 5, Max: time.Hour},
		Now:     clock.Now,
	})
	p := New(st, det, engine, q, maintenance.New(st, maintenance.DefaultConfig(), nil), Options{
		PublicBaseURL: "https://matchwatch.example/",
	})
	return &harness{p: p, store: st, fetcher: fetcher, provider: provider, clock: clock}
}

func (h *harness) cycle(t *testing.T) CycleResult {
	t.Helper()
	res, err := h.p.RunDetectCycle(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) > 0 {
		t.Fatalf("cycle errors: %v", res.Errors)
	}
	return res
}

func (h *harness) drain(t *testing.T) queue.DrainResult {
	t.Helper()
	res, err := h.p.RunDrain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return res
}

func TestDetectCycleHonoursCooldown(t *testing.T) {
	h := newHarness(t)
	h.store.Follow("s1", "fan@example.com", "hikaru")

	// Baseline: first observation never notifies.
	h.fetcher.set("hikaru", "180+2")
	if res := h.cycle(t); res.Started != 0 || res.Enqueued != 0 {
		t.Fatalf("baseline cycle = %s", res.Summary())
	}

	h.fetcher.set("hikaru", "")
	h.clock.Advance(time.Minute)
	if res := h.cycle(t); res.Ended != 1 {
		t.Fatalf("end cycle = %s", res.Summary())
	}

	h.fetcher.set("hikaru", "180+2")
	h.clock.Advance(time.Minute)
	if res := h.cycle(t); res.Started != 1 || res.Enqueued != 1 {
		t.Fatalf("start cycle = %s", res.Summary())
	}
	if res := h.drain(t); res.Sent != 1 {
		t.Fatalf("drain = %s", res.Summary())
	}
	sent := h.provider.Sent()
	if len(sent) != 1 || sent[0].To != "fan@example.com" || sent[0].Subject != "hikaru is now playing on Chess.com" {
		t.Fatalf("sent = %+v", sent)
	}

	// A second start inside the cooldown window is dropped.
	h.fetcher.set("hikaru", "")
	h.clock.Advance(10 * time.Minute)
	h.cycle(t)
	h.fetcher.set("hikaru", "180+2")
	h.clock.Advance(10 * time.Minute)
	if res := h.cycle(t); res.Started != 1 || res.Eligible != 0 || res.Enqueued != 0 {
		t.Fatalf("cooldown cycle = %s", res.Summary())
	}

	// After the window it goes out again.
	h.fetcher.set("hikaru", "")
	h.clock.Advance(time.Hour)
	h.cycle(t)
	h.fetcher.set("hikaru", "180+2")
	h.clock.Advance(time.Minute)
	if res := h.cycle(t); res.Enqueued != 1 {
		t.Fatalf("post-cooldown cycle = %s", res.Summary())
	}
	h.drain(t)
	if n := len(h.provider.Sent()); n != 2 {
		t.Fatalf("sent %d emails, want 2", n)
	}
}

func TestDetectCycleFiltersAndDuplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.store.Follow("blitz-fan", "a@example.com", "hikaru")
	h.store.Follow("bullet-fan", "b@example.com", "hikaru")
	h.store.PutPreference(model.Preference{
		SubscriberID: "bullet-fan", EntityID: "hikaru", Enabled: true,
		Filters: model.Filters{TimeClasses: []string{"bullet"}},
	})
	h.store.Follow("opted-out", "c@example.com", "hikaru")
	h.store.PutPreference(model.Preference{SubscriberID: "opted-out", Enabled: false})

	_ = h.store.SaveSnapshot(ctx, model.StatusSnapshot{EntityID: "hikaru", CheckedAt: t0})
	h.fetcher.set("hikaru", "180+2")

	res := h.cycle(t)
	if res.Eligible != 2 || res.Filtered != 1 || res.Enqueued != 1 {
		t.Fatalf("cycle = %s", res.Summary())
	}
	items := h.store.Items()
	if len(items) != 1 || items[0].SubscriberID != "blitz-fan" {
		t.Fatalf("items = %+v", items)
	}
	if got := items[0].Payload.Params["manage_url"]; got != "https://matchwatch.example/preferences" {
		t.Errorf("manage_url = %q", got)
	}
	if got := items[0].Payload.Params["time_class"]; got != "blitz" {
		t.Errorf("time_class = %q", got)
	}

	// Another start before the first email drains hits the in-flight item.
	h.fetcher.set("hikaru", "")
	h.cycle(t)
	h.fetcher.set("hikaru", "180+2")
	if res := h.cycle(t); res.Duplicates != 1 || res.Enqueued != 0 {
		t.Fatalf("second cycle = %s", res.Summary())
	}
}

func TestDetectCycleWithNothingTracked(t *testing.T) {
	h := newHarness(t)
	res := h.cycle(t)
	if res.Tracked != 0 || res.Detection.Checked != 0 {
		t.Fatalf("cycle = %s", res.Summary())
	}
}

func TestSchedulerStartStop(t *testing.T) {
	h := newHarness(t)
	h.p.opts.DetectInterval = time.Hour
	h.p.opts.DrainInterval = time.Hour
	h.p.opts.CleanupInterval = 0

	s := NewScheduler(h.p)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
	if n := s.Entries(); n != 2 {
		t.Errorf("entries = %d, want 2", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if n := s.Entries(); n != 0 {
		t.Errorf("entries after stop = %d", n)
	}
	s.Stop(ctx)
}

func TestSchedulerWakeDrains(t *testing.T) {
	h := newHarness(t)
	h.p.opts.DetectInterval = 0
	h.p.opts.DrainInterval = 0

	_, err := h.p.queue.Enqueue(context.Background(), queue.Job{
		SubscriberID: "s1",
		EntityID:     "hikaru",
		Recipient:    "fan@example.com",
		Kind:         model.ActivityStarted,
		Params: map[string]string{
			"entity":       "hikaru",
			"session_url":  "https://www.chess.com/game/live/9",
			"time_control": "180+2",
			"time_class":   "blitz",
			"manage_url":   "https://matchwatch.example/preferences",
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := NewScheduler(h.p)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	// Nothing is scheduled; only the wake-up can send it.
	s.Wake()
	s.Wake()
	deadline := time.Now().Add(2 * time.Second)
	for len(h.provider.Sent()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("wake-up did not drain the queue")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
