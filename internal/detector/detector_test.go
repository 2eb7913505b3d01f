package detector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/matchwatch/internal/activity"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store/memstore"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func activeGames() []activity.Game {
	return []activity.Game{{URL: "https://www.chess.com/game/live/1", Turn: "white", MoveBy: 1, TimeControl: "180+2"}}
}

// fakeFetcher answers from a script of responses per player. The last
// response repeats once the script runs out.
type fakeFetcher struct {
	mu     sync.Mutex
	script map[string][]fakeResponse
	calls  map[string]int
}

type fakeResponse struct {
	games []activity.Game
	err   error
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{script: map[string][]fakeResponse{}, calls: map[string]int{}}
}

func (f *fakeFetcher) on(id string, rs ...fakeResponse) { f.script[id] = rs }

func (f *fakeFetcher) FetchStatus(_ context.Context, username string) (activity.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.calls[username]
	f.calls[username]++
	rs := f.script[username]
	if len(rs) == 0 {
		return activity.Status{Username: username}, nil
	}
	r := rs[min(n, len(rs)-1)]
	if r.err != nil {
		return activity.Status{}, r.err
	}
	return activity.Status{Username: username, Games: r.games}, nil
}

func (f *fakeFetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func testOptions() Options {
	return Options{
		Sizer:         SizerConfig{Min: 1, Max: 4, Initial: 2},
		Cooldown:      10 * time.Millisecond,
		FetchTimeout:  time.Second,
		FetchAttempts: 3,
		RetryDelay:    time.Millisecond,
	}
}

func TestClassify(t *testing.T) {
	active := model.StatusSnapshot{Active: true}
	idle := model.StatusSnapshot{}
	tests := []struct {
		name string
		prev *model.StatusSnapshot
		cur  model.StatusSnapshot
		want model.ChangeKind
	}{
		{"first observation active is baseline", nil, active, model.NoChange},
		{"first observation idle", nil, idle, model.NoChange},
		{"idle to active", &idle, active, model.ActivityStarted},
		{"active to idle", &active, idle, model.ActivityEnded},
		{"still active", &active, active, model.NoChange},
		{"still idle", &idle, idle, model.NoChange},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.prev, tt.cur); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetectChangesEmitsTransitions(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	_ = st.SaveSnapshot(ctx, model.StatusSnapshot{EntityID: "starter", CheckedAt: t0})
	_ = st.SaveSnapshot(ctx, model.StatusSnapshot{EntityID: "ender", Active: true, CheckedAt: t0})
	_ = st.SaveSnapshot(ctx, model.StatusSnapshot{EntityID: "steady", CheckedAt: t0})

	f := newFakeFetcher()
	f.on("starter", fakeResponse{games: activeGames()})
	f.on("newcomer", fakeResponse{games: activeGames()})

	d := New(f, st, testOptions())
	res, err := d.DetectChanges(ctx, []string{"Starter", "ender", "steady", "newcomer", "starter"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 {
		t.Fatalf("errors = %v", res.Errors)
	}
	if res.Checked != 4 {
		t.Errorf("checked = %d, want 4", res.Checked)
	}
	if len(res.Events) != 2 {
		t.Fatalf("events = %+v", res.Events)
	}
	if ev := res.Events[0]; ev.EntityID != "starter" || ev.Kind != model.ActivityStarted ||
		ev.Previous == nil || ev.Current.SessionRef != "https://www.chess.com/game/live/1" {
		t.Errorf("event[0] = %+v", ev)
	}
	if ev := res.Events[1]; ev.EntityID != "ender" || ev.Kind != model.ActivityEnded {
		t.Errorf("event[1] = %+v", ev)
	}

	// The newcomer was stored as a baseline without an event.
	snaps, _ := st.Snapshots(ctx, []string{"newcomer"})
	if !snaps["newcomer"].Active {
		t.Errorf("newcomer snapshot = %+v", snaps["newcomer"])
	}
	if n := len(st.Changes()); n != 2 {
		t.Errorf("change log rows = %d, want 2", n)
	}
}

func TestDetectChangesIsolatesFailures(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	_ = st.SaveSnapshot(ctx, model.StatusSnapshot{EntityID: "broken", CheckedAt: t0})
	_ = st.SaveSnapshot(ctx, model.StatusSnapshot{EntityID: "flaky", CheckedAt: t0})

	f := newFakeFetcher()
	f.on("ghost", fakeResponse{err: activity.ErrNotFound})
	f.on("broken", fakeResponse{err: &activity.StatusError{StatusCode: 502}})
	f.on("forbidden", fakeResponse{err: &activity.StatusError{StatusCode: 403}})
	f.on("flaky",
		fakeResponse{err: &activity.StatusError{StatusCode: 503}},
		fakeResponse{games: activeGames()},
	)

	d := New(f, st, testOptions())
	res, err := d.DetectChanges(ctx, []string{"ghost", "broken", "forbidden", "flaky", "fine"})
	if err != nil {
		t.Fatal(err)
	}

	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}
	if len(res.Errors) != 2 {
		t.Fatalf("errors = %v, want broken and forbidden", res.Errors)
	}
	for _, e := range res.Errors {
		var se *activity.StatusError
		if !errors.As(e, &se) {
			t.Errorf("error %v does not unwrap to StatusError", e)
		}
	}
	if got := f.count("broken"); got != 3 {
		t.Errorf("broken fetched %d times, want 3", got)
	}
	if got := f.count("forbidden"); got != 1 {
		t.Errorf("forbidden fetched %d times, want 1", got)
	}
	if got := f.count("ghost"); got != 1 {
		t.Errorf("ghost fetched %d times, want 1", got)
	}

	// The flaky player recovered on retry and produced an event.
	if len(res.Events) != 1 || res.Events[0].EntityID != "flaky" {
		t.Errorf("events = %+v", res.Events)
	}

	// Failed reads leave the snapshot untouched.
	snaps, _ := st.Snapshots(ctx, []string{"broken", "ghost"})
	if !snaps["broken"].CheckedAt.Equal(t0) {
		t.Errorf("broken snapshot was overwritten: %+v", snaps["broken"])
	}
	if _, ok := snaps["ghost"]; ok {
		t.Error("unknown player got a snapshot")
	}
}

func TestDetectChangesRateLimitShrinksPool(t *testing.T) {
	st := memstore.New()
	f := newFakeFetcher()
	f.on("a", fakeResponse{err: &activity.RateLimitError{}})

	opts := testOptions()
	opts.Sizer = SizerConfig{Min: 1, Max: 8, Initial: 4}
	d := New(f, st, opts)

	res, err := d.DetectChanges(context.Background(), []string{"a", "b", "c", "d", "e", "f"})
	if err != nil {
		t.Fatal(err)
	}
	if res.RateLimited != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %s, errors %v", res.Summary(), res.Errors)
	}
	if got := f.count("a"); got != 1 {
		t.Errorf("rate limited player fetched %d times, want 1", got)
	}
	if res.Checked != 5 {
		t.Errorf("checked = %d, want 5", res.Checked)
	}
	// First batch of four saw a 429 and halved the pool; the second batch
	// of two succeeded and grew it by one.
	if res.FinalWorkers != 3 {
		t.Errorf("final workers = %d, want 3", res.FinalWorkers)
	}
}

func TestDetectChangesCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := New(newFakeFetcher(), memstore.New(), testOptions())
	res, err := d.DetectChanges(ctx, []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 2 || res.Checked != 0 {
		t.Fatalf("result = %s", res.Summary())
	}
}

func TestAdaptiveSizer(t *testing.T) {
	s := NewAdaptiveSizer(SizerConfig{
		Min: 1, Max: 4, Initial: 2,
		LatencyLow: 100 * time.Millisecond, LatencyHigh: time.Second,
	})
	steps := []struct {
		name  string
		stats BatchStats
		state SizerState
		size  int
	}{
		{"healthy grows", BatchStats{Succeeded: 10, MeanLatency: 50 * time.Millisecond}, SizerGrow, 3},
		{"healthy grows again", BatchStats{Succeeded: 10, MeanLatency: 50 * time.Millisecond}, SizerGrow, 4},
		{"clamped at max", BatchStats{Succeeded: 10, MeanLatency: 50 * time.Millisecond}, SizerHold, 4},
		{"middling latency holds", BatchStats{Succeeded: 10, MeanLatency: 500 * time.Millisecond}, SizerHold, 4},
		{"latency spike shrinks", BatchStats{Succeeded: 10, MeanLatency: 2 * time.Second}, SizerShrink, 2},
		{"errors shrink", BatchStats{Succeeded: 1, Failed: 1}, SizerShrink, 1},
		{"clamped at min", BatchStats{Failed: 2}, SizerHold, 1},
		{"empty batch holds", BatchStats{}, SizerHold, 1},
		{"rate limit at min holds", BatchStats{Succeeded: 10, RateLimited: 1}, SizerHold, 1},
	}
	for _, st := range steps {
		t.Run(st.name, func(t *testing.T) {
			if got := s.Observe(st.stats); got != st.state {
				t.Errorf("state = %s, want %s", got, st.state)
			}
			if s.Size() != st.size {
				t.Errorf("size = %d, want %d", s.Size(), st.size)
			}
		})
	}
}

func TestLimiterThrottle(t *testing.T) {
	now := t0
	l := NewLimiter(0, 1, time.Minute, func() time.Time { return now })

	if _, cooling := l.CooldownUntil(); cooling {
		t.Fatal("fresh limiter is cooling down")
	}
	if until := l.Throttle(0); !until.Equal(t0.Add(time.Minute)) {
		t.Errorf("fallback cooldown until %v", until)
	}
	// A shorter hint never pulls the deadline in.
	if until := l.Throttle(5 * time.Second); !until.Equal(t0.Add(time.Minute)) {
		t.Errorf("shorter hint moved deadline to %v", until)
	}
	if until := l.Throttle(2 * time.Minute); !until.Equal(t0.Add(2 * time.Minute)) {
		t.Errorf("longer hint deadline %v", until)
	}
	if l.Throttles() != 3 {
		t.Errorf("throttles = %d", l.Throttles())
	}

	now = t0.Add(3 * time.Minute)
	if _, cooling := l.CooldownUntil(); cooling {
		t.Error("still cooling after the deadline")
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := NewLimiter(0, 1, time.Hour, nil)
	l.Throttle(0)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v, want deadline exceeded", err)
	}
}
