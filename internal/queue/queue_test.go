package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/albapepper/matchwatch/internal/audit"
	"github.com/albapepper/matchwatch/internal/backoff"
	"github.com/albapepper/matchwatch/internal/email"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/render"
	"github.com/albapepper/matchwatch/internal/store"
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

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	q        *Queue
	store    *memstore.Store
	provider *email.MockProvider
	sup      *suppression.List
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
	provider := email.NewMockProvider(nil)
	sup := suppression.New(st, nil)
	q := New(st, r, provider, audit.New(st, nil), sup, Options{
		BatchSize:   10,
		Workers:     2,
		SendTimeout: time.Second,
		MaxAttempts: 5,
		Policy: backoff.Policy{
			Base: time.Minute, Multiplier: 5, Max: 4 * time.Hour, Jitter: 0.1,
			Rand: func() float64 { return 0 },
		},
		Now: clock.Now,
	})
	return &harness{q: q, store: st, provider: provider, sup: sup, clock: clock}
}

func params(entity string) map[string]string {
	return map[string]string{
		"entity":       entity,
		"session_url":  "https://www.chess.com/game/live/1",
		"time_control": "180+2",
		"time_class":   "blitz",
		"manage_url":   "https://matchwatch.example/settings",
	}
}

func job(sub, entity string) Job {
	return Job{
		SubscriberID: sub,
		EntityID:     entity,
		Recipient:    " " + sub + "@Example.com ",
		Kind:         model.ActivityStarted,
		Params:       params(entity),
	}
}

func (h *harness) item(t *testing.T, id string) model.QueueItem {
	t.Helper()
	it, err := h.store.ItemByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func (h *harness) auditTypes(itemID string) []model.AuditEventType {
	var out []model.AuditEventType
	for _, e := range h.store.Audit() {
		if e.QueueItemID == itemID {
			out = append(out, e.Type)
		}
	}
	return out
}

func (h *harness) drain(t *testing.T) DrainResult {
	t.Helper()
	res, err := h.q.Drain(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) > 0 {
		t.Fatalf("drain errors: %v", res.Errors)
	}
	return res
}

func TestEnqueueValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing subscriber", func(j *Job) { j.SubscriberID = "" }},
		{"missing entity", func(j *Job) { j.EntityID = "" }},
		{"blank recipient", func(j *Job) { j.Recipient = "   " }},
		{"unknown kind", func(j *Job) { j.Kind = "moved" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := job("s1", "hikaru")
			tt.mutate(&j)
			if _, err := h.q.Enqueue(ctx, j); !errors.Is(err, ErrInvalidJob) {
				t.Fatalf("got %v, want ErrInvalidJob", err)
			}
		})
	}

	t.Run("render failure aborts", func(t *testing.T) {
		j := job("s1", "hikaru")
		j.Kind = model.ActivityEnded
		if _, err := h.q.Enqueue(ctx, j); !errors.Is(err, render.ErrNoTemplate) {
			t.Fatalf("got %v, want ErrNoTemplate", err)
		}
		j = job("s1", "hikaru")
		delete(j.Params, "manage_url")
		if _, err := h.q.Enqueue(ctx, j); err == nil {
			t.Fatal("missing parameter accepted")
		}
	})

	if n := len(h.store.Items()); n != 0 {
		t.Fatalf("%d items stored from invalid jobs", n)
	}
}

func TestEnqueue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	item, err := h.q.Enqueue(ctx, job("s1", "hikaru"))
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != model.StatusPending || item.Attempts != 0 || !item.ScheduledAt.Equal(t0) {
		t.Errorf("item = %+v", item)
	}
	if item.Recipient != "s1@example.com" || item.MaxAttempts != 5 {
		t.Errorf("item = %+v", item)
	}
	if item.Payload.Subject != "hikaru is now playing on Chess.com" {
		t.Errorf("subject = %q", item.Payload.Subject)
	}
	if got := h.auditTypes(item.ID); len(got) != 1 || got[0] != model.AuditQueued {
		t.Errorf("audit = %v", got)
	}

	if _, err := h.q.Enqueue(ctx, job("s1", "hikaru")); !errors.Is(err, ErrAlreadyQueued) {
		t.Fatalf("duplicate enqueue: %v", err)
	}

	deferred := job("s2", "hikaru")
	deferred.ScheduledAt = t0.Add(time.Hour)
	if _, err := h.q.Enqueue(ctx, deferred); err != nil {
		t.Fatal(err)
	}
	claimed, _ := h.q.ClaimBatch(ctx, 10)
	if len(claimed) != 1 || claimed[0].ID != item.ID {
		t.Fatalf("claimed = %+v, want only the due item", claimed)
	}
}

func TestDrainSendsAndAudits(t *testing.T) {
	h := newHarness(t)
	item, err := h.q.Enqueue(context.Background(), job("s1", "hikaru"))
	if err != nil {
		t.Fatal(err)
	}

	res := h.drain(t)
	if res.Claimed != 1 || res.Sent != 1 {
		t.Fatalf("result = %s", res.Summary())
	}

	got := h.item(t, item.ID)
	if got.Status != model.StatusSent || got.ProviderMessageID == "" || got.Attempts != 1 {
		t.Errorf("item = %+v", got)
	}
	sent := h.provider.Sent()
	if len(sent) != 1 || sent[0].IdempotencyKey != item.ID || sent[0].To != "s1@example.com" {
		t.Errorf("sent = %+v", sent)
	}
	want := []model.AuditEventType{model.AuditQueued, model.AuditSent}
	if got := h.auditTypes(item.ID); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("audit = %v, want %v", got, want)
	}
}

func TestDrainSkipsSuppressedRecipient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.sup.Add(ctx, "S1@example.com", suppression.ReasonComplaint, ""); err != nil {
		t.Fatal(err)
	}
	item, _ := h.q.Enqueue(ctx, job("s1", "hikaru"))

	res := h.drain(t)
	if res.Suppressed != 1 || res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("result = %s", res.Summary())
	}
	if h.provider.Calls() != 0 {
		t.Fatalf("provider called %d times for a suppressed recipient", h.provider.Calls())
	}
	if got := h.item(t, item.ID); got.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestTransientFailuresRetryThenSucceed(t *testing.T) {
	h := newHarness(t)
	var failures int
	h.provider.SetFail(func(email.Message) error {
		if failures < 3 {
			failures++
			return &email.SendError{StatusCode: 500, Message: "internal error"}
		}
		return nil
	})
	item, _ := h.q.Enqueue(context.Background(), job("s1", "hikaru"))

	steps := []struct {
		at       time.Duration
		claimed  int
		wantNext time.Duration // scheduled time after the drain, from t0
		status   model.QueueStatus
	}{
		{0, 1, time.Minute, model.StatusPending},
		{30 * time.Second, 0, time.Minute, model.StatusPending},
		{time.Minute, 1, 6 * time.Minute, model.StatusPending},
		{6 * time.Minute, 1, 31 * time.Minute, model.StatusPending},
		{31 * time.Minute, 1, 31 * time.Minute, model.StatusSent},
	}
	for _, st := range steps {
		h.clock.Set(t0.Add(st.at))
		res := h.drain(t)
		if res.Claimed != st.claimed {
			t.Fatalf("at +%s claimed %d, want %d", st.at, res.Claimed, st.claimed)
		}
		got := h.item(t, item.ID)
		if got.Status != st.status || !got.ScheduledAt.Equal(t0.Add(st.wantNext)) {
			t.Fatalf("at +%s item = %s scheduled %s, want %s scheduled +%s",
				st.at, got.Status, got.ScheduledAt.Sub(t0), st.status, st.wantNext)
		}
	}

	got := h.item(t, item.ID)
	if got.Attempts != 4 || got.LastError != "" {
		t.Errorf("final item = %+v", got)
	}
	var retries int
	for _, typ := range h.auditTypes(item.ID) {
		if typ == model.AuditRetryScheduled {
			retries++
		}
	}
	if retries != 3 {
		t.Errorf("retry_scheduled entries = %d, want 3", retries)
	}
}

func TestPermanentFailureSuppressesAddress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.SetFail(func(email.Message) error {
		return &email.SendError{StatusCode: 422, Code: "validation_error", Message: "Invalid `to` field"}
	})
	item, _ := h.q.Enqueue(ctx, job("s1", "hikaru"))

	res := h.drain(t)
	if res.Failed != 1 {
		t.Fatalf("result = %s", res.Summary())
	}
	if got := h.item(t, item.ID); got.Status != model.StatusFailed {
		t.Fatalf("status = %s", got.Status)
	}
	entry, err := h.sup.Get(ctx, "s1@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Reason != suppression.ReasonInvalidRecipient || entry.SourceItemID != item.ID {
		t.Errorf("suppression = %+v", entry)
	}

	// The next job for the same address never reaches the provider.
	if _, err := h.q.Enqueue(ctx, job("s1", "firouzja")); err != nil {
		t.Fatal(err)
	}
	res = h.drain(t)
	if res.Suppressed != 1 || h.provider.Calls() != 1 {
		t.Fatalf("result = %s, provider calls %d", res.Summary(), h.provider.Calls())
	}
}

func TestExhaustedItemsGoDeadAndRequeue(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.provider.SetFail(func(email.Message) error {
		return &email.SendError{StatusCode: 503, Message: "unavailable"}
	})
	j := job("s1", "hikaru")
	j.MaxAttempts = 2
	item, _ := h.q.Enqueue(ctx, j)

	h.drain(t)
	h.clock.Set(t0.Add(time.Minute))
	if res := h.drain(t); res.Dead != 1 {
		t.Fatalf("result = %s", res.Summary())
	}

	dead, err := h.q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].ID != item.ID || dead[0].Attempts != 2 {
		t.Fatalf("dead letters = %+v", dead)
	}

	requeued, err := h.q.Requeue(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if requeued.Status != model.StatusPending || requeued.Attempts != 0 {
		t.Errorf("requeued = %+v", requeued)
	}
	if _, err := h.q.Requeue(ctx, item.ID); !errors.Is(err, store.ErrConflict) {
		t.Errorf("requeue of pending item: %v", err)
	}
	if _, err := h.q.Requeue(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("requeue of missing item: %v", err)
	}
}

func TestRateLimitedHonoursRetryAfter(t *testing.T) {
	h := newHarness(t)
	h.provider.SetFail(func(email.Message) error {
		return &email.SendError{StatusCode: 429, RetryAfter: 30 * time.Second}
	})
	item, _ := h.q.Enqueue(context.Background(), job("s1", "hikaru"))

	h.drain(t)
	got := h.item(t, item.ID)
	if got.Status != model.StatusPending || !got.ScheduledAt.Equal(t0.Add(30*time.Second)) {
		t.Fatalf("item = %s scheduled %s", got.Status, got.ScheduledAt.Sub(t0))
	}
}

func TestReleaseStale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	item, _ := h.q.Enqueue(ctx, job("s1", "hikaru"))
	if _, err := h.q.ClaimBatch(ctx, 0); err != nil {
		t.Fatal(err)
	}

	h.clock.Set(t0.Add(5 * time.Minute))
	if n, _ := h.q.ReleaseStale(ctx, 10*time.Minute); n != 0 {
		t.Fatalf("released %d fresh claims", n)
	}
	h.clock.Set(t0.Add(11 * time.Minute))
	if n, _ := h.q.ReleaseStale(ctx, 10*time.Minute); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	if got := h.item(t, item.ID); got.Status != model.StatusPending || got.Attempts != 1 {
		t.Errorf("item = %+v", got)
	}
}

func TestConcurrentDrainsSendEachItemOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	const n = 25
	ids := map[string]bool{}
	for i := range n {
		item, err := h.q.Enqueue(ctx, job(fmt.Sprintf("s%d", i), "hikaru"))
		if err != nil {
			t.Fatal(err)
		}
		ids[item.ID] = true
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				res, err := h.q.Drain(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if len(res.Errors) > 0 {
					t.Errorf("drain errors: %v", res.Errors)
				}
				if res.Claimed == 0 {
					return
				}
			}
		}()
	}
	wg.Wait()

	sent := h.provider.Sent()
	if len(sent) != n || h.provider.Calls() != n {
		t.Fatalf("sent %d messages in %d calls, want %d", len(sent), h.provider.Calls(), n)
	}
	keys := map[string]bool{}
	for _, m := range sent {
		if keys[m.IdempotencyKey] {
			t.Errorf("idempotency key %s sent twice", m.IdempotencyKey)
		}
		if !ids[m.IdempotencyKey] {
			t.Errorf("idempotency key %s is not a queued item", m.IdempotencyKey)
		}
		keys[m.IdempotencyKey] = true
	}
	for id := range ids {
		if got := h.item(t, id); got.Status != model.StatusSent || got.Attempts != 1 {
			t.Errorf("item %s = %s after %d attempts", id, got.Status, got.Attempts)
		}
	}
}
