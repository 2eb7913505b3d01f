package audit

import (
	"context"
	"testing"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store/memstore"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestAppendValidatesAndDedupes(t *testing.T) {
	l := New(memstore.New(), nil)
	ctx := context.Background()

	if _, err := l.Append(ctx, model.AuditEntry{SubscriberID: "s", EntityID: "e", Type: "opened"}); err == nil {
		t.Error("unknown type accepted")
	}
	if _, err := l.Append(ctx, model.AuditEntry{EntityID: "e", Type: model.AuditSent}); err == nil {
		t.Error("missing subscriber accepted")
	}

	e := model.AuditEntry{SubscriberID: "s", EntityID: "e", Type: model.AuditBounced, ProviderMessageID: "m1"}
	first, err := l.Append(ctx, e)
	if err != nil || !first {
		t.Fatalf("first append = %v, %v", first, err)
	}
	second, err := l.Append(ctx, e)
	if err != nil || second {
		t.Fatalf("replayed append = %v, %v", second, err)
	}
}

func TestQueryPaginates(t *testing.T) {
	l := New(memstore.New(), nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		l.Append(ctx, model.AuditEntry{SubscriberID: "s", EntityID: "e", Type: model.AuditQueued, At: t0.Add(time.Duration(i) * time.Minute)})
	}
	l.Append(ctx, model.AuditEntry{SubscriberID: "other", EntityID: "e", Type: model.AuditQueued, At: t0})

	var seen []int64
	f := model.AuditFilter{SubscriberID: "s", Limit: 2}
	for {
		page, err := l.Query(ctx, f)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range page.Entries {
			seen = append(seen, e.ID)
		}
		if page.NextBeforeID == 0 {
			break
		}
		f.BeforeID = page.NextBeforeID
	}
	want := []int64{5, 4, 3, 2, 1}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen %v, want %v", seen, want)
		}
	}
}

func TestLastSentAtAndStats(t *testing.T) {
	l := New(memstore.New(), nil)
	ctx := context.Background()

	if _, ok, _ := l.LastSentAt(ctx, "s", "e"); ok {
		t.Fatal("last sent on empty log")
	}
	l.Append(ctx, model.AuditEntry{SubscriberID: "s", EntityID: "e", Type: model.AuditSent, At: t0})
	l.Append(ctx, model.AuditEntry{SubscriberID: "s", EntityID: "e", Type: model.AuditSent, At: t0.Add(time.Hour)})
	l.Append(ctx, model.AuditEntry{SubscriberID: "s", EntityID: "e", Type: model.AuditDelivered, At: t0.Add(2 * time.Hour)})
	l.Append(ctx, model.AuditEntry{SubscriberID: "s", EntityID: "other", Type: model.AuditSent, At: t0.Add(3 * time.Hour)})

	last, ok, err := l.LastSentAt(ctx, "s", "e")
	if err != nil || !ok || !last.Equal(t0.Add(time.Hour)) {
		t.Fatalf("last sent = %v %v %v", last, ok, err)
	}

	stats, err := l.Stats(ctx, t0.Add(30*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if stats[model.AuditSent] != 2 || stats[model.AuditDelivered] != 1 || stats[model.AuditBounced] != 0 {
		t.Errorf("stats = %v", stats)
	}
	if len(stats) != len(model.AuditEventTypes) {
		t.Errorf("stats has %d keys", len(stats))
	}

	n, _ := l.Prune(ctx, t0.Add(90*time.Minute))
	if n != 2 {
		t.Errorf("pruned %d, want 2", n)
	}
}
