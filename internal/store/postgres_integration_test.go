package store_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/albapepper/matchwatch/internal/config"
	"github.com/albapepper/matchwatch/internal/db"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
)

func postgresIntegrationStore(t *testing.T) (*store.Postgres, *db.Pool) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("MATCHWATCH_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("set MATCHWATCH_TEST_DATABASE_URL to run Postgres integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := db.New(ctx, &config.Config{
		DatabaseURL:    dsn,
		DBPoolMinConns: 1,
		DBPoolMaxConns: 4,
		DBPoolMaxLife:  time.Minute,
		AutoMigrate:    true,
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	return store.New(pool.Pool), pool
}

func TestPostgresIntegrationQueueLifecycle(t *testing.T) {
	s, _ := postgresIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	sub, entity := "it-"+uuid.NewString(), "it-"+uuid.NewString()
	item := model.QueueItem{
		ID:           uuid.NewString(),
		SubscriberID: sub,
		EntityID:     entity,
		Recipient:    "it@example.com",
		Payload:      model.Payload{Kind: model.ActivityStarted, Subject: "s", Text: "t"},
		MaxAttempts:  5,
		Status:       model.StatusPending,
		ScheduledAt:  now.Add(-time.Second),
		CreatedAt:    now,
	}
	if err := s.InsertItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	dup := item
	dup.ID = uuid.NewString()
	if err := s.InsertItem(ctx, dup); !errors.Is(err, store.ErrAlreadyQueued) {
		t.Fatalf("second insert: got %v, want ErrAlreadyQueued", err)
	}

	got, err := s.ItemByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Payload.Subject != "s" || got.Status != model.StatusPending {
		t.Fatalf("unexpected item %+v", got)
	}

	msgID := "msg-" + uuid.NewString()
	if err := s.MarkSent(ctx, item.ID, msgID, now); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("mark sent on pending item: got %v, want ErrConflict", err)
	}

	// Claim everything due; other tests may share the database so look for ours.
	claimed, err := s.ClaimItems(ctx, now, 1000)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	var found bool
	for _, c := range claimed {
		if c.ID == item.ID {
			found = true
			if c.Attempts != 1 || c.Status != model.StatusProcessing {
				t.Fatalf("claimed item = %+v", c)
			}
		}
	}
	if !found {
		t.Fatal("item not claimed")
	}

	if err := s.MarkSent(ctx, item.ID, msgID, now); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	byMsg, err := s.ItemByMessageID(ctx, msgID)
	if err != nil || byMsg.ID != item.ID {
		t.Fatalf("by message id: %+v, %v", byMsg, err)
	}

	// Parallel claimers must never see the same row.
	const n = 40
	ours := map[string]bool{}
	for i := range n {
		it := item
		it.ID = uuid.NewString()
		it.SubscriberID = "it-" + uuid.NewString()
		if err := s.InsertItem(ctx, it); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		ours[it.ID] = true
	}
	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := s.ClaimItems(ctx, now, 5)
				if err != nil {
					t.Error(err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, c := range batch {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	for id := range ours {
		if seen[id] != 1 {
			t.Errorf("item %s claimed %d times, want 1", id, seen[id])
		}
	}
}

func TestPostgresIntegrationAuditDedupe(t *testing.T) {
	s, _ := postgresIntegrationStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := model.AuditEntry{
		SubscriberID:      "it-" + uuid.NewString(),
		EntityID:          "it-" + uuid.NewString(),
		Type:              model.AuditDelivered,
		ProviderMessageID: "msg-" + uuid.NewString(),
		At:                now,
	}
	for i, want := range []bool{true, false} {
		inserted, err := s.AppendAudit(ctx, e)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if inserted != want {
			t.Fatalf("append %d: inserted = %v, want %v", i, inserted, want)
		}
	}

	if _, ok, err := s.LastSentAt(ctx, e.SubscriberID, e.EntityID); err != nil || ok {
		t.Fatalf("last sent: ok=%v err=%v, want none", ok, err)
	}
	sent := e
	sent.Type = model.AuditSent
	if _, err := s.AppendAudit(ctx, sent); err != nil {
		t.Fatalf("append sent: %v", err)
	}
	last, ok, err := s.LastSentAt(ctx, e.SubscriberID, e.EntityID)
	if err != nil || !ok || !last.Equal(now.Truncate(time.Microsecond)) {
		t.Fatalf("last sent = %v, %v, %v", last, ok, err)
	}
}

func TestPostgresIntegrationSuppression(t *testing.T) {
	s, _ := postgresIntegrationStore(t)
	ctx := context.Background()
	addr := "it-" + uuid.NewString() + "@example.com"

	added, err := s.AddSuppression(ctx, model.SuppressionEntry{Address: addr, Reason: "hard_bounce", CreatedAt: time.Now()})
	if err != nil || !added {
		t.Fatalf("add: %v %v", added, err)
	}
	added, err = s.AddSuppression(ctx, model.SuppressionEntry{Address: addr, Reason: "complaint", CreatedAt: time.Now()})
	if err != nil || added {
		t.Fatalf("second add: %v %v", added, err)
	}
	if err := s.RemoveSuppression(ctx, addr); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.RemoveSuppression(ctx, addr); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second remove: %v", err)
	}
}
