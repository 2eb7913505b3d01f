// Package memstore is an in-memory implementation of every store interface.
// It backs tests and STORE_DRIVER=memory and enforces the same uniqueness
// rules as the Postgres schema: one in-flight queue item per pair, one audit
// row per (provider message id, event type), one suppression row per address.
package memstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
)

type pairKey struct {
	subscriberID string
	entityID     string
}

type auditKey struct {
	messageID string
	eventType model.AuditEventType
}

// Store holds all state behind a single mutex.
type Store struct {
	mu sync.Mutex

	snapshots map[string]model.StatusSnapshot
	changes   []model.StatusChangeEvent

	subscribers map[string]model.Subscriber
	global      map[string]model.Preference
	prefs       map[pairKey]model.Preference
	blocks      map[pairKey]model.Block

	items map[string]*model.QueueItem

	audit     []model.AuditEntry
	auditKeys map[auditKey]struct{}
	nextAudit int64

	suppressed map[string]model.SuppressionEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		snapshots:   make(map[string]model.StatusSnapshot),
		subscribers: make(map[string]model.Subscriber),
		global:      make(map[string]model.Preference),
		prefs:       make(map[pairKey]model.Preference),
		blocks:      make(map[pairKey]model.Block),
		items:       make(map[string]*model.QueueItem),
		auditKeys:   make(map[auditKey]struct{}),
		suppressed:  make(map[string]model.SuppressionEntry),
	}
}

// --------------------------------------------------------------------------
// Seeding (stands in for the external preference API)
// --------------------------------------------------------------------------

// PutSubscriber inserts or replaces a subscriber.
func (s *Store) PutSubscriber(sub model.Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers[sub.ID] = sub
}

// PutPreference inserts or replaces a preference row. EntityID "" is global.
func (s *Store) PutPreference(p model.Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.EntityID == "" {
		s.global[p.SubscriberID] = p
		return
	}
	s.prefs[pairKey{p.SubscriberID, p.EntityID}] = p
}

// Follow seeds an enabled subscriber following entityIDs.
func (s *Store) Follow(subscriberID, email string, entityIDs ...string) {
	s.PutSubscriber(model.Subscriber{ID: subscriberID, Email: email, NotificationsEnabled: true})
	for _, id := range entityIDs {
		s.PutPreference(model.Preference{SubscriberID: subscriberID, EntityID: id, Enabled: true})
	}
}

// --------------------------------------------------------------------------
// Snapshots
// --------------------------------------------------------------------------

func (s *Store) Snapshots(_ context.Context, ids []string) (map[string]model.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.StatusSnapshot, len(ids))
	for _, id := range ids {
		if snap, ok := s.snapshots[id]; ok {
			out[id] = snap
		}
	}
	return out, nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap model.StatusSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.EntityID] = snap
	return nil
}

func (s *Store) RecordChange(_ context.Context, ev model.StatusChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, ev)
	return nil
}

func (s *Store) PruneStatusChanges(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.changes)
	s.changes = slices.DeleteFunc(s.changes, func(ev model.StatusChangeEvent) bool {
		return ev.At.Before(before)
	})
	return int64(n - len(s.changes)), nil
}

// Changes returns a copy of the status change log.
func (s *Store) Changes() []model.StatusChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.changes)
}

// --------------------------------------------------------------------------
// Preferences and blocks
// --------------------------------------------------------------------------

func (s *Store) Subscriber(_ context.Context, id string) (model.Subscriber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscribers[id]
	if !ok {
		return model.Subscriber{}, store.ErrNotFound
	}
	return sub, nil
}

func (s *Store) GlobalPreference(_ context.Context, subscriberID string) (model.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.global[subscriberID]
	if !ok {
		return model.Preference{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) EntityPreference(_ context.Context, subscriberID, entityID string) (model.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.prefs[pairKey{subscriberID, entityID}]
	if !ok {
		return model.Preference{}, store.ErrNotFound
	}
	return p, nil
}

func (s *Store) Blocked(_ context.Context, subscriberID, entityID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blocks[pairKey{subscriberID, entityID}]
	return ok, nil
}

func (s *Store) Block(_ context.Context, b model.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey{b.SubscriberID, b.EntityID}
	if _, ok := s.blocks[key]; !ok {
		s.blocks[key] = b
	}
	return nil
}

func (s *Store) TrackedEntities(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]bool)
	for key, p := range s.prefs {
		if sub, ok := s.subscribers[key.subscriberID]; ok && sub.NotificationsEnabled && p.Enabled {
			seen[key.entityID] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) Candidates(_ context.Context, entityID string) ([]model.Candidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Candidate
	for key, p := range s.prefs {
		if key.entityID != entityID {
			continue
		}
		sub, ok := s.subscribers[key.subscriberID]
		if !ok {
			continue
		}
		c := model.Candidate{Subscriber: sub, Preference: p}
		if g, ok := s.global[sub.ID]; ok {
			c.GlobalPreference = &g
		}
		_, c.Blocked = s.blocks[key]
		if last, ok := s.lastSentLocked(sub.ID, entityID); ok {
			c.LastSentAt = &last
		}
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Candidate) int {
		return strings.Compare(a.Subscriber.ID, b.Subscriber.ID)
	})
	return out, nil
}
