package memstore

import (
	"context"
	"fmt"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
)

func (s *Store) InsertItem(_ context.Context, item model.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; ok {
		return fmt.Errorf("insert queue item: duplicate id %s", item.ID)
	}
	if s.inFlightLocked(item.SubscriberID, item.EntityID, "") {
		return store.ErrAlreadyQueued
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}
	s.items[item.ID] = &item
	return nil
}

func (s *Store) inFlightLocked(subscriberID, entityID, exceptID string) bool {
	for _, it := range s.items {
		if it.ID != exceptID && it.SubscriberID == subscriberID && it.EntityID == entityID && it.InFlight() {
			return true
		}
	}
	return false
}

func (s *Store) ClaimItems(_ context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.QueueItem
	for _, it := range s.items {
		if it.Status == model.StatusPending && !it.ScheduledAt.After(now) {
			due = append(due, *it)
		}
	}
	model.SortForDispatch(due)
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		it := s.items[due[i].ID]
		it.Status = model.StatusProcessing
		it.Attempts++
		it.UpdatedAt = now
		due[i] = *it
	}
	return due, nil
}

// transition applies fn to a stored item whose status is one of from.
func (s *Store) transition(id string, fn func(*model.QueueItem), from ...model.QueueStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	for _, st := range from {
		if it.Status == st {
			fn(it)
			return nil
		}
	}
	return store.ErrConflict
}

func (s *Store) MarkSent(_ context.Context, id, messageID string, now time.Time) error {
	return s.transition(id, func(it *model.QueueItem) {
		it.Status = model.StatusSent
		it.ProviderMessageID = messageID
		it.LastError = ""
		it.UpdatedAt = now
	}, model.StatusProcessing)
}

func (s *Store) RescheduleItem(_ context.Context, id string, at time.Time, lastError string, now time.Time) error {
	return s.transition(id, func(it *model.QueueItem) {
		it.Status = model.StatusPending
		it.ScheduledAt = at
		it.LastError = lastError
		it.UpdatedAt = now
	}, model.StatusProcessing)
}

func (s *Store) MarkFailed(_ context.Context, id, reason string, now time.Time) error {
	return s.transition(id, func(it *model.QueueItem) {
		it.Status = model.StatusFailed
		it.LastError = reason
		it.UpdatedAt = now
	}, model.StatusProcessing, model.StatusSent)
}

func (s *Store) MarkDead(_ context.Context, id, reason string, now time.Time) error {
	return s.transition(id, func(it *model.QueueItem) {
		it.Status = model.StatusDead
		it.LastError = reason
		it.UpdatedAt = now
	}, model.StatusProcessing)
}

func (s *Store) ItemByID(_ context.Context, id string) (model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return model.QueueItem{}, store.ErrNotFound
	}
	return *it, nil
}

func (s *Store) ItemByMessageID(_ context.Context, messageID string) (model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if messageID != "" && it.ProviderMessageID == messageID {
			return *it, nil
		}
	}
	return model.QueueItem{}, store.ErrNotFound
}

func (s *Store) ItemsByStatus(_ context.Context, status model.QueueStatus, limit int) ([]model.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.QueueItem
	for _, it := range s.items {
		if it.Status == status {
			out = append(out, *it)
		}
	}
	sortByUpdatedDesc(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RequeueItem(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok {
		return store.ErrNotFound
	}
	if it.Status != model.StatusDead && it.Status != model.StatusFailed {
		return store.ErrConflict
	}
	if s.inFlightLocked(it.SubscriberID, it.EntityID, it.ID) {
		return store.ErrAlreadyQueued
	}
	it.Status = model.StatusPending
	it.Attempts = 0
	it.ScheduledAt = now
	it.LastError = ""
	it.UpdatedAt = now
	return nil
}

func (s *Store) ReleaseStale(_ context.Context, olderThan, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, it := range s.items {
		if it.Status == model.StatusProcessing && it.UpdatedAt.Before(olderThan) {
			it.Status = model.StatusPending
			it.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *Store) PruneItems(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, it := range s.items {
		if (it.Status == model.StatusSent || it.Status == model.StatusFailed) && it.UpdatedAt.Before(before) {
			delete(s.items, id)
			n++
		}
	}
	return n, nil
}

// Items returns a copy of every queue item, for assertions.
func (s *Store) Items() []model.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.QueueItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, *it)
	}
	model.SortForDispatch(out)
	return out
}
