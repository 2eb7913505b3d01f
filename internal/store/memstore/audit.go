package memstore

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
)

func (s *Store) AppendAudit(_ context.Context, e model.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ProviderMessageID != "" {
		key := auditKey{e.ProviderMessageID, e.Type}
		if _, dup := s.auditKeys[key]; dup {
			return false, nil
		}
		s.auditKeys[key] = struct{}{}
	}
	s.nextAudit++
	e.ID = s.nextAudit
	s.audit = append(s.audit, e)
	return true, nil
}

func (s *Store) QueryAudit(_ context.Context, f model.AuditFilter) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		e := s.audit[i]
		switch {
		case f.SubscriberID != "" && e.SubscriberID != f.SubscriberID,
			f.EntityID != "" && e.EntityID != f.EntityID,
			f.Type != "" && e.Type != f.Type,
			!f.Since.IsZero() && e.At.Before(f.Since),
			!f.Until.IsZero() && !e.At.Before(f.Until),
			f.BeforeID > 0 && e.ID >= f.BeforeID:
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) LastSentAt(_ context.Context, subscriberID, entityID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastSentLocked(subscriberID, entityID)
	return last, ok, nil
}

func (s *Store) lastSentLocked(subscriberID, entityID string) (time.Time, bool) {
	var (
		last  time.Time
		found bool
	)
	for _, e := range s.audit {
		if e.Type == model.AuditSent && e.SubscriberID == subscriberID && e.EntityID == entityID {
			if !found || e.At.After(last) {
				last, found = e.At, true
			}
		}
	}
	return last, found
}

func (s *Store) AuditStats(_ context.Context, since time.Time) (map[model.AuditEventType]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.AuditEventType]int64)
	for _, e := range s.audit {
		if !e.At.Before(since) {
			out[e.Type]++
		}
	}
	return out, nil
}

func (s *Store) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.audit)
	s.audit = slices.DeleteFunc(s.audit, func(e model.AuditEntry) bool {
		if e.At.Before(before) {
			delete(s.auditKeys, auditKey{e.ProviderMessageID, e.Type})
			return true
		}
		return false
	})
	return int64(n - len(s.audit)), nil
}

// Audit returns a copy of the audit log in append order.
func (s *Store) Audit() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.audit)
}

// --------------------------------------------------------------------------
// Suppression
// --------------------------------------------------------------------------

func (s *Store) IsSuppressed(_ context.Context, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.suppressed[address]
	return ok, nil
}

func (s *Store) AddSuppression(_ context.Context, e model.SuppressionEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suppressed[e.Address]; ok {
		return false, nil
	}
	s.suppressed[e.Address] = e
	return true, nil
}

func (s *Store) RemoveSuppression(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.suppressed[address]; !ok {
		return store.ErrNotFound
	}
	delete(s.suppressed, address)
	return nil
}

func (s *Store) GetSuppression(_ context.Context, address string) (model.SuppressionEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.suppressed[address]
	if !ok {
		return model.SuppressionEntry{}, store.ErrNotFound
	}
	return e, nil
}

// SuppressionCount returns the number of suppressed addresses.
func (s *Store) SuppressionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.suppressed)
}

func sortByUpdatedDesc(items []model.QueueItem) {
	slices.SortFunc(items, func(a, b model.QueueItem) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
