// Package model holds the records shared by the detector, decision engine,
// dispatch queue, webhook processor and audit log. Stores in internal/store
// persist these types; components only pass them around.
package model

import (
	"cmp"
	"slices"
	"strings"
	"time"
)

// --------------------------------------------------------------------------
// Status snapshots and transitions
// --------------------------------------------------------------------------

// StatusSnapshot is the last observed state of a tracked player.
type StatusSnapshot struct {
	EntityID    string
	Online      bool   // any ongoing game listed
	Active      bool   // at least one game awaiting a move
	SessionRef  string // URL of the active game, if any
	TimeControl string // time control of the active game, e.g. "180+2" or "1/86400"
	CheckedAt   time.Time
}

// TimeClass buckets a Chess.com time control string into daily, rapid,
// blitz or bullet. Unknown or empty controls return "".
func (s StatusSnapshot) TimeClass() string {
	return TimeClassOf(s.TimeControl)
}

// ChangeKind classifies a transition between two snapshots.
type ChangeKind string

const (
	ActivityStarted ChangeKind = "activity_started"
	ActivityEnded   ChangeKind = "activity_ended"
	NoChange        ChangeKind = "no_change"
)

// StatusChangeEvent is produced by the detector and consumed within one cycle.
type StatusChangeEvent struct {
	EntityID string
	Previous *StatusSnapshot // nil on first observation
	Current  StatusSnapshot
	Kind     ChangeKind
	At       time.Time
}

// --------------------------------------------------------------------------
// Subscribers and preferences (read-only collaborator data)
// --------------------------------------------------------------------------

// Subscriber is a person receiving notifications.
type Subscriber struct {
	ID                   string
	Email                string
	NotificationsEnabled bool // global switch; false means opted out of everything
}

// Filters narrows which transitions a subscriber wants to hear about.
type Filters struct {
	TimeClasses []string `json:"time_classes,omitempty"`
}

// Match reports whether a snapshot passes the filters. Empty filters match all.
func (f Filters) Match(s StatusSnapshot) bool {
	if len(f.TimeClasses) == 0 {
		return true
	}
	class := s.TimeClass()
	return slices.ContainsFunc(f.TimeClasses, func(c string) bool {
		return strings.EqualFold(strings.TrimSpace(c), class)
	})
}

// Preference is a per-subscriber flag. EntityID "" is the global preference.
type Preference struct {
	SubscriberID string
	EntityID     string
	Enabled      bool
	Filters      Filters
}

// Block is a core-owned opt-out for a (subscriber, entity) pair, written after
// hard bounces and spam complaints. It overlays the read-only preferences.
type Block struct {
	SubscriberID string
	EntityID     string
	Reason       string
	CreatedAt    time.Time
}

// Candidate is one follower of an entity with everything the decision engine
// needs to evaluate eligibility in a single pass.
type Candidate struct {
	Subscriber       Subscriber
	GlobalPreference *Preference // nil when the subscriber has no global row
	Preference       Preference  // per-entity row
	Blocked          bool
	LastSentAt       *time.Time
}

// --------------------------------------------------------------------------
// Dispatch queue
// --------------------------------------------------------------------------

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	StatusPending    QueueStatus = "pending"
	StatusProcessing QueueStatus = "processing"
	StatusSent       QueueStatus = "sent"
	StatusFailed     QueueStatus = "failed"
	StatusDead       QueueStatus = "dead"
)

// Payload is the rendered email plus the raw parameters it came from.
type Payload struct {
	Kind    ChangeKind        `json:"kind"`
	Subject string            `json:"subject"`
	HTML    string            `json:"html"`
	Text    string            `json:"text"`
	Tags    map[string]string `json:"tags,omitempty"`
	Params  map[string]string `json:"params,omitempty"`
}

// QueueItem is a single email job.
type QueueItem struct {
	ID                string
	SubscriberID      string
	EntityID          string
	Recipient         string
	Payload           Payload
	Priority          int
	Attempts          int
	MaxAttempts       int
	Status            QueueStatus
	ScheduledAt       time.Time
	LastError         string
	ProviderMessageID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InFlight reports whether the item still occupies the (subscriber, entity) slot.
func (q QueueItem) InFlight() bool {
	return q.Status == StatusPending || q.Status == StatusProcessing
}

// SortForDispatch orders items by priority descending, then scheduled time
// ascending, then id for a stable tie-break.
func SortForDispatch(items []QueueItem) {
	slices.SortFunc(items, func(a, b QueueItem) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		if c := a.ScheduledAt.Compare(b.ScheduledAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// --------------------------------------------------------------------------
// Suppression
// --------------------------------------------------------------------------

// SuppressionEntry permanently blocks an address.
type SuppressionEntry struct {
	Address      string
	Reason       string
	SourceItemID string
	CreatedAt    time.Time
}

// NormalizeAddress lower-cases and trims an email address.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}

// --------------------------------------------------------------------------
// Audit
// --------------------------------------------------------------------------

// AuditEventType names a lifecycle event.
type AuditEventType string

const (
	AuditQueued         AuditEventType = "queued"
	AuditSent           AuditEventType = "sent"
	AuditDelivered      AuditEventType = "delivered"
	AuditBounced        AuditEventType = "bounced"
	AuditComplained     AuditEventType = "complained"
	AuditRetryScheduled AuditEventType = "retry_scheduled"
	AuditFailed         AuditEventType = "failed"
)

// AuditEventTypes lists every known event type.
var AuditEventTypes = []AuditEventType{
	AuditQueued, AuditSent, AuditDelivered, AuditBounced,
	AuditComplained, AuditRetryScheduled, AuditFailed,
}

// Valid reports whether t is a known event type.
func (t AuditEventType) Valid() bool {
	return slices.Contains(AuditEventTypes, t)
}

// AuditEntry is one append-only ledger row.
type AuditEntry struct {
	ID                int64
	SubscriberID      string
	EntityID          string
	Type              AuditEventType
	NotificationKind  ChangeKind
	At                time.Time
	QueueItemID       string
	ProviderMessageID string
	Attempt           int
	Reason            string
}

// AuditFilter narrows an audit query. Zero values mean "any".
// Results are ordered by descending id; BeforeID continues a previous page.
type AuditFilter struct {
	SubscriberID string
	EntityID     string
	Type         AuditEventType
	Since        time.Time
	Until        time.Time
	BeforeID     int64
	Limit        int
}
