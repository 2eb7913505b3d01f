package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/matchwatch/internal/api/respond"
	"github.com/albapepper/matchwatch/internal/model"
	"github.com/albapepper/matchwatch/internal/store"
)

// AuditEntryJSON is the wire shape of an audit entry.
type AuditEntryJSON struct {
	ID                int64     `json:"id"`
	SubscriberID      string    `json:"subscriber_id"`
	EntityID          string    `json:"entity_id"`
	Type              string    `json:"event_type"`
	NotificationKind  string    `json:"notification_kind,omitempty"`
	At                time.Time `json:"created_at"`
	QueueItemID       string    `json:"queue_item_id,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Attempt           int       `json:"attempt"`
	Reason            string    `json:"reason,omitempty"`
}

// QueueItemJSON is the wire shape of a queue item. Content is omitted.
type QueueItemJSON struct {
	ID                string    `json:"id"`
	SubscriberID      string    `json:"subscriber_id"`
	EntityID          string    `json:"entity_id"`
	Recipient         string    `json:"recipient"`
	Kind              string    `json:"kind"`
	Subject           string    `json:"subject"`
	Priority          int       `json:"priority"`
	Attempts          int       `json:"attempts"`
	MaxAttempts       int       `json:"max_attempts"`
	Status            string    `json:"status"`
	ScheduledAt       time.Time `json:"scheduled_at"`
	LastError         string    `json:"last_error,omitempty"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toQueueItemJSON(it model.QueueItem) QueueItemJSON {
	return QueueItemJSON{
		ID:                it.ID,
		SubscriberID:      it.SubscriberID,
		EntityID:          it.EntityID,
		Recipient:         it.Recipient,
		Kind:              string(it.Payload.Kind),
		Subject:           it.Payload.Subject,
		Priority:          it.Priority,
		Attempts:          it.Attempts,
		MaxAttempts:       it.MaxAttempts,
		Status:            string(it.Status),
		ScheduledAt:       it.ScheduledAt,
		LastError:         it.LastError,
		ProviderMessageID: it.ProviderMessageID,
		CreatedAt:         it.CreatedAt,
		UpdatedAt:         it.UpdatedAt,
	}
}

// QueryAudit lists audit entries newest first.
// @Summary Query the audit log
// @Description Keyset-paginated audit entries, newest first. Pass next_before_id back as before_id.
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param subscriber_id query string false "Subscriber id"
// @Param entity_id query string false "Entity id"
// @Param type query string false "Event type" Enums(queued, sent, delivered, bounced, complained, retry_scheduled, failed)
// @Param since query string false "RFC3339 lower bound"
// @Param until query string false "RFC3339 upper bound"
// @Param before_id query int false "Continue after this id"
// @Param limit query int false "Page size (max 500)"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/audit [get]
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.AuditFilter{
		SubscriberID: q.Get("subscriber_id"),
		EntityID:     q.Get("entity_id"),
		Type:         model.AuditEventType(q.Get("type")),
	}
	if f.Type != "" && !f.Type.Valid() {
		respond.WriteError(w, http.StatusBadRequest, "BAD_TYPE", "Unknown event type")
		return
	}
	var err error
	if f.Since, err = parseTimeParam(q.Get("since")); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "BAD_SINCE", "since must be RFC3339")
		return
	}
	if f.Until, err = parseTimeParam(q.Get("until")); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "BAD_UNTIL", "until must be RFC3339")
		return
	}
	if v := q.Get("before_id"); v != "" {
		if f.BeforeID, err = strconv.ParseInt(v, 10, 64); err != nil || f.BeforeID < 0 {
			respond.WriteError(w, http.StatusBadRequest, "BAD_BEFORE_ID", "before_id must be a positive integer")
			return
		}
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		respond.WriteError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer")
		return
	}

	page, err := h.deps.Audit.Query(r.Context(), f)
	if err != nil {
		h.logger.Error("Audit query failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "QUERY_FAILED", "Audit query failed")
		return
	}
	entries := make([]AuditEntryJSON, 0, len(page.Entries))
	for _, e := range page.Entries {
		entries = append(entries, AuditEntryJSON{
			ID:                e.ID,
			SubscriberID:      e.SubscriberID,
			EntityID:          e.EntityID,
			Type:              string(e.Type),
			NotificationKind:  string(e.NotificationKind),
			At:                e.At,
			QueueItemID:       e.QueueItemID,
			ProviderMessageID: e.ProviderMessageID,
			Attempt:           e.Attempt,
			Reason:            e.Reason,
		})
	}
	resp := map[string]any{"entries": entries}
	if page.NextBeforeID > 0 {
		resp["next_before_id"] = page.NextBeforeID
	}
	respond.WriteJSONObject(w, http.StatusOK, resp)
}

// AuditStats counts audit entries per event type.
// @Summary Audit statistics
// @Description Counts per event type since a point in time (RFC3339) or a look-back window such as 24h. Defaults to 24h.
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param since query string false "RFC3339 time or Go duration"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Router /api/v1/audit/stats [get]
func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			since = time.Now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			since = t
		} else {
			respond.WriteError(w, http.StatusBadRequest, "BAD_SINCE", "since must be RFC3339 or a duration like 24h")
			return
		}
	}

	stats, err := h.deps.Audit.Stats(r.Context(), since)
	if err != nil {
		h.logger.Error("Audit stats failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "QUERY_FAILED", "Audit stats failed")
		return
	}
	counts := make(map[string]int64, len(stats))
	for k, v := range stats {
		counts[string(k)] = v
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"since":  since.UTC().Format(time.RFC3339),
		"counts": counts,
	})
}

// ListDeadLetters lists dead queue items.
// @Summary List dead letters
// @Description Queue items that exhausted their attempts, most recently updated first.
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Maximum items (default 100)"
// @Success 200 {object} map[string]interface{}
// @Router /api/v1/queue/dead [get]
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "BAD_LIMIT", "limit must be a positive integer")
		return
	}
	items, err := h.deps.Queue.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("List dead letters failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "QUERY_FAILED", "Could not list dead letters")
		return
	}
	out := make([]QueueItemJSON, 0, len(items))
	for _, it := range items {
		out = append(out, toQueueItemJSON(it))
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

// RequeueItem moves a dead or failed item back to pending.
// @Summary Requeue a queue item
// @Description Resets attempts and schedules the item now. Only dead or failed items can be requeued.
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Queue item id"
// @Success 200 {object} QueueItemJSON
// @Failure 404 {object} respond.ErrorResponse
// @Failure 409 {object} respond.ErrorResponse
// @Router /api/v1/queue/{id}/requeue [post]
func (h *Handler) RequeueItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := h.deps.Queue.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Queue item not found")
	case errors.Is(err, store.ErrConflict):
		respond.WriteError(w, http.StatusConflict, "NOT_REQUEUEABLE", "Only dead or failed items can be requeued")
	case errors.Is(err, store.ErrAlreadyQueued):
		respond.WriteError(w, http.StatusConflict, "ALREADY_QUEUED", "Another item for this pair is already in flight")
	case err != nil:
		h.logger.Error("Requeue failed", "item_id", id, "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "REQUEUE_FAILED", "Requeue failed")
	default:
		respond.WriteJSONObject(w, http.StatusOK, toQueueItemJSON(item))
	}
}

// GetSuppression returns the suppression entry for an address.
// @Summary Get a suppression entry
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param address path string true "Email address"
// @Success 200 {object} map[string]interface{}
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/v1/suppressions/{address} [get]
func (h *Handler) GetSuppression(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	entry, err := h.deps.Suppression.Get(r.Context(), addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Address is not suppressed")
	case err != nil:
		h.logger.Error("Get suppression failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "QUERY_FAILED", "Could not read suppression list")
	default:
		respond.WriteJSONObject(w, http.StatusOK, map[string]any{
			"address":        entry.Address,
			"reason":         entry.Reason,
			"source_item_id": entry.SourceItemID,
			"created_at":     entry.CreatedAt,
		})
	}
}

// DeleteSuppression removes an address from the suppression list.
// @Summary Remove a suppression entry
// @Description Manual override: the address becomes sendable again. Blocks on (subscriber, entity) pairs are kept.
// @Tags admin
// @Security BearerAuth
// @Param address path string true "Email address"
// @Success 204
// @Failure 404 {object} respond.ErrorResponse
// @Router /api/v1/suppressions/{address} [delete]
func (h *Handler) DeleteSuppression(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	err := h.deps.Suppression.Remove(r.Context(), addr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		respond.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Address is not suppressed")
	case err != nil:
		h.logger.Error("Remove suppression failed", "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "DELETE_FAILED", "Could not update suppression list")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func parseLimit(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, errors.New("invalid limit")
	}
	return n, nil
}
