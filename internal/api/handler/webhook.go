package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/albapepper/matchwatch/internal/api/respond"
	"github.com/albapepper/matchwatch/internal/webhook"
)

const maxWebhookBody = 1 << 20

// ReceiveEmailWebhook applies a delivery callback from the email provider.
// @Summary Email provider webhook
// @Description Verifies the Svix signature, then applies sent, delivered, bounced and complained events. Replays are no-ops. Returns 500 on store errors so the provider retries.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param svix-id header string true "Message id"
// @Param svix-timestamp header string true "Unix seconds"
// @Param svix-signature header string true "v1,<base64 signature>"
// @Success 200 {object} map[string]interface{}
// @Failure 400 {object} respond.ErrorResponse
// @Failure 401 {object} respond.ErrorResponse
// @Failure 500 {object} respond.ErrorResponse
// @Router /webhooks/email [post]
func (h *Handler) ReceiveEmailWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		respond.WriteError(w, http.StatusBadRequest, "BAD_BODY", "Could not read request body")
		return
	}

	if h.deps.Verifier != nil {
		if err := h.deps.Verifier.Verify(r.Header, body); err != nil {
			h.logger.Warn("Webhook signature rejected", "error", err, "svix_id", r.Header.Get(webhook.HeaderID))
			respond.WriteError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature verification failed")
			return
		}
	}

	ev, err := webhook.ParseEvent(body)
	switch {
	case errors.Is(err, webhook.ErrUnsupported):
		respond.WriteJSONObject(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case err != nil:
		respond.WriteErrorDetail(w, http.StatusBadRequest, "BAD_PAYLOAD", "Webhook payload could not be parsed", err.Error())
		return
	}

	if err := h.deps.Webhooks.Handle(r.Context(), ev); err != nil {
		h.logger.Error("Webhook processing failed", "message_id", ev.MessageID(), "error", err)
		respond.WriteError(w, http.StatusInternalServerError, "PROCESSING_FAILED", "Webhook could not be applied")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]string{"status": "ok"})
}
