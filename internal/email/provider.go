// Package email delivers rendered notifications through a transactional
// email provider. Providers only send; retry, backoff and suppression are
// decided by the dispatch queue from the typed errors returned here.
package email

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
	Tags    map[string]string
	// IdempotencyKey lets the provider drop a resend of a message it already
	// accepted. The queue passes the item id.
	IdempotencyKey string
}

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send submits a message and returns the provider's message id.
	Send(ctx context.Context, msg Message) (string, error)
}

// SendError is a non-2xx provider response.
type SendError struct {
	StatusCode int
	Code       string // provider error name, e.g. "validation_error"
	Message    string
	RetryAfter time.Duration // from the Retry-After header on 429
}

func (e *SendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("email provider returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("email provider returned %d: %s", e.StatusCode, e.Message)
}

// RateLimited reports whether the provider throttled the request.
func (e *SendError) RateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// InvalidRecipient reports whether the provider rejected the recipient
// address itself. Only this class of rejection is safe to suppress; auth or
// sender-domain errors are operator problems, not recipient problems.
func (e *SendError) InvalidRecipient() bool {
	if e.StatusCode != http.StatusBadRequest && e.StatusCode != http.StatusUnprocessableEntity {
		return false
	}
	text := strings.ToLower(e.Code + " " + e.Message)
	for _, hint := range []string{"`to`", "recipient", "invalid email", "email address", "invalid_to"} {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}
