package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/albapepper/matchwatch/internal/httpx"
)

// ResendProvider sends emails via the Resend HTTP API.
type ResendProvider struct {
	apiKey   string
	baseURL  string
	fromAddr string
	client   *http.Client
	logger   *slog.Logger
}

// NewResendProvider creates a Resend provider. The queue applies its own
// per-send timeout; the client timeout is a backstop.
func NewResendProvider(apiKey, baseURL, fromAddr string, logger *slog.Logger) *ResendProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResendProvider{
		apiKey:   apiKey,
		baseURL:  strings.TrimRight(baseURL, "/"),
		fromAddr: fromAddr,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// resendSendRequest represents the Resend send email request.
type resendSendRequest struct {
	From    string      `json:"from"`
	To      []string    `json:"to"`
	Subject string      `json:"subject"`
	HTML    string      `json:"html,omitempty"`
	Text    string      `json:"text,omitempty"`
	Tags    []resendTag `json:"tags,omitempty"`
}

type resendSendResponse struct {
	ID string `json:"id"`
}

type resendErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Name       string `json:"name"`
	Message    string `json:"message"`
}

// Send sends an email via the Resend API.
func (r *ResendProvider) Send(ctx context.Context, msg Message) (string, error) {
	reqBody := resendSendRequest{
		From:    r.fromAddr,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		Text:    msg.Text,
	}
	keys := make([]string, 0, len(msg.Tags))
	for k := range msg.Tags {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		reqBody.Tags = append(reqBody.Tags, resendTag{Name: k, Value: msg.Tags[k]})
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/emails", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if msg.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", msg.IdempotencyKey)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Warn("Resend API request failed",
			"to", msg.To,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return "", fmt.Errorf("resend request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sendErr := &SendError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var decoded resendErrorResponse
		if json.Unmarshal(body, &decoded) == nil && decoded.Message != "" {
			sendErr.Code = decoded.Name
			sendErr.Message = decoded.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			sendErr.RetryAfter = httpx.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		}
		r.logger.Warn("Resend API returned non-2xx status",
			"status_code", resp.StatusCode,
			"code", sendErr.Code,
			"to", msg.To)
		return "", sendErr
	}

	var decoded resendSendResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if decoded.ID == "" {
		return "", fmt.Errorf("resend response missing id")
	}

	r.logger.Info("Resend API request completed",
		"to", msg.To,
		"message_id", decoded.ID,
		"duration_ms", time.Since(start).Milliseconds())
	return decoded.ID, nil
}
