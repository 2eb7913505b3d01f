package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestResendSend(t *testing.T) {
	var got resendSendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/emails" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer re_test" {
			t.Errorf("Authorization = %q", auth)
		}
		if key := r.Header.Get("Idempotency-Key"); key != "item-1" {
			t.Errorf("Idempotency-Key = %q", key)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{"id":"49a3999c-0ce1-4ea6-ab68-afcd6dc2e794"}`))
	}))
	defer srv.Close()

	p := NewResendProvider("re_test", srv.URL+"/", "Matchwatch <alerts@example.com>", nil)
	id, err := p.Send(context.Background(), Message{
		To:             "fan@example.com",
		Subject:        "hikaru is playing",
		HTML:           "<p>hi</p>",
		Text:           "hi",
		Tags:           map[string]string{"kind": "activity_started", "entity": "hikaru"},
		IdempotencyKey: "item-1",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "49a3999c-0ce1-4ea6-ab68-afcd6dc2e794" {
		t.Errorf("id = %q", id)
	}
	if len(got.To) != 1 || got.To[0] != "fan@example.com" || got.From != "Matchwatch <alerts@example.com>" {
		t.Errorf("request = %+v", got)
	}
	if len(got.Tags) != 2 || got.Tags[0].Name != "entity" || got.Tags[1].Name != "kind" {
		t.Errorf("tags = %+v", got.Tags)
	}
}

func TestResendErrors(t *testing.T) {
	tests := []struct {
		name             string
		status           int
		header           string
		body             string
		rateLimited      bool
		invalidRecipient bool
		retryAfter       time.Duration
	}{
		{
			name:        "rate limited with hint",
			status:      http.StatusTooManyRequests,
			header:      "3",
			body:        `{"statusCode":429,"name":"rate_limit_exceeded","message":"Too many requests"}`,
			rateLimited: true,
			retryAfter:  3 * time.Second,
		},
		{
			name:             "invalid recipient",
			status:           http.StatusUnprocessableEntity,
			body:             `{"statusCode":422,"name":"validation_error","message":"Invalid ` + "`to`" + ` field."}`,
			invalidRecipient: true,
		},
		{
			name:   "bad api key",
			status: http.StatusUnauthorized,
			body:   `{"statusCode":401,"name":"missing_api_key","message":"Missing API key"}`,
		},
		{
			name:   "server error with plain body",
			status: http.StatusBadGateway,
			body:   "bad gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header != "" {
					w.Header().Set("Retry-After", tt.header)
				}
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			p := NewResendProvider("re_test", srv.URL, "a@example.com", nil)
			_, err := p.Send(context.Background(), Message{To: "x@example.com", Subject: "s", Text: "t"})
			var se *SendError
			if !errors.As(err, &se) {
				t.Fatalf("got %v, want *SendError", err)
			}
			if se.StatusCode != tt.status {
				t.Errorf("status = %d", se.StatusCode)
			}
			if se.RateLimited() != tt.rateLimited {
				t.Errorf("RateLimited = %v", se.RateLimited())
			}
			if se.InvalidRecipient() != tt.invalidRecipient {
				t.Errorf("InvalidRecipient = %v", se.InvalidRecipient())
			}
			if se.RetryAfter != tt.retryAfter {
				t.Errorf("RetryAfter = %v", se.RetryAfter)
			}
		})
	}
}

func TestMockProvider(t *testing.T) {
	m := NewMockProvider(nil)
	ctx := context.Background()

	if _, err := m.Send(ctx, Message{To: "a@example.com"}); err != nil {
		t.Fatal(err)
	}
	m.SetFail(func(Message) error { return &SendError{StatusCode: 500, Message: "boom"} })
	if _, err := m.Send(ctx, Message{To: "b@example.com"}); err == nil {
		t.Fatal("expected failure")
	}
	if m.Calls() != 2 || len(m.Sent()) != 1 {
		t.Errorf("calls = %d, sent = %d", m.Calls(), len(m.Sent()))
	}
}
