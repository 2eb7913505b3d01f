package email

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// MockProvider is a mock email provider for local development and tests.
// It logs instead of sending and records every accepted message.
type MockProvider struct {
	logger *slog.Logger

	mu   sync.Mutex
	sent []Message
	fail func(Message) error
	// calls counts every Send, including failed ones.
	calls int
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &MockProvider{logger: logger}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, msg Message) (string, error) {
	m.mu.Lock()
	m.calls++
	fail := m.fail
	m.mu.Unlock()

	if fail != nil {
		if err := fail(msg); err != nil {
			return "", err
		}
	}

	id := uuid.NewString()
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"message_id", id)

	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	return id, nil
}

// SetFail installs a hook consulted before each send. A non-nil error is
// returned to the caller and the message is not recorded.
func (m *MockProvider) SetFail(fn func(Message) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fn
}

// Sent returns a copy of every accepted message.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}

// Calls returns the number of Send invocations.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
