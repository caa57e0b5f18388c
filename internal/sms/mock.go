package sms

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

type SentMessage struct {
	PhoneNumber string
	Message     string
	MessageID   string
	SentAt      time.Time
}

// Mock logs messages instead of sending them. It always succeeds.
type Mock struct {
	delay time.Duration

	mu   sync.Mutex
	sent []SentMessage
}

func NewMock(delay time.Duration) *Mock {
	return &Mock{delay: delay}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Send(ctx context.Context, phoneNumber, message string) SendResult {
	if m.delay > 0 {
		t := time.NewTimer(m.delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}

	id := "mock-" + uuid.NewString()
	log.Printf("[sms:mock] to=%s id=%s message=%q", phoneNumber, id, message)

	m.mu.Lock()
	m.sent = append(m.sent, SentMessage{
		PhoneNumber: phoneNumber,
		Message:     message,
		MessageID:   id,
		SentAt:      time.Now(),
	})
	m.mu.Unlock()

	return SendResult{Success: true, ProviderMessageID: id, ProviderName: m.Name()}
}

// Sent returns a copy of every message the mock has accepted.
func (m *Mock) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}
