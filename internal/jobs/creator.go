// Package jobs builds notification envelopes and puts them on the queue.
// Input validation happens before these functions are called.
package jobs

import (
	"context"
	"time"

	"notification-queue/internal/queue"

	"github.com/google/uuid"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, env queue.Envelope, opts queue.Options) (queue.EnqueueResult, error)
}

type Enqueued struct {
	JobID     string `json:"job_id"`
	Queue     string `json:"queue"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

type WelcomeParams struct {
	PhoneNumber string
	Name        string
}

type OTPParams struct {
	PhoneNumber   string
	Name          string
	Code          string
	ExpiryMinutes int
}

type NotificationParams struct {
	PhoneNumber string
	Name        string
	Message     string
	Metadata    map[string]any
}

type Creator struct {
	q   Enqueuer
	now func() time.Time
}

func NewCreator(q Enqueuer) *Creator {
	return &Creator{q: q, now: time.Now}
}

func (c *Creator) Welcome(ctx context.Context, p WelcomeParams, opts ...queue.Option) (Enqueued, error) {
	return c.enqueue(ctx,
		queue.Recipient{PhoneNumber: p.PhoneNumber, Name: p.Name},
		queue.WelcomePayload{Name: p.Name},
		queue.BuildOptions(opts...))
}

// OTP jobs go out at urgent priority unless opts say otherwise.
func (c *Creator) OTP(ctx context.Context, p OTPParams, opts ...queue.Option) (Enqueued, error) {
	opts = append([]queue.Option{queue.WithPriority(queue.PriorityUrgent)}, opts...)
	return c.enqueue(ctx,
		queue.Recipient{PhoneNumber: p.PhoneNumber, Name: p.Name},
		queue.OTPPayload{Code: p.Code, ExpiryMinutes: p.ExpiryMinutes},
		queue.BuildOptions(opts...))
}

func (c *Creator) Notification(ctx context.Context, p NotificationParams, opts ...queue.Option) (Enqueued, error) {
	return c.enqueue(ctx,
		queue.Recipient{PhoneNumber: p.PhoneNumber, Name: p.Name},
		queue.NotificationPayload{Message: p.Message, Metadata: p.Metadata},
		queue.BuildOptions(opts...))
}

func (c *Creator) enqueue(ctx context.Context, to queue.Recipient, payload queue.Payload, o queue.Options) (Enqueued, error) {
	id := o.JobID
	if id == "" {
		id = uuid.NewString()
	}
	env := queue.Envelope{
		ID:         id,
		EnqueuedAt: c.now(),
		Recipient:  to,
		Payload:    payload,
	}

	res, err := c.q.Enqueue(ctx, env, o)
	if err != nil {
		return Enqueued{}, err
	}
	return Enqueued{JobID: res.JobID, Queue: res.Queue, Duplicate: res.Duplicate}, nil
}
