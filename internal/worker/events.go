package worker

import (
	"log"

	"notification-queue/internal/queue"
	"notification-queue/internal/sms"
)

type EventType string

const (
	EventClaimed   EventType = "claimed"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

type Event struct {
	Type    EventType
	JobID   string
	Kind    queue.Kind
	Attempt int
	// Terminal is set on failed events when no retry follows.
	Terminal bool
	Err      error
	Result   *sms.SendResult
}

// Listener observes job lifecycle events. Listeners run after the queue
// has recorded the outcome and cannot change it.
type Listener func(Event)

func (w *Worker) emit(e Event) {
	for _, l := range w.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[%s] listener panic on %s event for job %s: %v", w.name, e.Type, e.JobID, r)
				}
			}()
			l(e)
		}()
	}
}

// LogListener writes every event to the standard logger.
func LogListener(e Event) {
	switch e.Type {
	case EventClaimed:
		log.Printf("[events] claimed job=%s attempt=%d", e.JobID, e.Attempt)
	case EventCompleted:
		id := ""
		if e.Result != nil {
			id = e.Result.ProviderMessageID
		}
		log.Printf("[events] completed job=%s kind=%s attempt=%d provider_message_id=%s", e.JobID, e.Kind, e.Attempt, id)
	case EventFailed:
		log.Printf("[events] failed job=%s kind=%s attempt=%d terminal=%t error=%v", e.JobID, e.Kind, e.Attempt, e.Terminal, e.Err)
	}
}
