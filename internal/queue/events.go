package queue

import (
	"log"
	"time"
)

// EventKind labels a lifecycle transition.
type EventKind string

const (
	EventEnqueued  EventKind = "enqueued"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
	EventRetried   EventKind = "retried"
	EventStalled   EventKind = "stalled"
)

// Event is a lifecycle notification emitted by the queue runtime.
type Event struct {
	Kind      EventKind `json:"kind"`
	JobID     string    `json:"job_id"`
	Resource  string    `json:"resource,omitempty"`
	Progress  int       `json:"progress,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp int64     `json:"timestamp"`
}

// Publisher receives lifecycle events. Implementations must not block the
// queue; slow sinks should drop rather than stall job processing.
type Publisher interface {
	Publish(evt Event)
}

// LogPublisher writes events to the process log.
type LogPublisher struct{}

func (LogPublisher) Publish(evt Event) {
	if evt.Detail != "" {
		log.Printf("[QUEUE] %s job=%s %s", evt.Kind, evt.JobID, evt.Detail)
		return
	}
	log.Printf("[QUEUE] %s job=%s", evt.Kind, evt.JobID)
}

// Fanout forwards each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(evt Event) {
	for _, p := range f {
		p.Publish(evt)
	}
}

func newEvent(kind EventKind, j *Job) Event {
	evt := Event{
		Kind:      kind,
		JobID:     j.ID,
		Resource:  j.Payload.ResourceKey(),
		Progress:  j.Progress,
		Attempt:   j.AttemptsMade,
		Detail:    j.LastError,
		Timestamp: time.Now().Unix(),
	}
	return evt
}
