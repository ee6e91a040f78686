// Package broker fans task lifecycle events out to connected subscribers.
//
// Delivery is at-least-once toward live subscribers and lossy under
// backpressure: a subscriber whose buffer is full misses events and is
// expected to reconcile by polling. Correctness never depends on an
// event arriving.
package broker

import "time"

// EventType discriminates notification payloads.
type EventType string

const (
	// EventTaskAvailable announces a pending task to eligible workers.
	EventTaskAvailable EventType = "task_available"
	// EventTaskUpdate announces a task status change to observers.
	EventTaskUpdate EventType = "task_update"
	// EventKeepalive is a liveness probe on otherwise quiet streams.
	EventKeepalive EventType = "keepalive"
	// EventError reports a stream-level fault before disconnect.
	EventError EventType = "error"
)

// Event is a single notification. Only the fields relevant to its type
// are populated.
type Event struct {
	Type      EventType `json:"type"`
	TaskID    string    `json:"task_id,omitempty"`
	Title     string    `json:"title,omitempty"`
	Priority  int       `json:"priority,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Routing metadata, not part of the wire payload.
	CodebaseID string `json:"-"`
	AgentType  string `json:"-"`
}

// TaskAvailable builds an announcement for a newly pending task.
func TaskAvailable(taskID, title string, priority int, codebaseID, agentType string) Event {
	return Event{
		Type:       EventTaskAvailable,
		TaskID:     taskID,
		Title:      title,
		Priority:   priority,
		CodebaseID: codebaseID,
		AgentType:  agentType,
		Timestamp:  time.Now().UTC(),
	}
}

// TaskUpdate builds a status change notification.
func TaskUpdate(taskID, status, codebaseID string) Event {
	return Event{
		Type:       EventTaskUpdate,
		TaskID:     taskID,
		Status:     status,
		CodebaseID: codebaseID,
		Timestamp:  time.Now().UTC(),
	}
}

// Keepalive builds a liveness event.
func Keepalive() Event {
	return Event{Type: EventKeepalive, Timestamp: time.Now().UTC()}
}

// StreamError builds a fault event delivered before a stream closes.
func StreamError(msg string) Event {
	return Event{Type: EventError, Message: msg, Timestamp: time.Now().UTC()}
}
