package optimistic

import "time"

type EventType string

const (
	EventUpdateAdded       EventType = "update_added"
	EventUpdateChanged     EventType = "update_changed"
	EventUpdateRemoved     EventType = "update_removed"
	EventBatchProcessed    EventType = "batch_processed"
	EventConflictDetected  EventType = "conflict_detected"
	EventRollbackInitiated EventType = "rollback_initiated"
)

// ConflictNotice describes a divergence between a speculative value and the
// value the remote operation confirmed.
type ConflictNotice struct {
	Strategy Strategy `json:"strategy"`
	Fields   []string `json:"fields"`
	Client   Record   `json:"client"`
	Server   Record   `json:"server"`
	Resolved Record   `json:"resolved,omitempty"`
	Deferred bool     `json:"deferred,omitempty"`
}

type Event struct {
	Type           EventType       `json:"type"`
	Update         *UpdateEntry    `json:"update,omitempty"`
	PreviousStatus Status          `json:"previousStatus,omitempty"`
	Batch          []UpdateEntry   `json:"batch,omitempty"`
	Conflict       *ConflictNotice `json:"conflict,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

type EventSink interface {
	OnEvent(Event)
}

type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) {
	if f != nil {
		f(ev)
	}
}
