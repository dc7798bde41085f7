package api

import "time"

// EventType identifies an orchestration history event.
type EventType string

const (
	EventOrchestrationStarted    EventType = "orchestration.started"
	EventOrchestrationCompleted  EventType = "orchestration.completed"
	EventOrchestrationFailed     EventType = "orchestration.failed"
	EventOrchestrationTerminated EventType = "orchestration.terminated"

	EventActivityScheduled EventType = "activity.scheduled"
	EventActivityCompleted EventType = "activity.completed"
	EventActivityFailed    EventType = "activity.failed"

	EventTimerCreated EventType = "timer.created"
	EventTimerFired   EventType = "timer.fired"

	EventEntityCallScheduled EventType = "entity.scheduled"
	EventEntityCallCompleted EventType = "entity.completed"
	EventEntityCallFailed    EventType = "entity.failed"
)

// IsSchedule reports whether the event opens an orchestration call.
func (t EventType) IsSchedule() bool {
	switch t {
	case EventActivityScheduled, EventTimerCreated, EventEntityCallScheduled:
		return true
	}
	return false
}

// IsCompletion reports whether the event closes an orchestration call.
func (t EventType) IsCompletion() bool {
	switch t {
	case EventActivityCompleted, EventActivityFailed, EventTimerFired,
		EventEntityCallCompleted, EventEntityCallFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the event ends the instance.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventOrchestrationCompleted, EventOrchestrationFailed, EventOrchestrationTerminated:
		return true
	}
	return false
}

// Event is one immutable record in an instance's append-only history.
type Event struct {
	InstanceID string

	// Seq is assigned by the history store on append: 1, 2, 3, ...
	Seq  int64
	At   time.Time
	Type EventType

	// TaskID is the ordinal of the orchestration call (0-based). Completion
	// events carry the TaskID of the schedule event they answer.
	TaskID int

	// Name is the activity name or the entity operation.
	Name string

	// Target is the entity key for entity calls.
	Target string

	// Payload is the gob-encoded input (schedule events) or result
	// (completion events).
	Payload []byte

	// Detail holds error text for failure events.
	Detail string

	// FireAt is set on timer events.
	FireAt time.Time
}
