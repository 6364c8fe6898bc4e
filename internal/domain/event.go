package domain

import "time"

// EventType is the run lifecycle state carried by an emitted event.
type EventType string

// Event types.
const (
	EventStart    EventType = "START"
	EventRunning  EventType = "RUNNING"
	EventComplete EventType = "COMPLETE"
	EventFail     EventType = "FAIL"
	EventAbort    EventType = "ABORT"
)

// IsTerminal reports whether the event closes its run.
func (t EventType) IsTerminal() bool {
	return t == EventComplete || t == EventFail || t == EventAbort
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventStart, EventRunning, EventComplete, EventFail, EventAbort:
		return true
	default:
		return false
	}
}

// Event is the unit emitted to transports. EventID and EventTime are fixed
// when the event is built so retries carry the same identity.
type Event struct {
	EventID   string
	EventType EventType
	EventTime time.Time
	Producer  string
	SchemaURL string
	Run       Run
	Job       Job
	Inputs    []EventDataset
	Outputs   []EventDataset
}

// EventDataset is one dataset-version entry of an event.
type EventDataset struct {
	Dataset Dataset
	Version string
	Facets  DatasetFacetSet
}

// Envelope is an event together with its encoded wire payload.
type Envelope struct {
	Event   *Event
	Payload []byte
}

// ID returns the event id of the wrapped event.
func (e Envelope) ID() string {
	if e.Event == nil {
		return ""
	}
	return e.Event.EventID
}

// ArchivedEvent is an emitted event as stored by the event archive.
type ArchivedEvent struct {
	EventID      string
	RunID        string
	JobNamespace string
	JobName      string
	EventType    EventType
	EventTime    time.Time
	Payload      []byte
	CreatedAt    time.Time
}

// EventFilter narrows archive listings. Empty fields match everything.
type EventFilter struct {
	RunID     string
	JobName   string
	EventType EventType
}
