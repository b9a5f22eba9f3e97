package app

import (
	"quiz-session-client/internal/domain"
)

// EventKind names what the timer or the sync queue observed.
type EventKind string

const (
	EventWriteAcked          EventKind = "write_acked"
	EventWriteRejected       EventKind = "write_rejected"
	EventWriteRetrying       EventKind = "write_retrying"
	EventTick                EventKind = "tick"
	EventReconciled          EventKind = "reconciled"
	EventExpired             EventKind = "expired"
	EventSubmittedExternally EventKind = "submitted_externally"
	EventDegraded            EventKind = "degraded"
	EventRecovered           EventKind = "recovered"
	EventHeartbeatRejected   EventKind = "heartbeat_rejected"
)

// Event is how the timer and the queue report into the controller. They never
// mutate session state themselves.
type Event struct {
	Kind  EventKind
	Write domain.PendingWrite
	Time  domain.TimeStatus
	Err   error
}

// EventFunc receives events. It is called without any component lock held.
type EventFunc func(Event)

func discardEvents(Event) {}
