package models

import "time"

// EventType identifies an application event on the bus. The set is closed;
// frame types used for connection signaling (connected, heartbeat, broker
// availability) are deliberately separate and never appear here.
type EventType string

const (
	EventLeadCreated EventType = "lead:created"
	EventLeadUpdated EventType = "lead:updated"
	EventLeadDeleted EventType = "lead:deleted"

	EventMessageCreated EventType = "message:created"
	EventMessageUpdated EventType = "message:updated"

	EventScraperStarted   EventType = "scraper:started"
	EventScraperProgress  EventType = "scraper:progress"
	EventScraperError     EventType = "scraper:error"
	EventScraperCompleted EventType = "scraper:completed"

	EventStatsUpdated EventType = "stats:updated"
)

// Event is an ephemeral notification. Delivery is at-most-once with no
// replay: a missed event is permanently lost to that subscriber, which is
// why job state in the store remains the source of truth.
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent creates an event stamped with the current time
func NewEvent(eventType EventType, payload interface{}) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}
