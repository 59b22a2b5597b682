package model

import "time"

// EventType classifies entries in the event log.
type EventType string

const (
	EventAlert     EventType = "Alert"
	EventAction    EventType = "Action"
	EventTelemetry EventType = "Telemetry"
	EventSafe      EventType = "Safe"
	EventResume    EventType = "Resume"
	EventPaused    EventType = "Paused"
)

// Event is one append-only log record.
type Event struct {
	Time    time.Time
	Type    EventType
	BodyID  string
	Message string
}
