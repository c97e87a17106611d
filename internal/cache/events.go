package cache

import "time"

// Event types published by the manager.
const (
	EventSessionCreated = "session.created"
	EventSessionDeleted = "session.deleted"
	EventArchiveCreated = "archive.created"
)

// Event is a cache lifecycle notification.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	ArchiveID string         `json:"archive_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Details   map[string]any `json:"details,omitempty"`
}

// EventSink receives cache events. Publish must not block; slow
// consumers are the sink's problem.
type EventSink interface {
	Publish(Event)
}
