package session

import "github.com/loomworks/loom/observability"

// Observability event types emitted by the registry.
const (
	EventCreate observability.EventType = "session.create"
	EventLoad   observability.EventType = "session.load"
	EventResume observability.EventType = "session.resume"
	EventClose  observability.EventType = "session.close"
	EventError  observability.EventType = "session.error"
)
