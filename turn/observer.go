package turn

import "github.com/loomworks/loom/observability"

// Executor event types emitted during a turn.
const (
	EventTurnStart    observability.EventType = "turn.start"
	EventTurnComplete observability.EventType = "turn.complete"
	EventRoundStart   observability.EventType = "turn.round.start"
	EventToolCall     observability.EventType = "turn.tool.call"
	EventToolSettled  observability.EventType = "turn.tool.settled"
	EventRetry        observability.EventType = "turn.retry"
	EventTruncate     observability.EventType = "turn.truncate"
	EventError        observability.EventType = "turn.error"
)
