// Package provider defines the model-backend collaborator interface consumed
// by the turn executor: a streamed completion API over the shared protocol
// vocabulary, with errors classified as transient, fatal, or authentication.
//
// The executor depends only on the Provider and Stream interfaces; the
// openai subpackage supplies a concrete client.
package provider

import (
	"context"

	"github.com/loomworks/loom/core/protocol"
)

// Request is one completion request built from accumulated history.
type Request struct {
	SystemPrompt string
	Messages     []protocol.Message
	Tools        []protocol.Tool
}

// EventType identifies the kind of a streamed completion event.
type EventType string

const (
	EventText     EventType = "text"
	EventThinking EventType = "thinking"
	EventToolUse  EventType = "tool_use"
	EventStop     EventType = "stop"
)

// StopKind is the model's reason for ending a stream.
type StopKind string

const (
	// StopEndTurn: the model is done and expects no tool results.
	StopEndTurn StopKind = "end_turn"
	// StopToolUse: the model is waiting for tool results before continuing.
	StopToolUse StopKind = "tool_use"
	// StopRefusal: the model declined to continue.
	StopRefusal StopKind = "refusal"
)

// CompletionEvent is one element of a streamed completion.
type CompletionEvent struct {
	Type EventType
	Text string
	Tool *protocol.ToolCall
	Stop StopKind
}

// Stream is a lazy sequence of completion events. The Events channel closes
// when the stream ends; Err reports the stream failure, if any, after the
// channel closes.
type Stream interface {
	Events() <-chan CompletionEvent
	Err() error
}

// Provider produces streamed completions. Implementations classify their
// failures with the sentinels in this package so the executor can decide
// whether to retry.
type Provider interface {
	StreamCompletion(ctx context.Context, req Request) (Stream, error)
}

// Usage reports token counts for a completed stream. Providers that track
// usage implement UsageReporter on their Stream values.
type UsageReporter interface {
	Usage() (input, output int, ok bool)
}
