package providertest

import (
	"encoding/json"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/provider"
)

// Event constructors for building scripts tersely.

func Text(s string) provider.CompletionEvent {
	return provider.CompletionEvent{Type: provider.EventText, Text: s}
}

func Thinking(s string) provider.CompletionEvent {
	return provider.CompletionEvent{Type: provider.EventThinking, Text: s}
}

func ToolUse(id, name, args string) provider.CompletionEvent {
	return provider.CompletionEvent{
		Type: provider.EventToolUse,
		Tool: &protocol.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)},
	}
}

func Stop(kind provider.StopKind) provider.CompletionEvent {
	return provider.CompletionEvent{Type: provider.EventStop, Stop: kind}
}
