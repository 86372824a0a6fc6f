// update.go maps session/update notifications onto the shared event
// vocabulary. Updates arrive as a two-level envelope:
//
//	outer: {"sessionId":"...", "update": <inner>}
//	inner: {"sessionUpdate":"agent_message_chunk", "content":{...}}
//
// parseUpdate dispatches on the inner "sessionUpdate" discriminator via the
// updateParsers map. Adding a wire update type is one map entry plus one
// function.
package external

import (
	"encoding/json"

	"github.com/loomworks/loom/core/event"
)

// updateParser converts one inner update payload into an event. ok reports
// whether the update produced an event at all; unknown and empty payloads
// are consumed silently.
type updateParser func(update json.RawMessage) (event.Event, bool)

var updateParsers = map[string]updateParser{
	"agent_message_chunk": chunkParser(event.TypeAssistantText),
	"agent_thought_chunk": chunkParser(event.TypeAssistantThinking),
	"tool_call":           toolCallParser(event.TypeToolCall),
	"tool_call_update":    toolCallParser(event.TypeToolCallUpdate),
	"plan":                parsePlan,
	"usage_update":        parseUsage,
}

func parseUpdate(update json.RawMessage) (event.Event, bool) {
	if len(update) == 0 {
		return event.Event{}, false
	}
	var header updateHeader
	if err := json.Unmarshal(update, &header); err != nil {
		return event.Event{Type: event.TypeError, Err: "unmarshal session update: " + err.Error()}, true
	}
	parser, ok := updateParsers[header.SessionUpdate]
	if !ok {
		return event.Event{}, false
	}
	return parser(update)
}

func chunkParser(t event.Type) updateParser {
	return func(update json.RawMessage) (event.Event, bool) {
		var d struct {
			Content wireContent `json:"content"`
		}
		if err := json.Unmarshal(update, &d); err != nil {
			return event.Event{Type: event.TypeError, Err: "unmarshal content chunk: " + err.Error()}, true
		}
		if d.Content.Text == "" {
			return event.Event{}, false
		}
		return event.Event{Type: t, Text: d.Content.Text}, true
	}
}

func toolCallParser(t event.Type) updateParser {
	return func(update json.RawMessage) (event.Event, bool) {
		var d toolCallPayload
		if err := json.Unmarshal(update, &d); err != nil {
			return event.Event{Type: event.TypeError, Err: "unmarshal tool call: " + err.Error()}, true
		}
		if d.ToolCallID == "" {
			return event.Event{}, false
		}
		state := event.ToolCallState{
			ID:     d.ToolCallID,
			Name:   d.Title,
			Input:  d.RawInput,
			Status: mapToolStatus(d.Status),
		}
		for _, content := range d.Content {
			state.Output += content.Text
		}
		if state.Status == event.ToolFailed && state.Output != "" {
			state.Err = state.Output
		}
		return event.Event{Type: t, Tool: &state}, true
	}
}

// mapToolStatus translates wire statuses onto the invocation lifecycle.
func mapToolStatus(s string) event.ToolStatus {
	switch s {
	case "pending", "":
		return event.ToolPending
	case "in_progress":
		return event.ToolRunning
	case "completed":
		return event.ToolSucceeded
	case "failed":
		return event.ToolFailed
	case "cancelled":
		return event.ToolCancelled
	default:
		return event.ToolPending
	}
}

func parsePlan(update json.RawMessage) (event.Event, bool) {
	var d struct {
		Entries []struct {
			Content string `json:"content"`
			Status  string `json:"status"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(update, &d); err != nil {
		return event.Event{Type: event.TypeError, Err: "unmarshal plan: " + err.Error()}, true
	}
	plan := event.Plan{}
	for _, e := range d.Entries {
		plan.Entries = append(plan.Entries, event.PlanEntry{
			Content: e.Content,
			Status:  mapPlanStatus(e.Status),
		})
	}
	return event.Event{Type: event.TypePlan, Plan: &plan}, true
}

func mapPlanStatus(s string) event.PlanStatus {
	switch s {
	case "in_progress":
		return event.PlanInProgress
	case "completed":
		return event.PlanDone
	default:
		return event.PlanPending
	}
}

func parseUsage(update json.RawMessage) (event.Event, bool) {
	var d wireUsage
	if err := json.Unmarshal(update, &d); err != nil {
		return event.Event{}, false
	}
	total := d.TotalTokens
	if total == 0 {
		total = d.InputTokens + d.OutputTokens
	}
	u := event.Usage{Input: d.InputTokens, Output: d.OutputTokens, Total: total}
	return event.Event{Type: event.TypeUsage, Usage: &u}, true
}
