// Package event defines the closed event vocabulary that both session
// backends translate into, plus the single-consumer queue that carries
// events from a backend to the thread reducer.
//
// The in-process turn executor and the external protocol adapter emit the
// same Event values, so the thread state cannot distinguish the two. Every
// event is tagged with the generation of the turn that produced it; the
// reducer drops events from superseded generations.
package event

import (
	"encoding/json"
	"time"

	"github.com/loomworks/loom/core/protocol"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeUserMessage records a user message appended to history.
	TypeUserMessage Type = "user_message"

	// TypeAssistantText is a streamed chunk of assistant text.
	TypeAssistantText Type = "assistant_text"

	// TypeAssistantThinking is a streamed chunk of assistant reasoning.
	TypeAssistantThinking Type = "assistant_thinking"

	// TypeToolCall announces a new tool invocation.
	TypeToolCall Type = "tool_call"

	// TypeToolCallUpdate reports a state change on an existing invocation.
	TypeToolCallUpdate Type = "tool_call_update"

	// TypePlan replaces the session plan wholesale.
	TypePlan Type = "plan"

	// TypeUsage updates token usage counters (last-write-wins).
	TypeUsage Type = "usage"

	// TypeRetry reports a transient provider failure being retried.
	TypeRetry Type = "retry"

	// TypeStopped is the single terminal event of a turn.
	TypeStopped Type = "stopped"

	// TypeError surfaces a non-terminal error as a value on the queue.
	TypeError Type = "error"

	// TypeTruncated removes all entries at and after a user message.
	TypeTruncated Type = "truncated"
)

// StopReason explains why a turn reached its terminal state.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopCancelled StopReason = "cancelled"
	StopErrored   StopReason = "errored"
	StopRefusal   StopReason = "refusal"
)

// ToolStatus is the lifecycle state of a tool invocation.
type ToolStatus string

const (
	ToolPending          ToolStatus = "pending"
	ToolAwaitingApproval ToolStatus = "awaiting_approval"
	ToolRunning          ToolStatus = "running"
	ToolSucceeded        ToolStatus = "succeeded"
	ToolFailed           ToolStatus = "failed"
	ToolCancelled        ToolStatus = "cancelled"
)

// Settled reports whether the status is terminal.
func (s ToolStatus) Settled() bool {
	switch s {
	case ToolSucceeded, ToolFailed, ToolCancelled:
		return true
	}
	return false
}

// ToolCallState is a snapshot of one tool invocation for display purposes.
// The invocation itself is owned by the backend; entries hold snapshots only.
type ToolCallState struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
	Status ToolStatus      `json:"status"`
	Output string          `json:"output,omitempty"`
	Err    string          `json:"err,omitempty"`
}

// Plan is an ordered sequence of steps, replaced wholesale by plan events.
type Plan struct {
	Entries []PlanEntry `json:"entries"`
}

// PlanStatus is the progress state of one plan entry.
type PlanStatus string

const (
	PlanPending    PlanStatus = "pending"
	PlanInProgress PlanStatus = "in_progress"
	PlanDone       PlanStatus = "done"
)

// PlanEntry is one step in a plan.
type PlanEntry struct {
	Content string     `json:"content"`
	Status  PlanStatus `json:"status"`
}

// Usage holds token usage counters for a session. Updates are
// last-write-wins.
type Usage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
	Total  int `json:"total"`
}

// Event is one unit on a session's event queue. Only the fields relevant to
// Type are populated. Errors cross the queue as string values; the queue
// itself never fails.
type Event struct {
	Type       Type              `json:"type"`
	Generation uint64            `json:"generation"`
	Time       time.Time         `json:"time,omitzero"`
	Text       string            `json:"text,omitempty"`
	Message    *protocol.Message `json:"message,omitempty"`
	Tool       *ToolCallState    `json:"tool,omitempty"`
	Plan       *Plan             `json:"plan,omitempty"`
	Usage      *Usage            `json:"usage,omitempty"`
	Attempt    int               `json:"attempt,omitempty"`
	Delay      time.Duration     `json:"delay,omitempty"`
	Reason     StopReason        `json:"reason,omitempty"`
	Err        string            `json:"err,omitempty"`
	MessageID  string            `json:"message_id,omitempty"`
}
