// Package protocol defines the conversation vocabulary shared by every
// session backend: roles, content blocks, messages, tool definitions, and
// tool calls. Both the in-process turn executor and the external protocol
// adapter speak this vocabulary, so the rest of the module never needs to
// know which backend produced a given value.
package protocol

import (
	"slices"

	"github.com/google/uuid"
)

// Role identifies the sender of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"

	// RoleResume marks the point where an interrupted session was resumed.
	// Resume markers carry no content and are skipped when building
	// completion requests.
	RoleResume Role = "resume"
)

// BlockType identifies the kind of a content block.
type BlockType string

const (
	BlockText     BlockType = "text"
	BlockThinking BlockType = "thinking"
)

// ContentBlock is one unit of message content.
type ContentBlock struct {
	Type BlockType `json:"type"`
	Text string    `json:"text"`
}

// Text creates a plain text content block.
func Text(s string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: s}
}

// ToolResult is the outcome of one tool call, attached to the assistant
// message that requested it. CallID correlates back to the ToolCall.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is a single message in a conversation. Messages are immutable once
// appended to history; the turn executor accumulates the in-progress
// assistant message privately and appends it only when the turn flushes.
//
// Assistant messages carry the ToolCalls the model requested and, once the
// calls settle, the matching ToolResults for the next model round.
type Message struct {
	ID          string         `json:"id"`
	Role        Role           `json:"role"`
	Blocks      []ContentBlock `json:"blocks,omitempty"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
}

// NewUserMessage creates a user message with a fresh UUIDv7 identifier.
func NewUserMessage(blocks ...ContentBlock) Message {
	return Message{
		ID:     uuid.Must(uuid.NewV7()).String(),
		Role:   RoleUser,
		Blocks: blocks,
	}
}

// NewAssistantMessage creates an assistant message with a fresh identifier.
func NewAssistantMessage(blocks []ContentBlock, calls []ToolCall) Message {
	return Message{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Role:      RoleAssistant,
		Blocks:    blocks,
		ToolCalls: calls,
	}
}

// NewResumeMarker creates the content-free marker appended when a session
// is resumed after an interruption.
func NewResumeMarker() Message {
	return Message{
		ID:   uuid.Must(uuid.NewV7()).String(),
		Role: RoleResume,
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Blocks = slices.Clone(m.Blocks)
	m.ToolCalls = slices.Clone(m.ToolCalls)
	m.ToolResults = slices.Clone(m.ToolResults)
	return m
}

// Text concatenates the text of all non-thinking blocks.
func (m Message) Text() string {
	var s string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			s += b.Text
		}
	}
	return s
}
