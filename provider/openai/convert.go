package openai

import (
	"encoding/json"

	"github.com/loomworks/loom/core/protocol"
)

// resumeNote is what the model sees in place of a resume marker.
const resumeNote = "[conversation resumed after an interruption]"

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatTool struct {
	Type     string         `json:"type"`
	Function chatToolSchema `json:"function"`
}

type chatToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// convertMessages flattens the conversation history into the chat
// completions shape. Tool results recorded on an assistant message become
// separate role "tool" messages immediately after it.
func convertMessages(systemPrompt string, msgs []protocol.Message) []chatMessage {
	out := make([]chatMessage, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, chatMessage{Role: "system", Content: systemPrompt})
	}

	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleUser:
			out = append(out, chatMessage{Role: "user", Content: m.Text()})

		case protocol.RoleResume:
			out = append(out, chatMessage{Role: "user", Content: resumeNote})

		case protocol.RoleAssistant:
			cm := chatMessage{Role: "assistant", Content: m.Text()}
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: chatFunction{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, cm)

			for _, tr := range m.ToolResults {
				content := tr.Content
				if tr.IsError && content == "" {
					content = "error"
				}
				out = append(out, chatMessage{
					Role:       "tool",
					ToolCallID: tr.CallID,
					Content:    content,
				})
			}
		}
	}

	return out
}

func convertTools(tools []protocol.Tool) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		params := t.Parameters
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, chatTool{
			Type: "function",
			Function: chatToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// normalizeArguments guarantees tool-call arguments are valid JSON; models
// occasionally stream empty argument bodies.
func normalizeArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}
