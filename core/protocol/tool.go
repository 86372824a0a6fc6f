package protocol

import "encoding/json"

// Tool defines a function the model may call. Parameters uses JSON Schema
// to describe the input. RequiresApproval gates dispatch behind a human
// authorization decision.
type Tool struct {
	Name             string         `json:"name"`
	Description      string         `json:"description"`
	Parameters       map[string]any `json:"parameters"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
// Fields are flat (ID, Name, Arguments) for direct use across the module.
// UnmarshalJSON transparently handles the nested provider wire format
// (function.name, function.arguments) so streamed responses decode directly.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// MarshalJSON serializes to the nested wire format
// ({type, function: {name, arguments}}) for provider round-trip fidelity.
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	type fn struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}
	return json.Marshal(struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function fn     `json:"function"`
	}{
		ID:   tc.ID,
		Type: "function",
		Function: fn{
			Name:      tc.Name,
			Arguments: string(tc.Arguments),
		},
	})
}

// UnmarshalJSON handles both the nested wire format ({function: {name,
// arguments}}) and the flat form ({name, arguments}).
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var nested struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return err
	}

	if nested.Function.Name != "" {
		tc.ID = nested.ID
		tc.Name = nested.Function.Name
		tc.Arguments = json.RawMessage(nested.Function.Arguments)
		return nil
	}

	var flat struct {
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	tc.ID = flat.ID
	tc.Name = flat.Name
	tc.Arguments = flat.Arguments
	return nil
}
