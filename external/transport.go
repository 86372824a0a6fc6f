package external

import (
	"context"
	"encoding/json"
	"fmt"
)

// Wire method names, an agent-client protocol subset.
const (
	MethodInitialize        = "initialize"
	MethodSessionNew        = "session/new"
	MethodSessionLoad       = "session/load"
	MethodSessionPrompt     = "session/prompt"
	MethodSessionCancel     = "session/cancel"
	MethodSessionUpdate     = "session/update"
	MethodRequestPermission = "session/request_permission"
)

const (
	protocolVersion = 1
	clientName      = "loom"
	clientVersion   = "0.1.0"
)

// Transport carries JSON-RPC traffic between the adapter and an external
// agent. Conn is the default implementation; tests substitute their own.
type Transport interface {
	// Call sends a request and blocks until the response arrives, the
	// context expires, or the transport dies.
	Call(ctx context.Context, method string, params, result any) error

	// Notify sends a notification; no response is expected.
	Notify(method string, params any) error

	// OnNotification registers a handler for inbound notifications.
	// Handlers must be registered before the transport starts reading.
	OnNotification(method string, h func(json.RawMessage))

	// OnRequest registers a handler for inbound method calls. The returned
	// value is sent back as the JSON-RPC result.
	OnRequest(method string, h func(json.RawMessage) (any, error))

	// Done is closed when the transport stops processing messages.
	Done() <-chan struct{}

	// Err reports why the transport stopped, nil for a clean close.
	Err() error

	// Close tears the transport down.
	Close() error
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC 2.0 error codes.
const (
	codeMethodNotFound   = -32601
	codeInternalError    = -32603
	codeApplicationError = -32000
)

// Wire payload types.

type initializeParams struct {
	ProtocolVersion int             `json:"protocolVersion"`
	ClientInfo      *implementation `json:"clientInfo,omitempty"`
}

type initializeResult struct {
	ProtocolVersion int             `json:"protocolVersion"`
	AgentInfo       *implementation `json:"agentInfo,omitempty"`
}

type implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type newSessionParams struct {
	CWD string `json:"cwd"`
}

type newSessionResult struct {
	SessionID string `json:"sessionId"`
}

type loadSessionParams struct {
	SessionID string `json:"sessionId"`
	CWD       string `json:"cwd"`
}

type wireBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type promptParams struct {
	SessionID string      `json:"sessionId"`
	Prompt    []wireBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string     `json:"stopReason,omitempty"`
	Usage      *wireUsage `json:"usage,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}

type cancelParams struct {
	SessionID string `json:"sessionId"`
}

// sessionNotification is the outer envelope of session/update notifications.
type sessionNotification struct {
	SessionID string          `json:"sessionId"`
	Update    json.RawMessage `json:"update"`
}

// updateHeader extracts the discriminator from the inner update object.
type updateHeader struct {
	SessionUpdate string `json:"sessionUpdate"`
}

type toolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	Content    []wireContent   `json:"content,omitempty"`
}

type wireContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type permissionParams struct {
	SessionID string          `json:"sessionId"`
	ToolCall  toolCallPayload `json:"toolCall"`
	Options   []permissionOpt `json:"options"`
}

type permissionOpt struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

type permissionResult struct {
	Outcome permissionOutcome `json:"outcome"`
}

type permissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}
