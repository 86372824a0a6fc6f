package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/provider"
)

func sseServer(t *testing.T, lines []string, capture *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)

		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "data: %s\n\n", line)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func collect(t *testing.T, s provider.Stream) []provider.CompletionEvent {
	t.Helper()
	var events []provider.CompletionEvent
	for ev := range s.Events() {
		events = append(events, ev)
	}
	return events
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := New(Config{BaseURL: baseURL, Model: "test-model", APIKey: "key"})
	require.NoError(t, err)
	return c
}

func TestStreamCompletionTextAndUsage(t *testing.T) {
	var captured map[string]any
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":5}}`,
	}, &captured)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	s, err := c.StreamCompletion(context.Background(), provider.Request{
		SystemPrompt: "be terse",
		Messages:     []protocol.Message{protocol.NewUserMessage(protocol.Text("hi"))},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, events, 3)
	assert.Equal(t, provider.EventText, events[0].Type)
	assert.Equal(t, "Hello", events[0].Text)
	assert.Equal(t, " world", events[1].Text)
	assert.Equal(t, provider.EventStop, events[2].Type)
	assert.Equal(t, provider.StopEndTurn, events[2].Stop)

	input, output, ok := s.(provider.UsageReporter).Usage()
	assert.True(t, ok)
	assert.Equal(t, 12, input)
	assert.Equal(t, 5, output)

	assert.Equal(t, "test-model", captured["model"])
	assert.Equal(t, true, captured["stream"])
	msgs := captured["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestStreamCompletionToolCallsAccumulate(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call-1","function":{"name":"list_files","arguments":""}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"dir\":"}}]}}]}`,
		`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\".\"}"}}]}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
	}, nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	s, err := c.StreamCompletion(context.Background(), provider.Request{
		Messages: []protocol.Message{protocol.NewUserMessage(protocol.Text("list"))},
		Tools:    []protocol.Tool{{Name: "list_files"}},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.NoError(t, s.Err())
	require.Len(t, events, 2)

	require.Equal(t, provider.EventToolUse, events[0].Type)
	assert.Equal(t, "call-1", events[0].Tool.ID)
	assert.Equal(t, "list_files", events[0].Tool.Name)
	assert.JSONEq(t, `{"dir":"."}`, string(events[0].Tool.Arguments))

	assert.Equal(t, provider.StopToolUse, events[1].Stop)
}

func TestStreamCompletionThinkingDeltas(t *testing.T) {
	srv := sseServer(t, []string{
		`{"choices":[{"delta":{"reasoning":"hmm"}}]}`,
		`{"choices":[{"delta":{"content":"answer"},"finish_reason":"stop"}]}`,
	}, nil)
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	s, err := c.StreamCompletion(context.Background(), provider.Request{
		Messages: []protocol.Message{protocol.NewUserMessage(protocol.Text("hi"))},
	})
	require.NoError(t, err)

	events := collect(t, s)
	require.Len(t, events, 3)
	assert.Equal(t, provider.EventThinking, events[0].Type)
	assert.Equal(t, provider.EventText, events[1].Type)
}

func TestStreamCompletionStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, provider.ErrAuth},
		{http.StatusForbidden, provider.ErrAuth},
		{http.StatusTooManyRequests, provider.ErrTransient},
		{http.StatusInternalServerError, provider.ErrTransient},
		{http.StatusBadRequest, provider.ErrFatal},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", tc.status)
		}))

		c := newTestClient(t, srv.URL)
		_, err := c.StreamCompletion(context.Background(), provider.Request{
			Messages: []protocol.Message{protocol.NewUserMessage(protocol.Text("hi"))},
		})
		assert.ErrorIs(t, err, tc.want, "status %d", tc.status)
		srv.Close()
	}
}

func TestStreamCompletionConnectionRefused(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1")
	_, err := c.StreamCompletion(context.Background(), provider.Request{
		Messages: []protocol.Message{protocol.NewUserMessage(protocol.Text("hi"))},
	})
	assert.ErrorIs(t, err, provider.ErrTransient)
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestConvertMessagesToolRound(t *testing.T) {
	assistant := protocol.NewAssistantMessage(nil, []protocol.ToolCall{
		{ID: "call-1", Name: "list_files", Arguments: json.RawMessage(`{"dir":"."}`)},
	})
	assistant.ToolResults = []protocol.ToolResult{
		{CallID: "call-1", Content: `["a.txt"]`},
	}

	msgs := convertMessages("", []protocol.Message{
		protocol.NewUserMessage(protocol.Text("list")),
		assistant,
		protocol.NewResumeMarker(),
	})

	require.Len(t, msgs, 4)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "call-1", msgs[1].ToolCalls[0].ID)
	assert.Equal(t, "tool", msgs[2].Role)
	assert.Equal(t, "call-1", msgs[2].ToolCallID)
	assert.Equal(t, resumeNote, msgs[3].Content)
}
