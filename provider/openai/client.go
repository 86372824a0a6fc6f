// Package openai implements the provider interface over the OpenAI-compatible
// chat completions API with server-sent event streaming. Any endpoint that
// speaks the same dialect (OpenRouter, vLLM, Ollama's compat mode) works.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/provider"
)

const completionsPath = "/chat/completions"

// Client speaks the chat completions API for one model.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a Client from configuration. Model is required; BaseURL
// defaults to the public OpenAI endpoint.
func New(cfg Config) (*Client, error) {
	base := DefaultConfig()
	base.Merge(&cfg)
	if base.Model == "" {
		return nil, fmt.Errorf("model must not be empty")
	}

	return &Client{
		cfg: base,
		httpClient: &http.Client{
			Timeout: time.Duration(base.Timeout) * time.Second,
		},
	}, nil
}

// StreamCompletion posts the request with streaming enabled and decodes the
// SSE response into completion events. HTTP and transport failures are
// classified with the provider sentinels.
func (c *Client) StreamCompletion(ctx context.Context, req provider.Request) (provider.Stream, error) {
	payload := map[string]any{
		"model":    c.cfg.Model,
		"messages": convertMessages(req.SystemPrompt, req.Messages),
		"stream":   true,
		"stream_options": map[string]any{
			"include_usage": true,
		},
	}
	if c.cfg.MaxTokens > 0 {
		payload["max_tokens"] = c.cfg.MaxTokens
	}
	if len(req.Tools) > 0 {
		payload["tools"] = convertTools(req.Tools)
		payload["tool_choice"] = "auto"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", provider.ErrFatal, err)
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + completionsPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrFatal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", provider.ErrTransient, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	s := &stream{ch: make(chan provider.CompletionEvent)}
	go s.consume(ctx, resp.Body)
	return s, nil
}

func classifyStatus(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", provider.ErrAuth, status, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d: %s", provider.ErrTransient, status, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", provider.ErrFatal, status, msg)
	}
}

type stream struct {
	ch chan provider.CompletionEvent

	mu       sync.Mutex
	err      error
	input    int
	output   int
	hasUsage bool
}

func (s *stream) Events() <-chan provider.CompletionEvent { return s.ch }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Usage reports token counts once the stream has closed.
func (s *stream) Usage() (input, output int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input, s.output, s.hasUsage
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type toolAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// consume reads SSE lines off the response body and translates them into
// completion events. Tool calls accumulate across chunks and are emitted,
// in stream order, before the final stop event.
func (s *stream) consume(ctx context.Context, body io.ReadCloser) {
	defer close(s.ch)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	accs := make(map[int]*toolAccumulator)
	var order []int
	finishReason := ""

	acc := func(idx int) *toolAccumulator {
		a, ok := accs[idx]
		if !ok {
			a = &toolAccumulator{}
			accs[idx] = a
			order = append(order, idx)
		}
		return a
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}

		if chunk.Usage != nil {
			s.mu.Lock()
			s.input = chunk.Usage.PromptTokens
			s.output = chunk.Usage.CompletionTokens
			s.hasUsage = true
			s.mu.Unlock()
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}

		if choice.Delta.Reasoning != "" {
			if !s.send(ctx, provider.CompletionEvent{Type: provider.EventThinking, Text: choice.Delta.Reasoning}) {
				return
			}
		}
		if choice.Delta.Content != "" {
			if !s.send(ctx, provider.CompletionEvent{Type: provider.EventText, Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			a := acc(tc.Index)
			if tc.ID != "" {
				a.id = tc.ID
			}
			if tc.Function.Name != "" {
				a.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				a.args.WriteString(tc.Function.Arguments)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		s.setErr(fmt.Errorf("%w: read stream: %v", provider.ErrTransient, err))
		return
	}

	for _, idx := range order {
		a := accs[idx]
		ev := provider.CompletionEvent{
			Type: provider.EventToolUse,
			Tool: &protocol.ToolCall{
				ID:        a.id,
				Name:      a.name,
				Arguments: normalizeArguments(a.args.String()),
			},
		}
		if !s.send(ctx, ev) {
			return
		}
	}

	s.send(ctx, provider.CompletionEvent{Type: provider.EventStop, Stop: mapFinishReason(finishReason, len(order) > 0)})
}

func (s *stream) send(ctx context.Context, ev provider.CompletionEvent) bool {
	select {
	case s.ch <- ev:
		return true
	case <-ctx.Done():
		s.setErr(ctx.Err())
		return false
	}
}

func mapFinishReason(reason string, hasToolCalls bool) provider.StopKind {
	switch {
	case reason == "tool_calls" || hasToolCalls:
		return provider.StopToolUse
	case reason == "content_filter":
		return provider.StopRefusal
	default:
		return provider.StopEndTurn
	}
}
