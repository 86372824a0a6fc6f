// Package external adapts an out-of-process agent speaking JSON-RPC 2.0
// over stdio into the same session backend shape as the in-process turn
// executor. Wire updates are translated 1:1 into the shared event
// vocabulary and stamped with the adapter's own generation counter, so the
// thread reducer cannot tell the two backends apart.
package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/turn"
)

// Adapter event types.
const (
	EventPromptStart    observability.EventType = "external.prompt.start"
	EventPromptComplete observability.EventType = "external.prompt.complete"
	EventPermission     observability.EventType = "external.permission"
	EventDropped        observability.EventType = "external.dropped"
)

// ApprovalRequest describes an inbound permission request.
type ApprovalRequest struct {
	SessionID string
	CallID    string
	ToolName  string
}

// ApprovalFunc decides a permission request without user interaction. When
// no ApprovalFunc is configured, requests wait for an Authorize call.
type ApprovalFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// Option configures an Adapter.
type Option func(*Adapter)

// WithObserver overrides the default SlogObserver.
func WithObserver(o observability.Observer) Option {
	return func(a *Adapter) { a.observer = o }
}

// WithApprovalFunc sets an automatic approval policy.
func WithApprovalFunc(f ApprovalFunc) Option {
	return func(a *Adapter) { a.approval = f }
}

// Adapter drives prompts against an external agent over a Transport. At
// most one prompt is in flight at a time.
type Adapter struct {
	transport Transport
	queue     *event.Queue[event.Event]
	observer  observability.Observer
	approval  ApprovalFunc

	mu         sync.Mutex
	sessionID  string
	running    bool
	generation uint64
	response   strings.Builder

	decMu     sync.Mutex
	decisions map[string]chan bool
}

// NewAdapter creates an Adapter and registers its wire handlers on the
// transport. Register before the transport starts reading; with the default
// Conn that means calling NewAdapter before Conn.Start.
func NewAdapter(t Transport, queue *event.Queue[event.Event], opts ...Option) (*Adapter, error) {
	if t == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("event queue is required")
	}
	a := &Adapter{
		transport: t,
		queue:     queue,
		observer:  observability.NewSlogObserver(slog.Default()),
		decisions: make(map[string]chan bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	t.OnNotification(MethodSessionUpdate, a.handleUpdate)
	t.OnRequest(MethodRequestPermission, a.handlePermission)
	return a, nil
}

// Initialize performs the capability handshake.
func (a *Adapter) Initialize(ctx context.Context) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		ClientInfo:      &implementation{Name: clientName, Version: clientVersion},
	}
	var result initializeResult
	if err := a.transport.Call(ctx, MethodInitialize, params, &result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return nil
}

// NewSession opens a fresh agent session rooted at cwd.
func (a *Adapter) NewSession(ctx context.Context, cwd string) error {
	var result newSessionResult
	if err := a.transport.Call(ctx, MethodSessionNew, newSessionParams{CWD: cwd}, &result); err != nil {
		return fmt.Errorf("session/new: %w", err)
	}
	a.mu.Lock()
	a.sessionID = result.SessionID
	a.mu.Unlock()
	return nil
}

// LoadSession resumes an existing agent session by ID.
func (a *Adapter) LoadSession(ctx context.Context, sessionID, cwd string) error {
	params := loadSessionParams{SessionID: sessionID, CWD: cwd}
	if err := a.transport.Call(ctx, MethodSessionLoad, params, nil); err != nil {
		return fmt.Errorf("session/load: %w", err)
	}
	a.mu.Lock()
	a.sessionID = sessionID
	a.mu.Unlock()
	return nil
}

// SessionID returns the agent-assigned session identifier.
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Prompt forwards a user message and blocks until the turn reaches its
// terminal state. Updates stream into the event queue while the call is in
// flight. A transport that dies mid-prompt resolves with ErrTransportLost;
// the prompt never hangs.
func (a *Adapter) Prompt(ctx context.Context, blocks ...protocol.ContentBlock) (*turn.Result, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, turn.ErrBusy
	}
	a.running = true
	a.generation++
	gen := a.generation
	a.response.Reset()
	sessionID := a.sessionID
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	msg := protocol.NewUserMessage(blocks...)
	a.emit(gen, event.Event{Type: event.TypeUserMessage, Message: &msg})
	a.observe(EventPromptStart, observability.LevelInfo, map[string]any{
		"session_id": sessionID,
		"generation": gen,
	})

	params := promptParams{SessionID: sessionID, Prompt: toWireBlocks(blocks)}
	var result promptResult
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.transport.Call(ctx, MethodSessionPrompt, params, &result)
	}()

	select {
	case err := <-errCh:
		return a.settlePrompt(gen, &result, err)
	case <-a.transport.Done():
		// The response may have raced the shutdown.
		select {
		case err := <-errCh:
			return a.settlePrompt(gen, &result, err)
		default:
		}
		return a.settlePrompt(gen, nil, fmt.Errorf("prompt: %w", ErrTransportLost))
	}
}

// settlePrompt emits the terminal events for the prompt and shapes the
// result exactly like a native turn.
func (a *Adapter) settlePrompt(gen uint64, result *promptResult, err error) (*turn.Result, error) {
	if err != nil {
		a.emit(gen, event.Event{Type: event.TypeError, Err: err.Error()})
		a.emit(gen, event.Event{Type: event.TypeStopped, Reason: event.StopErrored})
		a.observe(EventPromptComplete, observability.LevelWarning, map[string]any{
			"generation": gen,
			"error":      err.Error(),
		})
		return &turn.Result{Reason: event.StopErrored, Rounds: 1}, err
	}

	if result.Usage != nil {
		ev, ok := usageEvent(result.Usage)
		if ok {
			a.emit(gen, ev)
		}
	}

	reason := mapStopReason(result.StopReason)
	a.emit(gen, event.Event{Type: event.TypeStopped, Reason: reason})
	a.observe(EventPromptComplete, observability.LevelInfo, map[string]any{
		"generation": gen,
		"reason":     string(reason),
	})

	a.mu.Lock()
	response := a.response.String()
	a.mu.Unlock()
	return &turn.Result{Reason: reason, Response: response, Rounds: 1}, nil
}

// Cancel asks the agent to stop the in-flight prompt. The prompt itself
// resolves through the session/prompt response with a cancelled stop reason.
func (a *Adapter) Cancel() error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	return a.transport.Notify(MethodSessionCancel, cancelParams{SessionID: sessionID})
}

// Authorize resolves a pending permission request by call ID.
func (a *Adapter) Authorize(callID string, approved bool) error {
	a.decMu.Lock()
	ch, ok := a.decisions[callID]
	a.decMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: call %s", turn.ErrNotFound, callID)
	}
	select {
	case ch <- approved:
	default:
	}
	return nil
}

// Close tears down the transport.
func (a *Adapter) Close() error {
	return a.transport.Close()
}

func (a *Adapter) handleUpdate(params json.RawMessage) {
	var env sessionNotification
	if err := json.Unmarshal(params, &env); err != nil {
		a.observe(EventDropped, observability.LevelWarning, map[string]any{
			"error": "unmarshal session/update: " + err.Error(),
		})
		return
	}
	ev, ok := parseUpdate(env.Update)
	if !ok {
		return
	}

	a.mu.Lock()
	gen := a.generation
	if ev.Type == event.TypeAssistantText {
		a.response.WriteString(ev.Text)
	}
	a.mu.Unlock()

	a.emit(gen, ev)
}

func (a *Adapter) handlePermission(params json.RawMessage) (any, error) {
	var req permissionParams
	if err := json.Unmarshal(params, &req); err != nil {
		a.observe(EventDropped, observability.LevelWarning, map[string]any{
			"error": "unmarshal permission request: " + err.Error(),
		})
		return cancelledPermission(), nil
	}
	callID := req.ToolCall.ToolCallID

	a.mu.Lock()
	gen := a.generation
	a.mu.Unlock()
	state := event.ToolCallState{ID: callID, Name: req.ToolCall.Title, Status: event.ToolAwaitingApproval}
	a.emit(gen, event.Event{Type: event.TypeToolCallUpdate, Tool: &state})
	a.observe(EventPermission, observability.LevelInfo, map[string]any{
		"call_id": callID,
		"tool":    req.ToolCall.Title,
	})

	approved, decided := a.decide(req, callID)
	if !decided {
		return cancelledPermission(), nil
	}
	if approved {
		return selectOption(req.Options, "allow_once", "allow_always"), nil
	}
	return selectOption(req.Options, "reject_once", "reject_always"), nil
}

// decide resolves via the configured policy, or waits unbounded for an
// Authorize call. The wait still resolves when the transport dies.
func (a *Adapter) decide(req permissionParams, callID string) (approved, decided bool) {
	if a.approval != nil {
		ok, err := a.approval(context.Background(), ApprovalRequest{
			SessionID: req.SessionID,
			CallID:    callID,
			ToolName:  req.ToolCall.Title,
		})
		if err != nil {
			return false, false
		}
		return ok, true
	}

	ch := make(chan bool, 1)
	a.decMu.Lock()
	a.decisions[callID] = ch
	a.decMu.Unlock()
	defer func() {
		a.decMu.Lock()
		delete(a.decisions, callID)
		a.decMu.Unlock()
	}()

	select {
	case verdict := <-ch:
		return verdict, true
	case <-a.transport.Done():
		return false, false
	}
}

func (a *Adapter) emit(gen uint64, ev event.Event) {
	ev.Generation = gen
	ev.Time = time.Now()
	if err := a.queue.Send(context.Background(), ev); err != nil {
		a.observe(EventDropped, observability.LevelWarning, map[string]any{
			"error": fmt.Sprintf("dropping %s event: %s", ev.Type, err),
		})
	}
}

func (a *Adapter) observe(t observability.EventType, level observability.Level, data map[string]any) {
	a.observer.OnEvent(context.Background(), observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "external.Adapter",
		Data:      data,
	})
}

func toWireBlocks(blocks []protocol.ContentBlock) []wireBlock {
	out := make([]wireBlock, len(blocks))
	for i, b := range blocks {
		out[i] = wireBlock{Type: string(b.Type), Text: b.Text}
	}
	return out
}

func usageEvent(u *wireUsage) (event.Event, bool) {
	if u == nil {
		return event.Event{}, false
	}
	total := u.TotalTokens
	if total == 0 {
		total = u.InputTokens + u.OutputTokens
	}
	return event.Event{
		Type:  event.TypeUsage,
		Usage: &event.Usage{Input: u.InputTokens, Output: u.OutputTokens, Total: total},
	}, true
}

func mapStopReason(s string) event.StopReason {
	switch s {
	case "cancelled":
		return event.StopCancelled
	case "refusal":
		return event.StopRefusal
	default:
		return event.StopEndTurn
	}
}

func cancelledPermission() permissionResult {
	return permissionResult{Outcome: permissionOutcome{Outcome: "cancelled"}}
}

// selectOption picks the first option matching any of the given kinds,
// falling back to a cancelled outcome.
func selectOption(options []permissionOpt, kinds ...string) permissionResult {
	for _, kind := range kinds {
		for _, opt := range options {
			if opt.Kind == kind {
				return permissionResult{Outcome: permissionOutcome{Outcome: "selected", OptionID: opt.OptionID}}
			}
		}
	}
	return cancelledPermission()
}
