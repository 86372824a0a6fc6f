// Package turn implements the native in-process turn executor: it drives a
// conversational turn over a streaming model provider and a tool registry,
// publishing generation-tagged events to the session queue as it goes.
//
// A turn runs rounds until the model stops without requesting tools: each
// round streams a completion, dispatches the requested tool invocations
// concurrently, waits for all of them to settle, and feeds the results back.
//
//	ex, err := turn.New(p, reg, queue, turn.DefaultConfig())
//	result, err := ex.Send(ctx, protocol.Text("What's in this directory?"))
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/provider"
	"github.com/loomworks/loom/tools"
)

// Result holds the outcome of one completed turn.
type Result struct {
	Reason    event.StopReason      // Terminal state of the turn.
	Response  string                // Final assistant text, if any.
	Rounds    int                   // Model invocations in the turn.
	ToolCalls []event.ToolCallState // Settled invocation snapshots.
}

// Option configures an Executor after construction.
type Option func(*Executor)

// WithObserver overrides the default SlogObserver.
func WithObserver(o observability.Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithSystemPrompt sets the system prompt prepended to every request.
func WithSystemPrompt(prompt string) Option {
	return func(e *Executor) { e.systemPrompt = prompt }
}

// Executor runs turns against a provider and a tool registry. At most one
// turn is in flight at a time; concurrent Send calls fail with ErrBusy.
type Executor struct {
	provider     provider.Provider
	registry     *tools.Registry
	queue        *event.Queue[event.Event]
	observer     observability.Observer
	cfg          Config
	systemPrompt string

	mu         sync.Mutex
	running    bool
	generation uint64
	lastStop   event.StopReason
	cancelTurn context.CancelFunc
	history    []protocol.Message

	invMu       sync.Mutex
	invocations map[string]*Invocation
}

// New creates an Executor publishing events to queue.
func New(p provider.Provider, reg *tools.Registry, queue *event.Queue[event.Event], cfg Config, opts ...Option) (*Executor, error) {
	if p == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("tool registry is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("event queue is required")
	}

	defaults := DefaultConfig()
	defaults.Merge(&cfg)

	e := &Executor{
		provider:    p,
		registry:    reg,
		queue:       queue,
		observer:    observability.NewSlogObserver(slog.Default()),
		cfg:         defaults,
		invocations: make(map[string]*Invocation),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Send appends a user message built from blocks and runs a turn to its
// terminal state. Returns ErrBusy, leaving the running turn untouched, when
// one is already in flight. Cancellation is not an error: the Result reports
// StopCancelled.
func (e *Executor) Send(ctx context.Context, blocks ...protocol.ContentBlock) (*Result, error) {
	msg := protocol.NewUserMessage(blocks...)

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.running = true
	e.generation++
	gen := e.generation
	turnCtx, cancel := context.WithCancel(ctx)
	e.cancelTurn = cancel
	e.history = append(e.history, msg)
	e.mu.Unlock()

	e.emitSticky(gen, event.Event{Type: event.TypeUserMessage, Message: &msg})
	e.observe(turnCtx, EventTurnStart, observability.LevelInfo, map[string]any{
		"generation": gen,
		"blocks":     len(blocks),
	})

	return e.runTurn(turnCtx, gen)
}

// Retry re-issues the last request after an errored or cancelled turn
// without duplicating the user message. Any other prior state fails with
// ErrNoRetry.
func (e *Executor) Retry(ctx context.Context) (*Result, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	if len(e.history) == 0 || (e.lastStop != event.StopErrored && e.lastStop != event.StopCancelled) {
		last := e.lastStop
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: last turn state %q", ErrNoRetry, last)
	}
	e.running = true
	e.generation++
	gen := e.generation
	turnCtx, cancel := context.WithCancel(ctx)
	e.cancelTurn = cancel
	e.mu.Unlock()

	e.observe(turnCtx, EventTurnStart, observability.LevelInfo, map[string]any{
		"generation": gen,
		"retry":      true,
	})

	return e.runTurn(turnCtx, gen)
}

// Cancel cooperatively stops the in-flight turn. Running invocations get
// the cancellation signal; invocations that have not started are discarded.
// A no-op when no turn is running.
func (e *Executor) Cancel() {
	e.mu.Lock()
	cancel := e.cancelTurn
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Truncate removes the user message with the given ID and everything after
// it from history, and emits a truncated event so thread views drop the
// matching entries. Fails with ErrBusy mid-turn and ErrNotFound when the ID
// does not name a user message.
func (e *Executor) Truncate(messageID string) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrBusy
	}
	idx := -1
	for i, m := range e.history {
		if m.Role == protocol.RoleUser && m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return fmt.Errorf("%w: user message %s", ErrNotFound, messageID)
	}
	e.history = e.history[:idx]
	e.generation++
	gen := e.generation
	e.mu.Unlock()

	e.emitSticky(gen, event.Event{Type: event.TypeTruncated, MessageID: messageID})
	e.observe(context.Background(), EventTruncate, observability.LevelInfo, map[string]any{
		"message_id": messageID,
	})
	return nil
}

// Authorize resolves an approval-gated invocation by call ID. Unknown or
// already-settled calls fail with ErrNotFound.
func (e *Executor) Authorize(callID string, approved bool) error {
	e.invMu.Lock()
	inv, ok := e.invocations[callID]
	e.invMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: call %s", ErrNotFound, callID)
	}
	return inv.decide(approved)
}

// Messages returns a copy of the message history.
func (e *Executor) Messages() []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Message, len(e.history))
	for i, m := range e.history {
		out[i] = m.Clone()
	}
	return out
}

// SetMessages replaces the history, typically when resuming a persisted
// session. Fails with ErrBusy mid-turn.
func (e *Executor) SetMessages(msgs []protocol.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.history = make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		e.history[i] = m.Clone()
	}
	return nil
}

// runTurn drives rounds until a terminal state. Exactly one stopped event
// is emitted per turn.
func (e *Executor) runTurn(ctx context.Context, gen uint64) (*Result, error) {
	res := &Result{}

	for round := 0; ; round++ {
		res.Rounds = round + 1
		e.observe(ctx, EventRoundStart, observability.LevelVerbose, map[string]any{
			"generation": gen,
			"round":      round + 1,
		})

		stream, err := e.streamWithRetry(ctx, gen, e.buildRequest())
		if err != nil {
			if ctx.Err() != nil {
				return e.stop(ctx, res, gen, event.StopCancelled), nil
			}
			e.emitSticky(gen, event.Event{Type: event.TypeError, Err: err.Error()})
			return e.stop(ctx, res, gen, event.StopErrored), fmt.Errorf("completion failed: %w", err)
		}

		msgID := uuid.Must(uuid.NewV7()).String()
		var blocks []protocol.ContentBlock
		var calls []*Invocation
		var stop provider.StopKind

		g := new(errgroup.Group)
		if e.cfg.ToolParallelism > 0 {
			g.SetLimit(e.cfg.ToolParallelism)
		}

		for ev := range stream.Events() {
			switch ev.Type {
			case provider.EventText:
				blocks = appendBlock(blocks, protocol.BlockText, ev.Text)
				e.emit(ctx, gen, event.Event{Type: event.TypeAssistantText, Text: ev.Text, MessageID: msgID})

			case provider.EventThinking:
				blocks = appendBlock(blocks, protocol.BlockThinking, ev.Text)
				e.emit(ctx, gen, event.Event{Type: event.TypeAssistantThinking, Text: ev.Text, MessageID: msgID})

			case provider.EventToolUse:
				if ev.Tool == nil {
					continue
				}
				inv := newInvocation(*ev.Tool)
				calls = append(calls, inv)
				e.invMu.Lock()
				e.invocations[inv.ID] = inv
				e.invMu.Unlock()

				snap := inv.Snapshot()
				e.emit(ctx, gen, event.Event{Type: event.TypeToolCall, Tool: &snap})
				e.observe(ctx, EventToolCall, observability.LevelVerbose, map[string]any{
					"call_id": inv.ID,
					"name":    inv.Name,
				})
				g.Go(func() error {
					e.runInvocation(ctx, gen, inv)
					return nil
				})

			case provider.EventStop:
				stop = ev.Stop
			}
		}

		// All invocations settle before results are assembled, whatever
		// order they finish in.
		_ = g.Wait()

		if serr := stream.Err(); serr != nil && ctx.Err() == nil {
			e.emitSticky(gen, event.Event{Type: event.TypeError, Err: serr.Error()})
			return e.stop(ctx, res, gen, event.StopErrored), fmt.Errorf("stream failed: %w", serr)
		}
		if ctx.Err() != nil {
			return e.stop(ctx, res, gen, event.StopCancelled), nil
		}

		if ur, ok := stream.(provider.UsageReporter); ok {
			if in, out, reported := ur.Usage(); reported {
				u := event.Usage{Input: in, Output: out, Total: in + out}
				e.emit(ctx, gen, event.Event{Type: event.TypeUsage, Usage: &u})
			}
		}

		msg := protocol.Message{ID: msgID, Role: protocol.RoleAssistant, Blocks: blocks}
		for _, inv := range calls {
			msg.ToolCalls = append(msg.ToolCalls, protocol.ToolCall{ID: inv.ID, Name: inv.Name, Arguments: inv.Input})
			res.ToolCalls = append(res.ToolCalls, inv.Snapshot())
		}

		if len(calls) == 0 || stop == provider.StopEndTurn || stop == provider.StopRefusal {
			e.appendHistory(msg)
			res.Response = msg.Text()
			reason := event.StopEndTurn
			if stop == provider.StopRefusal {
				reason = event.StopRefusal
			}
			return e.stop(ctx, res, gen, reason), nil
		}

		for _, inv := range calls {
			msg.ToolResults = append(msg.ToolResults, inv.toolResult())
		}
		e.appendHistory(msg)
	}
}

// runInvocation walks one invocation through its state machine, emitting a
// tool_call_update event at every transition.
func (e *Executor) runInvocation(ctx context.Context, gen uint64, inv *Invocation) {
	defer func() {
		e.invMu.Lock()
		delete(e.invocations, inv.ID)
		e.invMu.Unlock()
		e.observe(ctx, EventToolSettled, observability.LevelVerbose, map[string]any{
			"call_id": inv.ID,
			"name":    inv.Name,
			"status":  string(inv.Status()),
		})
	}()

	if ctx.Err() != nil {
		inv.cancelled()
		e.emitUpdate(gen, inv)
		return
	}

	if e.registry.RequiresApproval(inv.Name) {
		inv.setStatus(event.ToolAwaitingApproval)
		e.emitUpdate(gen, inv)
		select {
		case approved := <-inv.decision:
			if !approved {
				inv.fail(ErrPermissionDenied)
				e.emitUpdate(gen, inv)
				return
			}
		case <-ctx.Done():
			inv.cancelled()
			e.emitUpdate(gen, inv)
			return
		}
	}

	inv.setStatus(event.ToolRunning)
	e.emitUpdate(gen, inv)

	ictx, cancel := context.WithCancel(ctx)
	inv.setCancel(cancel)
	defer cancel()

	result, err := e.registry.Execute(ictx, inv.Name, inv.Input)
	switch {
	case ictx.Err() != nil:
		inv.cancelled()
	case err != nil:
		inv.fail(err)
	default:
		inv.succeed(result.Content, result.IsError)
	}
	e.emitUpdate(gen, inv)
}

// streamWithRetry opens a completion stream, retrying transient failures
// with exponential backoff up to Config.MaxAttempts total attempts. Each
// retried attempt is announced with a retry event.
func (e *Executor) streamWithRetry(ctx context.Context, gen uint64, req provider.Request) (provider.Stream, error) {
	var stream provider.Stream
	attempt := 0

	op := func() error {
		attempt++
		s, err := e.provider.StreamCompletion(ctx, req)
		if err == nil {
			stream = s
			return nil
		}
		if !provider.Transient(err) || attempt >= e.cfg.MaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	// notify runs once per retryable failure with the wait before the next
	// attempt, so the retry event carries the actual backoff delay.
	notify := func(err error, next time.Duration) {
		e.emit(ctx, gen, event.Event{Type: event.TypeRetry, Attempt: attempt, Delay: next, Err: err.Error()})
		e.observe(ctx, EventRetry, observability.LevelWarning, map[string]any{
			"attempt": attempt,
			"delay":   next.String(),
			"error":   err.Error(),
		})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval
	b.MaxElapsedTime = 0

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return nil, err
	}
	return stream, nil
}

// stop emits the single terminal event of the turn and releases the guard.
func (e *Executor) stop(ctx context.Context, res *Result, gen uint64, reason event.StopReason) *Result {
	res.Reason = reason
	e.emitSticky(gen, event.Event{Type: event.TypeStopped, Reason: reason})

	e.mu.Lock()
	e.running = false
	e.lastStop = reason
	if e.cancelTurn != nil {
		e.cancelTurn()
		e.cancelTurn = nil
	}
	e.mu.Unlock()

	e.observe(ctx, EventTurnComplete, observability.LevelInfo, map[string]any{
		"generation": gen,
		"reason":     string(reason),
		"rounds":     res.Rounds,
	})
	return res
}

func (e *Executor) buildRequest() provider.Request {
	e.mu.Lock()
	msgs := make([]protocol.Message, len(e.history))
	copy(msgs, e.history)
	e.mu.Unlock()
	return provider.Request{
		SystemPrompt: e.systemPrompt,
		Messages:     msgs,
		Tools:        e.registry.List(),
	}
}

func (e *Executor) appendHistory(msg protocol.Message) {
	e.mu.Lock()
	e.history = append(e.history, msg)
	e.mu.Unlock()
}

// emit publishes a streaming event. The turn context bounds the wait so a
// cancelled turn never blocks on a full queue.
func (e *Executor) emit(ctx context.Context, gen uint64, ev event.Event) {
	ev.Generation = gen
	ev.Time = time.Now()
	if err := e.queue.Send(ctx, ev); err != nil {
		e.observe(context.Background(), EventError, observability.LevelWarning, map[string]any{
			"error": fmt.Sprintf("dropping %s event: %s", ev.Type, err),
		})
	}
}

// emitSticky publishes an event that must reach the consumer even after the
// turn context is gone: user messages, terminal stops, truncations, and
// invocation settlements.
func (e *Executor) emitSticky(gen uint64, ev event.Event) {
	e.emit(context.Background(), gen, ev)
}

func (e *Executor) emitUpdate(gen uint64, inv *Invocation) {
	snap := inv.Snapshot()
	e.emitSticky(gen, event.Event{Type: event.TypeToolCallUpdate, Tool: &snap})
}

func (e *Executor) observe(ctx context.Context, t observability.EventType, level observability.Level, data map[string]any) {
	e.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "turn.Executor",
		Data:      data,
	})
}

// appendBlock merges consecutive deltas of the same block type.
func appendBlock(blocks []protocol.ContentBlock, kind protocol.BlockType, text string) []protocol.ContentBlock {
	if last := len(blocks) - 1; last >= 0 && blocks[last].Type == kind {
		blocks[last].Text += text
		return blocks
	}
	return append(blocks, protocol.ContentBlock{Type: kind, Text: text})
}
