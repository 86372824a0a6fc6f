package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
)

// Invocation tracks one tool call from announcement to settlement:
// Pending -> AwaitingApproval? -> Running -> Succeeded | Failed | Cancelled.
// The executor owns the transitions; everything else sees snapshots.
type Invocation struct {
	ID    string
	Name  string
	Input json.RawMessage

	mu      sync.Mutex
	status  event.ToolStatus
	output  string
	isError bool
	err     error
	cancel  context.CancelFunc

	// decision carries the Authorize verdict for approval-gated calls.
	decision chan bool
}

func newInvocation(call protocol.ToolCall) *Invocation {
	id := call.ID
	if id == "" {
		id = uuid.Must(uuid.NewV7()).String()
	}
	return &Invocation{
		ID:       id,
		Name:     call.Name,
		Input:    call.Arguments,
		status:   event.ToolPending,
		decision: make(chan bool, 1),
	}
}

// Status returns the current lifecycle state.
func (v *Invocation) Status() event.ToolStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *Invocation) setStatus(s event.ToolStatus) {
	v.mu.Lock()
	v.status = s
	v.mu.Unlock()
}

func (v *Invocation) setCancel(cancel context.CancelFunc) {
	v.mu.Lock()
	v.cancel = cancel
	v.mu.Unlock()
}

// Cancel aborts this invocation without affecting the rest of the turn.
// A no-op before the invocation starts running or after it settles.
func (v *Invocation) Cancel() {
	v.mu.Lock()
	cancel := v.cancel
	v.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (v *Invocation) succeed(output string, isError bool) {
	v.mu.Lock()
	v.status = event.ToolSucceeded
	v.output = output
	v.isError = isError
	v.mu.Unlock()
}

func (v *Invocation) fail(err error) {
	v.mu.Lock()
	v.status = event.ToolFailed
	v.err = err
	v.mu.Unlock()
}

func (v *Invocation) cancelled() {
	v.mu.Lock()
	v.status = event.ToolCancelled
	v.mu.Unlock()
}

// decide resolves an approval-gated invocation. Fails with ErrNotFound
// semantics when the invocation is not waiting on a verdict.
func (v *Invocation) decide(approved bool) error {
	v.mu.Lock()
	waiting := v.status == event.ToolAwaitingApproval
	v.mu.Unlock()
	if !waiting {
		return fmt.Errorf("%w: call %s is not awaiting approval", ErrNotFound, v.ID)
	}
	select {
	case v.decision <- approved:
	default:
	}
	return nil
}

// Snapshot returns the display state of the invocation for events.
func (v *Invocation) Snapshot() event.ToolCallState {
	v.mu.Lock()
	defer v.mu.Unlock()
	s := event.ToolCallState{
		ID:     v.ID,
		Name:   v.Name,
		Input:  v.Input,
		Status: v.status,
		Output: v.output,
	}
	if v.err != nil {
		s.Err = v.err.Error()
	}
	return s
}

// toolResult converts the settled invocation into the result reported back
// to the model. Failures and cancellations become error results so the
// model can react; they never abort the turn.
func (v *Invocation) toolResult() protocol.ToolResult {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.status {
	case event.ToolSucceeded:
		return protocol.ToolResult{CallID: v.ID, Content: v.output, IsError: v.isError}
	case event.ToolCancelled:
		return protocol.ToolResult{CallID: v.ID, Content: "error: cancelled", IsError: true}
	default:
		return protocol.ToolResult{CallID: v.ID, Content: fmt.Sprintf("error: %s", v.err), IsError: true}
	}
}
