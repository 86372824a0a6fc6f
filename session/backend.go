package session

import (
	"context"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/turn"
)

// Backend drives turns for one session. The native executor and the external
// adapter both satisfy it, so a Session never needs to know which kind it
// holds.
type Backend interface {
	// Prompt runs one user turn to completion.
	Prompt(ctx context.Context, blocks ...protocol.ContentBlock) (*turn.Result, error)
	// Cancel requests cooperative cancellation of the running turn.
	Cancel() error
	// Authorize resolves a pending tool approval.
	Authorize(callID string, approved bool) error
}

// Optional backend capabilities, asserted at the call site. A backend that
// lacks one causes the corresponding Session or Registry operation to fail
// with ErrUnsupported.
type (
	// Retrier re-issues the last failed or cancelled turn.
	Retrier interface {
		Retry(ctx context.Context) (*turn.Result, error)
	}

	// Truncater rewinds history to before a user message.
	Truncater interface {
		Truncate(messageID string) error
	}

	// Loader exposes the message history for persistence and restores it
	// when a saved session is reopened.
	Loader interface {
		Messages() []protocol.Message
		SetMessages(msgs []protocol.Message) error
	}

	// Closer releases backend resources.
	Closer interface {
		Close() error
	}
)

// executorBackend adapts a *turn.Executor to the Backend surface.
type executorBackend struct {
	ex *turn.Executor
}

// NewExecutorBackend wraps a native turn executor as a session Backend.
// The wrapper supports all optional capabilities.
func NewExecutorBackend(ex *turn.Executor) Backend {
	return &executorBackend{ex: ex}
}

func (b *executorBackend) Prompt(ctx context.Context, blocks ...protocol.ContentBlock) (*turn.Result, error) {
	return b.ex.Send(ctx, blocks...)
}

func (b *executorBackend) Cancel() error {
	b.ex.Cancel()
	return nil
}

func (b *executorBackend) Authorize(callID string, approved bool) error {
	return b.ex.Authorize(callID, approved)
}

func (b *executorBackend) Retry(ctx context.Context) (*turn.Result, error) {
	return b.ex.Retry(ctx)
}

func (b *executorBackend) Truncate(messageID string) error {
	return b.ex.Truncate(messageID)
}

func (b *executorBackend) Messages() []protocol.Message {
	return b.ex.Messages()
}

func (b *executorBackend) SetMessages(msgs []protocol.Message) error {
	return b.ex.SetMessages(msgs)
}

func (b *executorBackend) Close() error {
	b.ex.Cancel()
	return nil
}
