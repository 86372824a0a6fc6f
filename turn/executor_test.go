package turn_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/provider"
	"github.com/loomworks/loom/provider/providertest"
	"github.com/loomworks/loom/thread"
	"github.com/loomworks/loom/tools"
	"github.com/loomworks/loom/turn"
)

const queueSize = 256

func fastConfig() turn.Config {
	return turn.Config{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func newRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register(
		protocol.Tool{Name: "list_files", Description: "List files in the working directory."},
		func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			return tools.Result{Content: "a.go\nb.go"}, nil
		},
	)
	require.NoError(t, err)
	return reg
}

func newExecutor(t *testing.T, reg *tools.Registry, scripts ...providertest.Script) (*turn.Executor, *event.Queue[event.Event], *providertest.Scripted) {
	t.Helper()
	p := providertest.NewScripted(scripts...)
	q := event.NewQueue[event.Event](queueSize)
	ex, err := turn.New(p, reg, q, fastConfig(), turn.WithObserver(observability.NoOpObserver{}))
	require.NoError(t, err)
	return ex, q, p
}

// drain empties the queue. Send is synchronous, so once it returns every
// event of the turn is buffered.
func drain(q *event.Queue[event.Event]) []event.Event {
	var out []event.Event
	for {
		ev, ok := q.TryReceive()
		if !ok {
			return out
		}
		out = append(out, ev)
	}
}

func eventTypes(events []event.Event) []event.Type {
	out := make([]event.Type, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// waitFor receives until pred matches, failing the test on timeout.
func waitFor(t *testing.T, q *event.Queue[event.Event], pred func(event.Event) bool) event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		ev, err := q.Receive(ctx)
		require.NoError(t, err, "timed out waiting for event")
		if pred(ev) {
			return ev
		}
	}
}

func TestSendSimpleResponse(t *testing.T) {
	ex, q, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{
			providertest.Text("Hello "),
			providertest.Text("there."),
			providertest.Stop(provider.StopEndTurn),
		},
	})

	res, err := ex.Send(context.Background(), protocol.Text("hi"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.Equal(t, "Hello there.", res.Response)
	assert.Equal(t, 1, res.Rounds)

	events := drain(q)
	assert.Equal(t, []event.Type{
		event.TypeUserMessage,
		event.TypeAssistantText,
		event.TypeAssistantText,
		event.TypeStopped,
	}, eventTypes(events))
	for _, ev := range events {
		assert.Equal(t, uint64(1), ev.Generation)
	}

	msgs := ex.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, protocol.RoleUser, msgs[0].Role)
	assert.Equal(t, protocol.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hello there.", msgs[1].Text())
}

func TestToolRoundEntries(t *testing.T) {
	ex, q, p := newExecutor(t, newRegistry(t),
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-1", "list_files", `{}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("There are two files."),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	res, err := ex.Send(context.Background(), protocol.Text("list the files"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.Equal(t, 2, res.Rounds)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, event.ToolSucceeded, res.ToolCalls[0].Status)

	// The second request carries the assistant message with the call and
	// its settled result.
	require.Equal(t, 2, p.Calls())
	second := p.Request(1)
	last := second.Messages[len(second.Messages)-1]
	require.Len(t, last.ToolCalls, 1)
	require.Len(t, last.ToolResults, 1)
	assert.Equal(t, "call-1", last.ToolResults[0].CallID)
	assert.Equal(t, "a.go\nb.go", last.ToolResults[0].Content)
	assert.False(t, last.ToolResults[0].IsError)

	// Folding the event stream through the reducer yields the canonical
	// user / settled tool call / assistant shape.
	th := thread.New()
	for _, ev := range drain(q) {
		th.Apply(ev)
	}
	entries := th.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, thread.EntryUserMessage, entries[0].Kind)
	assert.Equal(t, thread.EntryToolCall, entries[1].Kind)
	assert.Equal(t, event.ToolSucceeded, entries[1].Tool.Status)
	assert.Equal(t, thread.EntryAssistantMessage, entries[2].Kind)
	assert.Equal(t, "There are two files.", entries[2].Message.Text())
}

func TestSendWhileRunningReturnsBusy(t *testing.T) {
	ex, q, p := newExecutor(t, newRegistry(t), providertest.Script{Hang: true})

	done := make(chan *turn.Result, 1)
	go func() {
		res, _ := ex.Send(context.Background(), protocol.Text("first"))
		done <- res
	}()

	waitFor(t, q, func(ev event.Event) bool { return ev.Type == event.TypeUserMessage })

	_, err := ex.Send(context.Background(), protocol.Text("second"))
	assert.ErrorIs(t, err, turn.ErrBusy)
	assert.Equal(t, 1, p.Calls())

	ex.Cancel()
	res := <-done
	require.NotNil(t, res)
	assert.Equal(t, event.StopCancelled, res.Reason)
}

func TestCancelMidStreamSingleStop(t *testing.T) {
	ex, q, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{providertest.Text("partial ")},
		Hang:   true,
	})

	var got []event.Event
	done := make(chan *turn.Result, 1)
	go func() {
		res, err := ex.Send(context.Background(), protocol.Text("go"))
		require.NoError(t, err)
		done <- res
	}()

	got = append(got, waitFor(t, q, func(ev event.Event) bool { return ev.Type == event.TypeAssistantText }))
	ex.Cancel()
	res := <-done
	assert.Equal(t, event.StopCancelled, res.Reason)

	got = append(got, drain(q)...)
	stops := 0
	for _, ev := range got {
		if ev.Type == event.TypeStopped {
			stops++
			assert.Equal(t, event.StopCancelled, ev.Reason)
			assert.Equal(t, uint64(1), ev.Generation)
		}
	}
	assert.Equal(t, 1, stops)
}

func TestAllInvocationsSettleBeforeNextRound(t *testing.T) {
	reg := tools.NewRegistry()
	var mu sync.Mutex
	var order []string
	record := func(name string, delay time.Duration, out string) tools.Handler {
		return func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			time.Sleep(delay)
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return tools.Result{Content: out}, nil
		}
	}
	require.NoError(t, reg.Register(protocol.Tool{Name: "slow"}, record("slow", 50*time.Millisecond, "slow done")))
	require.NoError(t, reg.Register(protocol.Tool{Name: "fast"}, record("fast", 0, "fast done")))

	ex, _, p := newExecutor(t, reg,
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-slow", "slow", `{}`),
			providertest.ToolUse("call-fast", "fast", `{}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("both done"),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	res, err := ex.Send(context.Background(), protocol.Text("run both"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)

	mu.Lock()
	assert.Equal(t, []string{"fast", "slow"}, order)
	mu.Unlock()

	// Results arrive together, in issue order, only after both settled.
	last := p.Request(1).Messages[len(p.Request(1).Messages)-1]
	require.Len(t, last.ToolResults, 2)
	assert.Equal(t, "call-slow", last.ToolResults[0].CallID)
	assert.Equal(t, "slow done", last.ToolResults[0].Content)
	assert.Equal(t, "call-fast", last.ToolResults[1].CallID)
}

func TestToolFailureReportedAsErrorResult(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(protocol.Tool{Name: "flaky"},
		func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			return tools.Result{}, errors.New("disk on fire")
		}))

	ex, _, p := newExecutor(t, reg,
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-1", "flaky", `{}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("that failed"),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.Equal(t, event.ToolFailed, res.ToolCalls[0].Status)

	last := p.Request(1).Messages[len(p.Request(1).Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.Equal(t, "error: disk on fire", last.ToolResults[0].Content)
}

func TestUnknownToolReportedAsErrorResult(t *testing.T) {
	ex, _, p := newExecutor(t, newRegistry(t),
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-1", "no_such_tool", `{}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)

	last := p.Request(1).Messages[len(p.Request(1).Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
}

func TestTransientFailuresRetried(t *testing.T) {
	transient := fmt.Errorf("%w: overloaded", provider.ErrTransient)
	ex, q, p := newExecutor(t, newRegistry(t),
		providertest.Script{CallErr: transient},
		providertest.Script{CallErr: transient},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("finally"),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.Equal(t, 3, p.Calls())

	var retries []event.Event
	for _, ev := range drain(q) {
		if ev.Type == event.TypeRetry {
			retries = append(retries, ev)
		}
	}
	require.Len(t, retries, 2)
	assert.Equal(t, 1, retries[0].Attempt)
	assert.Equal(t, 2, retries[1].Attempt)
	assert.Positive(t, retries[0].Delay)
	assert.Contains(t, retries[0].Err, "overloaded")
}

func TestRetryExhaustionStopsErrored(t *testing.T) {
	transient := fmt.Errorf("%w: overloaded", provider.ErrTransient)
	ex, q, p := newExecutor(t, newRegistry(t),
		providertest.Script{CallErr: transient},
		providertest.Script{CallErr: transient},
		providertest.Script{CallErr: transient},
	)

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.Error(t, err)
	assert.ErrorIs(t, err, provider.ErrTransient)
	assert.Equal(t, event.StopErrored, res.Reason)
	assert.Equal(t, 3, p.Calls())

	events := drain(q)
	var retries, stops int
	var sawError bool
	for _, ev := range events {
		switch ev.Type {
		case event.TypeRetry:
			retries++
		case event.TypeStopped:
			stops++
			assert.Equal(t, event.StopErrored, ev.Reason)
		case event.TypeError:
			sawError = true
		}
	}
	assert.Equal(t, 2, retries)
	assert.Equal(t, 1, stops)
	assert.True(t, sawError)
}

func TestFatalFailureNotRetried(t *testing.T) {
	ex, _, p := newExecutor(t, newRegistry(t),
		providertest.Script{CallErr: fmt.Errorf("%w: bad request", provider.ErrFatal)},
	)

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.Error(t, err)
	assert.Equal(t, event.StopErrored, res.Reason)
	assert.Equal(t, 1, p.Calls())
}

func TestRetryAfterErroredTurn(t *testing.T) {
	ex, q, p := newExecutor(t, newRegistry(t),
		providertest.Script{CallErr: fmt.Errorf("%w: bad request", provider.ErrFatal)},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("second time lucky"),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	_, err := ex.Send(context.Background(), protocol.Text("go"))
	require.Error(t, err)

	res, err := ex.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.Equal(t, "second time lucky", res.Response)

	// The user message is not duplicated on retry.
	users := 0
	for _, m := range p.Request(1).Messages {
		if m.Role == protocol.RoleUser {
			users++
		}
	}
	assert.Equal(t, 1, users)

	// The retried turn runs under a fresh generation.
	var stopGens []uint64
	for _, ev := range drain(q) {
		if ev.Type == event.TypeStopped {
			stopGens = append(stopGens, ev.Generation)
		}
	}
	assert.Equal(t, []uint64{1, 2}, stopGens)
}

func TestRetryWithoutFailureReturnsErrNoRetry(t *testing.T) {
	ex, _, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{
			providertest.Text("fine"),
			providertest.Stop(provider.StopEndTurn),
		},
	})

	_, err := ex.Retry(context.Background())
	assert.ErrorIs(t, err, turn.ErrNoRetry)

	_, err = ex.Send(context.Background(), protocol.Text("go"))
	require.NoError(t, err)

	_, err = ex.Retry(context.Background())
	assert.ErrorIs(t, err, turn.ErrNoRetry)
}

func TestApprovalGrantRunsTool(t *testing.T) {
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(
		protocol.Tool{Name: "rm_rf", RequiresApproval: true},
		func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			return tools.Result{Content: "gone"}, nil
		}))

	ex, q, p := newExecutor(t, reg,
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-1", "rm_rf", `{"path":"/tmp/x"}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("removed"),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	done := make(chan *turn.Result, 1)
	go func() {
		res, err := ex.Send(context.Background(), protocol.Text("clean up"))
		require.NoError(t, err)
		done <- res
	}()

	waitFor(t, q, func(ev event.Event) bool {
		return ev.Type == event.TypeToolCallUpdate && ev.Tool.Status == event.ToolAwaitingApproval
	})
	require.NoError(t, ex.Authorize("call-1", true))

	res := <-done
	assert.Equal(t, event.StopEndTurn, res.Reason)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, event.ToolSucceeded, res.ToolCalls[0].Status)

	last := p.Request(1).Messages[len(p.Request(1).Messages)-1]
	assert.Equal(t, "gone", last.ToolResults[0].Content)
}

func TestApprovalDenialContinuesTurn(t *testing.T) {
	ran := false
	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(
		protocol.Tool{Name: "rm_rf", RequiresApproval: true},
		func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			ran = true
			return tools.Result{Content: "gone"}, nil
		}))

	ex, q, p := newExecutor(t, reg,
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-1", "rm_rf", `{}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Text("understood, leaving it alone"),
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	done := make(chan *turn.Result, 1)
	go func() {
		res, err := ex.Send(context.Background(), protocol.Text("clean up"))
		require.NoError(t, err)
		done <- res
	}()

	waitFor(t, q, func(ev event.Event) bool {
		return ev.Type == event.TypeToolCallUpdate && ev.Tool.Status == event.ToolAwaitingApproval
	})
	require.NoError(t, ex.Authorize("call-1", false))

	res := <-done
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.False(t, ran, "denied tool handler must not run")
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, event.ToolFailed, res.ToolCalls[0].Status)
	assert.Contains(t, res.ToolCalls[0].Err, "permission denied")

	last := p.Request(1).Messages[len(p.Request(1).Messages)-1]
	require.Len(t, last.ToolResults, 1)
	assert.True(t, last.ToolResults[0].IsError)
	assert.True(t, strings.Contains(last.ToolResults[0].Content, "permission denied"))
}

func TestAuthorizeUnknownCall(t *testing.T) {
	ex, _, _ := newExecutor(t, newRegistry(t))
	err := ex.Authorize("call-missing", true)
	assert.ErrorIs(t, err, turn.ErrNotFound)
}

func TestUnregisteredToolRequiresApproval(t *testing.T) {
	// Unknown tools are approval-gated rather than auto-run.
	ex, q, _ := newExecutor(t, newRegistry(t),
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.ToolUse("call-1", "mystery", `{}`),
			providertest.Stop(provider.StopToolUse),
		}},
		providertest.Script{Events: []provider.CompletionEvent{
			providertest.Stop(provider.StopEndTurn),
		}},
	)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := ex.Send(context.Background(), protocol.Text("go"))
		require.NoError(t, err)
		require.Len(t, res.ToolCalls, 1)
		assert.Equal(t, event.ToolFailed, res.ToolCalls[0].Status)
	}()

	waitFor(t, q, func(ev event.Event) bool {
		return ev.Type == event.TypeToolCallUpdate && ev.Tool.Status == event.ToolAwaitingApproval
	})
	require.NoError(t, ex.Authorize("call-1", true))
	<-done
}

func TestTruncateRemovesFromHistory(t *testing.T) {
	script := providertest.Script{Events: []provider.CompletionEvent{
		providertest.Text("ok"),
		providertest.Stop(provider.StopEndTurn),
	}}
	ex, q, _ := newExecutor(t, newRegistry(t), script, script)

	_, err := ex.Send(context.Background(), protocol.Text("first"))
	require.NoError(t, err)
	_, err = ex.Send(context.Background(), protocol.Text("second"))
	require.NoError(t, err)

	msgs := ex.Messages()
	require.Len(t, msgs, 4)
	secondID := msgs[2].ID

	require.NoError(t, ex.Truncate(secondID))
	msgs = ex.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text())

	var truncated *event.Event
	for _, ev := range drain(q) {
		if ev.Type == event.TypeTruncated {
			ev := ev
			truncated = &ev
		}
	}
	require.NotNil(t, truncated)
	assert.Equal(t, secondID, truncated.MessageID)
	assert.Equal(t, uint64(3), truncated.Generation)
}

func TestTruncateUnknownAndAssistantIDs(t *testing.T) {
	ex, _, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{
			providertest.Text("ok"),
			providertest.Stop(provider.StopEndTurn),
		},
	})

	_, err := ex.Send(context.Background(), protocol.Text("hello"))
	require.NoError(t, err)

	assert.ErrorIs(t, ex.Truncate("no-such-id"), turn.ErrNotFound)

	msgs := ex.Messages()
	assistantID := msgs[1].ID
	assert.ErrorIs(t, ex.Truncate(assistantID), turn.ErrNotFound)
}

func TestTruncateWhileRunningReturnsBusy(t *testing.T) {
	ex, q, _ := newExecutor(t, newRegistry(t), providertest.Script{Hang: true})

	done := make(chan struct{})
	go func() {
		defer close(done)
		ex.Send(context.Background(), protocol.Text("go")) //nolint:errcheck
	}()

	ev := waitFor(t, q, func(ev event.Event) bool { return ev.Type == event.TypeUserMessage })
	assert.ErrorIs(t, ex.Truncate(ev.Message.ID), turn.ErrBusy)

	ex.Cancel()
	<-done
}

func TestRefusalStop(t *testing.T) {
	ex, q, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{
			providertest.Text("I can't help with that."),
			providertest.Stop(provider.StopRefusal),
		},
	})

	res, err := ex.Send(context.Background(), protocol.Text("do the thing"))
	require.NoError(t, err)
	assert.Equal(t, event.StopRefusal, res.Reason)

	stop := waitFor(t, q, func(ev event.Event) bool { return ev.Type == event.TypeStopped })
	assert.Equal(t, event.StopRefusal, stop.Reason)
}

func TestStreamFailureStopsErrored(t *testing.T) {
	ex, q, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events:    []provider.CompletionEvent{providertest.Text("partial")},
		StreamErr: fmt.Errorf("%w: connection reset", provider.ErrTransient),
	})

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.Error(t, err)
	assert.Equal(t, event.StopErrored, res.Reason)

	stop := waitFor(t, q, func(ev event.Event) bool { return ev.Type == event.TypeStopped })
	assert.Equal(t, event.StopErrored, stop.Reason)
}

func TestStopToolUseWithNoCallsEndsTurn(t *testing.T) {
	ex, _, _ := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{
			providertest.Text("nothing to run"),
			providertest.Stop(provider.StopToolUse),
		},
	})

	res, err := ex.Send(context.Background(), protocol.Text("go"))
	require.NoError(t, err)
	assert.Equal(t, event.StopEndTurn, res.Reason)
	assert.Equal(t, 1, res.Rounds)
}

func TestSetMessagesRestoresHistory(t *testing.T) {
	ex, _, p := newExecutor(t, newRegistry(t), providertest.Script{
		Events: []provider.CompletionEvent{
			providertest.Text("welcome back"),
			providertest.Stop(provider.StopEndTurn),
		},
	})

	saved := []protocol.Message{
		protocol.NewUserMessage(protocol.Text("earlier question")),
		protocol.NewAssistantMessage([]protocol.ContentBlock{protocol.Text("earlier answer")}, nil),
		protocol.NewResumeMarker(),
	}
	require.NoError(t, ex.SetMessages(saved))

	_, err := ex.Send(context.Background(), protocol.Text("new question"))
	require.NoError(t, err)

	req := p.Request(0)
	require.Len(t, req.Messages, 4)
	assert.Equal(t, protocol.RoleResume, req.Messages[2].Role)
	assert.Equal(t, "new question", req.Messages[3].Text())
}
