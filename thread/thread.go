// Package thread folds session events into a single ordered view of a
// conversation: user messages, aggregated assistant messages, and tool
// calls updated in place. The reducer is backend-agnostic; native turn
// executors and external adapters feed it the same event stream.
package thread

import (
	"slices"
	"sync"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
)

// EntryKind identifies what a thread entry holds.
type EntryKind string

const (
	EntryUserMessage      EntryKind = "user_message"
	EntryAssistantMessage EntryKind = "assistant_message"
	EntryToolCall         EntryKind = "tool_call"
)

// Entry is one element of the unified thread. Index is assigned when the
// entry is created and is never reused, even after entries are removed.
// Message is set for user and assistant entries, Tool for tool-call entries.
type Entry struct {
	Index   int                  `json:"index"`
	Kind    EntryKind            `json:"kind"`
	Message *protocol.Message    `json:"message,omitempty"`
	Tool    *event.ToolCallState `json:"tool,omitempty"`
}

func (e Entry) clone() Entry {
	c := e
	if e.Message != nil {
		m := e.Message.Clone()
		c.Message = &m
	}
	if e.Tool != nil {
		t := *e.Tool
		c.Tool = &t
	}
	return c
}

// Thread is the reducer for a session's event stream. Apply is meant to be
// called from a single consumer goroutine; snapshot accessors are safe to
// call concurrently from presentation code.
type Thread struct {
	mu sync.RWMutex

	entries   []Entry
	nextIndex int

	// current is the slice position of the assistant entry still receiving
	// deltas, or -1 when the next text delta must open a new entry.
	current int

	byCallID map[string]int // call ID -> entry Index

	plan     event.Plan
	hasPlan  bool
	usage    event.Usage
	hasUsage bool

	// minGen is the generation floor. Events below it are leftovers from a
	// cancelled or truncated turn and are dropped.
	minGen uint64
}

// New returns an empty thread.
func New() *Thread {
	return &Thread{
		current:  -1,
		byCallID: make(map[string]int),
	}
}

// Apply folds one event into the thread. It returns the resulting change
// notification and true, or a zero notification and false when the event
// produced no observable change (stale events, unknown types). Retry events
// leave the entries untouched but are surfaced as NotifyRetry so listeners
// can show the attempt in progress.
func (t *Thread) Apply(e event.Event) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e.Generation < t.minGen {
		return Notification{}, false
	}

	switch e.Type {
	case event.TypeUserMessage:
		if e.Message == nil {
			return Notification{}, false
		}
		t.current = -1
		m := e.Message.Clone()
		return t.append(Entry{Kind: EntryUserMessage, Message: &m}), true

	case event.TypeAssistantText:
		return t.appendAssistant(e, protocol.BlockText), true

	case event.TypeAssistantThinking:
		return t.appendAssistant(e, protocol.BlockThinking), true

	case event.TypeToolCall:
		if e.Tool == nil {
			return Notification{}, false
		}
		t.current = -1
		tc := *e.Tool
		n := t.append(Entry{Kind: EntryToolCall, Tool: &tc})
		t.byCallID[tc.ID] = n.Index
		return n, true

	case event.TypeToolCallUpdate:
		if e.Tool == nil {
			return Notification{}, false
		}
		tc := *e.Tool
		idx, ok := t.byCallID[tc.ID]
		if !ok {
			// Update for a call this thread never saw started; external
			// backends may report calls in a single terminal update.
			t.current = -1
			n := t.append(Entry{Kind: EntryToolCall, Tool: &tc})
			t.byCallID[tc.ID] = n.Index
			return n, true
		}
		pos, ok := t.position(idx)
		if !ok {
			return Notification{}, false
		}
		t.entries[pos].Tool = &tc
		return Notification{Kind: NotifyEntryUpdated, Index: idx}, true

	case event.TypePlan:
		if e.Plan == nil {
			return Notification{}, false
		}
		t.plan = event.Plan{Entries: slices.Clone(e.Plan.Entries)}
		t.hasPlan = true
		return Notification{Kind: NotifyPlanUpdated}, true

	case event.TypeRetry:
		return Notification{Kind: NotifyRetry, Attempt: e.Attempt, Delay: e.Delay, Err: e.Err}, true

	case event.TypeUsage:
		if e.Usage == nil {
			return Notification{}, false
		}
		t.usage = *e.Usage
		t.hasUsage = true
		return Notification{Kind: NotifyUsageUpdated}, true

	case event.TypeStopped:
		t.minGen = e.Generation + 1
		t.current = -1
		return Notification{Kind: NotifyStopped, Reason: e.Reason}, true

	case event.TypeError:
		return Notification{Kind: NotifyError, Err: e.Err}, true

	case event.TypeTruncated:
		t.minGen = e.Generation + 1
		t.current = -1
		return t.truncate(e.MessageID)

	default:
		return Notification{}, false
	}
}

// append adds an entry at the next index and reports it as new.
func (t *Thread) append(e Entry) Notification {
	e.Index = t.nextIndex
	t.nextIndex++
	t.entries = append(t.entries, e)
	return Notification{Kind: NotifyNewEntry, Index: e.Index}
}

// appendAssistant folds a text or thinking delta into the in-progress
// assistant entry, opening a new one when a user message or tool call has
// ended the previous run of deltas.
func (t *Thread) appendAssistant(e event.Event, kind protocol.BlockType) Notification {
	if t.current < 0 {
		m := protocol.Message{ID: e.MessageID, Role: protocol.RoleAssistant}
		m.Blocks = append(m.Blocks, protocol.ContentBlock{Type: kind, Text: e.Text})
		n := t.append(Entry{Kind: EntryAssistantMessage, Message: &m})
		t.current = len(t.entries) - 1
		return n
	}

	m := t.entries[t.current].Message
	if last := len(m.Blocks) - 1; last >= 0 && m.Blocks[last].Type == kind {
		m.Blocks[last].Text += e.Text
	} else {
		m.Blocks = append(m.Blocks, protocol.ContentBlock{Type: kind, Text: e.Text})
	}
	return Notification{Kind: NotifyEntryUpdated, Index: t.entries[t.current].Index}
}

// truncate removes the user entry carrying the given message ID and every
// entry after it. Removed indices are retired, never reassigned.
func (t *Thread) truncate(messageID string) (Notification, bool) {
	for pos, entry := range t.entries {
		if entry.Kind != EntryUserMessage || entry.Message.ID != messageID {
			continue
		}
		for _, removed := range t.entries[pos:] {
			if removed.Kind == EntryToolCall && removed.Tool != nil {
				delete(t.byCallID, removed.Tool.ID)
			}
		}
		from := entry.Index
		t.entries = t.entries[:pos]
		return Notification{Kind: NotifyEntriesRemoved, Index: from, From: from, To: t.nextIndex}, true
	}
	return Notification{}, false
}

// position maps a stable entry index to its slice position.
func (t *Thread) position(index int) (int, bool) {
	pos, ok := slices.BinarySearchFunc(t.entries, index, func(e Entry, idx int) int {
		return e.Index - idx
	})
	return pos, ok
}

// Restore replaces the thread's entries with a persisted snapshot, typically
// when loading a saved session. Indices are kept as recorded; new entries
// continue after the highest restored index.
func (t *Thread) Restore(entries []Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make([]Entry, len(entries))
	t.byCallID = make(map[string]int)
	t.nextIndex = 0
	t.current = -1

	for i, e := range entries {
		t.entries[i] = e.clone()
		if e.Index >= t.nextIndex {
			t.nextIndex = e.Index + 1
		}
		if e.Kind == EntryToolCall && e.Tool != nil {
			t.byCallID[e.Tool.ID] = e.Index
		}
	}
}

// Entries returns a deep copy of the current entries.
func (t *Thread) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.clone()
	}
	return out
}

// Entry returns a copy of the entry with the given stable index.
func (t *Thread) Entry(index int) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pos, ok := t.position(index)
	if !ok {
		return Entry{}, false
	}
	return t.entries[pos].clone(), true
}

// Len returns the number of live entries.
func (t *Thread) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Plan returns the latest plan and whether one has been reported.
func (t *Thread) Plan() (event.Plan, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return event.Plan{Entries: slices.Clone(t.plan.Entries)}, t.hasPlan
}

// Usage returns the latest token usage and whether any has been reported.
func (t *Thread) Usage() (event.Usage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage, t.hasUsage
}

// Generation returns the current generation floor.
func (t *Thread) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minGen
}
