// Package session ties one backend, one event queue, and one thread reducer
// together under a stable identifier, and manages the set of open sessions
// through a Registry.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/thread"
	"github.com/loomworks/loom/turn"
)

// State is a session's lifecycle phase.
type State string

const (
	StateCreated   State = "created"
	StateActive    State = "active"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
	StateErrored   State = "errored"
	StateClosed    State = "closed"
)

// Session owns exactly one backend and the session-scoped state derived from
// its events. A single consumer goroutine drains the event queue into the
// thread reducer and fans resulting notifications out to subscribers, so the
// entry sequence has no concurrent writers.
type Session struct {
	id      string
	cwd     string
	backend Backend
	queue   *event.Queue[event.Event]
	thr     *thread.Thread
	subs    *thread.Subscribers

	mu    sync.Mutex
	state State

	drainOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id, cwd string, backend Backend, queue *event.Queue[event.Event]) *Session {
	s := &Session{
		id:      id,
		cwd:     cwd,
		backend: backend,
		queue:   queue,
		thr:     thread.New(),
		subs:    thread.NewSubscribers(),
		state:   StateCreated,
		done:    make(chan struct{}),
	}
	go s.consume()
	return s
}

func (s *Session) consume() {
	defer close(s.done)
	for {
		ev, err := s.queue.Receive(context.Background())
		if err != nil {
			return
		}
		if note, ok := s.thr.Apply(ev); ok {
			s.subs.Publish(note)
		}
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// CWD returns the working directory the session was created with.
func (s *Session) CWD() string { return s.cwd }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Thread returns the session's thread for snapshot access.
func (s *Session) Thread() *thread.Thread { return s.thr }

// Subscribe registers a notification channel with the given buffer size.
// The returned cancel function unregisters it.
func (s *Session) Subscribe(buffer int) (<-chan thread.Notification, func()) {
	return s.subs.Subscribe(buffer)
}

// Prompt runs one user turn on the backend. A turn already in flight
// surfaces as turn.ErrBusy without disturbing it.
func (s *Session) Prompt(ctx context.Context, blocks ...protocol.ContentBlock) (*turn.Result, error) {
	if s.State() == StateClosed {
		return nil, ErrClosed
	}
	s.setState(StateActive)
	return s.settle(s.backend.Prompt(ctx, blocks...))
}

// Retry re-issues the last errored or cancelled turn. Backends without
// retry support return ErrUnsupported.
func (s *Session) Retry(ctx context.Context) (*turn.Result, error) {
	if s.State() == StateClosed {
		return nil, ErrClosed
	}
	r, ok := s.backend.(Retrier)
	if !ok {
		return nil, ErrUnsupported
	}
	s.setState(StateActive)
	return s.settle(r.Retry(ctx))
}

func (s *Session) settle(res *turn.Result, err error) (*turn.Result, error) {
	if err != nil {
		if !errors.Is(err, turn.ErrBusy) && !errors.Is(err, turn.ErrNoRetry) {
			s.setState(StateErrored)
		}
		return res, err
	}
	switch res.Reason {
	case event.StopCancelled:
		s.setState(StateCancelled)
	case event.StopErrored:
		s.setState(StateErrored)
	default:
		s.setState(StateCompleted)
	}
	return res, nil
}

// Cancel requests cancellation of the running turn.
func (s *Session) Cancel() error {
	return s.backend.Cancel()
}

// Truncate rewinds history to before the given user message. Backends
// without truncate support return ErrUnsupported.
func (s *Session) Truncate(messageID string) error {
	t, ok := s.backend.(Truncater)
	if !ok {
		return ErrUnsupported
	}
	return t.Truncate(messageID)
}

// Authorize resolves a pending tool approval on the backend.
func (s *Session) Authorize(callID string, approved bool) error {
	return s.backend.Authorize(callID, approved)
}

// drain closes the event queue and waits for the consumer to apply every
// buffered event, so the thread reflects the full event stream.
func (s *Session) drain() {
	s.drainOnce.Do(func() {
		s.queue.Close()
		<-s.done
	})
}

// close shuts the event pipeline down. The registry calls it after the
// backend has been released.
func (s *Session) close() {
	s.drain()
	s.closeOnce.Do(func() {
		s.subs.Close()
		s.setState(StateClosed)
	})
}
