// Package providertest provides a scripted Provider implementation for
// exercising turn and session logic without a real model backend.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/loomworks/loom/provider"
)

// Script describes one StreamCompletion call's behavior.
type Script struct {
	// CallErr, when set, is returned from StreamCompletion itself.
	CallErr error

	// Events are emitted on the stream in order.
	Events []provider.CompletionEvent

	// StreamErr, when set, is reported by Stream.Err after the channel
	// closes.
	StreamErr error

	// Hang, when true, keeps the stream open after Events until the
	// request context is cancelled. Err then reports the context error.
	Hang bool
}

// Scripted is a Provider that plays back one Script per StreamCompletion
// call and records every request it receives. Safe for concurrent use.
type Scripted struct {
	mu       sync.Mutex
	scripts  []Script
	calls    int
	requests []provider.Request
}

// NewScripted creates a Scripted provider. Calls beyond the configured
// scripts fail with a fatal error.
func NewScripted(scripts ...Script) *Scripted {
	return &Scripted{scripts: scripts}
}

// Calls returns how many times StreamCompletion was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Requests returns a copy of all recorded requests.
func (s *Scripted) Requests() []provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Request returns the i-th recorded request.
func (s *Scripted) Request(i int) provider.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *Scripted) StreamCompletion(ctx context.Context, req provider.Request) (provider.Stream, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.requests = append(s.requests, req)
	s.mu.Unlock()

	if i >= len(s.scripts) {
		return nil, errors.Join(provider.ErrFatal, errors.New("providertest: no script for call"))
	}
	script := s.scripts[i]
	if script.CallErr != nil {
		return nil, script.CallErr
	}

	st := &stream{ch: make(chan provider.CompletionEvent)}
	go func() {
		defer close(st.ch)
		for _, ev := range script.Events {
			select {
			case st.ch <- ev:
			case <-ctx.Done():
				st.setErr(ctx.Err())
				return
			}
		}
		if script.Hang {
			<-ctx.Done()
			st.setErr(ctx.Err())
			return
		}
		st.setErr(script.StreamErr)
	}()
	return st, nil
}

type stream struct {
	ch  chan provider.CompletionEvent
	mu  sync.Mutex
	err error
}

func (s *stream) Events() <-chan provider.CompletionEvent { return s.ch }

func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
