package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/core/event"
	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/observability"
	"github.com/loomworks/loom/store"
)

const defaultQueueBuffer = 64

// BackendFactory creates the backend for a new session. The backend must
// publish its events to the given queue.
type BackendFactory func(ctx context.Context, queue *event.Queue[event.Event], cwd string) (Backend, error)

// Registry is the single mutator of the id-to-session mapping. It guarantees
// identifier uniqueness and that lookups after Close return ErrNotFound
// rather than a stale handle.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	factory     BackendFactory
	store       store.Store
	queueBuffer int
	observer    observability.Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore enables persistence of closed sessions so they can be loaded or
// resumed later.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithObserver sets the registry's observability sink.
func WithObserver(o observability.Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithQueueBuffer sets the event queue capacity for new sessions.
func WithQueueBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueBuffer = n
		}
	}
}

// NewRegistry creates a Registry that builds session backends with factory.
func NewRegistry(factory BackendFactory, opts ...Option) (*Registry, error) {
	if factory == nil {
		return nil, fmt.Errorf("backend factory must not be nil")
	}

	r := &Registry{
		sessions:    make(map[string]*Session),
		factory:     factory,
		queueBuffer: defaultQueueBuffer,
		observer:    observability.NewSlogObserver(slog.Default()),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create opens a new session rooted at cwd and registers it under a fresh
// UUIDv7 identifier.
func (r *Registry) Create(ctx context.Context, cwd string) (*Session, error) {
	id := uuid.Must(uuid.NewV7()).String()

	queue := event.NewQueue[event.Event](r.queueBuffer)
	backend, err := r.factory(ctx, queue, cwd)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("create backend: %w", err)
	}

	s := newSession(id, cwd, backend, queue)

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.observe(ctx, EventCreate, map[string]any{"session_id": id, "cwd": cwd})
	return s, nil
}

// Load reopens a persisted session: the saved message history is handed to
// the new backend and the saved entries are restored into the thread.
// Requires a store and a backend with the Loader capability.
func (r *Registry) Load(ctx context.Context, sessionID, cwd string) (*Session, error) {
	s, err := r.open(ctx, sessionID, cwd, false)
	if err != nil {
		return nil, err
	}
	r.observe(ctx, EventLoad, map[string]any{"session_id": sessionID})
	return s, nil
}

// Resume reopens a persisted session whose last turn was interrupted. A
// resume marker is appended to the restored history so the next completion
// request reflects the interruption.
func (r *Registry) Resume(ctx context.Context, sessionID, cwd string) (*Session, error) {
	s, err := r.open(ctx, sessionID, cwd, true)
	if err != nil {
		return nil, err
	}
	r.observe(ctx, EventResume, map[string]any{"session_id": sessionID})
	return s, nil
}

func (r *Registry) open(ctx context.Context, sessionID, cwd string, resume bool) (*Session, error) {
	if r.store == nil {
		return nil, fmt.Errorf("%w: no store configured", ErrUnsupported)
	}

	r.mu.RLock()
	_, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrExists, sessionID)
	}

	rec, err := r.store.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, err
	}
	if cwd == "" {
		cwd = rec.CWD
	}

	queue := event.NewQueue[event.Event](r.queueBuffer)
	backend, err := r.factory(ctx, queue, cwd)
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("create backend: %w", err)
	}

	loader, ok := backend.(Loader)
	if !ok {
		queue.Close()
		return nil, fmt.Errorf("%w: backend cannot restore history", ErrUnsupported)
	}

	msgs := rec.Messages
	if resume {
		msgs = append(msgs, protocol.NewResumeMarker())
	}
	if err := loader.SetMessages(msgs); err != nil {
		queue.Close()
		return nil, fmt.Errorf("restore history: %w", err)
	}

	s := newSession(rec.SessionID, cwd, backend, queue)
	s.thr.Restore(rec.Entries)

	r.mu.Lock()
	if _, exists := r.sessions[rec.SessionID]; exists {
		r.mu.Unlock()
		s.close()
		return nil, fmt.Errorf("%w: %s", ErrExists, rec.SessionID)
	}
	r.sessions[rec.SessionID] = s
	r.mu.Unlock()

	return s, nil
}

// Close persists the session if a store is configured, releases its backend,
// and removes the registry entry. Closing an id that is not registered is a
// no-op. A backend without the Closer capability fails with ErrUnsupported
// and the entry is retained.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	s, exists := r.sessions[id]
	if !exists {
		r.mu.Unlock()
		return nil
	}

	closer, ok := s.backend.(Closer)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: backend cannot close", ErrUnsupported)
	}

	// Apply every buffered event before snapshotting the thread, so the
	// persisted entries match the full event stream.
	s.drain()

	if err := r.persist(ctx, s); err != nil {
		r.mu.Unlock()
		r.observe(ctx, EventError, map[string]any{"session_id": id, "error": err.Error()})
		return err
	}

	delete(r.sessions, id)
	r.mu.Unlock()

	err := closer.Close()
	s.close()

	r.observe(ctx, EventClose, map[string]any{"session_id": id})
	return err
}

// persist writes the session record when both a store and a history-exposing
// backend are available. Called with r.mu held.
func (r *Registry) persist(ctx context.Context, s *Session) error {
	if r.store == nil {
		return nil
	}
	loader, ok := s.backend.(Loader)
	if !ok {
		return nil
	}

	rec := &store.Record{
		SessionID: s.id,
		CWD:       s.cwd,
		Messages:  loader.Messages(),
		Entries:   s.thr.Entries(),
		SavedAt:   time.Now().UTC(),
	}
	return r.store.Save(ctx, rec)
}

// Get returns a registered session by id.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// List returns all registered sessions, sorted by id.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *Registry) observe(ctx context.Context, t observability.EventType, data map[string]any) {
	r.observer.OnEvent(ctx, observability.Event{
		Type:      t,
		Level:     observability.LevelInfo,
		Timestamp: time.Now(),
		Source:    "session.Registry",
		Data:      data,
	})
}
