// Package store persists session records so closed sessions can be loaded
// and resumed later. Implementations are stateless and perform I/O on each
// call without caching.
package store

import (
	"context"
	"time"

	"github.com/loomworks/loom/core/protocol"
	"github.com/loomworks/loom/thread"
)

// Record is the persisted form of a session: the provider-facing message
// history plus the thread entries needed to rebuild the user-visible
// transcript.
type Record struct {
	SessionID string             `json:"session_id"`
	CWD       string             `json:"cwd,omitempty"`
	Messages  []protocol.Message `json:"messages"`
	Entries   []thread.Entry     `json:"entries"`
	SavedAt   time.Time          `json:"saved_at"`
}

// Store translates between external storage and session records.
type Store interface {
	// List returns the IDs of all persisted sessions.
	List(ctx context.Context) ([]string, error)
	// Load retrieves the record for the given session ID.
	Load(ctx context.Context, sessionID string) (*Record, error)
	// Save persists a record, creating or overwriting as needed.
	Save(ctx context.Context, rec *Record) error
	// Delete removes a record. Missing IDs are ignored.
	Delete(ctx context.Context, sessionID string) error
}
