package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type memStore struct {
	mu      sync.RWMutex
	records map[string][]byte
}

// NewMemStore creates an in-memory Store. Records survive the process only;
// intended for tests and ephemeral sessions.
func NewMemStore() Store {
	return &memStore{records: make(map[string][]byte)}
}

func (s *memStore) List(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *memStore) Load(_ context.Context, sessionID string) (*Record, error) {
	s.mu.RLock()
	data, ok := s.records[sessionID]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, sessionID, err)
	}
	return &rec, nil
}

func (s *memStore) Save(_ context.Context, rec *Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrSaveFailed)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}

	s.mu.Lock()
	s.records[rec.SessionID] = data
	s.mu.Unlock()
	return nil
}

func (s *memStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	delete(s.records, sessionID)
	s.mu.Unlock()
	return nil
}
