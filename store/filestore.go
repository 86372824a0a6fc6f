package store

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const recordExt = ".json"

type fileStore struct {
	root string
}

// NewFileStore creates a Store backed by the filesystem. Each record is a
// JSON document named <session-id>.json under root.
func NewFileStore(root string) Store {
	return &fileStore{root: root}
}

func (s *fileStore) List(_ context.Context) ([]string, error) {
	var ids []string

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == s.root {
				return fs.SkipAll
			}
			return err
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !strings.HasSuffix(d.Name(), recordExt) {
			return nil
		}

		ids = append(ids, strings.TrimSuffix(d.Name(), recordExt))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	return ids, nil
}

func (s *fileStore) Load(_ context.Context, sessionID string) (*Record, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, sessionID, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLoadFailed, sessionID, err)
	}
	return &rec, nil
}

func (s *fileStore) Save(_ context.Context, rec *Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrSaveFailed)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}

	path := s.path(rec.SessionID)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", ErrSaveFailed, rec.SessionID, err)
	}

	return nil
}

func (s *fileStore) Delete(_ context.Context, sessionID string) error {
	if err := os.Remove(s.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete failed: %s: %w", sessionID, err)
	}
	return nil
}

func (s *fileStore) path(sessionID string) string {
	return filepath.Join(s.root, sessionID+recordExt)
}
