package session

import "errors"

// Sentinel errors for session and registry operations.
var (
	ErrNotFound    = errors.New("session not found")
	ErrExists      = errors.New("session already open")
	ErrClosed      = errors.New("session closed")
	ErrUnsupported = errors.New("backend capability unsupported")
)
