package turn

import "errors"

var (
	// ErrBusy is returned by Send, Retry, and Truncate while a turn is
	// already in flight. The running turn is not disturbed.
	ErrBusy = errors.New("turn already running")

	// ErrNoRetry is returned by Retry when the last turn did not end in an
	// errored or cancelled state.
	ErrNoRetry = errors.New("nothing to retry")

	// ErrNotFound is returned for unknown message or tool call IDs.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied marks a tool invocation rejected by the user.
	ErrPermissionDenied = errors.New("permission denied")
)
