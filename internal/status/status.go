package status

import "errors"

var (
	// Join failures.
	ErrQueueNotFound  = errors.New("queue: queue not found")
	ErrQueueClosed    = errors.New("queue: queue is closed")
	ErrQueueFull      = errors.New("queue: queue is full")
	ErrDuplicateEntry = errors.New("queue: contact already has an active entry")

	// Entry state machine.
	ErrEntryNotFound      = errors.New("entry: entry not found")
	ErrInvalidTransition  = errors.New("entry: invalid state transition")
	ErrAnotherEntryCalled = errors.New("entry: another entry is already called")

	// Session resolution. Forged, unknown and expired identifiers all
	// surface as ErrSessionNotFound so a caller cannot probe which it was.
	ErrSessionNotFound = errors.New("session: not in any queue")

	// Cancellation requires a second confirmation step.
	ErrConfirmRequired = errors.New("cancel: confirmation required")
)
