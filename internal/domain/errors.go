package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidInput  = errors.New("invalid input")
	ErrLockHeld      = errors.New("lock already held")

	// ErrExchange marks a response the exchange answered with a non-success
	// result code. Callers treat it as "no data this cycle".
	ErrExchange = errors.New("exchange returned non-success result")

	// ErrAuditUnavailable is returned when the position update table is
	// missing. The primary signal mutation still succeeds.
	ErrAuditUnavailable = errors.New("position update table unavailable")

	// ErrTrackerStopped is returned for commands submitted after the poll
	// loop has exited.
	ErrTrackerStopped = errors.New("tracker stopped")

	// ErrSignalCompleted rejects mutations of a signal that already closed.
	ErrSignalCompleted = errors.New("signal already completed")
)
