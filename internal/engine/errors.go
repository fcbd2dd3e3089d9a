package engine

import "errors"

var (
	// ErrStopped is returned by operations attempted after Stop.
	ErrStopped = errors.New("engine stopped")

	// ErrOffline is returned when an operation needs connectivity the
	// engine does not have.
	ErrOffline = errors.New("offline")

	// ErrConflictClosed is returned when resolving a conflict that is no
	// longer open.
	ErrConflictClosed = errors.New("conflict already resolved")
)
