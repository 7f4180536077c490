// Package errors holds the sentinel errors returned by the lock manager.
// Callers match them with errors.Is; richer error types in the locktree
// package unwrap to one of these.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when the requested range overlaps an
	// incompatible lock held by another transaction.
	ErrConflict = errors.New("locktree: lock not granted")
	// ErrOutOfResources is returned when granting would exceed the lock
	// budget and escalation did not free enough room.
	ErrOutOfResources = errors.New("locktree: out of locks")
	// ErrBadInput is returned for malformed intervals, invalid handles and
	// invalid configuration.
	ErrBadInput = errors.New("locktree: bad input")
	// ErrFatal is returned by every call once an internal inconsistency was
	// detected.
	ErrFatal = errors.New("locktree: manager is in fatal state")
	// ErrClosed is returned after the manager has been closed.
	ErrClosed = errors.New("locktree: manager closed")
)

var (
	ErrInvalidInterval = fmt.Errorf("%w: left endpoint greater than right endpoint", ErrBadInput)
	ErrUnknownResource = fmt.Errorf("%w: unknown or released resource", ErrBadInput)
	ErrInvalidBudget   = fmt.Errorf("%w: invalid lock budget", ErrBadInput)
)
