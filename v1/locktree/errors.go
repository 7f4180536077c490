package locktree

import (
	"fmt"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
	"github.com/mirkobrombin/go-locktree/v1/interval"
)

// ConflictError describes a denied request. It matches errors.ErrConflict.
type ConflictError struct {
	Resource ResourceID
	Txn      TxnID
	Mode     Mode
	Range    interval.Interval

	Holder    TxnID
	HeldMode  Mode
	HeldRange interval.Interval
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("locktree: %s lock %v on %q for txn %d conflicts with %s lock %v held by txn %d",
		e.Mode, e.Range, e.Resource, e.Txn, e.HeldMode, e.HeldRange, e.Holder)
}

func (e *ConflictError) Unwrap() error { return lockerrors.ErrConflict }

// InvariantError reports an internal inconsistency. It matches
// errors.ErrFatal.
type InvariantError struct {
	Code     FatalCode
	Resource ResourceID
	Detail   string
}

func (e *InvariantError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("locktree: invariant violated (%s): %s", e.Code, e.Detail)
	}
	return fmt.Sprintf("locktree: invariant violated on %q (%s): %s", e.Resource, e.Code, e.Detail)
}

func (e *InvariantError) Unwrap() error { return lockerrors.ErrFatal }
