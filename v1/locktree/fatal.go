package locktree

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
)

// FatalCode classifies the inconsistency passed to a FatalFunc.
type FatalCode int

const (
	FatalRecordMissing FatalCode = iota + 1
	FatalDuplicateRecord
	FatalAccounting
	FatalCounterUnderflow
	FatalPanic
)

func (c FatalCode) String() string {
	switch c {
	case FatalRecordMissing:
		return "record missing"
	case FatalDuplicateRecord:
		return "duplicate record"
	case FatalAccounting:
		return "accounting mismatch"
	case FatalCounterUnderflow:
		return "counter underflow"
	case FatalPanic:
		return "panic"
	default:
		return fmt.Sprintf("FatalCode(%d)", int(c))
	}
}

// FatalFunc is called once when the manager detects an internal
// inconsistency. The manager is FATAL when it runs.
type FatalFunc func(code FatalCode, detail error)

const (
	stateNormal int32 = iota
	stateFatal
	stateClosed
)

func (m *Manager) check() error {
	switch m.state.Load() {
	case stateFatal:
		return lockerrors.ErrFatal
	case stateClosed:
		return lockerrors.ErrClosed
	}
	return nil
}

// fail moves the manager to FATAL when err is an invariant violation and
// returns the error the caller should see.
func (m *Manager) fail(err error) error {
	var inv *InvariantError
	if !errors.As(err, &inv) {
		return err
	}
	m.enterFatal(inv)
	return inv
}

func (m *Manager) enterFatal(inv *InvariantError) {
	if !m.state.CompareAndSwap(stateNormal, stateFatal) {
		return
	}
	m.logger.Error("lock manager entered fatal state",
		zap.Stringer("code", inv.Code),
		zap.String("resource", string(inv.Resource)),
		zap.String("detail", inv.Detail),
	)
	if m.metrics != nil {
		m.metrics.Fatal.Inc()
	}
	if m.onFatal != nil {
		m.onFatal(inv.Code, inv)
	}
}

// recoverFatal turns a panic inside a public call into the FATAL state.
func (m *Manager) recoverFatal(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	inv := &InvariantError{Code: FatalPanic, Detail: fmt.Sprint(r)}
	m.enterFatal(inv)
	*errp = inv
}
