package locktree

import (
	"fmt"
	"sync"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
)

// budget holds the global counters. Its mutex is always taken last.
type budget struct {
	mu        sync.Mutex
	used      Usage
	maxLocks  int64
	maxMemory int64
}

// charge applies d when the result stays within the maxima. Dimensions that
// do not grow are always accepted.
func (b *budget) charge(d Usage) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.used.Add(d)
	if n.Locks < 0 || n.Memory < 0 {
		return false, &InvariantError{
			Code:   FatalCounterUnderflow,
			Detail: fmt.Sprintf("charging %+v to %+v", d, b.used),
		}
	}
	if d.Locks > 0 && n.Locks > b.maxLocks || d.Memory > 0 && n.Memory > b.maxMemory {
		return false, nil
	}
	b.used = n
	return true, nil
}

func (b *budget) release(d Usage) error {
	if d.IsZero() {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.used.Sub(d)
	if n.Locks < 0 || n.Memory < 0 {
		return &InvariantError{
			Code:   FatalCounterUnderflow,
			Detail: fmt.Sprintf("releasing %+v from %+v", d, b.used),
		}
	}
	b.used = n
	return nil
}

func (b *budget) snapshot() (Usage, int64, int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used, b.maxLocks, b.maxMemory
}

func (b *budget) setMaxLocks(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n < b.used.Locks {
		return fmt.Errorf("%w: max locks %d with %d in use", lockerrors.ErrInvalidBudget, n, b.used.Locks)
	}
	b.maxLocks = n
	return nil
}

func (b *budget) setMaxMemory(n int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n < b.used.Memory {
		return fmt.Errorf("%w: max lock memory %d with %d in use", lockerrors.ErrInvalidBudget, n, b.used.Memory)
	}
	b.maxMemory = n
	return nil
}
