package locktree

import (
	"fmt"

	"github.com/mirkobrombin/go-locktree/v1/interval"
)

// TxnID identifies the transaction a lock is held for.
type TxnID uint64

// ResourceID names a dictionary whose keys are locked independently.
type ResourceID string

// Mode is the kind of a lock.
type Mode uint8

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("Mode(%d)", m)
	}
}

// compatible reports whether locks of modes a and b held by different
// transactions may overlap.
func compatible(a, b Mode) bool {
	return a == Read && b == Read
}

// RecordOverhead is the memory charged per lock record on top of its key
// payload.
const RecordOverhead = 64

// Lock is a granted lock record.
type Lock struct {
	Txn   TxnID
	Range interval.Interval
	Mode  Mode
}

func (l Lock) String() string {
	return fmt.Sprintf("%d:%s%s", l.Txn, l.Mode, l.Range)
}

// Usage is an amount of lock records and the memory they account for. It is
// also used for signed deltas.
type Usage struct {
	Locks  int64
	Memory int64
}

func (u Usage) Add(o Usage) Usage { return Usage{u.Locks + o.Locks, u.Memory + o.Memory} }
func (u Usage) Sub(o Usage) Usage { return Usage{u.Locks - o.Locks, u.Memory - o.Memory} }

func (u Usage) IsZero() bool { return u.Locks == 0 && u.Memory == 0 }

func recordSize(iv interval.Interval) int64 {
	return RecordOverhead + int64(iv.Size())
}
