package locktree

import (
	"encoding/binary"

	"github.com/mirkobrombin/go-locktree/v1/interval"
)

func key(i int) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(i))
	return b
}

func pt(i int) interval.Point { return interval.Key(key(i)) }

func single(i int) interval.Interval { return interval.Single(pt(i)) }

func span(l, r int) interval.Interval { return interval.New(pt(l), pt(r)) }

// holds reports whether txn holds key i with at least the given mode.
func holds(locks []Lock, txn TxnID, i int, mode Mode) bool {
	var cmp interval.Comparator
	for _, l := range locks {
		if l.Txn == txn && l.Mode >= mode && cmp.Contains(l.Range, pt(i)) {
			return true
		}
	}
	return false
}

func countTxn(locks []Lock, txn TxnID) int {
	n := 0
	for _, l := range locks {
		if l.Txn == txn {
			n++
		}
	}
	return n
}
