package locktree

import (
	"github.com/tidwall/btree"

	"github.com/mirkobrombin/go-locktree/v1/interval"
)

type borderEntry struct {
	txn TxnID
	iv  interval.Interval
	// last is the newest write range of txn inside iv. The entry shrinks
	// back to it when another transaction writes inside iv.
	last interval.Interval
}

// borderWrite keeps, per transaction, the contiguous region spanned by its
// recent writes that contains no write of any other transaction. Entries are
// pairwise disjoint.
type borderWrite struct {
	cmp    interval.Comparator
	byLeft *btree.BTree
	byTxn  map[TxnID]*borderEntry
}

func newBorderWrite(cmp interval.Comparator) *borderWrite {
	return &borderWrite{
		cmp: cmp,
		byLeft: btree.New(func(a, b interface{}) bool {
			return cmp.Compare(a.(*borderEntry).iv.Left, b.(*borderEntry).iv.Left) < 0
		}),
		byTxn: make(map[TxnID]*borderEntry),
	}
}

func (bw *borderWrite) len() int { return len(bw.byTxn) }

func (bw *borderWrite) entry(txn TxnID) (interval.Interval, bool) {
	e, ok := bw.byTxn[txn]
	if !ok {
		return interval.Interval{}, false
	}
	return e.iv, true
}

// covers reports whether q lies inside the entry of txn, in which case no
// other transaction writes anywhere in q.
func (bw *borderWrite) covers(txn TxnID, q interval.Interval) bool {
	e, ok := bw.byTxn[txn]
	return ok && bw.cmp.Covers(e.iv, q)
}

func (bw *borderWrite) overlapping(q interval.Interval) []*borderEntry {
	pivot := &borderEntry{iv: interval.Interval{Left: q.Left}}
	var out []*borderEntry
	bw.byLeft.Descend(pivot, func(item interface{}) bool {
		e := item.(*borderEntry)
		if bw.cmp.Compare(e.iv.Right, q.Left) >= 0 {
			out = append(out, e)
		}
		return false
	})
	bw.byLeft.Ascend(pivot, func(item interface{}) bool {
		e := item.(*borderEntry)
		if bw.cmp.Compare(e.iv.Left, q.Right) > 0 {
			return false
		}
		if len(out) == 0 || out[0] != e {
			out = append(out, e)
		}
		return true
	})
	return out
}

// noteWrite records that txn now holds a WRITE on w. clean reports whether an
// interval holds no write of any transaction but txn.
func (bw *borderWrite) noteWrite(txn TxnID, w interval.Interval, clean func(interval.Interval) bool) {
	for _, e := range bw.overlapping(w) {
		if e.txn != txn {
			bw.reset(e, e.last)
		}
	}

	e, ok := bw.byTxn[txn]
	if !ok {
		e = &borderEntry{txn: txn, iv: w, last: w}
		bw.byTxn[txn] = e
		bw.byLeft.Set(e)
		return
	}
	if bw.cmp.Covers(e.iv, w) {
		e.last = w
		return
	}

	// only the part outside the entry needs checking, the entry itself and w
	// are already free of other writers
	var gap interval.Interval
	switch {
	case bw.cmp.Compare(w.Left, e.iv.Left) >= 0:
		gap = interval.New(e.iv.Right, w.Right)
	case bw.cmp.Compare(w.Right, e.iv.Right) >= 0:
		gap = w
	default:
		gap = interval.New(w.Left, e.iv.Left)
	}
	switch {
	case clean(gap):
		bw.reset(e, bw.cmp.Hull(e.iv, w))
		e.last = w
	case bw.cmp.Compare(w.Right, e.iv.Right) > 0:
		bw.reset(e, w)
		e.last = w
	}
}

func (bw *borderWrite) reset(e *borderEntry, iv interval.Interval) {
	bw.byLeft.Delete(e)
	e.iv = iv
	bw.byLeft.Set(e)
}

func (bw *borderWrite) remove(txn TxnID) {
	e, ok := bw.byTxn[txn]
	if !ok {
		return
	}
	bw.byLeft.Delete(e)
	delete(bw.byTxn, txn)
}
