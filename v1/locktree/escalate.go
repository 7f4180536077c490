package locktree

import (
	"fmt"

	"github.com/mirkobrombin/go-locktree/v1/interval"
	"github.com/mirkobrombin/go-locktree/v1/rangetree"
)

// EscalationPolicy selects how a table reduces its records under budget
// pressure.
type EscalationPolicy int

const (
	// EscalateOwnerRuns merges each transaction's records, in key order,
	// into runs that may bridge gaps no other transaction holds an
	// incompatible lock in.
	EscalateOwnerRuns EscalationPolicy = iota
	// EscalateBorderWrite turns each transaction's border-write region into
	// a single WRITE when no other transaction holds anything inside it, then
	// merges READ records across gaps free of other writers.
	EscalateBorderWrite
)

func (p EscalationPolicy) String() string {
	switch p {
	case EscalateOwnerRuns:
		return "owner-runs"
	case EscalateBorderWrite:
		return "border-write"
	default:
		return fmt.Sprintf("EscalationPolicy(%d)", int(p))
	}
}

// pendingLock is the request escalation runs for. Escalation never makes it
// conflict.
type pendingLock struct {
	txn  TxnID
	iv   interval.Interval
	mode Mode
}

type run struct {
	iv      interval.Interval
	mode    Mode
	members []*record
}

// escalateLocked coarsens the table and returns the usage it released.
func (t *Table) escalateLocked(policy EscalationPolicy, pending *pendingLock) (Usage, error) {
	before := t.usage
	var err error
	switch policy {
	case EscalateBorderWrite:
		if err = t.escalateBorderWrites(pending); err == nil {
			err = t.escalateReads(pending)
		}
	default:
		err = t.escalateOwnerRuns(pending)
	}
	return before.Sub(t.usage), err
}

func (t *Table) escalateOwnerRuns(pending *pendingLock) error {
	for _, txn := range t.sortedOwners() {
		recs := t.owners[txn].all(t.cmp)
		if len(recs) < 2 {
			continue
		}
		for _, r := range t.buildRuns(txn, recs, pending) {
			if err := t.replaceLocked(txn, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Table) escalateBorderWrites(pending *pendingLock) error {
	for _, txn := range t.sortedOwners() {
		region, ok := t.border.entry(txn)
		if !ok {
			continue
		}
		os := t.owners[txn]
		r := run{iv: region, mode: Write}
		os.overlapping(t.cmp, Write, region, func(w *record) bool {
			r.iv = t.cmp.Hull(r.iv, w.iv)
			r.members = append(r.members, w)
			return true
		})
		os.overlapping(t.cmp, Read, r.iv, func(rd *record) bool {
			if t.cmp.Covers(r.iv, rd.iv) {
				r.members = append(r.members, rd)
			}
			return true
		})
		if len(r.members) < 2 || !t.safeLocked(txn, r.iv, Write, pending) {
			continue
		}
		if err := t.replaceLocked(txn, r); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) escalateReads(pending *pendingLock) error {
	for _, txn := range t.sortedOwners() {
		reads := t.owners[txn].sorted(Read)
		if len(reads) < 2 {
			continue
		}
		for _, r := range t.buildRuns(txn, reads, pending) {
			if err := t.replaceLocked(txn, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildRuns greedily groups recs, sorted by left endpoint, into runs. A run
// is WRITE as soon as one member is.
func (t *Table) buildRuns(txn TxnID, recs []*record, pending *pendingLock) []run {
	var runs []run
	cur := run{iv: recs[0].iv, mode: recs[0].mode, members: []*record{recs[0]}}
	for _, r := range recs[1:] {
		mode := max(cur.mode, r.mode)
		h := t.cmp.Hull(cur.iv, r.iv)
		if t.extendable(txn, cur, h, mode, pending) {
			cur.iv, cur.mode = h, mode
			cur.members = append(cur.members, r)
			continue
		}
		runs = append(runs, cur)
		cur = run{iv: r.iv, mode: r.mode, members: []*record{r}}
	}
	return append(runs, cur)
}

// extendable reports whether cur may grow to h with the given mode. cur is
// already safe for its own mode, so only the new part is checked unless the
// run turns from READ into WRITE.
func (t *Table) extendable(txn TxnID, cur run, h interval.Interval, mode Mode, pending *pendingLock) bool {
	region := h
	if mode == cur.mode {
		if t.cmp.Compare(h.Right, cur.iv.Right) <= 0 {
			return true
		}
		region = interval.New(cur.iv.Right, h.Right)
	}
	return t.safeLocked(txn, region, mode, pending)
}

// safeLocked reports whether txn could hold a lock of the given mode on q
// without overlapping an incompatible lock of another transaction or the
// pending request.
func (t *Table) safeLocked(txn TxnID, q interval.Interval, mode Mode, pending *pendingLock) bool {
	if pending != nil && pending.txn != txn && !compatible(mode, pending.mode) && t.cmp.Overlaps(q, pending.iv) {
		return false
	}
	safe := true
	foreign := func(it *rangetree.Item[*record]) bool {
		if it.Value.txn != txn {
			safe = false
		}
		return safe
	}
	t.writes.Overlapping(q, foreign)
	if safe && mode == Write {
		t.reads.Overlapping(q, foreign)
	}
	return safe
}

// replaceLocked swaps the members of r for a single record. Runs that would
// not shrink the record count or would grow memory are left alone.
func (t *Table) replaceLocked(txn TxnID, r run) error {
	if len(r.members) < 2 {
		return nil
	}
	var old int64
	for _, m := range r.members {
		old += m.size
	}
	if recordSize(r.iv) > old {
		return nil
	}
	os := t.owners[txn]
	for _, m := range r.members {
		if err := t.removeRecordLocked(os, m); err != nil {
			return err
		}
	}
	return t.addRecordLocked(os, txn, r.iv, r.mode)
}
