package locktree

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tidwall/btree"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
	"github.com/mirkobrombin/go-locktree/v1/interval"
	"github.com/mirkobrombin/go-locktree/v1/rangetree"
)

type record struct {
	txn  TxnID
	iv   interval.Interval
	mode Mode
	size int64
	item *rangetree.Item[*record]
}

func (r *record) lock() Lock {
	return Lock{Txn: r.txn, Range: r.iv, Mode: r.mode}
}

// ownerSet holds the records of one transaction ordered by (mode, left).
// Records of the same mode never overlap.
type ownerSet struct {
	recs  *btree.BTree
	usage Usage
}

func newOwnerSet(cmp interval.Comparator) *ownerSet {
	return &ownerSet{recs: btree.New(func(a, b interface{}) bool {
		ra, rb := a.(*record), b.(*record)
		if ra.mode != rb.mode {
			return ra.mode < rb.mode
		}
		return cmp.Compare(ra.iv.Left, rb.iv.Left) < 0
	})}
}

// overlapping calls fn for the records of the given mode that overlap q.
func (s *ownerSet) overlapping(cmp interval.Comparator, mode Mode, q interval.Interval, fn func(*record) bool) {
	pivot := &record{mode: mode, iv: interval.Interval{Left: q.Left}}
	var first *record
	s.recs.Descend(pivot, func(item interface{}) bool {
		r := item.(*record)
		if r.mode == mode && cmp.Compare(r.iv.Right, q.Left) >= 0 {
			first = r
		}
		return false
	})
	if first != nil && !fn(first) {
		return
	}
	s.recs.Ascend(pivot, func(item interface{}) bool {
		r := item.(*record)
		if r.mode != mode || cmp.Compare(r.iv.Left, q.Right) > 0 {
			return false
		}
		if r == first {
			return true
		}
		return fn(r)
	})
}

// sorted returns the records of one mode ordered by left endpoint.
func (s *ownerSet) sorted(mode Mode) []*record {
	var out []*record
	s.recs.Ascend(&record{mode: mode, iv: interval.Interval{Left: interval.NegInf}}, func(item interface{}) bool {
		r := item.(*record)
		if r.mode != mode {
			return false
		}
		out = append(out, r)
		return true
	})
	return out
}

// all returns every record ordered by left endpoint.
func (s *ownerSet) all(cmp interval.Comparator) []*record {
	reads, writes := s.sorted(Read), s.sorted(Write)
	out := make([]*record, 0, len(reads)+len(writes))
	i, j := 0, 0
	for i < len(reads) && j < len(writes) {
		if cmp.Compare(writes[j].iv.Left, reads[i].iv.Left) <= 0 {
			out = append(out, writes[j])
			j++
		} else {
			out = append(out, reads[i])
			i++
		}
	}
	out = append(out, reads[i:]...)
	return append(out, writes[j:]...)
}

// Table is the range lock table of one resource.
type Table struct {
	id  ResourceID
	cmp interval.Comparator

	mu      sync.RWMutex
	reads   *rangetree.Tree[*record]
	writes  *rangetree.Tree[*record]
	owners  map[TxnID]*ownerSet
	border  *borderWrite
	usage   Usage
	dropped bool

	escalationAllowed atomic.Bool

	// refs counts live Resource handles; guarded by Manager.mu.
	refs int
}

// NewTable returns an empty table ordering keys with cmp.
func NewTable(id ResourceID, cmp interval.Comparator) *Table {
	t := &Table{
		id:     id,
		cmp:    cmp,
		reads:  rangetree.New[*record](cmp),
		writes: rangetree.New[*record](cmp),
		owners: make(map[TxnID]*ownerSet),
		border: newBorderWrite(cmp),
	}
	t.escalationAllowed.Store(true)
	return t
}

// ID returns the resource the table belongs to.
func (t *Table) ID() ResourceID { return t.id }

// Overlapping returns every record overlapping q.
func (t *Table) Overlapping(q interval.Interval) []Lock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Lock
	collect := func(it *rangetree.Item[*record]) bool {
		out = append(out, it.Value.lock())
		return true
	}
	t.writes.Overlapping(q, collect)
	t.reads.Overlapping(q, collect)
	t.sortLocks(out)
	return out
}

// Insert grants txn a lock without budget accounting and returns the change
// in usage. A request conflicting with another transaction is rejected.
func (t *Table) Insert(txn TxnID, iv interval.Interval, mode Mode) (Usage, error) {
	if !t.cmp.Valid(iv) {
		return Usage{}, fmt.Errorf("%w: %v", lockerrors.ErrInvalidInterval, iv)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p, err := t.prepareLocked(txn, iv, mode)
	if err != nil {
		return Usage{}, err
	}
	if err := t.applyLocked(p); err != nil {
		return Usage{}, err
	}
	return p.delta, nil
}

// RemoveAll drops every record of txn and returns what was released.
func (t *Table) RemoveAll(txn TxnID) (Usage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeAllLocked(txn)
}

// Coalesce returns the smallest set of records with exactly the key coverage
// txn holds now: overlapping records of one mode are merged and READ records
// covered by the transaction's WRITE records are dropped. The table is not
// modified.
func (t *Table) Coalesce(txn TxnID) []Lock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	os := t.owners[txn]
	if os == nil {
		return nil
	}
	writes := t.mergeOverlapping(os.sorted(Write))
	reads := t.mergeOverlapping(os.sorted(Read))
	out := make([]Lock, 0, len(writes)+len(reads))
	for _, w := range writes {
		out = append(out, Lock{Txn: txn, Range: w, Mode: Write})
	}
	for _, r := range reads {
		// writes are disjoint and sorted, only the last one starting at or
		// before r can cover it
		i, _ := slices.BinarySearchFunc(writes, r.Left, func(w interval.Interval, p interval.Point) int {
			if t.cmp.Compare(w.Left, p) <= 0 {
				return -1
			}
			return 1
		})
		if i > 0 && t.cmp.Covers(writes[i-1], r) {
			continue
		}
		out = append(out, Lock{Txn: txn, Range: r, Mode: Read})
	}
	t.sortLocks(out)
	return out
}

// Locks returns a snapshot of every record ordered by left endpoint.
func (t *Table) Locks() []Lock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Lock, 0, t.reads.Len()+t.writes.Len())
	collect := func(it *rangetree.Item[*record]) bool {
		out = append(out, it.Value.lock())
		return true
	}
	t.writes.Ascend(collect)
	t.reads.Ascend(collect)
	t.sortLocks(out)
	return out
}

// Len returns the number of records.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int(t.usage.Locks)
}

// Usage returns the records and memory held in the table.
func (t *Table) Usage() Usage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.usage
}

// EscalationAllowed reports whether a request needing budget may escalate
// this table.
func (t *Table) EscalationAllowed() bool {
	return t.escalationAllowed.Load()
}

func (t *Table) sortLocks(locks []Lock) {
	slices.SortFunc(locks, func(a, b Lock) int {
		if c := t.cmp.Compare(a.Range.Left, b.Range.Left); c != 0 {
			return c
		}
		if a.Txn != b.Txn {
			if a.Txn < b.Txn {
				return -1
			}
			return 1
		}
		return int(b.Mode) - int(a.Mode)
	})
}

func (t *Table) mergeOverlapping(recs []*record) []interval.Interval {
	var out []interval.Interval
	for _, r := range recs {
		if n := len(out); n > 0 && t.cmp.Overlaps(out[n-1], r.iv) {
			out[n-1] = t.cmp.Hull(out[n-1], r.iv)
			continue
		}
		out = append(out, r.iv)
	}
	return out
}

func (t *Table) tree(mode Mode) *rangetree.Tree[*record] {
	if mode == Write {
		return t.writes
	}
	return t.reads
}

// plan is a checked, not yet applied, grant.
type plan struct {
	txn  TxnID
	mode Mode
	iv   interval.Interval
	// own records replaced by the new one
	absorb []*record
	noop   bool
	delta  Usage
}

func (t *Table) prepareLocked(txn TxnID, q interval.Interval, mode Mode) (*plan, error) {
	if c := t.conflictLocked(txn, q, mode); c != nil {
		return nil, c
	}
	return t.planLocked(txn, q, mode), nil
}

// conflictLocked finds a record of another transaction incompatible with the
// request.
func (t *Table) conflictLocked(txn TxnID, q interval.Interval, mode Mode) *ConflictError {
	var holder *record
	find := func(it *rangetree.Item[*record]) bool {
		if it.Value.txn != txn {
			holder = it.Value
			return false
		}
		return true
	}
	// a border-write entry never contains another transaction's write
	if !t.border.covers(txn, q) {
		t.writes.Overlapping(q, find)
	}
	if holder == nil && mode == Write {
		t.reads.Overlapping(q, find)
	}
	if holder == nil {
		return nil
	}
	return &ConflictError{
		Resource:  t.id,
		Txn:       txn,
		Mode:      mode,
		Range:     q,
		Holder:    holder.txn,
		HeldMode:  holder.mode,
		HeldRange: holder.iv,
	}
}

func (t *Table) planLocked(txn TxnID, q interval.Interval, mode Mode) *plan {
	p := &plan{txn: txn, mode: mode}
	os := t.owners[txn]
	if os == nil {
		p.iv = q.Clone()
		p.delta = Usage{Locks: 1, Memory: recordSize(p.iv)}
		return p
	}

	covered := false
	// own locks of the same mode are absorbed, a covering one makes the
	// request a no-op
	absorbSame := func(r *record) bool {
		if t.cmp.Covers(r.iv, q) {
			covered = true
			return false
		}
		if r.mode == mode {
			p.absorb = append(p.absorb, r)
		}
		return true
	}
	os.overlapping(t.cmp, Write, q, absorbSame)
	if !covered && mode == Read {
		os.overlapping(t.cmp, Read, q, absorbSame)
	}
	if covered {
		p.noop = true
		p.absorb = nil
		return p
	}

	p.iv = q.Clone()
	for _, r := range p.absorb {
		p.iv = t.cmp.Hull(p.iv, r.iv)
	}
	if mode == Write {
		os.overlapping(t.cmp, Read, p.iv, func(r *record) bool {
			if t.cmp.Covers(p.iv, r.iv) {
				p.absorb = append(p.absorb, r)
			}
			return true
		})
	}

	p.delta = Usage{Locks: 1, Memory: recordSize(p.iv)}
	for _, r := range p.absorb {
		p.delta = p.delta.Sub(Usage{Locks: 1, Memory: r.size})
	}
	return p
}

func (t *Table) applyLocked(p *plan) error {
	if p.noop {
		return nil
	}
	os := t.owners[p.txn]
	if os == nil {
		os = newOwnerSet(t.cmp)
		t.owners[p.txn] = os
	}
	for _, r := range p.absorb {
		if err := t.removeRecordLocked(os, r); err != nil {
			return err
		}
	}
	return t.addRecordLocked(os, p.txn, p.iv, p.mode)
}

func (t *Table) addRecordLocked(os *ownerSet, txn TxnID, iv interval.Interval, mode Mode) error {
	r := &record{txn: txn, iv: iv, mode: mode, size: recordSize(iv)}
	if prev := os.recs.Set(r); prev != nil {
		return &InvariantError{
			Code:     FatalDuplicateRecord,
			Resource: t.id,
			Detail:   fmt.Sprintf("txn %d already holds a %s record at %v", txn, mode, prev.(*record).iv),
		}
	}
	r.item = t.tree(mode).Insert(iv, r)
	u := Usage{Locks: 1, Memory: r.size}
	os.usage = os.usage.Add(u)
	t.usage = t.usage.Add(u)
	if mode == Write {
		t.border.noteWrite(txn, iv, func(h interval.Interval) bool {
			return t.cleanLocked(txn, h)
		})
	}
	return nil
}

func (t *Table) removeRecordLocked(os *ownerSet, r *record) error {
	if !t.tree(r.mode).Delete(r.item) || os.recs.Delete(r) == nil {
		return &InvariantError{
			Code:     FatalRecordMissing,
			Resource: t.id,
			Detail:   fmt.Sprintf("%s record %v of txn %d not found", r.mode, r.iv, r.txn),
		}
	}
	u := Usage{Locks: 1, Memory: r.size}
	os.usage = os.usage.Sub(u)
	t.usage = t.usage.Sub(u)
	return nil
}

func (t *Table) removeAllLocked(txn TxnID) (Usage, error) {
	os := t.owners[txn]
	if os == nil {
		return Usage{}, nil
	}
	var freed Usage
	var missing *record
	os.recs.Ascend(nil, func(item interface{}) bool {
		r := item.(*record)
		if !t.tree(r.mode).Delete(r.item) {
			missing = r
			return false
		}
		freed = freed.Add(Usage{Locks: 1, Memory: r.size})
		return true
	})
	if missing != nil {
		return Usage{}, &InvariantError{
			Code:     FatalRecordMissing,
			Resource: t.id,
			Detail:   fmt.Sprintf("%s record %v of txn %d not indexed", missing.mode, missing.iv, txn),
		}
	}
	if freed != os.usage {
		return Usage{}, &InvariantError{
			Code:     FatalAccounting,
			Resource: t.id,
			Detail:   fmt.Sprintf("txn %d accounted %+v but held %+v", txn, os.usage, freed),
		}
	}
	delete(t.owners, txn)
	t.border.remove(txn)
	t.usage = t.usage.Sub(freed)
	return freed, nil
}

// cleanLocked reports whether no other transaction holds a WRITE record
// overlapping q.
func (t *Table) cleanLocked(txn TxnID, q interval.Interval) bool {
	clean := true
	t.writes.Overlapping(q, func(it *rangetree.Item[*record]) bool {
		if it.Value.txn != txn {
			clean = false
		}
		return clean
	})
	return clean
}

func (t *Table) sortedOwners() []TxnID {
	ids := make([]TxnID, 0, len(t.owners))
	for id := range t.owners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
