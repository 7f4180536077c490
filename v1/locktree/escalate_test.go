package locktree

import (
	"errors"
	"testing"

	lockerrors "github.com/mirkobrombin/go-locktree/v1/errors"
)

type lockOp struct {
	txn  TxnID
	iv   [2]int
	mode Mode
}

func buildTable(t *testing.T, ops []lockOp) *Table {
	t.Helper()
	tbl := NewTable("db", nil)
	for _, op := range ops {
		if _, err := tbl.Insert(op.txn, span(op.iv[0], op.iv[1]), op.mode); err != nil {
			t.Fatalf("insert %+v: %v", op, err)
		}
	}
	return tbl
}

func escalate(t *testing.T, tbl *Table, policy EscalationPolicy, pending *pendingLock) Usage {
	t.Helper()
	before := tbl.Locks()
	freed, err := tbl.escalateLocked(policy, pending)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	after := tbl.Locks()
	if freed.Locks < 0 || freed.Memory < 0 {
		t.Fatalf("escalation grew usage by %+v", freed)
	}
	for _, txn := range []TxnID{1, 2, 3} {
		if countTxn(after, txn) > countTxn(before, txn) {
			t.Fatalf("escalation grew txn %d records", txn)
		}
		for k := 0; k < 120; k++ {
			for _, mode := range []Mode{Read, Write} {
				if holds(before, txn, k, mode) && !holds(after, txn, k, mode) {
					t.Fatalf("txn %d lost %s on key %d: %v -> %v", txn, mode, k, before, after)
				}
			}
		}
	}
	return freed
}

func TestEscalateOwnerRunsBridgesFreeGaps(t *testing.T) {
	var ops []lockOp
	for i := 0; i < 10; i++ {
		ops = append(ops, lockOp{1, [2]int{i, i}, Write})
	}
	tbl := buildTable(t, ops)
	freed := escalate(t, tbl, EscalateOwnerRuns, nil)
	if want := (Usage{Locks: 9, Memory: 9 * recordSize(single(0))}); freed != want {
		t.Fatalf("expected %+v freed, got %+v", want, freed)
	}
	locks := tbl.Locks()
	if len(locks) != 1 || locks[0].Mode != Write || !tbl.cmp.Equal(locks[0].Range, span(0, 9)) {
		t.Fatalf("expected one write [0,9], got %v", locks)
	}
	if tbl.Usage().Locks != 1 {
		t.Fatalf("usage not updated: %+v", tbl.Usage())
	}
}

func TestEscalateOwnerRunsMergesReadsIntoWrite(t *testing.T) {
	ops := []lockOp{{1, [2]int{0, 0}, Write}, {1, [2]int{9, 9}, Write}}
	for i := 1; i < 9; i++ {
		ops = append(ops, lockOp{1, [2]int{i, i}, Read})
	}
	tbl := buildTable(t, ops)
	escalate(t, tbl, EscalateOwnerRuns, nil)
	locks := tbl.Locks()
	if len(locks) != 1 || locks[0].Mode != Write || !tbl.cmp.Equal(locks[0].Range, span(0, 9)) {
		t.Fatalf("expected one write [0,9], got %v", locks)
	}
}

// [1-A-5]   [10-B-15]   [20-A-25]  border writes
//
//	[2B]  [12A]       [22A]      reads
func TestEscalateStopsAtForeignLocks(t *testing.T) {
	for _, policy := range []EscalationPolicy{EscalateOwnerRuns, EscalateBorderWrite} {
		t.Run(policy.String(), func(t *testing.T) {
			tbl := buildTable(t, []lockOp{
				{1, [2]int{1, 1}, Write},
				{1, [2]int{5, 5}, Write},
				{2, [2]int{10, 10}, Write},
				{2, [2]int{15, 15}, Write},
				{1, [2]int{20, 20}, Write},
				{1, [2]int{23, 23}, Write},
				{1, [2]int{25, 25}, Write},
				{2, [2]int{2, 2}, Read},
				{1, [2]int{12, 12}, Read},
				{1, [2]int{22, 22}, Read},
			})
			escalate(t, tbl, policy, &pendingLock{txn: 1, iv: single(100), mode: Read})
			locks := tbl.Locks()
			if len(locks) != 7 {
				t.Fatalf("expected 7 records, got %v", locks)
			}
			if !holds(locks, 1, 24, Write) {
				t.Fatalf("the last border region should be one write: %v", locks)
			}
			if holds(locks, 1, 3, Write) || holds(locks, 2, 12, Write) {
				t.Fatalf("regions with foreign locks must not merge: %v", locks)
			}
			if _, err := tbl.Insert(2, single(24), Write); !errors.Is(err, lockerrors.ErrConflict) {
				t.Fatalf("expected conflict on escalated range, got %v", err)
			}
			if _, err := tbl.Insert(1, single(14), Write); err != nil {
				t.Fatalf("write 14: %v", err)
			}
			if _, err := tbl.Insert(2, single(4), Write); err != nil {
				t.Fatalf("write 4: %v", err)
			}
		})
	}
}

func TestEscalateKeepsPendingGrantable(t *testing.T) {
	ops := []lockOp{{1, [2]int{0, 0}, Write}, {1, [2]int{2, 2}, Write}}
	tbl := buildTable(t, ops)
	pending := &pendingLock{txn: 2, iv: single(1), mode: Read}
	if freed := escalate(t, tbl, EscalateOwnerRuns, pending); freed.Locks != 0 {
		t.Fatalf("escalation must not cover the pending request, freed %+v", freed)
	}
	if _, err := tbl.Insert(2, single(1), Read); err != nil {
		t.Fatalf("pending request: %v", err)
	}

	tbl = buildTable(t, ops)
	if freed := escalate(t, tbl, EscalateOwnerRuns, nil); freed.Locks != 1 {
		t.Fatalf("expected merge without pending request, freed %+v", freed)
	}
}

func TestEscalateReadRunsShareWithForeignReads(t *testing.T) {
	ops := []lockOp{{2, [2]int{3, 3}, Read}}
	for i := 0; i < 10; i += 2 {
		ops = append(ops, lockOp{1, [2]int{i, i}, Read})
	}
	tbl := buildTable(t, ops)
	escalate(t, tbl, EscalateOwnerRuns, nil)
	if n := countTxn(tbl.Locks(), 1); n != 1 {
		t.Fatalf("reads should merge across a foreign read, got %d records", n)
	}

	ops = append(ops, lockOp{3, [2]int{5, 5}, Write})
	tbl = buildTable(t, ops)
	escalate(t, tbl, EscalateOwnerRuns, nil)
	if n := countTxn(tbl.Locks(), 1); n != 2 {
		t.Fatalf("reads should split around a foreign write, got %d records", n)
	}
}

// txn 1 writes 0..9 except 2 and 5, txn 2 reads 2 and 5.
func dirtyBorderOps() []lockOp {
	var ops []lockOp
	for i := 0; i < 10; i++ {
		if i == 2 || i == 5 {
			continue
		}
		ops = append(ops, lockOp{1, [2]int{i, i}, Write})
	}
	return append(ops, lockOp{2, [2]int{5, 5}, Read}, lockOp{2, [2]int{2, 2}, Read})
}

func TestEscalateBorderWriteDirtyRegion(t *testing.T) {
	tbl := buildTable(t, dirtyBorderOps())
	mustEntry(t, tbl, 1, span(0, 9))
	if freed := escalate(t, tbl, EscalateBorderWrite, nil); !freed.IsZero() {
		t.Fatalf("a border region with foreign reads must not escalate, freed %+v", freed)
	}
	if tbl.Len() != 10 {
		t.Fatalf("expected 10 records, got %d", tbl.Len())
	}

	tbl = buildTable(t, dirtyBorderOps())
	if freed := escalate(t, tbl, EscalateOwnerRuns, nil); freed.Locks != 5 {
		t.Fatalf("owner runs should merge around foreign reads, freed %+v", freed)
	}
}

func TestEscalationPolicyString(t *testing.T) {
	if EscalateOwnerRuns.String() != "owner-runs" || EscalateBorderWrite.String() != "border-write" {
		t.Fatalf("unexpected policy names")
	}
	if EscalationPolicy(9).String() != "EscalationPolicy(9)" {
		t.Fatalf("unexpected unknown policy name")
	}
}
