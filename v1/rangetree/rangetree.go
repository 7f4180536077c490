// Package rangetree implements an interval index: a randomized treap ordered
// by left endpoint where every node also tracks the largest right endpoint of
// its subtree, so overlap queries skip whole subtrees that end before the
// query starts.
//
// A Tree is not safe for concurrent use.
package rangetree

import (
	"math/rand/v2"

	"github.com/mirkobrombin/go-locktree/v1/interval"
)

// Item is a stored interval and its value. Items are returned by Insert and
// passed back to Delete.
type Item[V any] struct {
	Range interval.Interval
	Value V

	seq         uint64
	prio        uint64
	maxRight    interval.Point
	left, right *Item[V]
}

// Tree indexes intervals for overlap queries.
type Tree[V any] struct {
	cmp  interval.Comparator
	root *Item[V]
	n    int
	seq  uint64
}

// New returns an empty tree ordering keys with cmp.
func New[V any](cmp interval.Comparator) *Tree[V] {
	return &Tree[V]{cmp: cmp}
}

// Len returns the number of stored items.
func (t *Tree[V]) Len() int { return t.n }

// Insert stores iv with value v. Equal intervals may be stored several times.
func (t *Tree[V]) Insert(iv interval.Interval, v V) *Item[V] {
	t.seq++
	it := &Item[V]{
		Range:    iv,
		Value:    v,
		seq:      t.seq,
		prio:     rand.Uint64(),
		maxRight: iv.Right,
	}
	t.root = t.insert(t.root, it)
	t.n++
	return it
}

// Delete removes it. It reports false when it is not stored in t.
func (t *Tree[V]) Delete(it *Item[V]) bool {
	if it == nil {
		return false
	}
	var ok bool
	t.root, ok = t.delete(t.root, it)
	if ok {
		t.n--
		it.left, it.right = nil, nil
	}
	return ok
}

// Overlapping calls fn for every item overlapping q in left endpoint order
// until fn returns false.
func (t *Tree[V]) Overlapping(q interval.Interval, fn func(*Item[V]) bool) {
	t.visit(t.root, q, fn)
}

// Ascend calls fn for every item in left endpoint order until fn returns
// false.
func (t *Tree[V]) Ascend(fn func(*Item[V]) bool) {
	t.walk(t.root, fn)
}

func (t *Tree[V]) less(a, b *Item[V]) bool {
	if c := t.cmp.Compare(a.Range.Left, b.Range.Left); c != 0 {
		return c < 0
	}
	return a.seq < b.seq
}

func (t *Tree[V]) fix(n *Item[V]) {
	n.maxRight = n.Range.Right
	if n.left != nil && t.cmp.Compare(n.left.maxRight, n.maxRight) > 0 {
		n.maxRight = n.left.maxRight
	}
	if n.right != nil && t.cmp.Compare(n.right.maxRight, n.maxRight) > 0 {
		n.maxRight = n.right.maxRight
	}
}

func (t *Tree[V]) insert(n, it *Item[V]) *Item[V] {
	if n == nil {
		return it
	}
	if it.prio > n.prio {
		it.left, it.right = t.split(n, it)
		t.fix(it)
		return it
	}
	if t.less(it, n) {
		n.left = t.insert(n.left, it)
	} else {
		n.right = t.insert(n.right, it)
	}
	t.fix(n)
	return n
}

// split partitions n into the items ordered before pivot and the rest.
func (t *Tree[V]) split(n, pivot *Item[V]) (*Item[V], *Item[V]) {
	if n == nil {
		return nil, nil
	}
	if t.less(n, pivot) {
		l, r := t.split(n.right, pivot)
		n.right = l
		t.fix(n)
		return n, r
	}
	l, r := t.split(n.left, pivot)
	n.left = r
	t.fix(n)
	return l, n
}

// merge joins two treaps where every item of a orders before every item of b.
func (t *Tree[V]) merge(a, b *Item[V]) *Item[V] {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.prio > b.prio:
		a.right = t.merge(a.right, b)
		t.fix(a)
		return a
	default:
		b.left = t.merge(a, b.left)
		t.fix(b)
		return b
	}
}

func (t *Tree[V]) delete(n, it *Item[V]) (*Item[V], bool) {
	if n == nil {
		return nil, false
	}
	if n == it {
		return t.merge(n.left, n.right), true
	}
	var ok bool
	if t.less(it, n) {
		n.left, ok = t.delete(n.left, it)
	} else {
		n.right, ok = t.delete(n.right, it)
	}
	if ok {
		t.fix(n)
	}
	return n, ok
}

func (t *Tree[V]) visit(n *Item[V], q interval.Interval, fn func(*Item[V]) bool) bool {
	if n == nil || t.cmp.Compare(n.maxRight, q.Left) < 0 {
		return true
	}
	if !t.visit(n.left, q, fn) {
		return false
	}
	// n and everything to its right start after q ends.
	if t.cmp.Compare(n.Range.Left, q.Right) > 0 {
		return true
	}
	if t.cmp.Compare(n.Range.Right, q.Left) >= 0 && !fn(n) {
		return false
	}
	return t.visit(n.right, q, fn)
}

func (t *Tree[V]) walk(n *Item[V], fn func(*Item[V]) bool) bool {
	if n == nil {
		return true
	}
	return t.walk(n.left, fn) && fn(n) && t.walk(n.right, fn)
}
