// Package interval models key ranges whose endpoints are either concrete keys
// or one of the two infinities. Concrete keys are ordered by a caller supplied
// Comparator; the infinities never reach the comparator.
package interval

import (
	"bytes"
	"fmt"
)

type pointKind uint8

const (
	negInfinity pointKind = iota
	finite
	posInfinity
)

// Point is an interval endpoint.
type Point struct {
	kind pointKind
	key  []byte
}

var (
	// NegInf sorts before every key.
	NegInf = Point{kind: negInfinity}
	// PosInf sorts after every key.
	PosInf = Point{kind: posInfinity}
)

// Key returns a Point for a concrete key. The slice is not copied.
func Key(b []byte) Point {
	return Point{kind: finite, key: b}
}

func (p Point) IsNegInf() bool { return p.kind == negInfinity }
func (p Point) IsPosInf() bool { return p.kind == posInfinity }
func (p Point) IsKey() bool    { return p.kind == finite }

// Bytes returns the key payload, nil for the infinities.
func (p Point) Bytes() []byte { return p.key }

// Clone returns a Point that does not share key memory with p.
func (p Point) Clone() Point {
	if p.kind != finite {
		return p
	}
	return Point{kind: finite, key: bytes.Clone(p.key)}
}

func (p Point) String() string {
	switch p.kind {
	case negInfinity:
		return "-inf"
	case posInfinity:
		return "+inf"
	default:
		return fmt.Sprintf("%x", p.key)
	}
}

// Interval is a closed range [Left, Right].
type Interval struct {
	Left, Right Point
}

// New returns the interval [left, right]. It does not validate the order.
func New(left, right Point) Interval {
	return Interval{Left: left, Right: right}
}

// Single returns the interval holding exactly p.
func Single(p Point) Interval {
	return Interval{Left: p, Right: p}
}

// All covers the whole key space.
func All() Interval {
	return Interval{Left: NegInf, Right: PosInf}
}

// Clone deep-copies both endpoints.
func (iv Interval) Clone() Interval {
	return Interval{Left: iv.Left.Clone(), Right: iv.Right.Clone()}
}

// Size is the number of key payload bytes referenced by iv.
func (iv Interval) Size() int {
	return len(iv.Left.key) + len(iv.Right.key)
}

func (iv Interval) String() string {
	return "[" + iv.Left.String() + ", " + iv.Right.String() + "]"
}

// Comparator orders concrete keys. A nil Comparator orders them with
// bytes.Compare.
type Comparator func(a, b []byte) int

// Compare orders two points. The infinities short-circuit; only two concrete
// keys are handed to the comparator.
func (c Comparator) Compare(a, b Point) int {
	if a.kind != finite || b.kind != finite {
		switch {
		case a.kind < b.kind:
			return -1
		case a.kind > b.kind:
			return 1
		default:
			return 0
		}
	}
	if c == nil {
		return bytes.Compare(a.key, b.key)
	}
	return c(a.key, b.key)
}

// Valid reports whether Left <= Right.
func (c Comparator) Valid(iv Interval) bool {
	return c.Compare(iv.Left, iv.Right) <= 0
}

// Overlaps reports whether a and b share at least one point.
func (c Comparator) Overlaps(a, b Interval) bool {
	return c.Compare(a.Left, b.Right) <= 0 && c.Compare(b.Left, a.Right) <= 0
}

// Contains reports whether p lies inside iv.
func (c Comparator) Contains(iv Interval, p Point) bool {
	return c.Compare(iv.Left, p) <= 0 && c.Compare(p, iv.Right) <= 0
}

// Covers reports whether inner lies entirely inside outer.
func (c Comparator) Covers(outer, inner Interval) bool {
	return c.Compare(outer.Left, inner.Left) <= 0 && c.Compare(inner.Right, outer.Right) <= 0
}

// Hull returns the smallest interval containing both a and b.
func (c Comparator) Hull(a, b Interval) Interval {
	h := a
	if c.Compare(b.Left, h.Left) < 0 {
		h.Left = b.Left
	}
	if c.Compare(b.Right, h.Right) > 0 {
		h.Right = b.Right
	}
	return h
}

// Equal reports whether a and b have the same endpoints.
func (c Comparator) Equal(a, b Interval) bool {
	return c.Compare(a.Left, b.Left) == 0 && c.Compare(a.Right, b.Right) == 0
}
