// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package keys

import (
	"strings"
)

// Bound is one end of a Range. An unbounded lower end is -inf, an unbounded
// upper end is +inf; Key and Inclusive are ignored for unbounded ends.
type Bound struct {
	Key       Key  `json:"key,omitempty"`
	Inclusive bool `json:"inclusive,omitempty"`
	Unbounded bool `json:"unbounded,omitempty"`
}

func Included(k Key) Bound { return Bound{Key: k, Inclusive: true} }
func Excluded(k Key) Bound { return Bound{Key: k} }
func Unbounded() Bound     { return Bound{Unbounded: true} }

// Range is a span of the key ordering.
type Range struct {
	Lower Bound `json:"lower"`
	Upper Bound `json:"upper"`
}

func Point(k Key) Range         { return Range{Included(k), Included(k)} }
func Closed(l, u Key) Range     { return Range{Included(l), Included(u)} }
func ClosedOpen(l, u Key) Range { return Range{Included(l), Excluded(u)} }
func Open(l, u Key) Range       { return Range{Excluded(l), Excluded(u)} }
func AtLeast(k Key) Range       { return Range{Included(k), Unbounded()} }
func Below(k Key) Range         { return Range{Unbounded(), Excluded(k)} }
func Full() Range               { return Range{Unbounded(), Unbounded()} }

// CompareLower orders lower bounds: -inf first, and at equal keys an
// inclusive bound (which admits the key) before an exclusive one.
func CompareLower(a, b Bound) int {
	switch {
	case a.Unbounded && b.Unbounded:
		return 0
	case a.Unbounded:
		return -1
	case b.Unbounded:
		return 1
	}
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	switch {
	case a.Inclusive == b.Inclusive:
		return 0
	case a.Inclusive:
		return -1
	}
	return 1
}

// CompareUpper orders upper bounds: +inf last, and at equal keys an
// exclusive bound before an inclusive one.
func CompareUpper(a, b Bound) int {
	switch {
	case a.Unbounded && b.Unbounded:
		return 0
	case a.Unbounded:
		return 1
	case b.Unbounded:
		return -1
	}
	if c := a.Key.Compare(b.Key); c != 0 {
		return c
	}
	switch {
	case a.Inclusive == b.Inclusive:
		return 0
	case a.Inclusive:
		return 1
	}
	return -1
}

// gapBetween reports whether at least one key lies strictly after upper u and
// strictly before lower l.
func gapBetween(u, l Bound) bool {
	if u.Unbounded || l.Unbounded {
		return false
	}
	c := u.Key.Compare(l.Key)
	return c < 0 || (c == 0 && !u.Inclusive && !l.Inclusive)
}

// sharePoint reports whether upper u and lower l admit a common key.
func sharePoint(u, l Bound) bool {
	if u.Unbounded || l.Unbounded {
		return true
	}
	c := u.Key.Compare(l.Key)
	return c > 0 || (c == 0 && u.Inclusive && l.Inclusive)
}

// Empty reports whether no key falls within r.
func (r Range) Empty() bool {
	if r.Lower.Unbounded || r.Upper.Unbounded {
		return false
	}
	c := r.Lower.Key.Compare(r.Upper.Key)
	return c > 0 || (c == 0 && !(r.Lower.Inclusive && r.Upper.Inclusive))
}

func (r Range) Contains(k Key) bool {
	if !r.Lower.Unbounded {
		c := r.Lower.Key.Compare(k)
		if c > 0 || (c == 0 && !r.Lower.Inclusive) {
			return false
		}
	}
	if !r.Upper.Unbounded {
		c := k.Compare(r.Upper.Key)
		if c > 0 || (c == 0 && !r.Upper.Inclusive) {
			return false
		}
	}
	return true
}

// ContainsRange reports whether o lies entirely within r.
func (r Range) ContainsRange(o Range) bool {
	return CompareLower(r.Lower, o.Lower) <= 0 && CompareUpper(o.Upper, r.Upper) <= 0
}

// Overlaps reports whether r and o share at least one key.
func (r Range) Overlaps(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return sharePoint(r.Upper, o.Lower) && sharePoint(o.Upper, r.Lower)
}

// Touches reports whether r and o overlap or are adjacent with no key
// between them, i.e. whether their union is a single range. Equal bounds
// with differing inclusivity touch; two exclusive bounds at the same key
// leave that key as a gap.
func (r Range) Touches(o Range) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return !gapBetween(r.Upper, o.Lower) && !gapBetween(o.Upper, r.Lower)
}

// Intersect returns the keys in both ranges; the result may be Empty.
func (r Range) Intersect(o Range) Range {
	out := r
	if CompareLower(o.Lower, out.Lower) > 0 {
		out.Lower = o.Lower
	}
	if CompareUpper(o.Upper, out.Upper) < 0 {
		out.Upper = o.Upper
	}
	return out
}

// Hull returns the smallest range containing both.
func (r Range) Hull(o Range) Range {
	out := r
	if CompareLower(o.Lower, out.Lower) < 0 {
		out.Lower = o.Lower
	}
	if CompareUpper(o.Upper, out.Upper) > 0 {
		out.Upper = o.Upper
	}
	return out
}

// Subtract returns the non-empty parts of r not covered by o, in order. The
// pieces are split exactly at o's bounds with complemented inclusivity.
func (r Range) Subtract(o Range) []Range {
	if !r.Overlaps(o) {
		if r.Empty() {
			return nil
		}
		return []Range{r}
	}
	var out []Range
	if !o.Lower.Unbounded {
		left := Range{Lower: r.Lower, Upper: Bound{Key: o.Lower.Key, Inclusive: !o.Lower.Inclusive}}
		if !left.Empty() {
			out = append(out, left)
		}
	}
	if !o.Upper.Unbounded {
		right := Range{Lower: Bound{Key: o.Upper.Key, Inclusive: !o.Upper.Inclusive}, Upper: r.Upper}
		if !right.Empty() {
			out = append(out, right)
		}
	}
	return out
}

func (r Range) Equal(o Range) bool {
	return CompareLower(r.Lower, o.Lower) == 0 && CompareUpper(r.Upper, o.Upper) == 0
}

// String renders the range in interval notation, e.g. [10, 20) or [20, +inf).
func (r Range) String() string {
	var sb strings.Builder
	if r.Lower.Unbounded {
		sb.WriteString("(-inf")
	} else {
		if r.Lower.Inclusive {
			sb.WriteByte('[')
		} else {
			sb.WriteByte('(')
		}
		sb.WriteString(r.Lower.Key.String())
	}
	sb.WriteString(", ")
	if r.Upper.Unbounded {
		sb.WriteString("+inf)")
	} else {
		sb.WriteString(r.Upper.Key.String())
		if r.Upper.Inclusive {
			sb.WriteByte(']')
		} else {
			sb.WriteByte(')')
		}
	}
	return sb.String()
}

// Validate returns an error for ranges that can never contain a key.
func (r Range) Validate() error {
	if r.Empty() {
		return NewErrInvalidRange(r)
	}
	return nil
}
