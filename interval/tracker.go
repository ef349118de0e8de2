// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package interval tracks which spans of a key ordering are covered, merging
// touching spans so that the stored set is always sorted, pairwise disjoint,
// and free of adjacent pairs.
package interval

import (
	"github.com/featurebasedb/ivm/keys"
	"github.com/tidwall/btree"
)

// Tracker is a set of covered ranges. It has a single mutator (the domain
// that owns the state it describes) and takes no locks.
type Tracker struct {
	tree   *btree.BTreeG[keys.Range]
	domain *keys.Range
}

func byLower(a, b keys.Range) bool {
	return keys.CompareLower(a.Lower, b.Lower) < 0
}

// NewTracker returns an empty tracker. If domain is non-nil, holes reported
// by FindHole are clipped to it.
func NewTracker(domain *keys.Range) *Tracker {
	return &Tracker{
		tree:   btree.NewBTreeGOptions(byLower, btree.Options{NoLocks: true}),
		domain: domain,
	}
}

// NewFullTracker returns a tracker covering the whole key space.
func NewFullTracker() *Tracker {
	t := NewTracker(nil)
	t.InsertRange(keys.Full())
	return t
}

func pivot(k keys.Key) keys.Range { return keys.Range{Lower: keys.Included(k)} }

// floor returns the stored range with the greatest lower bound not after b.
func (t *Tracker) floor(b keys.Bound) (keys.Range, bool) {
	var out keys.Range
	var ok bool
	t.tree.Descend(keys.Range{Lower: b}, func(r keys.Range) bool {
		out, ok = r, true
		return false
	})
	return out, ok
}

// Covered reports whether k falls within a covered range.
func (t *Tracker) Covered(k keys.Key) bool {
	r, ok := t.floor(keys.Included(k))
	return ok && r.Contains(k)
}

// Get returns the covered range containing k.
func (t *Tracker) Get(k keys.Key) (keys.Range, bool) {
	r, ok := t.floor(keys.Included(k))
	if !ok || !r.Contains(k) {
		return keys.Range{}, false
	}
	return r, true
}

// related collects, in order, every stored range that overlaps r, or that
// touches it when touch is set.
func (t *Tracker) related(r keys.Range, touch bool) []keys.Range {
	match := r.Overlaps
	if touch {
		match = r.Touches
	}
	var out []keys.Range
	if p, ok := t.floor(r.Lower); ok && keys.CompareLower(p.Lower, r.Lower) < 0 && match(p) {
		out = append(out, p)
	}
	t.tree.Ascend(keys.Range{Lower: r.Lower}, func(s keys.Range) bool {
		if !match(s) {
			return false
		}
		out = append(out, s)
		return true
	})
	return out
}

// InsertRange marks r covered, merging it with every overlapping or touching
// range into one contiguous range.
func (t *Tracker) InsertRange(r keys.Range) {
	if r.Empty() {
		return
	}
	merged := r
	for _, s := range t.related(r, true) {
		t.tree.Delete(s)
		merged = merged.Hull(s)
	}
	t.tree.Set(merged)
}

// RemoveRange uncovers r. Each affected range is cut into zero, one or two
// remaining pieces split exactly at r's bounds.
func (t *Tracker) RemoveRange(r keys.Range) {
	if r.Empty() {
		return
	}
	for _, s := range t.related(r, false) {
		t.tree.Delete(s)
		for _, piece := range s.Subtract(r) {
			t.tree.Set(piece)
		}
	}
}

// FindHole returns the maximal uncovered range containing k, bounded by the
// nearest covered ranges on either side and by the tracker's domain. It
// returns false if k is covered. A key outside the domain is its own hole.
func (t *Tracker) FindHole(k keys.Key) (keys.Range, bool) {
	if t.domain != nil && !t.domain.Contains(k) {
		return keys.Point(k), !t.Covered(k)
	}
	hole := keys.Full()
	if p, ok := t.floor(keys.Included(k)); ok {
		if p.Contains(k) {
			return keys.Range{}, false
		}
		hole.Lower = keys.Bound{Key: p.Upper.Key, Inclusive: !p.Upper.Inclusive}
	}
	t.tree.Ascend(pivot(k), func(s keys.Range) bool {
		hole.Upper = keys.Bound{Key: s.Lower.Key, Inclusive: !s.Lower.Inclusive}
		return false
	})
	if t.domain != nil {
		hole = hole.Intersect(*t.domain)
	}
	return hole, true
}

// Gaps returns, in order, the parts of r that are not covered.
func (t *Tracker) Gaps(r keys.Range) []keys.Range {
	if r.Empty() {
		return nil
	}
	var out []keys.Range
	cur := r
	for _, s := range t.related(r, false) {
		if !s.Lower.Unbounded {
			left := keys.Range{Lower: cur.Lower, Upper: keys.Bound{Key: s.Lower.Key, Inclusive: !s.Lower.Inclusive}}
			if !left.Empty() {
				out = append(out, left)
			}
		}
		if s.Upper.Unbounded {
			return out
		}
		cur = keys.Range{Lower: keys.Bound{Key: s.Upper.Key, Inclusive: !s.Upper.Inclusive}, Upper: cur.Upper}
		if cur.Empty() {
			return out
		}
	}
	return append(out, cur)
}

// CoveredIn returns the covered parts of r, in order.
func (t *Tracker) CoveredIn(r keys.Range) []keys.Range {
	var out []keys.Range
	for _, s := range t.related(r, false) {
		out = append(out, s.Intersect(r))
	}
	return out
}

// CoversRange reports whether every key of r is covered.
func (t *Tracker) CoversRange(r keys.Range) bool {
	return len(t.Gaps(r)) == 0
}

// Ranges returns the covered set in key order.
func (t *Tracker) Ranges() []keys.Range { return t.tree.Items() }

// Len returns the number of disjoint covered ranges.
func (t *Tracker) Len() int { return t.tree.Len() }

// Domain returns the bounds holes are clipped to, if any.
func (t *Tracker) Domain() (keys.Range, bool) {
	if t.domain == nil {
		return keys.Full(), false
	}
	return *t.domain, true
}

// Clear uncovers everything.
func (t *Tracker) Clear() { t.tree.Clear() }

// Clone returns an independent copy.
func (t *Tracker) Clone() *Tracker {
	return &Tracker{tree: t.tree.Copy(), domain: t.domain}
}
