// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package state holds the materialized rows of one dataflow node. A state
// has one or more indexes; each index keeps its own copy of the rows keyed by
// its columns, and its own record of which key ranges are materialized.
// State is owned by the domain that runs its node and is not safe for
// concurrent use.
package state

import (
	"time"

	"github.com/featurebasedb/ivm/interval"
	"github.com/featurebasedb/ivm/keys"
	"github.com/tidwall/btree"
)

// bucket is the multiset of rows stored under one key.
type bucket struct {
	key  keys.Key
	rows []keys.Row
}

func byKey(a, b *bucket) bool { return a.key.Compare(b.key) < 0 }

// Segment is a range filled in one step. Segments are the unit of eviction.
type Segment struct {
	Range      keys.Range
	Filled     time.Time
	LastAccess time.Time
}

func bySegmentLower(a, b *Segment) bool {
	return keys.CompareLower(a.Range.Lower, b.Range.Lower) < 0
}

// Pending is a range of an index awaiting an upquery response.
type Pending struct {
	Index   int
	Range   keys.Range
	Tag     uint64
	Started time.Time
}

type index struct {
	cols     []int
	rows     *btree.BTreeG[*bucket]
	tracker  *interval.Tracker
	segments *btree.BTreeG[*Segment]
	pending  []*Pending
	nrows    int
	bytes    int
}

func newIndex(cols []int, partial bool, domain *keys.Range) *index {
	idx := &index{
		cols:     append([]int(nil), cols...),
		rows:     btree.NewBTreeGOptions(byKey, btree.Options{NoLocks: true}),
		segments: btree.NewBTreeGOptions(bySegmentLower, btree.Options{NoLocks: true}),
	}
	if partial {
		idx.tracker = interval.NewTracker(domain)
	} else {
		idx.tracker = interval.NewFullTracker()
	}
	return idx
}

// State is the materialized rows of a node.
type State struct {
	partial bool
	indexes []*index
	now     func() time.Time
}

// Option configures a State.
type Option func(*State)

// WithClock sets the clock used for access times.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// New returns a state with no indexes. Indexes of a partial state start with
// nothing covered; those of a full state start fully covered.
func New(partial bool, opts ...Option) *State {
	s := &State{partial: partial, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Partial reports whether the state holds only part of its key space.
func (s *State) Partial() bool { return s.partial }

// MarkFull turns a partial state whose indexes are all fully covered into a
// full state. Full states are built this way when their contents have to be
// computed from upstream.
func (s *State) MarkFull() bool {
	for _, idx := range s.indexes {
		if !idx.tracker.CoversRange(keys.Full()) {
			return false
		}
	}
	s.partial = false
	return true
}

// AddIndex adds an index on cols and returns its position. Adding an index
// that already exists returns the existing position. An index added to a
// full state is populated from the first index.
func (s *State) AddIndex(cols []int, domain *keys.Range) int {
	if i, ok := s.IndexFor(cols); ok {
		return i
	}
	idx := newIndex(cols, s.partial, domain)
	if !s.partial && len(s.indexes) > 0 {
		s.indexes[0].rows.Scan(func(b *bucket) bool {
			for _, r := range b.rows {
				idx.insert(r)
			}
			return true
		})
	}
	s.indexes = append(s.indexes, idx)
	return len(s.indexes) - 1
}

// IndexFor returns the position of the index on exactly cols.
func (s *State) IndexFor(cols []int) (int, bool) {
	for i, idx := range s.indexes {
		if equalCols(idx.cols, cols) {
			return i, true
		}
	}
	return 0, false
}

func equalCols(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Indexes returns the key columns of every index.
func (s *State) Indexes() [][]int {
	out := make([][]int, len(s.indexes))
	for i, idx := range s.indexes {
		out[i] = idx.cols
	}
	return out
}

func (s *State) index(i int) (*index, error) {
	if i < 0 || i >= len(s.indexes) {
		return nil, NewErrUnknownIndex(i)
	}
	return s.indexes[i], nil
}

func (idx *index) get(k keys.Key) (*bucket, bool) {
	return idx.rows.Get(&bucket{key: k})
}

func (idx *index) insert(r keys.Row) {
	k := r.Project(idx.cols)
	b, ok := idx.get(k)
	if !ok {
		b = &bucket{key: k}
		idx.rows.Set(b)
	}
	b.rows = append(b.rows, r)
	idx.nrows++
	idx.bytes += r.Size()
}

func (idx *index) remove(r keys.Row) bool {
	k := r.Project(idx.cols)
	b, ok := idx.get(k)
	if !ok {
		return false
	}
	for i, have := range b.rows {
		if have.Equal(r) {
			b.rows = append(b.rows[:i], b.rows[i+1:]...)
			if len(b.rows) == 0 {
				idx.rows.Delete(b)
			}
			idx.nrows--
			idx.bytes -= r.Size()
			return true
		}
	}
	return false
}

// scan calls fn for every bucket whose key falls in r, in key order.
func (idx *index) scan(r keys.Range, fn func(b *bucket) bool) {
	visit := func(b *bucket) bool {
		if !r.Contains(b.key) {
			// Past the lower edge of an exclusive bound, or beyond the upper.
			if r.Lower.Unbounded || b.key.Compare(r.Lower.Key) > 0 {
				return false
			}
			return true
		}
		return fn(b)
	}
	if r.Lower.Unbounded {
		idx.rows.Scan(visit)
		return
	}
	idx.rows.Ascend(&bucket{key: r.Lower.Key}, visit)
}

func (idx *index) touch(k keys.Key, t time.Time) {
	var seg *Segment
	idx.segments.Descend(&Segment{Range: keys.Range{Lower: keys.Included(k)}}, func(s *Segment) bool {
		seg = s
		return false
	})
	if seg != nil && seg.Range.Contains(k) && t.After(seg.LastAccess) {
		seg.LastAccess = t
	}
}

// Result is the outcome of a lookup.
type Result struct {
	Hit  bool
	Rows []keys.Row
	// Hole is the uncovered range around the key when Hit is false.
	Hole keys.Range
}

// Lookup returns the rows stored under k, or the hole k falls in.
func (s *State) Lookup(i int, k keys.Key) (Result, error) {
	idx, err := s.index(i)
	if err != nil {
		return Result{}, err
	}
	if hole, ok := idx.tracker.FindHole(k); ok {
		return Result{Hole: hole}, nil
	}
	idx.touch(k, s.now())
	var rows []keys.Row
	if b, ok := idx.get(k); ok {
		rows = append(rows, b.rows...)
	}
	return Result{Hit: true, Rows: rows}, nil
}

// Get returns the rows under k and whether k is covered, without recording
// an access.
func (s *State) Get(i int, k keys.Key) ([]keys.Row, bool) {
	idx, err := s.index(i)
	if err != nil || !idx.tracker.Covered(k) {
		return nil, false
	}
	b, ok := idx.get(k)
	if !ok {
		return nil, true
	}
	return append([]keys.Row(nil), b.rows...), true
}

// LookupRange returns the stored rows in the covered parts of r and the
// parts of r that are holes.
func (s *State) LookupRange(i int, r keys.Range) ([]keys.Row, []keys.Range, error) {
	idx, err := s.index(i)
	if err != nil {
		return nil, nil, err
	}
	var rows []keys.Row
	now := s.now()
	idx.scan(r, func(b *bucket) bool {
		rows = append(rows, b.rows...)
		idx.touch(b.key, now)
		return true
	})
	return rows, idx.tracker.Gaps(r), nil
}

// Covered reports whether k is materialized in index i.
func (s *State) Covered(i int, k keys.Key) bool {
	idx, err := s.index(i)
	return err == nil && idx.tracker.Covered(k)
}

// Coverage returns the covered ranges of index i.
func (s *State) Coverage(i int) []keys.Range {
	idx, err := s.index(i)
	if err != nil {
		return nil
	}
	return idx.tracker.Ranges()
}

// Gaps returns the uncovered parts of r in index i.
func (s *State) Gaps(i int, r keys.Range) []keys.Range {
	idx, err := s.index(i)
	if err != nil {
		return nil
	}
	return idx.tracker.Gaps(r)
}

// Fill materializes r in index i with rows, which must be the complete row
// set for r. Rows are only inserted for the parts of r not already covered,
// so repeating a fill never duplicates rows. Pending fills lying within r
// are cleared. It returns the number of rows inserted.
func (s *State) Fill(i int, r keys.Range, rows []keys.Row) (int, error) {
	idx, err := s.index(i)
	if err != nil {
		return 0, err
	}
	kept := idx.pending[:0]
	for _, p := range idx.pending {
		if !r.ContainsRange(p.Range) {
			kept = append(kept, p)
		}
	}
	idx.pending = kept
	gaps := idx.tracker.Gaps(r)
	if len(gaps) == 0 {
		return 0, nil
	}
	n := 0
	for _, row := range rows {
		k := row.Project(idx.cols)
		for _, g := range gaps {
			if g.Contains(k) {
				idx.insert(row)
				n++
				break
			}
		}
	}
	now := s.now()
	for _, g := range gaps {
		idx.segments.Set(&Segment{Range: g, Filled: now, LastAccess: now})
	}
	idx.tracker.InsertRange(r)
	return n, nil
}

// ApplyDelta applies d to every index where the row's key is covered, and
// drops it for indexes where the key is a hole. It reports whether any index
// changed.
func (s *State) ApplyDelta(d keys.Delta) bool {
	changed := false
	for _, idx := range s.indexes {
		if !idx.tracker.Covered(d.Row.Project(idx.cols)) {
			continue
		}
		switch d.Op {
		case keys.Insert:
			idx.insert(d.Row)
			changed = true
		case keys.Delete:
			if idx.remove(d.Row) {
				changed = true
			}
		}
	}
	return changed
}

// EvictResult describes what an eviction removed.
type EvictResult struct {
	Keys  []keys.Key
	Rows  int
	Bytes int
}

// Evict removes the rows of index i in r and uncovers r. Evicting a range
// that overlaps a pending fill is refused with ErrEvictPendingFill; the
// eviction policy must never ask for it.
func (s *State) Evict(i int, r keys.Range) (EvictResult, error) {
	idx, err := s.index(i)
	if err != nil {
		return EvictResult{}, err
	}
	if !s.partial {
		return EvictResult{}, NewErrEvictFullState()
	}
	for _, p := range idx.pending {
		if p.Range.Overlaps(r) {
			return EvictResult{}, NewErrEvictPendingFill(r, p.Range)
		}
	}
	var res EvictResult
	var drop []*bucket
	idx.scan(r, func(b *bucket) bool {
		drop = append(drop, b)
		return true
	})
	for _, b := range drop {
		idx.rows.Delete(b)
		res.Keys = append(res.Keys, b.key)
		for _, row := range b.rows {
			res.Rows++
			res.Bytes += row.Size()
		}
	}
	idx.nrows -= res.Rows
	idx.bytes -= res.Bytes

	var segs []*Segment
	idx.segments.Scan(func(seg *Segment) bool {
		if seg.Range.Overlaps(r) {
			segs = append(segs, seg)
		}
		return true
	})
	for _, seg := range segs {
		idx.segments.Delete(seg)
		for _, piece := range seg.Range.Subtract(r) {
			idx.segments.Set(&Segment{Range: piece, Filled: seg.Filled, LastAccess: seg.LastAccess})
		}
	}
	idx.tracker.RemoveRange(r)
	return res, nil
}

// Clear evicts everything from a partial state, pending fills aside.
func (s *State) Clear() {
	for i, idx := range s.indexes {
		gaps := []keys.Range{keys.Full()}
		for _, p := range idx.pending {
			var next []keys.Range
			for _, g := range gaps {
				next = append(next, g.Subtract(p.Range)...)
			}
			gaps = next
		}
		for _, g := range gaps {
			_, _ = s.Evict(i, g)
		}
	}
}

// Touch records an access to k at t, for keys read outside Lookup.
func (s *State) Touch(i int, k keys.Key, t time.Time) {
	if idx, err := s.index(i); err == nil {
		idx.touch(k, t)
	}
}

// Segments returns the filled segments of index i in key order.
func (s *State) Segments(i int) []Segment {
	idx, err := s.index(i)
	if err != nil {
		return nil
	}
	out := make([]Segment, 0, idx.segments.Len())
	idx.segments.Scan(func(seg *Segment) bool {
		out = append(out, *seg)
		return true
	})
	return out
}

// RangeBytes approximates the memory held by index i's rows in r.
func (s *State) RangeBytes(i int, r keys.Range) int {
	idx, err := s.index(i)
	if err != nil {
		return 0
	}
	n := 0
	idx.scan(r, func(b *bucket) bool {
		for _, row := range b.rows {
			n += row.Size()
		}
		return true
	})
	return n
}

// Keys returns the keys of index i that hold rows within r.
func (s *State) Keys(i int, r keys.Range) []keys.Key {
	idx, err := s.index(i)
	if err != nil {
		return nil
	}
	var out []keys.Key
	idx.scan(r, func(b *bucket) bool {
		out = append(out, b.key)
		return true
	})
	return out
}

// Rows returns the number of rows in the first index.
func (s *State) Rows() int {
	if len(s.indexes) == 0 {
		return 0
	}
	return s.indexes[0].nrows
}

// Bytes approximates the memory held by all indexes.
func (s *State) Bytes() int {
	n := 0
	for _, idx := range s.indexes {
		n += idx.bytes
	}
	return n
}

// AllRows returns every row of the first index.
func (s *State) AllRows() []keys.Row {
	if len(s.indexes) == 0 {
		return nil
	}
	var out []keys.Row
	s.indexes[0].rows.Scan(func(b *bucket) bool {
		out = append(out, b.rows...)
		return true
	})
	return out
}
