// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package readermap provides the read side of a materialized view: a map
// written by exactly one goroutine and read lock-free by any number of
// others. Writes are staged and become visible together when the writer
// publishes; a reader always sees one complete published snapshot.
package readermap

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/cespare/xxhash/v2"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
)

// keyHasher hashes encoded keys for the persistent map.
type keyHasher struct{}

func (keyHasher) Hash(key string) uint32 { return uint32(xxhash.Sum64String(key)) }
func (keyHasher) Equal(a, b string) bool { return a == b }

// Entry is the published row set of one key.
type Entry struct {
	Key  keys.Key
	Rows []keys.Row

	// unix nanos of the most recent read; shared by every snapshot that
	// holds this entry.
	lastRead *atomic.Int64
}

// LastRead returns the time of the most recent read of the entry.
func (e *Entry) LastRead() time.Time {
	n := e.lastRead.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Snapshot is one published state of the map. It is immutable.
type Snapshot struct {
	rows       *immutable.Map[string, *Entry]
	coverage   []keys.Range
	domain     *keys.Range
	generation uint64
	offset     offset.Offset
}

// Generation counts publishes; the first published snapshot is 1.
func (s *Snapshot) Generation() uint64 { return s.generation }

// Offset is the replication offset the snapshot reflects.
func (s *Snapshot) Offset() offset.Offset { return s.offset }

// Len returns the number of keys with rows.
func (s *Snapshot) Len() int { return s.rows.Len() }

// Coverage returns the covered ranges, in key order.
func (s *Snapshot) Coverage() []keys.Range { return s.coverage }

// search returns the index of the first covered range whose lower bound is
// after k.
func (s *Snapshot) search(k keys.Key) int {
	b := keys.Included(k)
	return sort.Search(len(s.coverage), func(i int) bool {
		return keys.CompareLower(s.coverage[i].Lower, b) > 0
	})
}

// Covered reports whether k was materialized when the snapshot was published.
func (s *Snapshot) Covered(k keys.Key) bool {
	i := s.search(k)
	return i > 0 && s.coverage[i-1].Contains(k)
}

// Read returns the rows for k. It returns false when k is a hole; a covered
// key without rows returns an empty result and true.
func (s *Snapshot) Read(k keys.Key) ([]keys.Row, bool) {
	if !s.Covered(k) {
		return nil, false
	}
	e, ok := s.rows.Get(k.Encode())
	if !ok {
		return []keys.Row{}, true
	}
	e.lastRead.Store(time.Now().UnixNano())
	return e.Rows, true
}

// FindHole returns the maximal uncovered range around k, or false if k is
// covered.
func (s *Snapshot) FindHole(k keys.Key) (keys.Range, bool) {
	if s.domain != nil && !s.domain.Contains(k) {
		return keys.Point(k), !s.Covered(k)
	}
	i := s.search(k)
	hole := keys.Full()
	if i > 0 {
		p := s.coverage[i-1]
		if p.Contains(k) {
			return keys.Range{}, false
		}
		hole.Lower = keys.Bound{Key: p.Upper.Key, Inclusive: !p.Upper.Inclusive}
	}
	if i < len(s.coverage) {
		n := s.coverage[i]
		hole.Upper = keys.Bound{Key: n.Lower.Key, Inclusive: !n.Lower.Inclusive}
	}
	if s.domain != nil {
		hole = hole.Intersect(*s.domain)
	}
	return hole, true
}

// Handle is the read side. It is safe for concurrent use.
type Handle struct {
	snap atomic.Pointer[Snapshot]
}

// Snapshot returns the most recently published snapshot.
func (h *Handle) Snapshot() *Snapshot { return h.snap.Load() }

// Read reads k from the most recently published snapshot.
func (h *Handle) Read(k keys.Key) ([]keys.Row, bool) { return h.snap.Load().Read(k) }

type staged struct {
	key    keys.Key
	rows   []keys.Row
	remove bool
}

// Writer is the write side. It must only be used by one goroutine.
type Writer struct {
	handle   *Handle
	current  *Snapshot
	staged   map[string]staged
	coverage []keys.Range
	covDirty bool
	offset   offset.Offset
}

// New returns the two sides of an empty map with no coverage. Holes found
// by readers are clipped to domain when it is non-nil.
func New(domain *keys.Range) (*Writer, *Handle) {
	h := &Handle{}
	first := &Snapshot{
		rows:   immutable.NewMap[string, *Entry](keyHasher{}),
		domain: domain,
	}
	h.snap.Store(first)
	return &Writer{
		handle:  h,
		current: first,
		staged:  make(map[string]staged),
	}, h
}

// Handle returns the read side for this writer.
func (w *Writer) Handle() *Handle { return w.handle }

// Write stages the full replacement of k's rows.
func (w *Writer) Write(k keys.Key, rows []keys.Row) {
	w.staged[k.Encode()] = staged{key: k, rows: rows}
}

// Remove stages the removal of k's rows.
func (w *Writer) Remove(k keys.Key) {
	w.staged[k.Encode()] = staged{key: k, remove: true}
}

// SetCoverage stages a new covered set. ranges must be sorted and disjoint.
func (w *Writer) SetCoverage(ranges []keys.Range) {
	w.coverage = append(w.coverage[:0:0], ranges...)
	w.covDirty = true
}

// SetOffset stages the offset the next snapshot reflects.
func (w *Writer) SetOffset(o offset.Offset) { w.offset = o }

// Pending reports whether anything is staged.
func (w *Writer) Pending() bool {
	return len(w.staged) > 0 || w.covDirty || !offset.Same(w.offset, w.current.offset)
}

// LastRead returns the last time a reader read k from a published snapshot.
func (w *Writer) LastRead(k keys.Key) time.Time {
	if e, ok := w.current.rows.Get(k.Encode()); ok {
		return e.LastRead()
	}
	return time.Time{}
}

// Publish makes every staged change visible in one atomic step and returns
// the new generation.
func (w *Writer) Publish() uint64 {
	rows := w.current.rows
	for enc, st := range w.staged {
		if st.remove || len(st.rows) == 0 {
			rows = rows.Delete(enc)
			continue
		}
		e := &Entry{Key: st.key, Rows: st.rows, lastRead: &atomic.Int64{}}
		if old, ok := rows.Get(enc); ok {
			e.lastRead = old.lastRead
		}
		rows = rows.Set(enc, e)
	}
	coverage := w.current.coverage
	if w.covDirty {
		coverage = w.coverage
		w.coverage = nil
		w.covDirty = false
	}
	next := &Snapshot{
		rows:       rows,
		coverage:   coverage,
		domain:     w.current.domain,
		generation: w.current.generation + 1,
		offset:     w.offset,
	}
	w.staged = make(map[string]staged)
	w.current = next
	w.handle.snap.Store(next)
	return next.generation
}
