// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package state

import (
	"time"

	"github.com/featurebasedb/ivm/keys"
)

// AddPending marks r of index i as awaiting an upquery response.
func (s *State) AddPending(i int, r keys.Range, tag uint64) (*Pending, error) {
	idx, err := s.index(i)
	if err != nil {
		return nil, err
	}
	p := &Pending{Index: i, Range: r, Tag: tag, Started: s.now()}
	idx.pending = append(idx.pending, p)
	return p, nil
}

// PendingOverlapping returns an in-flight fill of index i overlapping r, so a
// new miss can wait on it instead of issuing another upquery.
func (s *State) PendingOverlapping(i int, r keys.Range) (*Pending, bool) {
	idx, err := s.index(i)
	if err != nil {
		return nil, false
	}
	for _, p := range idx.pending {
		if p.Range.Overlaps(r) {
			return p, true
		}
	}
	return nil, false
}

// RemovePending clears p, whether it completed or was abandoned.
func (s *State) RemovePending(p *Pending) {
	idx, err := s.index(p.Index)
	if err != nil {
		return
	}
	for j, have := range idx.pending {
		if have == p {
			idx.pending = append(idx.pending[:j], idx.pending[j+1:]...)
			return
		}
	}
}

// ExpirePending removes and returns every pending fill started more than
// timeout before now.
func (s *State) ExpirePending(now time.Time, timeout time.Duration) []*Pending {
	var out []*Pending
	for _, idx := range s.indexes {
		kept := idx.pending[:0]
		for _, p := range idx.pending {
			if now.Sub(p.Started) > timeout {
				out = append(out, p)
				continue
			}
			kept = append(kept, p)
		}
		idx.pending = kept
	}
	return out
}

// PendingRanges returns the in-flight ranges of index i.
func (s *State) PendingRanges(i int) []keys.Range {
	idx, err := s.index(i)
	if err != nil {
		return nil
	}
	out := make([]keys.Range, len(idx.pending))
	for j, p := range idx.pending {
		out[j] = p.Range
	}
	return out
}

// NumPending returns the number of in-flight fills across indexes.
func (s *State) NumPending() int {
	n := 0
	for _, idx := range s.indexes {
		n += len(idx.pending)
	}
	return n
}
