// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package offset

import (
	"context"
	"sync"
	"sync/atomic"
)

// Tracker records the offset applied by each input ("shard") feeding a node.
// Advance is called by the single path that applies the node's deltas; any
// number of goroutines may read it.
type Tracker struct {
	shards atomic.Pointer[[]Offset]

	mu      sync.Mutex
	changed chan struct{}
}

// NewTracker returns a tracker for n shards, none of which has reported.
func NewTracker(n int) *Tracker {
	if n < 1 {
		n = 1
	}
	t := &Tracker{changed: make(chan struct{})}
	s := make([]Offset, n)
	t.shards.Store(&s)
	return t
}

// Shards returns the number of inputs tracked.
func (t *Tracker) Shards() int { return len(*t.shards.Load()) }

// Advance records that shard has applied everything up to o. It is rejected
// with ErrOffsetRegression, leaving the shard unchanged, unless o is strictly
// greater than the shard's current offset.
func (t *Tracker) Advance(shard int, o Offset) error {
	for {
		old := t.shards.Load()
		if shard < 0 || shard >= len(*old) {
			return NewErrInvalidShard(shard, len(*old))
		}
		cur := (*old)[shard]
		if cur != nil && Compare(o, cur) != Greater {
			return NewErrOffsetRegression(shard, cur, o)
		}
		next := make([]Offset, len(*old))
		copy(next, *old)
		next[shard] = o.Clone()
		if t.shards.CompareAndSwap(old, &next) {
			t.notify()
			return nil
		}
	}
}

func (t *Tracker) notify() {
	t.mu.Lock()
	close(t.changed)
	t.changed = make(chan struct{})
	t.mu.Unlock()
}

func (t *Tracker) wait() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.changed
}

// Current returns shard 0's offset, which for a single-input node is the
// node's offset. It is nil until something was applied.
func (t *Tracker) Current() Offset { return t.ShardCurrent(0) }

// ShardCurrent returns the offset of one shard.
func (t *Tracker) ShardCurrent(shard int) Offset {
	s := *t.shards.Load()
	if shard < 0 || shard >= len(s) {
		return nil
	}
	return s[shard]
}

// SafeOffset returns the component-wise minimum over all shards: the point up
// to which every input agrees data is applied. It is nil until every shard
// has reported.
func (t *Tracker) SafeOffset() Offset {
	s := *t.shards.Load()
	var out Offset
	for i, o := range s {
		if o == nil {
			return nil
		}
		if i == 0 {
			out = o.Clone()
			continue
		}
		out = Min(out, o)
	}
	return out
}

// SafeOffsetWith returns what SafeOffset would be after shard advanced to o,
// so a reader can publish data under the offset it is about to reach.
func (t *Tracker) SafeOffsetWith(shard int, o Offset) Offset {
	s := *t.shards.Load()
	if shard < 0 || shard >= len(s) {
		return nil
	}
	var out Offset
	for i, cur := range s {
		if i == shard {
			cur = o
		}
		if cur == nil {
			return nil
		}
		if out == nil {
			out = cur.Clone()
			continue
		}
		out = Min(out, cur)
	}
	return out
}

// IsCaughtUpTo reports whether the safe offset has reached target. An empty
// target is always reached.
func (t *Tracker) IsCaughtUpTo(target Offset) bool {
	if len(target) == 0 {
		return true
	}
	safe := t.SafeOffset()
	return safe != nil && safe.AtLeast(target)
}

// Wait blocks until the tracker is caught up to target or ctx is done.
func (t *Tracker) Wait(ctx context.Context, target Offset) error {
	for {
		ch := t.wait()
		if t.IsCaughtUpTo(target) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
