// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package eviction_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/eviction"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type evictCall struct {
	node   dataflow.NodeID
	index  int
	ranges []keys.Range
}

type fakeTarget struct {
	mu    sync.Mutex
	stats []dataflow.NodeStats
	calls []evictCall
}

func (f *fakeTarget) Stats(ctx context.Context) ([]dataflow.NodeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeTarget) Evict(ctx context.Context, node dataflow.NodeID, index int, ranges []keys.Range) (dataflow.EvictResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, evictCall{node, index, ranges})
	var res dataflow.EvictResult
	for _, n := range f.stats {
		if n.Node != node {
			continue
		}
		for _, s := range n.Segments {
			for _, r := range ranges {
				if s.Index == index && s.Range.Equal(r) {
					res.Keys++
					res.Rows++
					res.Bytes += s.Bytes
				}
			}
		}
	}
	return res, nil
}

type fixedMemory uint64

func (m fixedMemory) MemoryUsed() (uint64, error) { return uint64(m), nil }

var epoch = time.Date(2022, 6, 1, 0, 0, 0, 0, time.UTC)

func seg(lo, hi int, bytes int, age time.Duration) dataflow.SegmentStats {
	return dataflow.SegmentStats{
		Range:      keys.ClosedOpen(keys.K(lo), keys.K(hi)),
		Filled:     epoch.Add(-time.Hour),
		LastAccess: epoch.Add(-age),
		Bytes:      bytes,
	}
}

func node(id dataflow.NodeID, name string, beyond bool, segs ...dataflow.SegmentStats) dataflow.NodeStats {
	n := dataflow.NodeStats{Node: id, Name: name, Partial: true, BeyondFrontier: beyond, Segments: segs}
	for _, s := range segs {
		n.Bytes += s.Bytes
		n.Rows++
	}
	return n
}

func ranges(cs []eviction.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Name + " " + c.Range.String() + " " + string(c.Reason)
	}
	return out
}

func TestChoose(t *testing.T) {
	stats := []dataflow.NodeStats{
		node(1, "reader", true, seg(0, 10, 100, time.Minute), seg(10, 20, 100, time.Second), seg(20, 30, 100, time.Hour)),
		node(2, "counts", false, seg(0, 10, 400, 2*time.Minute), seg(10, 20, 400, time.Second)),
		{Node: 3, Name: "base", Partial: false, Bytes: 10000},
	}

	t.Run("idle", func(t *testing.T) {
		cs := eviction.Choose(stats, eviction.Config{IdleAfter: 30 * time.Second}, epoch, 0)
		assert.Equal(t, []string{
			"reader " + keys.ClosedOpen(keys.K(0), keys.K(10)).String() + " idle",
			"reader " + keys.ClosedOpen(keys.K(20), keys.K(30)).String() + " idle",
		}, ranges(cs))
	})

	t.Run("budget", func(t *testing.T) {
		cs := eviction.Choose(stats, eviction.Config{IdleAfter: time.Hour * 24, NodeBudget: 500}, epoch, 0)
		require.Len(t, cs, 1)
		assert.Equal(t, "counts", cs[0].Name)
		assert.Equal(t, eviction.ReasonBudget, cs[0].Reason)
		assert.Equal(t, keys.ClosedOpen(keys.K(0), keys.K(10)), cs[0].Range)
	})

	t.Run("memory", func(t *testing.T) {
		cs := eviction.Choose(stats, eviction.Config{IdleAfter: time.Hour * 24}, epoch, 450)
		// Oldest first across every partial node until 450 bytes are freed.
		assert.Equal(t, []string{
			"reader " + keys.ClosedOpen(keys.K(20), keys.K(30)).String() + " memory",
			"counts " + keys.ClosedOpen(keys.K(0), keys.K(10)).String() + " memory",
		}, ranges(cs))
	})

	t.Run("dedupe", func(t *testing.T) {
		cs := eviction.Choose(stats, eviction.Config{IdleAfter: 30 * time.Second}, epoch, 150)
		// The idle picks already free enough memory.
		assert.Len(t, cs, 2)
		for _, c := range cs {
			assert.Equal(t, eviction.ReasonIdle, c.Reason)
		}
	})

	t.Run("full nodes are never chosen", func(t *testing.T) {
		cs := eviction.Choose(stats, eviction.Config{IdleAfter: 0, NodeBudget: 1}, epoch, 1<<30)
		for _, c := range cs {
			assert.NotEqual(t, "base", c.Name)
		}
	})
}

func TestChoose_ClipsPendingFills(t *testing.T) {
	n := node(1, "reader", true, seg(0, 10, 100, time.Hour), seg(20, 30, 100, time.Hour), seg(40, 50, 100, time.Hour))
	n.PendingRanges = []dataflow.PendingRange{
		{Index: 0, Range: keys.ClosedOpen(keys.K(5), keys.K(15))},
		{Index: 0, Range: keys.ClosedOpen(keys.K(20), keys.K(30))},
		{Index: 1, Range: keys.ClosedOpen(keys.K(40), keys.K(50))},
	}

	cs := eviction.Choose([]dataflow.NodeStats{n}, eviction.Config{IdleAfter: time.Minute}, epoch, 0)
	assert.Equal(t, []string{
		"reader " + keys.ClosedOpen(keys.K(0), keys.K(5)).String() + " idle",
		"reader " + keys.ClosedOpen(keys.K(40), keys.K(50)).String() + " idle",
	}, ranges(cs), "pending ranges of the same index are never chosen")
	for _, c := range cs {
		assert.Equal(t, 100, c.Bytes)
	}

	// A segment fully covered by a pending fill frees nothing, so the memory
	// pass moves on to the next one.
	cs = eviction.Choose([]dataflow.NodeStats{n}, eviction.Config{IdleAfter: 24 * time.Hour}, epoch, 150)
	assert.Len(t, cs, 2)
	for _, c := range cs {
		assert.False(t, c.Range.Overlaps(keys.ClosedOpen(keys.K(20), keys.K(30))), c.Range.String())
	}
}

func TestManager_Sweep(t *testing.T) {
	target := &fakeTarget{stats: []dataflow.NodeStats{
		node(1, "reader", true, seg(0, 10, 100, time.Minute), seg(20, 30, 100, time.Hour)),
		node(2, "counts", false, seg(0, 10, 400, time.Second)),
	}}
	m := eviction.New(target, eviction.Config{
		IdleAfter:   30 * time.Second,
		MemoryLimit: 1000,
		Memory:      fixedMemory(1100),
		Logger:      logger.NewLogfLogger(t),
		Clock:       func() time.Time { return epoch },
	})
	rep, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, eviction.Report{Candidates: 2, Sent: 2, Rows: 2, Bytes: 200}, rep)

	// Both ranges of the reader index go in one request.
	require.Len(t, target.calls, 1)
	assert.Equal(t, dataflow.NodeID(1), target.calls[0].node)
	assert.Len(t, target.calls[0].ranges, 2)
}

func TestManager_RateLimit(t *testing.T) {
	target := &fakeTarget{stats: []dataflow.NodeStats{
		node(1, "reader", true, seg(0, 10, 100, time.Minute), seg(10, 20, 100, time.Minute), seg(20, 30, 100, time.Minute)),
	}}
	m := eviction.New(target, eviction.Config{
		IdleAfter:          time.Second,
		EvictionsPerSecond: 0.001,
		Burst:              2,
		Clock:              func() time.Time { return epoch },
	})
	rep, err := m.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sent)
	assert.Equal(t, 1, rep.Deferred)
}

func TestManager_RunStop(t *testing.T) {
	target := &fakeTarget{stats: []dataflow.NodeStats{
		node(1, "reader", true, seg(0, 10, 100, time.Hour)),
	}}
	m := eviction.New(target, eviction.Config{Interval: time.Millisecond, IdleAfter: time.Second})
	done := make(chan error)
	go func() { done <- m.Run() }()

	assert.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.calls) > 0
	}, 5*time.Second, time.Millisecond)
	m.Stop()
	require.NoError(t, <-done)
}

type fakeGC struct {
	ch     chan struct{}
	closed chan struct{}
}

func (g *fakeGC) AfterGC() <-chan struct{} { return g.ch }
func (g *fakeGC) Close()                   { close(g.closed) }

func TestManager_AfterGC(t *testing.T) {
	target := &fakeTarget{stats: []dataflow.NodeStats{
		node(1, "reader", true, seg(0, 10, 100, time.Minute)),
	}}
	gc := &fakeGC{ch: make(chan struct{}), closed: make(chan struct{})}
	var mem struct {
		sync.Mutex
		used uint64
	}
	probe := memoryFunc(func() (uint64, error) {
		mem.Lock()
		defer mem.Unlock()
		return mem.used, nil
	})
	m := eviction.New(target, eviction.Config{
		Interval:    time.Hour,
		MemoryLimit: 1000,
		Memory:      probe,
		NewGC:       func() eviction.GCNotifier { return gc },
	})
	done := make(chan error)
	go func() { done <- m.Run() }()

	// Under the limit a collection changes nothing. The second send only
	// completes once the first has been handled.
	gc.ch <- struct{}{}
	gc.ch <- struct{}{}
	target.mu.Lock()
	assert.Empty(t, target.calls)
	target.mu.Unlock()

	mem.Lock()
	mem.used = 1050
	mem.Unlock()
	gc.ch <- struct{}{}

	assert.Eventually(t, func() bool {
		target.mu.Lock()
		defer target.mu.Unlock()
		return len(target.calls) > 0
	}, 5*time.Second, time.Millisecond)
	m.Stop()
	require.NoError(t, <-done)
	<-gc.closed
}

type memoryFunc func() (uint64, error)

func (f memoryFunc) MemoryUsed() (uint64, error) { return f() }
