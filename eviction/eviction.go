// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0

// Package eviction bounds the memory held by partial state. A Manager
// periodically gathers state statistics from the dataflow runtime, picks
// least recently used segments to drop and sends them for eviction. Evicted
// ranges become holes again and are refilled on the next lookup.
package eviction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/featurebasedb/ivm/dataflow"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"golang.org/x/time/rate"
)

// Target is the runtime whose state the manager keeps in check.
type Target interface {
	Stats(ctx context.Context) ([]dataflow.NodeStats, error)
	Evict(ctx context.Context, node dataflow.NodeID, index int, ranges []keys.Range) (dataflow.EvictResult, error)
}

// MemoryProbe reports the memory used by the process.
type MemoryProbe interface {
	MemoryUsed() (uint64, error)
}

// GCNotifier signals the end of each garbage collection.
type GCNotifier interface {
	AfterGC() <-chan struct{}
	Close()
}

// Config configures a Manager. Zero values disable the corresponding limit.
type Config struct {
	Interval time.Duration
	// NodeBudget caps the bytes of partial state a single node may hold.
	NodeBudget int
	// MemoryLimit caps process memory; above it the least recently used
	// segments of every node are evicted.
	MemoryLimit uint64
	// IdleAfter is how long state beyond the frontier may go unread.
	IdleAfter time.Duration
	// EvictionsPerSecond and Burst pace eviction requests.
	EvictionsPerSecond float64
	Burst              int

	Memory MemoryProbe
	// NewGC, when set with a MemoryLimit, adds a sweep after any garbage
	// collection that leaves the process over the limit.
	NewGC func() GCNotifier

	Logger logger.Logger
	Clock  func() time.Time
}

// Reason says why a segment was chosen.
type Reason string

const (
	ReasonIdle   Reason = "idle"
	ReasonBudget Reason = "budget"
	ReasonMemory Reason = "memory"
)

// Candidate is a segment chosen for eviction.
type Candidate struct {
	Node   dataflow.NodeID
	Name   string
	Index  int
	Range  keys.Range
	Bytes  int
	Reason Reason
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s[%d] %s (%d bytes, %s)", c.Name, c.Index, c.Range, c.Bytes, c.Reason)
}

// Report summarizes one sweep.
type Report struct {
	Candidates int
	Sent       int
	Deferred   int
	Rows       int
	Bytes      int
}

// Manager runs sweeps on an interval.
type Manager struct {
	mu      sync.Mutex
	target  Target
	cfg     Config
	limiter *rate.Limiter

	stopping chan struct{}
	stopped  chan struct{}
	once     sync.Once

	logger logger.Logger
}

// New returns a manager for target with defaults filled in.
func New(target Target, cfg Config) *Manager {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NopLogger
	}
	limit := rate.Inf
	if cfg.EvictionsPerSecond > 0 {
		limit = rate.Limit(cfg.EvictionsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 64
	}
	return &Manager{
		target:   target,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		stopping: make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   cfg.Logger,
	}
}

// Run sweeps on every tick until Stop is called.
func (m *Manager) Run() error {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	var afterGC <-chan struct{}
	if m.cfg.NewGC != nil && m.cfg.MemoryLimit > 0 {
		gc := m.cfg.NewGC()
		defer gc.Close()
		afterGC = gc.AfterGC()
	}

	for {
		select {
		case <-m.stopping:
			return nil
		case <-ticker.C:
		case <-afterGC:
			if !m.overMemory() {
				continue
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Interval)
		if _, err := m.Sweep(ctx); err != nil {
			m.logger.Warnf("EVICTION: sweep failed: %v", err)
		}
		cancel()
	}
}

func (m *Manager) overMemory() bool {
	if m.cfg.Memory == nil {
		return false
	}
	used, err := m.cfg.Memory.MemoryUsed()
	return err == nil && used > m.cfg.MemoryLimit
}

// Stop stops the sweeping routine and waits for it to return.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopping) })
	<-m.stopped
}

// Sweep runs one pass: gather stats, choose candidates and evict them.
// Candidates beyond the rate limit are left for a later sweep.
func (m *Manager) Sweep(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := m.cfg.Clock()
	stats, err := m.target.Stats(ctx)
	if err != nil {
		return Report{}, err
	}
	var over uint64
	if m.cfg.MemoryLimit > 0 && m.cfg.Memory != nil {
		used, err := m.cfg.Memory.MemoryUsed()
		if err != nil {
			m.logger.Warnf("EVICTION: reading memory: %v", err)
		} else if used > m.cfg.MemoryLimit {
			over = used - m.cfg.MemoryLimit
		}
	}

	cands := Choose(stats, m.cfg, start, over)
	rep := Report{Candidates: len(cands)}
	CounterSweeps.Inc()
	if len(cands) == 0 {
		return rep, nil
	}

	type target struct {
		node  dataflow.NodeID
		index int
	}
	var order []target
	batches := make(map[target][]keys.Range)
	for _, c := range cands {
		if !m.limiter.Allow() {
			rep.Deferred++
			continue
		}
		t := target{c.Node, c.Index}
		if _, ok := batches[t]; !ok {
			order = append(order, t)
		}
		batches[t] = append(batches[t], c.Range)
		rep.Sent++
		m.logger.Debugf("EVICTION: evicting %s", logger.Sensitive(c))
	}
	for _, t := range order {
		res, err := m.target.Evict(ctx, t.node, t.index, batches[t])
		if err != nil {
			m.logger.Printf("EVICTION: evicting from node %d: %v", t.node, err)
			continue
		}
		rep.Rows += res.Rows
		rep.Bytes += res.Bytes
	}
	CounterEvictedBytes.Add(float64(rep.Bytes))
	m.logger.Infof("EVICTION: evicted %d rows (%d bytes) in %d ranges, %d deferred, %s",
		rep.Rows, rep.Bytes, rep.Sent, rep.Deferred, m.cfg.Clock().Sub(start))
	return rep, nil
}

type segKey struct {
	node  dataflow.NodeID
	index int
	rng   string
}

// clipPending subtracts the pending ranges of index i from r.
func clipPending(r keys.Range, i int, pending []dataflow.PendingRange) []keys.Range {
	out := []keys.Range{r}
	for _, p := range pending {
		if p.Index != i || !p.Range.Overlaps(r) {
			continue
		}
		var next []keys.Range
		for _, o := range out {
			next = append(next, o.Subtract(p.Range)...)
		}
		out = next
	}
	return out
}

// Choose picks the segments to evict from stats. Idle segments of nodes
// beyond the frontier go first, then the least recently used segments of
// nodes over their budget, then, while the process is over its memory
// limit by over bytes, the least recently used segments overall. Segments
// are clipped to exclude ranges with fills in flight; a segment's bytes are
// split evenly over its clipped pieces.
func Choose(stats []dataflow.NodeStats, cfg Config, now time.Time, over uint64) []Candidate {
	var out []Candidate
	chosen := make(map[segKey]bool)
	pick := func(n dataflow.NodeStats, s dataflow.SegmentStats, why Reason) bool {
		k := segKey{n.Node, s.Index, s.Range.String()}
		if chosen[k] {
			return false
		}
		chosen[k] = true
		pieces := clipPending(s.Range, s.Index, n.PendingRanges)
		for _, r := range pieces {
			out = append(out, Candidate{Node: n.Node, Name: n.Name, Index: s.Index, Range: r, Bytes: s.Bytes / len(pieces), Reason: why})
		}
		return len(pieces) > 0
	}

	for _, n := range stats {
		if !n.Partial || !n.BeyondFrontier {
			continue
		}
		for _, s := range n.Segments {
			if now.Sub(s.LastAccess) >= cfg.IdleAfter {
				pick(n, s, ReasonIdle)
			}
		}
	}

	if cfg.NodeBudget > 0 {
		for _, n := range stats {
			if !n.Partial || n.Bytes <= cfg.NodeBudget {
				continue
			}
			held := n.Bytes
			for _, s := range lru(n.Segments) {
				if held <= cfg.NodeBudget {
					break
				}
				// Segments already chosen as idle still count as released.
				pick(n, s, ReasonBudget)
				held -= s.Bytes
			}
		}
	}

	if over > 0 {
		type entry struct {
			n dataflow.NodeStats
			s dataflow.SegmentStats
		}
		var all []entry
		for _, n := range stats {
			if !n.Partial {
				continue
			}
			for _, s := range n.Segments {
				all = append(all, entry{n, s})
			}
		}
		sort.SliceStable(all, func(i, j int) bool {
			return all[i].s.LastAccess.Before(all[j].s.LastAccess)
		})
		// Bytes already chosen count towards the target.
		var freed uint64
		for _, c := range out {
			freed += uint64(c.Bytes)
		}
		for _, e := range all {
			if freed >= over {
				break
			}
			if pick(e.n, e.s, ReasonMemory) {
				freed += uint64(e.s.Bytes)
			}
		}
	}
	return out
}

func lru(segs []dataflow.SegmentStats) []dataflow.SegmentStats {
	out := append([]dataflow.SegmentStats(nil), segs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastAccess.Before(out[j].LastAccess)
	})
	return out
}
