// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/offset"
	"github.com/featurebasedb/ivm/readermap"
	"github.com/featurebasedb/ivm/state"
)

// router delivers packets to domains.
type router interface {
	send(d DomainID, p Packet) error
}

// local is the runtime state a domain keeps for one of its nodes. Node
// definitions come from the domain's graph snapshot.
type local struct {
	id      NodeID
	state   *state.State
	tracker *offset.Tracker
	writer  *readermap.Writer
	// bootstrapping is set on full nodes until their initial contents have
	// been computed from upstream.
	bootstrapping bool
}

// Domain runs the nodes assigned to one domain on a single goroutine. All of
// a domain's state is touched only from Run.
type Domain struct {
	id      DomainID
	box     *mailbox
	router  router
	graph   *Graph
	locals  map[NodeID]*local
	replays map[uint64]*replay
	retry   []*replay
	tags    *atomic.Uint64

	timeout time.Duration
	sweep   time.Duration
	now     func() time.Time
	logger  logger.Logger
}

func newDomain(id DomainID, r router, tags *atomic.Uint64, cfg Config) *Domain {
	return &Domain{
		id:      id,
		box:     newMailbox(),
		router:  r,
		graph:   NewGraph(),
		locals:  make(map[NodeID]*local),
		replays: make(map[uint64]*replay),
		tags:    tags,
		timeout: cfg.UpqueryTimeout,
		sweep:   cfg.SweepInterval,
		now:     cfg.Clock,
		logger:  cfg.Logger.WithPrefix(fmt.Sprintf("[d%d] ", id)),
	}
}

// ID returns the domain's id.
func (d *Domain) ID() DomainID { return d.id }

// Run processes packets until ctx is done.
func (d *Domain) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.box.close()
			d.shutdown()
			return nil
		case <-d.box.signal:
			for _, p := range d.box.drain() {
				d.handle(p)
				d.drainRetries()
			}
		case <-ticker.C:
			d.expire()
			d.drainRetries()
		}
	}
}

func (d *Domain) handle(p Packet) {
	switch p := p.(type) {
	case *Message:
		d.deliver(p.To, p.From, p.Deltas, p.Offset)
	case *OffsetMarker:
		d.deliver(p.To, p.From, nil, p.Offset)
	case *ReplayRequest:
		d.serve(p)
	case *ReplayResponse:
		d.response(p)
	case *ReaderMiss:
		d.readerMiss(p)
	case *EvictRequest:
		d.evict(p)
	case *Install:
		d.install(p)
	case *StatsRequest:
		p.Done <- d.stats()
	default:
		d.logger.Errorf("unexpected packet %T", p)
	}
}

// shutdown fails everything still waiting on this domain.
func (d *Domain) shutdown() {
	for _, rp := range d.replays {
		for _, ch := range rp.external {
			ch <- NewErrRuntimeClosed()
		}
		rp.external = nil
	}
	d.replays = make(map[uint64]*replay)
	d.retry = nil
}

// install brings the domain's nodes in line with a new graph snapshot.
func (d *Domain) install(in *Install) {
	d.graph = in.Graph
	for _, id := range in.Removed {
		if _, ok := d.locals[id]; !ok {
			continue
		}
		delete(d.locals, id)
		for _, rp := range d.replays {
			if rp.node == id {
				d.finish(rp, nil, NewErrUnknownNode(d.graph.Node(id).Name))
			}
		}
	}

	var boot []NodeID
	create := func(id NodeID) {
		n := d.graph.Node(id)
		if n == nil || n.Removed || n.Domain != d.id {
			return
		}
		l, ok := d.locals[id]
		if !ok {
			l = &local{id: id}
			d.locals[id] = l
		}
		if t, ok := in.Trackers[id]; ok {
			l.tracker = t
		}
		if w, ok := in.Writers[id]; ok {
			l.writer = w
		}
		if n.Materialization == NotMaterialized || l.state != nil {
			return
		}
		_, base := n.Op.(*Base)
		full := n.Materialization == Full
		// Full nodes other than bases start partial and fill everything.
		l.state = state.New(!(full && base), state.WithClock(d.now))
		for _, cols := range n.Indexes {
			l.state.AddIndex(cols, nil)
		}
		if full && !base {
			l.bootstrapping = true
			boot = append(boot, id)
		}
	}
	for _, id := range in.Added {
		create(id)
	}
	for _, id := range in.NewState {
		create(id)
	}
	for id, idxs := range in.Indexes {
		l, ok := d.locals[id]
		if !ok || l.state == nil {
			continue
		}
		for _, cols := range idxs {
			l.state.AddIndex(cols, nil)
		}
	}
	sortIDs(boot)
	for _, id := range boot {
		d.bootstrap(id)
	}
	if in.Done != nil {
		in.Done <- nil
	}
}

// stats reports the materialized state of every local node.
func (d *Domain) stats() []NodeStats {
	ids := make([]NodeID, 0, len(d.locals))
	for id := range d.locals {
		ids = append(ids, id)
	}
	sortIDs(ids)
	var out []NodeStats
	for _, id := range ids {
		l := d.locals[id]
		if l.state == nil {
			continue
		}
		n := d.graph.Node(id)
		ns := NodeStats{
			Node:           id,
			Name:           n.Name,
			Domain:         d.id,
			Partial:        l.state.Partial() && !l.bootstrapping,
			BeyondFrontier: n.BeyondFrontier,
			Rows:           l.state.Rows(),
			Bytes:          l.state.Bytes(),
			Pending:        l.state.NumPending(),
		}
		if ns.Partial {
			for i := range l.state.Indexes() {
				for _, r := range l.state.PendingRanges(i) {
					ns.PendingRanges = append(ns.PendingRanges, PendingRange{Index: i, Range: r})
				}
				for _, seg := range l.state.Segments(i) {
					last := seg.LastAccess
					if l.writer != nil && i == 0 {
						for _, k := range l.state.Keys(i, seg.Range) {
							if t := l.writer.LastRead(k); t.After(last) {
								last = t
							}
						}
					}
					ns.Segments = append(ns.Segments, SegmentStats{
						Index:      i,
						Range:      seg.Range,
						Filled:     seg.Filled,
						LastAccess: last,
						Bytes:      l.state.RangeBytes(i, seg.Range),
					})
				}
			}
			sort.SliceStable(ns.Segments, func(i, j int) bool {
				return ns.Segments[i].LastAccess.Before(ns.Segments[j].LastAccess)
			})
		}
		out = append(out, ns)
	}
	return out
}

// positions returns the parent positions of n that from occupies. Messages
// injected by ingestion arrive at position 0.
func positions(n *Node, from NodeID) []int {
	if from == NoNode {
		return []int{0}
	}
	var out []int
	for i, p := range n.Parents {
		if p == from {
			out = append(out, i)
		}
	}
	return out
}

// children returns the distinct live children of id.
func (d *Domain) children(id NodeID) []NodeID {
	var out []NodeID
	seen := make(map[NodeID]bool)
	for _, c := range d.graph.Children(id) {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}

// mirror copies the current rows of ks from a reader's state into its
// reader map.
func (d *Domain) mirror(l *local, ks []keys.Key) {
	seen := make(map[string]bool, len(ks))
	for _, k := range ks {
		enc := k.Encode()
		if seen[enc] {
			continue
		}
		seen[enc] = true
		if rows, ok := l.state.Get(0, k); ok {
			l.writer.Write(k, rows)
		} else {
			l.writer.Remove(k)
		}
	}
}

// publish makes a reader's staged changes visible under o, if o is known.
func (l *local) publish(o offset.Offset) {
	l.writer.SetCoverage(l.state.Coverage(0))
	if o != nil {
		l.writer.SetOffset(o)
	}
	l.writer.Publish()
}
