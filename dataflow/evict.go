// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"

	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
)

// clip removes the pending ranges of an index from rs. Eviction never
// touches a range with a fill in flight.
func clip(rs []keys.Range, pending []keys.Range) []keys.Range {
	for _, p := range pending {
		var next []keys.Range
		for _, r := range rs {
			next = append(next, r.Subtract(p)...)
		}
		rs = next
	}
	return rs
}

// evict handles an eviction request, either from the eviction manager or
// propagated from an ancestor in another domain.
func (d *Domain) evict(req *EvictRequest) {
	var res EvictResult
	defer func() {
		if req.Done != nil {
			req.Done <- res
		}
	}()
	n := d.graph.Node(req.Node)
	l := d.locals[req.Node]
	if n == nil || l == nil {
		res.Err = NewErrUnknownNode(fmt.Sprintf("%d", req.Node))
		return
	}
	if req.Propagated {
		d.evictDownstream(req.Node, req.Cols, req.Mapped, req.Ranges)
		return
	}
	if l.state == nil || !l.state.Partial() || l.bootstrapping {
		return
	}
	if req.Index < 0 || req.Index >= len(l.state.Indexes()) {
		res.Err = NewErrInvalidNode(n.Name, fmt.Sprintf("no index %d", req.Index))
		return
	}
	cols := l.state.Indexes()[req.Index]
	res = d.evictIndex(n, l, req.Index, req.Ranges)
	d.propagate(req.Node, cols, true, req.Ranges)
}

// evictIndex evicts ranges from one index of a local partial node.
func (d *Domain) evictIndex(n *Node, l *local, i int, ranges []keys.Range) EvictResult {
	var res EvictResult
	var evicted []keys.Key
	for _, r := range clip(ranges, l.state.PendingRanges(i)) {
		er, err := l.state.Evict(i, r)
		if err != nil {
			// Clipping makes this unreachable; state would be corrupt.
			d.logger.Panicf("evicting %v from %s: %v", r, n, err)
			panic(errors.Wrapf(err, "evicting %v from %s", r, n))
		}
		res.Keys += len(er.Keys)
		res.Rows += er.Rows
		res.Bytes += er.Bytes
		if i == 0 {
			evicted = append(evicted, er.Keys...)
		}
	}
	CounterEvictedRows.Add(float64(res.Rows))
	if l.writer != nil {
		for _, k := range evicted {
			l.writer.Remove(k)
		}
		l.publish(nil)
	}
	if res.Rows > 0 {
		d.logger.Debugf("evicted %d rows (%d bytes) from %s index %d", res.Rows, res.Bytes, n, i)
	}
	return res
}

// propagate carries an eviction over cols of id to its children. Children
// whose state is derived from the evicted rows must lose it too, or later
// deltas for those keys would be dropped upstream while the child still
// claims to cover them.
func (d *Domain) propagate(id NodeID, cols []int, mapped bool, ranges []keys.Range) {
	for _, c := range d.children(id) {
		cn := d.graph.Node(c)
		for _, pos := range positions(cn, id) {
			ccols, ok := cols, mapped
			if ok {
				ccols, ok = d.graph.childColumns(cn, pos, cols)
			}
			if !ok {
				ccols = nil
			}
			if cn.Domain != d.id {
				req := &EvictRequest{Node: c, Ranges: ranges, Propagated: true, Cols: ccols, Mapped: ok}
				if err := d.router.send(cn.Domain, req); err != nil {
					d.logger.Warnf("propagating eviction to %s: %v", cn, err)
				}
				continue
			}
			d.evictDownstream(c, ccols, ok, ranges)
		}
	}
}

// evictDownstream evicts from a descendant of an evicted node. An index on
// exactly the mapped columns loses the same ranges; any other index of a
// partial node is cleared.
func (d *Domain) evictDownstream(id NodeID, cols []int, mapped bool, ranges []keys.Range) {
	n := d.graph.Node(id)
	l := d.locals[id]
	if n == nil || l == nil {
		return
	}
	if l.state == nil {
		d.propagate(id, cols, mapped, ranges)
		return
	}
	if !l.state.Partial() || l.bootstrapping {
		return
	}
	cleared := false
	for i, icols := range l.state.Indexes() {
		if mapped && equalInts(icols, cols) {
			d.evictIndex(n, l, i, ranges)
			continue
		}
		d.evictIndex(n, l, i, []keys.Range{keys.Full()})
		cleared = true
	}
	if cleared {
		d.propagate(id, nil, false, nil)
		return
	}
	d.propagate(id, cols, mapped, ranges)
}
