// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"github.com/featurebasedb/ivm/errors"
	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/offset"
)

type work struct {
	node   NodeID
	pos    int
	deltas []keys.Delta
	off    offset.Offset
}

// deliver runs deltas arriving at node to from its parent from through the
// domain, depth by depth, forwarding to other domains at egress edges. Each
// node passes on its own safe offset, so a node with several parents only
// claims an offset once every parent has reached it. Batches without deltas
// still carry offsets forward.
func (d *Domain) deliver(to, from NodeID, deltas []keys.Delta, off offset.Offset) {
	n := d.graph.Node(to)
	if n == nil || n.Removed || d.locals[to] == nil {
		d.logger.Debugf("dropping message for unknown node %d", to)
		return
	}
	var queue []work
	for _, pos := range positions(n, from) {
		queue = append(queue, work{node: to, pos: pos, deltas: deltas, off: off})
	}
	for len(queue) > 0 {
		w := queue[0]
		queue = queue[1:]
		out, next, ok := d.process(w)
		if !ok || (len(out) == 0 && next == nil) {
			continue
		}
		for _, c := range d.children(w.node) {
			cn := d.graph.Node(c)
			if cn.Domain != d.id {
				if err := d.router.send(cn.Domain, &Message{From: w.node, To: c, Deltas: out, Offset: next}); err != nil {
					d.logger.Warnf("forwarding to %s: %v", cn, err)
				}
				continue
			}
			for _, pos := range positions(cn, w.node) {
				queue = append(queue, work{node: c, pos: pos, deltas: out, off: next})
			}
		}
	}
}

// process applies one batch at one node. It returns what the node emits and
// the node's safe offset afterwards.
func (d *Domain) process(w work) ([]keys.Delta, offset.Offset, bool) {
	n := d.graph.Node(w.node)
	l := d.locals[w.node]
	if l == nil || n.Removed {
		return nil, nil, false
	}
	CounterDeltasProcessed.Add(float64(len(w.deltas)))
	off := w.off

	if _, ok := n.Op.(*Ingress); ok {
		d.stash(n.ID, w.deltas)
	}
	out := d.forward(n, l, w.pos, w.deltas)
	if l.state != nil {
		if _, ok := n.Op.(*Aggregate); !ok {
			kept := make([]keys.Delta, 0, len(out))
			for _, dl := range out {
				if l.state.ApplyDelta(dl) {
					kept = append(kept, dl)
				}
			}
			out = kept
		}
	}
	if l.writer != nil {
		ks := make([]keys.Key, len(out))
		cols := n.Indexes[0]
		for i, dl := range out {
			ks[i] = dl.Row.Project(cols)
		}
		d.mirror(l, ks)
		var safe offset.Offset
		if off != nil && l.tracker != nil {
			cur := l.tracker.ShardCurrent(w.pos)
			if cur == nil || offset.Compare(off, cur) == offset.Greater {
				safe = l.tracker.SafeOffsetWith(w.pos, off)
			}
		}
		l.publish(safe)
	}
	if l.tracker == nil {
		return out, off, true
	}
	if off != nil {
		if err := l.tracker.Advance(w.pos, off); err != nil {
			if errors.Is(err, offset.ErrOffsetRegression) {
				CounterOffsetRegressions.Inc()
				d.logger.Debugf("%s: %v", n, err)
			} else {
				d.logger.Errorf("%s: advancing offset: %v", n, err)
			}
		}
	}
	return out, l.tracker.SafeOffset(), true
}

// forward runs an operator over deltas from the parent at pos.
func (d *Domain) forward(n *Node, l *local, pos int, in []keys.Delta) []keys.Delta {
	switch op := n.Op.(type) {
	case *Base, *Reader, *Egress, *Ingress:
		return in
	case *FilterProject:
		out := make([]keys.Delta, 0, len(in))
		for _, dl := range in {
			if row, ok := op.apply(dl.Row); ok {
				out = append(out, keys.Delta{Op: dl.Op, Row: row})
			}
		}
		return out
	case *Join:
		col, other, otherCol := op.LeftCol, n.Parents[1], op.RightCol
		if pos == 1 {
			col, other, otherCol = op.RightCol, n.Parents[0], op.LeftCol
		}
		var out []keys.Delta
		for _, dl := range in {
			v := dl.Row[col]
			if v.IsNull() {
				continue
			}
			// A hole on the other side means no materialized descendant
			// can hold this key, so the delta is dropped.
			rows, ok := d.lookupLocal(other, []int{otherCol}, keys.Key{v})
			if !ok {
				continue
			}
			for _, o := range rows {
				if pos == 0 {
					out = append(out, keys.Delta{Op: dl.Op, Row: concatRows(dl.Row, o)})
				} else {
					out = append(out, keys.Delta{Op: dl.Op, Row: concatRows(o, dl.Row)})
				}
			}
		}
		return out
	case *Aggregate:
		gi, ok := l.state.IndexFor(groupCols(op))
		if !ok {
			d.logger.Errorf("%s has no group index", n)
			return nil
		}
		var out []keys.Delta
		for _, dl := range in {
			g := dl.Row.Project(op.GroupBy)
			res, err := l.state.Lookup(gi, g)
			if err != nil || !res.Hit {
				continue
			}
			var old keys.Row
			if len(res.Rows) > 0 {
				old = res.Rows[0]
			}
			next := op.step(g, old, dl)
			if old != nil {
				del := keys.Delta{Op: keys.Delete, Row: old}
				l.state.ApplyDelta(del)
				out = append(out, del)
			}
			if next != nil {
				ins := keys.Delta{Op: keys.Insert, Row: next}
				l.state.ApplyDelta(ins)
				out = append(out, ins)
			}
		}
		return out
	}
	return nil
}

// lookupLocal reads the rows of a local node whose cols equal k. It returns
// false if the key is a hole or the node has no usable state.
func (d *Domain) lookupLocal(id NodeID, cols []int, k keys.Key) ([]keys.Row, bool) {
	l := d.locals[id]
	if l == nil || l.state == nil || l.bootstrapping {
		return nil, false
	}
	if i, ok := l.state.IndexFor(cols); ok {
		res, err := l.state.Lookup(i, k)
		if err != nil || !res.Hit {
			return nil, false
		}
		return res.Rows, true
	}
	if l.state.Partial() {
		return nil, false
	}
	var out []keys.Row
	for _, row := range l.state.AllRows() {
		if row.Project(cols).Equal(k) {
			out = append(out, row)
		}
	}
	return out, true
}

// apply filters and projects one row.
func (f *FilterProject) apply(row keys.Row) (keys.Row, bool) {
	for _, c := range f.Conditions {
		if !c.Matches(row) {
			return nil, false
		}
	}
	if f.Emit == nil {
		return row, true
	}
	return keys.Row(row.Project(f.Emit)), true
}

// step folds one delta into a group's current output row. It returns nil
// when the group becomes empty.
func (a *Aggregate) step(group keys.Key, old keys.Row, dl keys.Delta) keys.Row {
	var count int64
	sum := keys.Int(0)
	if old != nil {
		count = old[len(old)-1].AsInt()
		if a.Kind == Sum {
			sum = old[len(group)]
		}
	}
	sign := int64(1)
	if dl.Op == keys.Delete {
		if old == nil {
			return nil
		}
		sign = -1
	}
	count += sign
	if count <= 0 {
		return nil
	}
	row := make(keys.Row, 0, len(group)+2)
	row = append(row, group...)
	if a.Kind == Sum {
		row = append(row, addValues(sum, dl.Row[a.Over], sign))
	}
	return append(row, keys.Int(count))
}

// fold aggregates a complete set of parent rows into output rows.
func (a *Aggregate) fold(rows []keys.Row) []keys.Row {
	groups := make(map[string]int)
	var out []keys.Row
	for _, r := range rows {
		g := r.Project(a.GroupBy)
		enc := g.Encode()
		i, ok := groups[enc]
		if !ok {
			groups[enc] = len(out)
			out = append(out, a.step(g, nil, keys.Delta{Op: keys.Insert, Row: r}))
			continue
		}
		out[i] = a.step(g, out[i], keys.Delta{Op: keys.Insert, Row: r})
	}
	return out
}

// addValues adds sign*v to sum. Nulls contribute nothing; integers stay
// integers until a float is involved.
func addValues(sum, v keys.Value, sign int64) keys.Value {
	switch {
	case v.IsNull():
		return sum
	case sum.Kind() == keys.KindInt && v.Kind() == keys.KindInt:
		return keys.Int(sum.AsInt() + sign*v.AsInt())
	}
	return keys.Float(sum.AsFloat() + float64(sign)*v.AsFloat())
}

func concatRows(a, b keys.Row) keys.Row {
	out := make(keys.Row, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
