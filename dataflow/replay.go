// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"
	"time"

	"github.com/featurebasedb/ivm/keys"
	"github.com/featurebasedb/ivm/logger"
	"github.com/featurebasedb/ivm/state"
)

// replay is one upquery: the computation of a node's rows over a key range,
// either to fill a hole in the node's own state or to answer a request from
// another domain. A replay that hits holes upstream blocks until the fills
// it waits on complete, then recomputes from the top.
type replay struct {
	tag   uint64
	chain []uint64
	node  NodeID
	// index is the state index being filled, or -1 when serving a request.
	index int
	cols  []int
	rng   keys.Range

	pending   []*state.Pending
	request   *ReplayRequest
	bootstrap bool
	started   time.Time
	done      bool

	// waiters are replays blocked on this one.
	waiters  []*replay
	external []chan error
	// remote holds answers from other domains keyed by request key.
	remote map[string]*remoteResult
}

type remoteResult struct {
	node    NodeID
	cols    []int
	rng     keys.Range
	rows    []keys.Row
	err     error
	arrived bool
}

func (rp *replay) onChain(tag uint64) bool {
	if rp.tag == tag {
		return true
	}
	for _, t := range rp.chain {
		if t == tag {
			return true
		}
	}
	return false
}

func (rp *replay) wait(w *replay) {
	for _, have := range rp.waiters {
		if have == w {
			return
		}
	}
	rp.waiters = append(rp.waiters, w)
}

func (d *Domain) newReplay(node NodeID, index int, cols []int, r keys.Range) *replay {
	rp := &replay{
		tag:     d.tags.Add(1),
		node:    node,
		index:   index,
		cols:    cols,
		rng:     r,
		started: d.now(),
		remote:  make(map[string]*remoteResult),
	}
	d.replays[rp.tag] = rp
	CounterReplaysStarted.Inc()
	return rp
}

// readerMiss starts or joins the fill of the hole around a reader key.
func (d *Domain) readerMiss(m *ReaderMiss) {
	l := d.locals[m.Node]
	if l == nil || l.state == nil {
		m.Done <- NewErrUnknownNode(fmt.Sprintf("%d", m.Node))
		return
	}
	if l.bootstrapping {
		d.requestFill(m.Node, 0, keys.Full(), nil, m.Done)
		return
	}
	res, err := l.state.Lookup(0, m.Key)
	if err != nil {
		m.Done <- err
		return
	}
	if res.Hit {
		// Filled since the reader looked; make sure the reader map has it.
		d.mirror(l, []keys.Key{m.Key})
		l.publish(nil)
		m.Done <- nil
		return
	}
	d.requestFill(m.Node, 0, res.Hole, nil, m.Done)
}

// requestFill asks for r of a node's index to be filled on behalf of from
// (another replay) or ext (an outside caller). A miss overlapping a pending
// fill waits on it rather than issuing another upquery. It reports true
// when waiting would be a cycle, in which case the caller proceeds without
// the range.
func (d *Domain) requestFill(node NodeID, index int, r keys.Range, from *replay, ext chan error) bool {
	l := d.locals[node]
	if p, ok := l.state.PendingOverlapping(index, r); ok {
		if rp, ok := d.replays[p.Tag]; ok {
			if from != nil && from.onChain(rp.tag) {
				return true
			}
			if from != nil {
				rp.wait(from)
			}
			if ext != nil {
				rp.external = append(rp.external, ext)
			}
			CounterReplaysCoalesced.Inc()
			return false
		}
	}

	rp := d.newReplay(node, index, l.state.Indexes()[index], r)
	if from != nil {
		rp.chain = append(append([]uint64(nil), from.chain...), from.tag)
		rp.waiters = append(rp.waiters, from)
	}
	if ext != nil {
		rp.external = append(rp.external, ext)
	}
	p, err := l.state.AddPending(index, r, rp.tag)
	if err != nil {
		d.finish(rp, nil, err)
		return false
	}
	rp.pending = append(rp.pending, p)
	d.logger.Debugf("replay %d: filling %v of %s index %v", rp.tag, logger.Sensitive(r), d.graph.Node(node), rp.cols)
	d.attempt(rp)
	return false
}

// bootstrap computes the initial contents of a full node.
func (d *Domain) bootstrap(id NodeID) {
	l := d.locals[id]
	rp := d.newReplay(id, 0, l.state.Indexes()[0], keys.Full())
	rp.bootstrap = true
	for i := range l.state.Indexes() {
		p, err := l.state.AddPending(i, keys.Full(), rp.tag)
		if err != nil {
			d.finish(rp, nil, err)
			return
		}
		rp.pending = append(rp.pending, p)
	}
	d.attempt(rp)
}

// serve answers a replay request from another domain.
func (d *Domain) serve(req *ReplayRequest) {
	n := d.graph.Node(req.Node)
	if n == nil || n.Removed || d.locals[req.Node] == nil {
		d.reply(req, nil, NewErrUnknownNode(fmt.Sprintf("%d", req.Node)))
		return
	}
	rp := d.newReplay(req.Node, -1, req.Cols, req.Range)
	rp.chain = req.Chain
	rp.request = req
	d.attempt(rp)
}

func (d *Domain) reply(req *ReplayRequest, rows []keys.Row, err error) {
	resp := &ReplayResponse{Tag: req.Tag, Key: req.Key, Rows: rows, Err: err}
	if err := d.router.send(req.From, resp); err != nil {
		d.logger.Warnf("replying to d%d: %v", req.From, err)
	}
}

// response records another domain's answer and resumes the replay waiting
// for it. Answers for replays that have timed out are dropped.
func (d *Domain) response(resp *ReplayResponse) {
	rp, ok := d.replays[resp.Tag]
	if !ok {
		d.logger.Debugf("dropping response for finished replay %d", resp.Tag)
		return
	}
	r, ok := rp.remote[resp.Key]
	if !ok {
		return
	}
	r.rows, r.err, r.arrived = resp.Rows, resp.Err, true
	if r.err != nil {
		d.finish(rp, nil, r.err)
		return
	}
	d.attempt(rp)
}

// stash applies deltas arriving at an ingress to the remote answers held by
// blocked replays, keeping them current until the replay completes.
func (d *Domain) stash(ingress NodeID, deltas []keys.Delta) {
	for _, rp := range d.replays {
		for _, r := range rp.remote {
			if r.node != ingress || !r.arrived {
				continue
			}
			for _, dl := range deltas {
				if !r.rng.Contains(dl.Row.Project(r.cols)) {
					continue
				}
				r.rows = applyToRows(r.rows, dl)
			}
		}
	}
}

func applyToRows(rows []keys.Row, dl keys.Delta) []keys.Row {
	if dl.Op == keys.Insert {
		return append(rows, dl.Row)
	}
	for i, r := range rows {
		if r.Equal(dl.Row) {
			return append(rows[:i:i], rows[i+1:]...)
		}
	}
	return rows
}

// attempt computes rp, finishing it unless it is blocked on other fills.
func (d *Domain) attempt(rp *replay) {
	if rp.done {
		return
	}
	rows, blocked, err := d.compute(rp, rp.node, rp.cols, rp.rng, true)
	switch {
	case err != nil:
		d.finish(rp, nil, err)
	case !blocked:
		d.finish(rp, rows, nil)
	}
}

func (d *Domain) drainRetries() {
	for len(d.retry) > 0 {
		rp := d.retry[0]
		d.retry = d.retry[1:]
		d.attempt(rp)
	}
}

// finish completes rp: on success the rows are installed, then everything
// waiting on it is resumed or told the outcome.
func (d *Domain) finish(rp *replay, rows []keys.Row, err error) {
	if rp.done {
		return
	}
	rp.done = true
	delete(d.replays, rp.tag)
	l := d.locals[rp.node]
	if l != nil && l.state != nil {
		for _, p := range rp.pending {
			l.state.RemovePending(p)
		}
	}
	if err == nil && l != nil && l.state != nil && rp.index >= 0 {
		err = d.store(l, rp, rows)
	}
	if err != nil {
		CounterReplaysFinished.WithLabelValues("error").Inc()
		d.logger.Debugf("replay %d on %s failed: %v", rp.tag, d.graph.Node(rp.node), err)
	} else {
		CounterReplaysFinished.WithLabelValues("ok").Inc()
	}
	if rp.request != nil {
		d.reply(rp.request, rows, err)
	}
	for _, ch := range rp.external {
		ch <- err
	}
	for _, w := range rp.waiters {
		if !w.done {
			d.retry = append(d.retry, w)
		}
	}
}

// store writes a completed fill into state and, for readers, publishes it.
func (d *Domain) store(l *local, rp *replay, rows []keys.Row) error {
	if rp.bootstrap {
		for i := range l.state.Indexes() {
			if _, err := l.state.Fill(i, keys.Full(), rows); err != nil {
				return err
			}
		}
		l.state.MarkFull()
		l.bootstrapping = false
		d.logger.Infof("%s: materialized %d rows", d.graph.Node(rp.node), len(rows))
	} else if _, err := l.state.Fill(rp.index, rp.rng, rows); err != nil {
		return err
	}
	if l.writer != nil {
		cols := l.state.Indexes()[0]
		ks := make([]keys.Key, len(rows))
		for i, r := range rows {
			ks[i] = r.Project(cols)
		}
		d.mirror(l, ks)
		l.publish(nil)
	}
	return nil
}

// expire abandons fills that have waited longer than the timeout. Waiting
// callers see ErrUpqueryTimeout and may retry; blocked replays recompute and
// issue fresh upqueries.
func (d *Domain) expire() {
	now := d.now()
	for _, l := range d.locals {
		if l.state == nil {
			continue
		}
		for _, p := range l.state.ExpirePending(now, d.timeout) {
			rp, ok := d.replays[p.Tag]
			if !ok {
				continue
			}
			d.timedOut(rp)
		}
	}
	for _, rp := range d.replays {
		if rp.index < 0 && now.Sub(rp.started) > d.timeout {
			d.timedOut(rp)
		}
	}
}

func (d *Domain) timedOut(rp *replay) {
	if rp.done {
		return
	}
	CounterReplayTimeouts.Inc()
	n := d.graph.Node(rp.node)
	d.logger.Warnf("replay %d on %s for %v timed out after %v", rp.tag, n, logger.Sensitive(rp.rng), d.timeout)
	d.finish(rp, nil, NewErrUpqueryTimeout(n.Name))
	if rp.bootstrap {
		if l := d.locals[rp.node]; l != nil && l.bootstrapping {
			d.bootstrap(rp.node)
		}
	}
}

// compute returns the rows of node id whose cols fall in r. When self is
// false and the node has state covering r, the state answers; holes in it
// are filled first. Otherwise the rows are recomputed through the node's
// operator from its parents. blocked means rp must wait and retry.
func (d *Domain) compute(rp *replay, id NodeID, cols []int, r keys.Range, self bool) ([]keys.Row, bool, error) {
	n := d.graph.Node(id)
	if n == nil || n.Removed {
		return nil, false, NewErrUnknownNode(fmt.Sprintf("%d", id))
	}
	l := d.locals[id]
	if !self && l != nil && l.state != nil {
		if l.bootstrapping {
			if d.requestFill(id, 0, keys.Full(), rp, nil) {
				return nil, false, NewErrUnsupported(fmt.Sprintf("cyclic bootstrap of '%s'", n.Name))
			}
			return nil, true, nil
		}
		if i, ok := l.state.IndexFor(cols); ok {
			rows, gaps, err := l.state.LookupRange(i, r)
			if err != nil {
				return nil, false, err
			}
			blocked := false
			for _, g := range gaps {
				if !d.requestFill(id, i, g, rp, nil) {
					blocked = true
				}
			}
			if blocked {
				return nil, true, nil
			}
			return rows, false, nil
		}
		if !l.state.Partial() {
			return filterRows(l.state.AllRows(), cols, r), false, nil
		}
	}

	switch op := n.Op.(type) {
	case *Base:
		if l != nil && l.state != nil {
			return filterRows(l.state.AllRows(), cols, r), false, nil
		}
		return nil, false, NewErrUnsupported(fmt.Sprintf("base '%s' has no state", n.Name))
	case *Reader, *Egress:
		return d.compute(rp, n.Parents[0], cols, r, false)
	case *Ingress:
		return d.remoteCompute(rp, n, cols, r)
	case *FilterProject:
		_, pcols, ok := d.graph.parentColumns(n, cols)
		if !ok {
			return nil, false, NewErrUnsupported(fmt.Sprintf("cannot replay %v through '%s'", cols, n.Name))
		}
		rows, blocked, err := d.compute(rp, n.Parents[0], pcols, r, false)
		if blocked || err != nil {
			return nil, blocked, err
		}
		out := make([]keys.Row, 0, len(rows))
		for _, row := range rows {
			if pr, ok := op.apply(row); ok {
				out = append(out, pr)
			}
		}
		return out, false, nil
	case *Join:
		return d.joinCompute(rp, n, op, cols, r)
	case *Aggregate:
		_, pcols, ok := d.graph.parentColumns(n, cols)
		if !ok {
			return nil, false, NewErrUnsupported(fmt.Sprintf("cannot replay %v through '%s'", cols, n.Name))
		}
		rows, blocked, err := d.compute(rp, n.Parents[0], pcols, r, false)
		if blocked || err != nil {
			return nil, blocked, err
		}
		return op.fold(rows), false, nil
	}
	return nil, false, NewErrUnsupported(fmt.Sprintf("cannot replay through %T", n.Op))
}

// joinCompute replays the side of a join the columns come from, then looks
// up each distinct join value on the other side.
func (d *Domain) joinCompute(rp *replay, n *Node, op *Join, cols []int, r keys.Range) ([]keys.Row, bool, error) {
	pos, pcols, ok := d.graph.parentColumns(n, cols)
	if !ok {
		return nil, false, NewErrUnsupported(fmt.Sprintf("cannot replay %v through '%s'", cols, n.Name))
	}
	col, other, otherCol := op.LeftCol, n.Parents[1], op.RightCol
	if pos == 1 {
		col, other, otherCol = op.RightCol, n.Parents[0], op.LeftCol
	}
	rows, blocked, err := d.compute(rp, n.Parents[pos], pcols, r, false)
	if blocked || err != nil {
		return nil, blocked, err
	}
	matches := make(map[string][]keys.Row)
	for _, row := range rows {
		v := row[col]
		if v.IsNull() {
			continue
		}
		enc := keys.Key{v}.Encode()
		if _, ok := matches[enc]; ok {
			continue
		}
		orows, b, err := d.compute(rp, other, []int{otherCol}, keys.Point(keys.Key{v}), false)
		if err != nil {
			return nil, false, err
		}
		blocked = blocked || b
		matches[enc] = orows
	}
	if blocked {
		return nil, true, nil
	}
	var out []keys.Row
	for _, row := range rows {
		v := row[col]
		if v.IsNull() {
			continue
		}
		for _, o := range matches[keys.Key{v}.Encode()] {
			if pos == 0 {
				out = append(out, concatRows(row, o))
			} else {
				out = append(out, concatRows(o, row))
			}
		}
	}
	return out, false, nil
}

// remoteCompute asks the domain upstream of an ingress for rows, or returns
// its answer once it has arrived.
func (d *Domain) remoteCompute(rp *replay, n *Node, cols []int, r keys.Range) ([]keys.Row, bool, error) {
	key := fmt.Sprintf("%d|%v|%s", n.ID, cols, r)
	if res, ok := rp.remote[key]; ok {
		if !res.arrived {
			return nil, true, nil
		}
		if res.err != nil {
			return nil, false, res.err
		}
		return append([]keys.Row(nil), res.rows...), false, nil
	}
	eg := d.graph.Node(n.Parents[0])
	rp.remote[key] = &remoteResult{node: n.ID, cols: cols, rng: r}
	req := &ReplayRequest{
		Tag:   rp.tag,
		Key:   key,
		Chain: append(append([]uint64(nil), rp.chain...), rp.tag),
		From:  d.id,
		Node:  eg.ID,
		Cols:  cols,
		Range: r,
	}
	if err := d.router.send(eg.Domain, req); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

func filterRows(rows []keys.Row, cols []int, r keys.Range) []keys.Row {
	var out []keys.Row
	for _, row := range rows {
		if r.Contains(row.Project(cols)) {
			out = append(out, row)
		}
	}
	return out
}
