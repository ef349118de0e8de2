// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/featurebasedb/ivm/errors"
)

const (
	// FullPrefix forces a node and the state it replays from to be fully
	// materialized.
	FullPrefix = "FULL_"
	// ShallowPrefix puts a partially materialized node beyond the frontier.
	ShallowPrefix = "SHALLOW_"
)

// FrontierStrategy chooses which partial nodes are placed beyond the
// materialization frontier, where state is kept only while in use.
type FrontierStrategy string

const (
	FrontierNone       FrontierStrategy = "none"
	FrontierAllPartial FrontierStrategy = "all-partial"
	FrontierReaders    FrontierStrategy = "readers"
)

func (f FrontierStrategy) String() string { return string(f) }

// Set implements pflag.Value.
func (f *FrontierStrategy) Set(s string) error {
	switch FrontierStrategy(s) {
	case FrontierNone, FrontierAllPartial, FrontierReaders:
		*f = FrontierStrategy(s)
		return nil
	case "":
		*f = FrontierNone
		return nil
	}
	return errors.New(ErrUnsupported, fmt.Sprintf("unknown frontier strategy %q", s))
}

// Type implements pflag.Value.
func (f *FrontierStrategy) Type() string { return "frontier" }

func (f FrontierStrategy) MarshalText() ([]byte, error) { return []byte(f), nil }
func (f *FrontierStrategy) UnmarshalText(b []byte) error { return f.Set(string(b)) }

// MaterializationConfig controls the planner.
type MaterializationConfig struct {
	PartialEnabled           bool             `toml:"partial-enabled"`
	AllowFullMaterialization bool             `toml:"allow-full-materialization"`
	FrontierStrategy         FrontierStrategy `toml:"frontier-strategy"`
}

// DefaultMaterializationConfig enables partial materialization and allows
// full materialization where partial is impossible.
func DefaultMaterializationConfig() MaterializationConfig {
	return MaterializationConfig{
		PartialEnabled:           true,
		AllowFullMaterialization: true,
		FrontierStrategy:         FrontierNone,
	}
}

// planner decides materialization for nodes added by a migration. Nodes that
// already existed keep their materialization but may gain indexes.
type planner struct {
	g     *Graph
	cfg   MaterializationConfig
	isNew map[NodeID]bool
	// added records new indexes per node, in the order they were added.
	added map[NodeID][][]int
}

func hasIndex(n *Node, cols []int) bool {
	for _, idx := range n.Indexes {
		if equalInts(idx, cols) {
			return true
		}
	}
	return false
}

func equalInts(a, b []int) bool {
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

func (p *planner) addIndex(n *Node, cols []int) bool {
	if hasIndex(n, cols) {
		return false
	}
	cols = append([]int(nil), cols...)
	n.Indexes = append(n.Indexes, cols)
	p.added[n.ID] = append(p.added[n.ID], cols)
	return true
}

// PlanResult lists what planning changed.
type PlanResult struct {
	// Indexes are the indexes added to each node, new or existing.
	Indexes map[NodeID][][]int
	// NewState are existing nodes that became materialized.
	NewState []NodeID
}

// Plan assigns materialization, indexes and frontier placement to the nodes
// in ch.Added. Existing nodes keep their materialization but may gain
// indexes; an existing unmaterialized node that gains one is decided like a
// new node.
func Plan(g *Graph, cfg MaterializationConfig, ch Changes) (PlanResult, error) {
	p := &planner{g: g, cfg: cfg, isNew: make(map[NodeID]bool), added: make(map[NodeID][][]int)}
	for _, id := range ch.Added {
		p.isNew[id] = true
	}

	// Index obligations.
	for _, id := range ch.Added {
		n := g.nodes[id]
		switch op := n.Op.(type) {
		case *Base:
			n.Materialization = Full
			p.addIndex(n, op.Key)
		case *Reader:
			p.addIndex(n, op.Key)
		case *Aggregate:
			p.addIndex(n, groupCols(op))
		case *Join:
			p.addIndex(g.nodes[n.Parents[0]], []int{op.LeftCol})
			p.addIndex(g.nodes[n.Parents[1]], []int{op.RightCol})
		}
	}

	decide := append([]NodeID(nil), ch.Added...)
	var res PlanResult
	for id := range p.added {
		if n := g.nodes[id]; !p.isNew[id] && n.Materialization == NotMaterialized {
			p.isNew[id] = true
			decide = append(decide, id)
			res.NewState = append(res.NewState, id)
		}
	}
	sortIDs(decide)

	// Partial or full, in id (topological) order so ancestors are decided
	// before the nodes that replay from them.
	for _, id := range decide {
		n := g.nodes[id]
		if n.Materialization != NotMaterialized || len(n.Indexes) == 0 {
			continue
		}
		if p.canBePartial(n) {
			n.Materialization = Partial
		} else {
			n.Materialization = Full
		}
	}

	// A full node must replay only from full state: promote new partial
	// ancestors, refuse existing ones. Reverse order lets promotions cascade.
	for i := len(decide) - 1; i >= 0; i-- {
		n := g.nodes[decide[i]]
		if n.Materialization != Full {
			continue
		}
		if _, ok := n.Op.(*Base); ok {
			continue
		}
		if !p.cfg.AllowFullMaterialization && !strings.HasPrefix(n.Name, FullPrefix) {
			return PlanResult{}, NewErrUnsupported(fmt.Sprintf("node '%s' needs full materialization, which is disabled", n.Name))
		}
		for _, a := range g.materializedAncestors(n) {
			if a.Materialization != Partial {
				continue
			}
			if !p.isNew[a.ID] {
				return PlanResult{}, NewErrUnsupported(fmt.Sprintf("full node '%s' cannot be placed below partial node '%s'", n.Name, a.Name))
			}
			a.Materialization = Full
		}
	}

	// Partial indexes need replay paths ending in an index on the nearest
	// materialized ancestor.
	work := make([]*Node, 0, len(p.added))
	for _, id := range decide {
		work = append(work, g.nodes[id])
	}
	for id := range p.added {
		if !p.isNew[id] {
			work = append(work, g.nodes[id])
		}
	}
	for len(work) > 0 {
		n := work[0]
		work = work[1:]
		if n.Materialization != Partial {
			continue
		}
		for _, cols := range n.Indexes {
			a, acols, ok := p.replaySource(n, cols)
			if !ok {
				return PlanResult{}, NewErrUnsupported(fmt.Sprintf("no replay path for %v on '%s'", cols, n.Name))
			}
			if p.addIndex(a, acols) && a.Materialization == Partial {
				work = append(work, a)
			}
		}
	}

	p.placeFrontier(decide)
	if err := Validate(g); err != nil {
		return PlanResult{}, err
	}
	res.Indexes = p.added
	return res, nil
}

func sortIDs(ids []NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// canBePartial reports whether every index of n can be filled by replaying
// from a materialized ancestor.
func (p *planner) canBePartial(n *Node) bool {
	if !p.cfg.PartialEnabled || strings.HasPrefix(n.Name, FullPrefix) {
		return false
	}
	if _, ok := n.Op.(*Base); ok {
		return false
	}
	for _, cols := range n.Indexes {
		if !p.replayable(n, cols) {
			return false
		}
	}
	return true
}

// replayable reports whether an index on cols of n can be filled, following
// replay paths through partial ancestors until full state is reached.
func (p *planner) replayable(n *Node, cols []int) bool {
	src, scols, ok := p.replaySource(n, cols)
	if !ok {
		return false
	}
	if src.Materialization == Full {
		return true
	}
	return p.replayable(src, scols)
}

// replaySource follows cols from n up to the nearest materialized ancestor.
func (p *planner) replaySource(n *Node, cols []int) (*Node, []int, bool) {
	cur, c := n, cols
	for {
		pos, pcols, ok := p.g.parentColumns(cur, c)
		if !ok {
			return nil, nil, false
		}
		parent := p.g.nodes[cur.Parents[pos]]
		if parent.Materialization != NotMaterialized || len(parent.Indexes) > 0 {
			return parent, pcols, true
		}
		cur, c = parent, pcols
	}
}

func (p *planner) placeFrontier(decide []NodeID) {
	for _, id := range decide {
		n := p.g.nodes[id]
		if n.Materialization != Partial {
			continue
		}
		_, reader := n.Op.(*Reader)
		switch {
		case strings.HasPrefix(n.Name, ShallowPrefix),
			p.cfg.FrontierStrategy == FrontierAllPartial,
			p.cfg.FrontierStrategy == FrontierReaders && reader:
			n.BeyondFrontier = true
		}
	}
	// Partial state below the frontier is beyond it too.
	for _, id := range decide {
		n := p.g.nodes[id]
		if n.Materialization != Partial || n.BeyondFrontier {
			continue
		}
		for _, a := range p.g.materializedAncestors(n) {
			if a.BeyondFrontier {
				n.BeyondFrontier = true
				break
			}
		}
	}
}

// Validate checks materialization invariants over the whole graph.
func Validate(g *Graph) error {
	for _, n := range g.Nodes() {
		if n.BeyondFrontier && n.Materialization != Partial {
			return NewErrUnsupported(fmt.Sprintf("node '%s' is beyond the frontier but not partial", n.Name))
		}
		if n.Materialization != Full {
			continue
		}
		for _, a := range g.materializedAncestors(n) {
			if a.Materialization == Partial {
				return NewErrUnsupported(fmt.Sprintf("full node '%s' is below partial node '%s'", n.Name, a.Name))
			}
		}
	}
	return nil
}

// Status describes a node's materialization for display.
func Status(n *Node) string {
	switch {
	case n.Materialization == Partial && n.BeyondFrontier:
		return "partial (beyond frontier)"
	default:
		return n.Materialization.String()
	}
}
