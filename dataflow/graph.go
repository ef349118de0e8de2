// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"
)

// Graph is the arena holding every node. Node ids are assigned in creation
// order, so parents always have smaller ids than their children. Removed
// nodes keep their slot.
type Graph struct {
	nodes    []*Node
	children [][]NodeID
	byName   map[string]NodeID
}

func NewGraph() *Graph {
	return &Graph{byName: make(map[string]NodeID)}
}

// Node returns the node with the given id.
func (g *Graph) Node(id NodeID) *Node {
	if int(id) >= len(g.nodes) {
		return nil
	}
	return g.nodes[id]
}

// Lookup returns the live node with the given name.
func (g *Graph) Lookup(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Children returns the live children of id.
func (g *Graph) Children(id NodeID) []NodeID {
	var out []NodeID
	for _, c := range g.children[id] {
		if !g.nodes[c].Removed {
			out = append(out, c)
		}
	}
	return out
}

// Nodes returns every live node in id order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if !n.Removed {
			out = append(out, n)
		}
	}
	return out
}

// Domains returns the ids of the domains that hold live nodes.
func (g *Graph) Domains() []DomainID {
	seen := make(map[DomainID]bool)
	var out []DomainID
	for _, n := range g.Nodes() {
		if !seen[n.Domain] {
			seen[n.Domain] = true
			out = append(out, n.Domain)
		}
	}
	return out
}

// userParent skips the ingress/egress pair the graph inserts on edges that
// cross domains.
func (g *Graph) userParent(id NodeID) *Node {
	n := g.nodes[id]
	for {
		switch n.Op.(type) {
		case *Ingress, *Egress:
			n = g.nodes[n.Parents[0]]
			continue
		}
		return n
	}
}

func (g *Graph) add(n *Node) NodeID {
	n.ID = NodeID(len(g.nodes))
	g.nodes = append(g.nodes, n)
	g.children = append(g.children, nil)
	g.byName[n.Name] = n.ID
	for _, p := range n.Parents {
		g.children[p] = append(g.children[p], n.ID)
	}
	return n.ID
}

// Diff is a migration: nodes to add, in order, and nodes to remove by name.
type Diff struct {
	Add    []NodeSpec `json:"add,omitempty"`
	Remove []string   `json:"remove,omitempty"`
}

// Changes lists what a migration did to the graph.
type Changes struct {
	Added   []NodeID
	Removed []NodeID
	// Links are new edges from nodes that existed before the migration.
	Links [][2]NodeID
}

func egressName(parent *Node) string { return parent.Name + "/egress" }
func ingressName(parent *Node, d DomainID) string {
	return fmt.Sprintf("%s/ingress/d%d", parent.Name, d)
}

// connect returns the node n should use as its parent when n lives in
// domain d, inserting an egress/ingress pair when the parent is elsewhere.
func (g *Graph) connect(parent *Node, d DomainID, ch *Changes) NodeID {
	if parent.Domain == d {
		return parent.ID
	}
	if id, ok := g.byName[ingressName(parent, d)]; ok && !g.nodes[id].Removed {
		return id
	}
	eg, ok := g.Lookup(egressName(parent))
	if !ok || eg.Removed {
		eg = &Node{
			Name:    egressName(parent),
			Domain:  parent.Domain,
			Columns: parent.Columns,
			Parents: []NodeID{parent.ID},
			Op:      &Egress{},
		}
		g.add(eg)
		ch.Added = append(ch.Added, eg.ID)
	}
	in := &Node{
		Name:    ingressName(parent, d),
		Domain:  d,
		Columns: parent.Columns,
		Parents: []NodeID{eg.ID},
		Op:      &Ingress{},
	}
	g.add(in)
	ch.Added = append(ch.Added, in.ID)
	return in.ID
}

// Validate checks a diff against the graph without changing it.
func (g *Graph) Validate(diff Diff) error {
	removing := make(map[string]bool)
	for _, name := range diff.Remove {
		if _, ok := g.Lookup(name); !ok {
			return NewErrUnknownNode(name)
		}
		removing[name] = true
	}
	for _, name := range diff.Remove {
		n, _ := g.Lookup(name)
		for _, c := range g.Children(n.ID) {
			child := g.nodes[c]
			switch child.Op.(type) {
			case *Egress, *Ingress:
				for _, cc := range g.liveDescendantUsers(c) {
					if !removing[cc.Name] {
						return NewErrNodeHasChildren(name, cc.Name)
					}
				}
				continue
			}
			if !removing[child.Name] {
				return NewErrNodeHasChildren(name, child.Name)
			}
		}
	}
	virtual := make(map[string]*Node)
	for _, s := range diff.Add {
		if s.Name == "" {
			return NewErrInvalidNode(s.Name, "empty name")
		}
		if _, ok := g.Lookup(s.Name); ok && !removing[s.Name] {
			return NewErrDuplicateNode(s.Name)
		}
		if _, ok := virtual[s.Name]; ok {
			return NewErrDuplicateNode(s.Name)
		}
		op, nparents, err := s.operator()
		if err != nil {
			return err
		}
		if len(s.Parents) != nparents {
			return NewErrInvalidNode(s.Name, fmt.Sprintf("expected %d parents, got %d", nparents, len(s.Parents)))
		}
		parents := make([]*Node, len(s.Parents))
		for i, pname := range s.Parents {
			if pname == s.Name {
				return NewErrInvalidNode(s.Name, "node cannot be its own parent")
			}
			if v, ok := virtual[pname]; ok {
				parents[i] = v
				continue
			}
			n, ok := g.Lookup(pname)
			if !ok || removing[pname] {
				return NewErrUnknownNode(pname)
			}
			parents[i] = n
		}
		cols := s.Columns
		if _, ok := op.(*Base); !ok {
			cols = deriveColumns(op, parents)
		}
		if err := validateColumns(s.Name, op, cols, parents); err != nil {
			return err
		}
		virtual[s.Name] = &Node{Name: s.Name, Columns: cols}
	}
	return nil
}

// liveDescendantUsers returns the first non ingress/egress descendants of id.
func (g *Graph) liveDescendantUsers(id NodeID) []*Node {
	var out []*Node
	for _, c := range g.Children(id) {
		switch g.nodes[c].Op.(type) {
		case *Egress, *Ingress:
			out = append(out, g.liveDescendantUsers(c)...)
		default:
			out = append(out, g.nodes[c])
		}
	}
	return out
}

// Apply performs a validated diff. Removals happen first; ingress and egress
// nodes left without children are removed with them.
func (g *Graph) Apply(diff Diff) (Changes, error) {
	if err := g.Validate(diff); err != nil {
		return Changes{}, err
	}
	var ch Changes
	for _, name := range diff.Remove {
		n, _ := g.Lookup(name)
		g.remove(n, &ch)
	}
	before := NodeID(len(g.nodes))
	for _, s := range diff.Add {
		op, _, err := s.operator()
		if err != nil {
			return ch, err
		}
		n := &Node{Name: s.Name, Domain: s.Domain, Op: op}
		parents := make([]*Node, len(s.Parents))
		for i, pname := range s.Parents {
			p, _ := g.Lookup(pname)
			n.Parents = append(n.Parents, g.connect(p, s.Domain, &ch))
			parents[i] = g.nodes[n.Parents[i]]
		}
		if _, ok := op.(*Base); ok {
			n.Columns = append([]string(nil), s.Columns...)
		} else {
			n.Columns = deriveColumns(op, parents)
		}
		g.add(n)
		ch.Added = append(ch.Added, n.ID)
	}
	for _, id := range ch.Added {
		for _, p := range g.nodes[id].Parents {
			if p < before {
				ch.Links = append(ch.Links, [2]NodeID{p, id})
			}
		}
	}
	return ch, nil
}

func (g *Graph) remove(n *Node, ch *Changes) {
	if n.Removed {
		return
	}
	n.Removed = true
	delete(g.byName, n.Name)
	ch.Removed = append(ch.Removed, n.ID)
	for _, c := range g.children[n.ID] {
		if child := g.nodes[c]; !child.Removed {
			switch child.Op.(type) {
			case *Egress, *Ingress:
				g.remove(child, ch)
			}
		}
	}
	for _, p := range n.Parents {
		parent := g.nodes[p]
		switch parent.Op.(type) {
		case *Egress, *Ingress:
			if len(g.Children(p)) == 0 {
				g.remove(parent, ch)
			}
		}
	}
}

// materializedAncestors returns the nearest materialized ancestors of n reached through
// unmaterialized nodes.
func (g *Graph) materializedAncestors(n *Node) []*Node {
	var out []*Node
	seen := make(map[NodeID]bool)
	var walk func(id NodeID)
	walk = func(id NodeID) {
		for _, p := range g.nodes[id].Parents {
			if seen[p] {
				continue
			}
			seen[p] = true
			if g.nodes[p].Materialization != NotMaterialized {
				out = append(out, g.nodes[p])
				continue
			}
			walk(p)
		}
	}
	walk(n.ID)
	return out
}

// Clone returns a copy of g that shares no mutable state with it. Domains
// hold clones so migrations never race with packet processing.
func (g *Graph) Clone() *Graph {
	c := &Graph{
		nodes:    make([]*Node, len(g.nodes)),
		children: make([][]NodeID, len(g.children)),
		byName:   make(map[string]NodeID, len(g.byName)),
	}
	for i, n := range g.nodes {
		cp := *n
		cp.Parents = append([]NodeID(nil), n.Parents...)
		cp.Columns = append([]string(nil), n.Columns...)
		cp.Indexes = make([][]int, len(n.Indexes))
		for j, idx := range n.Indexes {
			cp.Indexes[j] = append([]int(nil), idx...)
		}
		c.nodes[i] = &cp
	}
	for i, ch := range g.children {
		c.children[i] = append([]NodeID(nil), ch...)
	}
	for k, v := range g.byName {
		c.byName[k] = v
	}
	return c
}
