// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"
	"strings"

	"github.com/featurebasedb/ivm/keys"
)

// NodeID identifies a node in the graph arena.
type NodeID uint32

// DomainID identifies a domain.
type DomainID uint32

// Materialization describes how much of a node's output is stored.
type Materialization uint8

const (
	NotMaterialized Materialization = iota
	Partial
	Full
)

func (m Materialization) String() string {
	switch m {
	case Partial:
		return "partial"
	case Full:
		return "full"
	}
	return "none"
}

// Node is a vertex of the dataflow graph. Parents are referenced by id; the
// graph owns every node.
type Node struct {
	ID      NodeID
	Name    string
	Domain  DomainID
	Columns []string
	Parents []NodeID
	Op      Operator

	Materialization Materialization
	Indexes         [][]int
	// BeyondFrontier nodes keep state only while it is being read; the
	// eviction manager purges them on every sweep.
	BeyondFrontier bool
	Removed        bool
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%d)", n.Name, n.ID)
}

// Operator is the closed set of node kinds. Implementations are the types in
// this file; dispatch uses exhaustive type switches.
type Operator interface {
	operator()
	Describe() string
}

// Base is a table fed by the replication source.
type Base struct {
	Table string
	Key   []int
}

// FilterProject keeps rows matching every condition and emits the listed
// columns. A nil Emit keeps all columns.
type FilterProject struct {
	Conditions []Condition
	Emit       []int
}

// Join is an inner equi-join of its left (first) and right parent on one
// column each. Output rows are the left row followed by the right row.
type Join struct {
	LeftCol  int
	RightCol int
}

// AggregateKind is the function an Aggregate computes.
type AggregateKind string

const (
	Count AggregateKind = "count"
	Sum   AggregateKind = "sum"
)

// Aggregate groups its parent's rows. Output rows are the group columns
// followed by the aggregate; Sum also carries the group's row count last so
// that groups can be retracted when they empty.
type Aggregate struct {
	GroupBy []int
	Kind    AggregateKind
	Over    int
}

// Reader exposes its parent's rows to lookups keyed on Key.
type Reader struct {
	Key []int
}

// Egress forwards rows to ingress nodes in other domains.
type Egress struct{}

// Ingress receives rows from an egress node in another domain.
type Ingress struct{}

func (*Base) operator()          {}
func (*FilterProject) operator() {}
func (*Join) operator()          {}
func (*Aggregate) operator()     {}
func (*Reader) operator()        {}
func (*Egress) operator()        {}
func (*Ingress) operator()       {}

func (b *Base) Describe() string { return fmt.Sprintf("B: %s key=%v", b.Table, b.Key) }
func (f *FilterProject) Describe() string {
	parts := make([]string, len(f.Conditions))
	for i, c := range f.Conditions {
		parts[i] = c.String()
	}
	return fmt.Sprintf("σπ: [%s] emit=%v", strings.Join(parts, " AND "), f.Emit)
}
func (j *Join) Describe() string { return fmt.Sprintf("⋈: l:%d = r:%d", j.LeftCol, j.RightCol) }
func (a *Aggregate) Describe() string {
	if a.Kind == Count {
		return fmt.Sprintf("γ: count(*) by %v", a.GroupBy)
	}
	return fmt.Sprintf("γ: %s(%d) by %v", a.Kind, a.Over, a.GroupBy)
}
func (r *Reader) Describe() string  { return fmt.Sprintf("R: key=%v", r.Key) }
func (*Egress) Describe() string    { return "egress" }
func (*Ingress) Describe() string   { return "ingress" }

// CmpOp is a comparison used by filter conditions.
type CmpOp string

const (
	OpEq CmpOp = "="
	OpNe CmpOp = "!="
	OpLt CmpOp = "<"
	OpLe CmpOp = "<="
	OpGt CmpOp = ">"
	OpGe CmpOp = ">="
)

// Condition compares one column against a constant.
type Condition struct {
	Column int        `json:"column"`
	Op     CmpOp      `json:"op"`
	Value  keys.Value `json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("c%d %s %s", c.Column, c.Op, c.Value)
}

// Matches reports whether row satisfies the condition.
func (c Condition) Matches(row keys.Row) bool {
	if c.Column >= len(row) {
		return false
	}
	cmp := row[c.Column].Compare(c.Value)
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	}
	return false
}

func (c Condition) valid() bool {
	switch c.Op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		return true
	}
	return false
}

// NodeSpec is the serializable definition of a node in a migration.
type NodeSpec struct {
	Name    string   `json:"name"`
	Kind    string   `json:"kind"`
	Domain  DomainID `json:"domain"`
	Parents []string `json:"parents,omitempty"`
	// Columns names a base table's columns; derived nodes compute theirs.
	Columns []string `json:"columns,omitempty"`

	Table      string        `json:"table,omitempty"`
	Key        []int         `json:"key,omitempty"`
	Conditions []Condition   `json:"conditions,omitempty"`
	Emit       []int         `json:"emit,omitempty"`
	LeftCol    int           `json:"left_col,omitempty"`
	RightCol   int           `json:"right_col,omitempty"`
	GroupBy    []int         `json:"group_by,omitempty"`
	Aggregate  AggregateKind `json:"aggregate,omitempty"`
	Over       int           `json:"over,omitempty"`
}

const (
	KindBase          = "base"
	KindFilterProject = "filter"
	KindJoin          = "join"
	KindAggregate     = "aggregate"
	KindReader        = "reader"
)

// operator builds the operator and the number of parents it takes.
func (s NodeSpec) operator() (Operator, int, error) {
	switch s.Kind {
	case KindBase:
		table := s.Table
		if table == "" {
			table = s.Name
		}
		return &Base{Table: table, Key: s.Key}, 0, nil
	case KindFilterProject:
		for _, c := range s.Conditions {
			if !c.valid() {
				return nil, 0, NewErrInvalidNode(s.Name, fmt.Sprintf("invalid comparison %q", c.Op))
			}
		}
		return &FilterProject{Conditions: s.Conditions, Emit: s.Emit}, 1, nil
	case KindJoin:
		return &Join{LeftCol: s.LeftCol, RightCol: s.RightCol}, 2, nil
	case KindAggregate:
		kind := s.Aggregate
		if kind == "" {
			kind = Count
		}
		if kind != Count && kind != Sum {
			return nil, 0, NewErrInvalidNode(s.Name, fmt.Sprintf("unknown aggregate %q", kind))
		}
		return &Aggregate{GroupBy: s.GroupBy, Kind: kind, Over: s.Over}, 1, nil
	case KindReader:
		return &Reader{Key: s.Key}, 1, nil
	}
	return nil, 0, NewErrInvalidNode(s.Name, fmt.Sprintf("unknown kind %q", s.Kind))
}

// Spec returns the definition a node was created from. Nodes inserted by
// the graph itself (ingress and egress) have no NodeSpec.
func (n *Node) Spec(g *Graph) (NodeSpec, bool) {
	s := NodeSpec{Name: n.Name, Domain: n.Domain}
	for _, p := range n.Parents {
		s.Parents = append(s.Parents, g.userParent(p).Name)
	}
	switch op := n.Op.(type) {
	case *Base:
		s.Kind, s.Table, s.Key, s.Columns = KindBase, op.Table, op.Key, n.Columns
	case *FilterProject:
		s.Kind, s.Conditions, s.Emit = KindFilterProject, op.Conditions, op.Emit
	case *Join:
		s.Kind, s.LeftCol, s.RightCol = KindJoin, op.LeftCol, op.RightCol
	case *Aggregate:
		s.Kind, s.GroupBy, s.Aggregate, s.Over = KindAggregate, op.GroupBy, op.Kind, op.Over
	case *Reader:
		s.Kind, s.Key = KindReader, op.Key
	case *Egress, *Ingress:
		return NodeSpec{}, false
	}
	return s, true
}

// deriveColumns computes a derived node's output column names.
func deriveColumns(op Operator, parents []*Node) []string {
	switch op := op.(type) {
	case *FilterProject:
		if op.Emit == nil {
			return append([]string(nil), parents[0].Columns...)
		}
		out := make([]string, len(op.Emit))
		for i, c := range op.Emit {
			out[i] = parents[0].Columns[c]
		}
		return out
	case *Join:
		out := append([]string(nil), parents[0].Columns...)
		return append(out, parents[1].Columns...)
	case *Aggregate:
		out := make([]string, 0, len(op.GroupBy)+2)
		for _, c := range op.GroupBy {
			out = append(out, parents[0].Columns[c])
		}
		if op.Kind == Sum {
			out = append(out, "sum("+parents[0].Columns[op.Over]+")")
		}
		return append(out, "count")
	case *Reader, *Egress, *Ingress:
		return append([]string(nil), parents[0].Columns...)
	}
	return nil
}

// validateColumns checks that every column an operator references exists.
func validateColumns(name string, op Operator, cols []string, parents []*Node) error {
	check := func(c, width int, what string) error {
		if c < 0 || c >= width {
			return NewErrInvalidNode(name, fmt.Sprintf("%s column %d out of range", what, c))
		}
		return nil
	}
	switch op := op.(type) {
	case *Base:
		if len(cols) == 0 {
			return NewErrInvalidNode(name, "base table needs columns")
		}
		if len(op.Key) == 0 {
			return NewErrInvalidNode(name, "base table needs a key")
		}
		for _, c := range op.Key {
			if err := check(c, len(cols), "key"); err != nil {
				return err
			}
		}
	case *FilterProject:
		w := len(parents[0].Columns)
		for _, c := range op.Conditions {
			if err := check(c.Column, w, "condition"); err != nil {
				return err
			}
		}
		for _, c := range op.Emit {
			if err := check(c, w, "emitted"); err != nil {
				return err
			}
		}
	case *Join:
		if err := check(op.LeftCol, len(parents[0].Columns), "left join"); err != nil {
			return err
		}
		if err := check(op.RightCol, len(parents[1].Columns), "right join"); err != nil {
			return err
		}
	case *Aggregate:
		w := len(parents[0].Columns)
		for _, c := range op.GroupBy {
			if err := check(c, w, "group"); err != nil {
				return err
			}
		}
		if op.Kind == Sum {
			if err := check(op.Over, w, "summed"); err != nil {
				return err
			}
		}
	case *Reader:
		if len(op.Key) == 0 {
			return NewErrInvalidNode(name, "reader needs a key")
		}
		for _, c := range op.Key {
			if err := check(c, len(parents[0].Columns), "key"); err != nil {
				return err
			}
		}
	}
	return nil
}

// parentColumns maps output columns of n onto the parent they come from. It
// returns false if the columns do not all trace to the same parent.
func (g *Graph) parentColumns(n *Node, cols []int) (int, []int, bool) {
	switch op := n.Op.(type) {
	case *Base:
		return 0, nil, false
	case *FilterProject:
		if op.Emit == nil {
			return 0, cols, true
		}
		out := make([]int, len(cols))
		for i, c := range cols {
			out[i] = op.Emit[c]
		}
		return 0, out, true
	case *Join:
		width := len(g.nodes[n.Parents[0]].Columns)
		left, right := true, true
		for _, c := range cols {
			if c < width {
				right = false
			} else {
				left = false
			}
		}
		switch {
		case left:
			return 0, cols, true
		case right:
			out := make([]int, len(cols))
			for i, c := range cols {
				out[i] = c - width
			}
			return 1, out, true
		}
		return 0, nil, false
	case *Aggregate:
		out := make([]int, len(cols))
		for i, c := range cols {
			if c >= len(op.GroupBy) {
				return 0, nil, false
			}
			out[i] = op.GroupBy[c]
		}
		return 0, out, true
	case *Reader, *Egress, *Ingress:
		return 0, cols, true
	}
	return 0, nil, false
}

// childColumns maps columns of the parent at position pos onto n's output.
func (g *Graph) childColumns(n *Node, pos int, cols []int) ([]int, bool) {
	out := make([]int, len(cols))
	switch op := n.Op.(type) {
	case *FilterProject:
		if op.Emit == nil {
			return cols, true
		}
	next:
		for i, c := range cols {
			for j, e := range op.Emit {
				if e == c {
					out[i] = j
					continue next
				}
			}
			return nil, false
		}
		return out, true
	case *Join:
		shift := 0
		if pos == 1 {
			shift = len(g.nodes[n.Parents[0]].Columns)
		}
		for i, c := range cols {
			out[i] = c + shift
		}
		return out, true
	case *Aggregate:
	group:
		for i, c := range cols {
			for j, gcol := range op.GroupBy {
				if gcol == c {
					out[i] = j
					continue group
				}
			}
			return nil, false
		}
		return out, true
	case *Reader, *Egress, *Ingress:
		return cols, true
	}
	return nil, false
}

func groupCols(a *Aggregate) []int {
	out := make([]int, len(a.GroupBy))
	for i := range out {
		out[i] = i
	}
	return out
}
