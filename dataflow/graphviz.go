// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// WriteGraphviz writes the graph in dot format, one cluster per domain. With
// detailed set, node labels include columns and indexes.
func WriteGraphviz(w io.Writer, g *Graph, detailed bool) error {
	var sb strings.Builder
	sb.WriteString("digraph {\n")
	sb.WriteString("    node [shape=record, fontsize=10]\n")

	byDomain := make(map[DomainID][]*Node)
	for _, n := range g.Nodes() {
		byDomain[n.Domain] = append(byDomain[n.Domain], n)
	}
	domains := make([]DomainID, 0, len(byDomain))
	for d := range byDomain {
		domains = append(domains, d)
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i] < domains[j] })

	for _, d := range domains {
		fmt.Fprintf(&sb, "    subgraph cluster_d%d {\n", d)
		fmt.Fprintf(&sb, "        label = \"domain %d\"\n", d)
		for _, n := range byDomain[d] {
			fmt.Fprintf(&sb, "        n%d [label=\"%s\", style=%s]\n", n.ID, nodeLabel(n, detailed), nodeStyle(n))
		}
		sb.WriteString("    }\n")
	}
	for _, n := range g.Nodes() {
		for _, c := range g.Children(n.ID) {
			color := "black"
			if _, ok := n.Op.(*Egress); ok {
				color = "gray"
			}
			fmt.Fprintf(&sb, "    n%d -> n%d [color=%s]\n", n.ID, c, color)
		}
	}
	sb.WriteString("}\n")

	_, err := io.WriteString(w, sb.String())
	return err
}

func nodeStyle(n *Node) string {
	switch {
	case n.BeyondFrontier:
		return "dashed"
	case n.Materialization == Full:
		return "bold"
	case n.Materialization == Partial:
		return "filled"
	}
	return "solid"
}

func escapeLabel(s string) string {
	r := strings.NewReplacer(`"`, `\"`, "{", `\{`, "}", `\}`, "|", `\|`, "<", `\<`, ">", `\>`)
	return r.Replace(s)
}

func nodeLabel(n *Node, detailed bool) string {
	parts := []string{
		escapeLabel(fmt.Sprintf("%d / %s", n.ID, n.Name)),
		escapeLabel(n.Op.Describe()),
	}
	if n.Materialization != NotMaterialized {
		parts = append(parts, escapeLabel(Status(n)))
	}
	if detailed {
		parts = append(parts, escapeLabel(strings.Join(n.Columns, ", ")))
		for _, idx := range n.Indexes {
			parts = append(parts, escapeLabel(fmt.Sprintf("index %v", idx)))
		}
	}
	return "{" + strings.Join(parts, " | ") + "}"
}
