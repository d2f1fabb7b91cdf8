// Package feedback turns telemetry analyses into actionable product issues
// and, for severe ones, into new generation requests. The bridge between
// observation and generation is an explicit causal graph rather than a single
// opaque prompt, so the derivation stays inspectable.
package feedback

import (
	"fmt"
	"sort"

	"github.com/xkilldash9x/evoloop/api/schemas"
)

// NodeType classifies a causal graph node.
type NodeType string

const (
	NodeBehavioralAnomaly  NodeType = "behavioral_anomaly"
	NodePrincipleViolation NodeType = "principle_violation"
	NodeConversionBlocker  NodeType = "conversion_blocker"
	NodePerformanceIssue   NodeType = "performance_issue"
)

// Node is one observed or derived condition.
type Node struct {
	ID          string
	Type        NodeType
	ElementID   string
	PagePath    string
	Description string
	Severity    schemas.Severity
}

// Edge asserts that Cause contributes to Effect.
type Edge struct {
	Cause  string
	Effect string
}

// CausalGraph links behavioral anomalies to the outcomes they explain.
// Anomalies are leaves; blockers and performance issues are effects.
type CausalGraph struct {
	nodes map[string]*Node
	// parents[effect] lists cause node IDs.
	parents map[string][]string
	order   []string
}

// NewCausalGraph builds an empty graph.
func NewCausalGraph() *CausalGraph {
	return &CausalGraph{
		nodes:   make(map[string]*Node),
		parents: make(map[string][]string),
	}
}

// AddNode inserts a node, ignoring duplicates by ID.
func (g *CausalGraph) AddNode(n Node) {
	if _, exists := g.nodes[n.ID]; exists {
		return
	}
	copied := n
	g.nodes[n.ID] = &copied
	g.order = append(g.order, n.ID)
}

// AddEdge records that cause contributes to effect. Both endpoints must
// already exist.
func (g *CausalGraph) AddEdge(cause, effect string) error {
	if _, ok := g.nodes[cause]; !ok {
		return fmt.Errorf("unknown cause node %q", cause)
	}
	if _, ok := g.nodes[effect]; !ok {
		return fmt.Errorf("unknown effect node %q", effect)
	}
	g.parents[effect] = append(g.parents[effect], cause)
	return nil
}

// Node returns the node with the given ID, or nil.
func (g *CausalGraph) Node(id string) *Node {
	return g.nodes[id]
}

// Nodes returns all nodes in insertion order.
func (g *CausalGraph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// RootCauses walks backward from the given effect and returns the leaf nodes
// that explain it. A node with no recorded causes is its own root cause.
func (g *CausalGraph) RootCauses(effectID string) []*Node {
	start, ok := g.nodes[effectID]
	if !ok {
		return nil
	}

	visited := make(map[string]struct{})
	var roots []*Node
	var walk func(id string)
	walk = func(id string) {
		if _, seen := visited[id]; seen {
			return
		}
		visited[id] = struct{}{}
		causes := g.parents[id]
		if len(causes) == 0 {
			roots = append(roots, g.nodes[id])
			return
		}
		for _, cause := range causes {
			walk(cause)
		}
	}
	walk(start.ID)

	sort.Slice(roots, func(i, j int) bool { return roots[i].ID < roots[j].ID })
	return roots
}

// HasCauses reports whether any cause is recorded for the node.
func (g *CausalGraph) HasCauses(id string) bool {
	return len(g.parents[id]) > 0
}

// Effects returns the nodes that have at least one recorded cause, in
// insertion order. These are the outcomes worth explaining.
func (g *CausalGraph) Effects() []*Node {
	var out []*Node
	for _, id := range g.order {
		if len(g.parents[id]) > 0 {
			out = append(out, g.nodes[id])
		}
	}
	return out
}
