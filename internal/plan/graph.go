package plan

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"
)

// Graph is the dependency graph of one submitted plan, keyed by the
// caller's temporary subtask ids. It only exists during validation; runtime
// dependency state lives in the store.
type Graph struct {
	nodes map[string][]string // temp id -> depends_on temp ids
}

// NewGraph creates an empty validation graph.
func NewGraph() *Graph {
	return &Graph{nodes: make(map[string][]string)}
}

// Add registers a subtask node. Returns an error if the temp id is already
// taken.
func (g *Graph) Add(tempID string, dependsOn []string) error {
	if _, exists := g.nodes[tempID]; exists {
		return fmt.Errorf("duplicate subtask id %q", tempID)
	}
	g.nodes[tempID] = dependsOn
	return nil
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// Validate checks that every referenced dependency exists and that the graph
// is acyclic. Returns the temp ids in an order where every dependency
// precedes its dependents.
func (g *Graph) Validate() ([]string, error) {
	for tempID, deps := range g.nodes {
		for _, depID := range deps {
			if depID == tempID {
				return nil, fmt.Errorf("subtask %q depends on itself", tempID)
			}
			if _, exists := g.nodes[depID]; !exists {
				return nil, fmt.Errorf("subtask %q depends on unknown subtask %q", tempID, depID)
			}
		}
	}

	// Build edges for topological sort. Nodes without dependencies get a nil
	// source edge so they still appear in the result.
	var edges []toposort.Edge
	for tempID, deps := range g.nodes {
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, tempID})
		} else {
			for _, depID := range deps {
				edges = append(edges, toposort.Edge{depID, tempID})
			}
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("dependency cycle: %w", err)
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}

	// A node lost by the sort would mean a disconnected anomaly; surface it
	// rather than silently dropping work.
	if len(order) != len(g.nodes) {
		var missing []string
		found := make(map[string]bool, len(order))
		for _, id := range order {
			found[id] = true
		}
		for tempID := range g.nodes {
			if !found[tempID] {
				missing = append(missing, tempID)
			}
		}
		return nil, fmt.Errorf("topological sort lost %d subtasks: %s", len(missing), strings.Join(missing, ", "))
	}

	return order, nil
}
