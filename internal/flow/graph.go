package flow

import (
	"fmt"

	"github.com/whaleflow/whaleflow/internal/models"
)

// Graph is a read-only index over one flow definition. It answers "next
// node given (nodeID, outcome handle)" in O(edges from node) and caches the
// start node.
type Graph struct {
	nodes map[string]*models.Node
	edges []models.Edge
	start *models.Node
}

// NewGraph validates the definition and builds the index.
func NewGraph(def *models.FlowDefinition) (*Graph, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow definition: %w", err)
	}
	g := &Graph{
		nodes: make(map[string]*models.Node, len(def.Nodes)),
		edges: def.Edges,
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		g.nodes[n.ID] = n
		if n.Kind == models.NodeKindStart {
			g.start = n
		}
	}
	return g, nil
}

// Start returns the flow's single start node.
func (g *Graph) Start() *models.Node {
	return g.start
}

// Node returns the node with the given id, or nil if absent.
func (g *Graph) Node(id string) *models.Node {
	return g.nodes[id]
}

// Next resolves the node reached from sourceID via the given outcome
// handle. An empty handle matches the default outcome: an edge whose handle
// is unset or the "default" sentinel. Next returns nil when no matching
// edge exists; a nil result is a normal terminal outcome, never an error.
func (g *Graph) Next(sourceID, handle string) *models.Node {
	for _, e := range g.edges {
		if e.Source != sourceID {
			continue
		}
		if handle == "" || handle == models.DefaultOutcome {
			if e.SourceHandle == "" || e.SourceHandle == models.DefaultOutcome {
				return g.nodes[e.Target]
			}
			continue
		}
		if e.SourceHandle == handle {
			return g.nodes[e.Target]
		}
	}
	return nil
}
