package flow

import (
	"testing"

	"github.com/whaleflow/whaleflow/internal/models"
)

func testGraph(t *testing.T) *Graph {
	t.Helper()
	def := &models.FlowDefinition{
		Nodes: []models.Node{
			{ID: "start", Kind: models.NodeKindStart, Data: &models.StartData{}},
			{ID: "ask", Kind: models.NodeKindInteractive, Data: &models.InteractiveData{}},
			{ID: "yes", Kind: models.NodeKindMessage, Data: &models.MessageData{}},
			{ID: "no", Kind: models.NodeKindMessage, Data: &models.MessageData{}},
		},
		Edges: []models.Edge{
			{Source: "start", Target: "ask"},
			{Source: "ask", Target: "yes", SourceHandle: "a"},
			{Source: "ask", Target: "no", SourceHandle: "b"},
		},
	}
	g, err := NewGraph(def)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return g
}

func TestGraphNextDefault(t *testing.T) {
	g := testGraph(t)
	next := g.Next("start", "")
	if next == nil || next.ID != "ask" {
		t.Errorf("Next(start) = %v, want ask", next)
	}
	// The "default" sentinel behaves like an empty handle.
	next = g.Next("start", models.DefaultOutcome)
	if next == nil || next.ID != "ask" {
		t.Errorf("Next(start, default) = %v, want ask", next)
	}
}

func TestGraphNextHandle(t *testing.T) {
	g := testGraph(t)
	next := g.Next("ask", "b")
	if next == nil || next.ID != "no" {
		t.Errorf("Next(ask, b) = %v, want no", next)
	}
	// The default outcome does not match handled edges.
	if got := g.Next("ask", ""); got != nil {
		t.Errorf("Next(ask, \"\") = %v, want nil", got)
	}
}

func TestGraphNextTerminal(t *testing.T) {
	g := testGraph(t)
	// Terminal is a normal outcome, never a panic or error.
	if got := g.Next("yes", ""); got != nil {
		t.Errorf("Next(yes) = %v, want nil", got)
	}
	if got := g.Next("nonexistent", ""); got != nil {
		t.Errorf("Next(nonexistent) = %v, want nil", got)
	}
}

func TestGraphStart(t *testing.T) {
	g := testGraph(t)
	if g.Start() == nil || g.Start().ID != "start" {
		t.Errorf("Start() = %v", g.Start())
	}
}

func TestNewGraphRejectsInvalidDefinition(t *testing.T) {
	_, err := NewGraph(&models.FlowDefinition{})
	if err == nil {
		t.Error("expected error for empty definition")
	}
}
