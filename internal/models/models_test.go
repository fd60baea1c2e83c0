package models

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestNodeUnmarshalDecodesKindSpecificData(t *testing.T) {
	raw := `{
		"nodes": [
			{"id": "1", "type": "start", "data": {"triggerType": "keyword_exact", "triggerKeywords": "hi,hello"}},
			{"id": "2", "type": "interactive", "data": {"content": "Pick one", "variable": "choice", "options": [{"id": "a", "label": "Red"}]}},
			{"id": "3", "type": "condition", "data": {"variable": "choice", "conditionValue": "Red"}},
			{"id": "4", "type": "delay", "data": {"duration": 2.5}}
		],
		"edges": [
			{"source": "1", "target": "2"},
			{"source": "2", "target": "3", "sourceHandle": "a"}
		]
	}`
	var flow FlowDefinition
	if err := json.Unmarshal([]byte(raw), &flow); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := flow.Validate(); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}

	start, ok := flow.Nodes[0].Data.(*StartData)
	if !ok {
		t.Fatalf("expected *StartData, got %T", flow.Nodes[0].Data)
	}
	if start.TriggerType != TriggerKeywordExact || start.TriggerKeywords != "hi,hello" {
		t.Errorf("start data not decoded: %+v", start)
	}

	inter, ok := flow.Nodes[1].Data.(*InteractiveData)
	if !ok {
		t.Fatalf("expected *InteractiveData, got %T", flow.Nodes[1].Data)
	}
	if len(inter.Options) != 1 || inter.Options[0].Label != "Red" {
		t.Errorf("interactive options not decoded: %+v", inter.Options)
	}

	delay, ok := flow.Nodes[3].Data.(*DelayData)
	if !ok {
		t.Fatalf("expected *DelayData, got %T", flow.Nodes[3].Data)
	}
	if delay.Seconds != 2.5 {
		t.Errorf("expected 2.5s delay, got %v", delay.Seconds)
	}
}

func TestNodeUnmarshalUnknownKind(t *testing.T) {
	var n Node
	err := json.Unmarshal([]byte(`{"id": "1", "type": "teleport", "data": {}}`), &n)
	if !errors.Is(err, ErrUnknownNodeKind) {
		t.Errorf("expected ErrUnknownNodeKind, got %v", err)
	}
}

func TestNodeUnmarshalMissingData(t *testing.T) {
	var n Node
	if err := json.Unmarshal([]byte(`{"id": "1", "type": "message"}`), &n); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := n.Data.(*MessageData); !ok {
		t.Errorf("expected empty *MessageData, got %T", n.Data)
	}
}

func TestFlowDefinitionValidate(t *testing.T) {
	cases := []struct {
		name string
		flow FlowDefinition
		want error
	}{
		{"empty", FlowDefinition{}, ErrEmptyFlow},
		{"no start", FlowDefinition{Nodes: []Node{{ID: "1", Kind: NodeKindMessage, Data: &MessageData{}}}}, ErrNoStartNode},
		{"duplicate id", FlowDefinition{Nodes: []Node{
			{ID: "1", Kind: NodeKindStart, Data: &StartData{}},
			{ID: "1", Kind: NodeKindMessage, Data: &MessageData{}},
		}}, ErrDuplicateNodeID},
		{"two starts", FlowDefinition{Nodes: []Node{
			{ID: "1", Kind: NodeKindStart, Data: &StartData{}},
			{ID: "2", Kind: NodeKindStart, Data: &StartData{}},
		}}, ErrMultipleStartNodes},
		{"missing id", FlowDefinition{Nodes: []Node{{Kind: NodeKindStart, Data: &StartData{}}}}, ErrMissingNodeID},
		{"valid", FlowDefinition{Nodes: []Node{{ID: "1", Kind: NodeKindStart, Data: &StartData{}}}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.flow.Validate()
			if !errors.Is(err, tc.want) {
				t.Errorf("Validate() = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestNodeMarshalRoundTrip(t *testing.T) {
	n := Node{ID: "7", Kind: NodeKindJump, Data: &JumpData{TargetNodeID: "2"}}
	b, err := json.Marshal(n)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded Node
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	jump, ok := decoded.Data.(*JumpData)
	if !ok || jump.TargetNodeID != "2" {
		t.Errorf("round trip lost jump target: %#v", decoded.Data)
	}
}

func TestNewSessionSeedsBuiltins(t *testing.T) {
	s := NewSession("5511999990000", "start-1")
	if s.Variables[VarPhone] != "5511999990000" {
		t.Errorf("phone not seeded: %q", s.Variables[VarPhone])
	}
	if s.Variables[VarName] != DefaultUserName {
		t.Errorf("name not seeded: %q", s.Variables[VarName])
	}
	if s.CurrentNodeID != "start-1" {
		t.Errorf("current node = %q, want start-1", s.CurrentNodeID)
	}
}
