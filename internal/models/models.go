// Package models defines the core data structures for WhaleFlow.
//
// It includes the flow definition (nodes and edges), per-user sessions, and
// API request/response types shared across modules.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// NodeKind identifies the behavior of a node in a flow definition.
type NodeKind string

const (
	// NodeKindStart is the single entry point of a flow; holds the trigger predicate.
	NodeKindStart NodeKind = "start"
	// NodeKindMessage sends a templated text message.
	NodeKindMessage NodeKind = "message"
	// NodeKindImage sends an image by URL.
	NodeKindImage NodeKind = "image"
	// NodeKindAudio sends an audio clip by URL.
	NodeKindAudio NodeKind = "audio"
	// NodeKindInput asks a question and waits for free text.
	NodeKindInput NodeKind = "input"
	// NodeKindInteractive presents a selectable option list and waits for a choice.
	NodeKindInteractive NodeKind = "interactive"
	// NodeKindCondition branches on a variable comparison.
	NodeKindCondition NodeKind = "condition"
	// NodeKindSetVariable binds a templated value into a variable.
	NodeKindSetVariable NodeKind = "set_variable"
	// NodeKindCode runs a sandboxed user script over the variable map.
	NodeKindCode NodeKind = "code"
	// NodeKindAIGenerate calls the AI generation capability.
	NodeKindAIGenerate NodeKind = "ai_generate"
	// NodeKindHTTPRequest issues an HTTP call and stores the response.
	NodeKindHTTPRequest NodeKind = "http_request"
	// NodeKindWebhook fires the variable map at a target URL.
	NodeKindWebhook NodeKind = "webhook"
	// NodeKindDatabaseSave appends the variable map to the record sink.
	NodeKindDatabaseSave NodeKind = "database_save"
	// NodeKindDelay suspends the session for a configured duration.
	NodeKindDelay NodeKind = "delay"
	// NodeKindAgentHandoff hands the conversation to a human and pauses the session.
	NodeKindAgentHandoff NodeKind = "agent_handoff"
	// NodeKindJump redirects execution to another node without consuming an edge.
	NodeKindJump NodeKind = "jump"
)

// TriggerType defines how a start node decides whether an inbound message
// begins a new session.
type TriggerType string

const (
	// TriggerAll matches any inbound message.
	TriggerAll TriggerType = "all"
	// TriggerKeywordExact requires normalized equality with one of the keywords.
	TriggerKeywordExact TriggerType = "keyword_exact"
	// TriggerKeywordContains requires the message to contain one of the keywords.
	TriggerKeywordContains TriggerType = "keyword_contains"
)

// MediaKind distinguishes the media payloads a channel can deliver.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindAudio MediaKind = "audio"
)

// RecordFormat selects the serialization used by the database_save sink.
type RecordFormat string

const (
	RecordFormatJSON RecordFormat = "json"
	RecordFormatCSV  RecordFormat = "csv"
)

// DefaultOutcome is the sentinel handle used by edges that are the sole
// outgoing edge of a node.
const DefaultOutcome = "default"

// Error variables for flow definition validation.
var (
	ErrEmptyFlow          = errors.New("flow definition has no nodes")
	ErrMissingNodeID      = errors.New("node is missing an id")
	ErrDuplicateNodeID    = errors.New("duplicate node id")
	ErrNoStartNode        = errors.New("flow definition has no start node")
	ErrMultipleStartNodes = errors.New("flow definition has more than one start node")
	ErrUnknownNodeKind    = errors.New("unknown node kind")
)

// NodeOption is one selectable entry of an interactive node.
type NodeOption struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// NodeData is the kind-specific payload of a node. Exactly one concrete
// type exists per NodeKind, so executors can type-assert instead of probing
// an attribute bag.
type NodeData interface {
	nodeData()
}

// StartData configures the trigger predicate of the start node.
type StartData struct {
	TriggerType TriggerType `json:"triggerType,omitempty"`
	// TriggerKeywords is a comma-separated keyword list for the keyword triggers.
	TriggerKeywords string `json:"triggerKeywords,omitempty"`
}

// MessageData holds the template of a plain text message.
type MessageData struct {
	Content string `json:"content"`
}

// MediaData holds the payload of image and audio nodes.
type MediaData struct {
	URL     string `json:"content"`
	Caption string `json:"caption,omitempty"`
}

// InputData asks a question and binds the reply into Variable.
type InputData struct {
	Content  string `json:"content"`
	Variable string `json:"variable,omitempty"`
}

// InteractiveData presents Options and binds the chosen label into Variable.
type InteractiveData struct {
	Content  string       `json:"content"`
	Variable string       `json:"variable,omitempty"`
	Options  []NodeOption `json:"options"`
}

// ConditionData compares the named variable against Value as normalized strings.
type ConditionData struct {
	Variable string `json:"variable"`
	Value    string `json:"conditionValue"`
}

// SetVariableData binds the rendered Value template into Variable.
type SetVariableData struct {
	Variable string `json:"variable"`
	Value    string `json:"value"`
}

// CodeData carries the user script executed by the sandbox.
type CodeData struct {
	Source string `json:"content"`
}

// AIGenerateData configures an AI generation call.
type AIGenerateData struct {
	Prompt            string `json:"content"`
	SystemInstruction string `json:"systemInstruction,omitempty"`
	Variable          string `json:"variable,omitempty"`
}

// HTTPRequestData configures an outbound HTTP call. Headers is a JSON object
// template; Body is sent after rendering for non-GET methods.
type HTTPRequestData struct {
	Method   string `json:"apiMethod,omitempty"`
	URL      string `json:"apiUrl"`
	Headers  string `json:"apiHeaders,omitempty"`
	Body     string `json:"apiBody,omitempty"`
	Variable string `json:"variable,omitempty"`
}

// WebhookData configures a fire-and-forget webhook call.
type WebhookData struct {
	URL    string `json:"webhookUrl"`
	Method string `json:"webhookMethod,omitempty"`
}

// DatabaseSaveData selects the record sink format.
type DatabaseSaveData struct {
	Format RecordFormat `json:"dbType,omitempty"`
}

// DelayData suspends the session for Seconds.
type DelayData struct {
	Seconds float64 `json:"duration,omitempty"`
}

// AgentHandoffData holds the farewell message sent before pausing the session.
type AgentHandoffData struct {
	Content string `json:"content,omitempty"`
}

// JumpData redirects execution to TargetNodeID.
type JumpData struct {
	TargetNodeID string `json:"jumpNodeId"`
}

func (StartData) nodeData()        {}
func (MessageData) nodeData()      {}
func (MediaData) nodeData()        {}
func (InputData) nodeData()        {}
func (InteractiveData) nodeData()  {}
func (ConditionData) nodeData()    {}
func (SetVariableData) nodeData()  {}
func (CodeData) nodeData()         {}
func (AIGenerateData) nodeData()   {}
func (HTTPRequestData) nodeData()  {}
func (WebhookData) nodeData()      {}
func (DatabaseSaveData) nodeData() {}
func (DelayData) nodeData()        {}
func (AgentHandoffData) nodeData() {}
func (JumpData) nodeData()         {}

// Node is one vertex of a flow definition. Data holds the kind-specific
// payload; its concrete type is determined by Kind during unmarshaling.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"type"`
	Data NodeData `json:"data"`
}

// UnmarshalJSON decodes the data payload into the struct matching the node kind.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID   string          `json:"id"`
		Kind NodeKind        `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n.ID = raw.ID
	n.Kind = raw.Kind

	data, err := decodeNodeData(raw.Kind, raw.Data)
	if err != nil {
		return err
	}
	n.Data = data
	return nil
}

// MarshalJSON re-encodes the node with its kind-specific data payload.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID   string   `json:"id"`
		Kind NodeKind `json:"type"`
		Data NodeData `json:"data"`
	}{n.ID, n.Kind, n.Data})
}

func decodeNodeData(kind NodeKind, raw json.RawMessage) (NodeData, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	unmarshal := func(v NodeData) (NodeData, error) {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("failed to decode %s node data: %w", kind, err)
		}
		return v, nil
	}
	switch kind {
	case NodeKindStart:
		return unmarshal(&StartData{})
	case NodeKindMessage:
		return unmarshal(&MessageData{})
	case NodeKindImage, NodeKindAudio:
		return unmarshal(&MediaData{})
	case NodeKindInput:
		return unmarshal(&InputData{})
	case NodeKindInteractive:
		return unmarshal(&InteractiveData{})
	case NodeKindCondition:
		return unmarshal(&ConditionData{})
	case NodeKindSetVariable:
		return unmarshal(&SetVariableData{})
	case NodeKindCode:
		return unmarshal(&CodeData{})
	case NodeKindAIGenerate:
		return unmarshal(&AIGenerateData{})
	case NodeKindHTTPRequest:
		return unmarshal(&HTTPRequestData{})
	case NodeKindWebhook:
		return unmarshal(&WebhookData{})
	case NodeKindDatabaseSave:
		return unmarshal(&DatabaseSaveData{})
	case NodeKindDelay:
		return unmarshal(&DelayData{})
	case NodeKindAgentHandoff:
		return unmarshal(&AgentHandoffData{})
	case NodeKindJump:
		return unmarshal(&JumpData{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeKind, kind)
	}
}

// Edge is a directed connection between two nodes. SourceHandle
// disambiguates multiple outgoing edges from one source; empty means the
// default outcome.
type Edge struct {
	ID           string `json:"id,omitempty"`
	Source       string `json:"source"`
	Target       string `json:"target"`
	SourceHandle string `json:"sourceHandle,omitempty"`
}

// FlowDefinition is the node/edge graph authored by an operator. It is
// immutable once loaded; the engine swaps the whole definition on restart.
type FlowDefinition struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Validate checks the definition for executability: non-empty, unique node
// ids, and exactly one start node. Unreachable nodes are dead but legal.
func (f *FlowDefinition) Validate() error {
	if len(f.Nodes) == 0 {
		return ErrEmptyFlow
	}
	seen := make(map[string]struct{}, len(f.Nodes))
	starts := 0
	for _, n := range f.Nodes {
		if n.ID == "" {
			return ErrMissingNodeID
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateNodeID, n.ID)
		}
		seen[n.ID] = struct{}{}
		if n.Kind == NodeKindStart {
			starts++
		}
	}
	if starts == 0 {
		return ErrNoStartNode
	}
	if starts > 1 {
		return ErrMultipleStartNodes
	}
	return nil
}
