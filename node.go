package concord

import (
	"encoding/json"
	"fmt"
	"time"
)

// MemoryNode is one append-only record in the shared memory graph: an agent
// result, a composition, or a failure. Nodes are never mutated in place;
// links are id back-references created after both endpoints exist.
type MemoryNode struct {
	NodeID      string         `json:"node_id"`
	AgentID     string         `json:"agent_id"`
	TaskContext string         `json:"task_context"`
	Payload     NodePayload    `json:"-"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Links       []string       `json:"links,omitempty"`
}

// NodePayload is the tagged union of things a memory node can record.
// Exactly one of SubtaskPayload, CompositionPayload, or FailurePayload.
type NodePayload interface {
	payloadKind() string
}

// SubtaskPayload records one agent's result for one subtask.
type SubtaskPayload struct {
	Result SubtaskResult `json:"result"`
}

// CompositionPayload records a final composition for a master task.
type CompositionPayload struct {
	Composition CompositionResult `json:"composition"`
}

// FailurePayload records a terminal subtask failure with its reason.
type FailurePayload struct {
	SubtaskID string `json:"subtask_id"`
	Reason    string `json:"reason"`
	Detail    string `json:"detail,omitempty"`
}

func (SubtaskPayload) payloadKind() string     { return "subtask" }
func (CompositionPayload) payloadKind() string { return "composition" }
func (FailurePayload) payloadKind() string     { return "failure" }

// payloadEnvelope is the wire form of a NodePayload.
type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalPayload serializes a NodePayload into its tagged wire form.
func MarshalPayload(p NodePayload) ([]byte, error) {
	if p == nil {
		return json.Marshal(payloadEnvelope{Kind: "none", Data: json.RawMessage(`{}`)})
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.payloadKind(), Data: data})
}

// UnmarshalPayload deserializes the tagged wire form back into a NodePayload.
func UnmarshalPayload(b []byte) (NodePayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("unmarshal payload envelope: %w", err)
	}
	switch env.Kind {
	case "subtask":
		var p SubtaskPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal subtask payload: %w", err)
		}
		return p, nil
	case "composition":
		var p CompositionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal composition payload: %w", err)
		}
		return p, nil
	case "failure":
		var p FailurePayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return nil, fmt.Errorf("unmarshal failure payload: %w", err)
		}
		return p, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown payload kind %q", env.Kind)
	}
}

// nodeWire is the JSON form of a full node, used by export/import and the
// backing stores.
type nodeWire struct {
	NodeID      string          `json:"node_id"`
	AgentID     string          `json:"agent_id"`
	TaskContext string          `json:"task_context"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Links       []string        `json:"links,omitempty"`
}

// EncodeNode serializes a node, payload included, into one JSON record.
func EncodeNode(n MemoryNode) ([]byte, error) {
	payload, err := MarshalPayload(n.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(nodeWire{
		NodeID:      n.NodeID,
		AgentID:     n.AgentID,
		TaskContext: n.TaskContext,
		Payload:     payload,
		Timestamp:   n.Timestamp,
		Metadata:    n.Metadata,
		Links:       n.Links,
	})
}

// DecodeNode deserializes one JSON record back into a node.
func DecodeNode(b []byte) (MemoryNode, error) {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return MemoryNode{}, fmt.Errorf("decode node: %w", err)
	}
	payload, err := UnmarshalPayload(w.Payload)
	if err != nil {
		return MemoryNode{}, err
	}
	return MemoryNode{
		NodeID:      w.NodeID,
		AgentID:     w.AgentID,
		TaskContext: w.TaskContext,
		Payload:     payload,
		Timestamp:   w.Timestamp,
		Metadata:    w.Metadata,
		Links:       w.Links,
	}, nil
}
