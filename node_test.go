package concord

import (
	"strings"
	"testing"
	"time"
)

func TestPayloadRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload NodePayload
		check   func(t *testing.T, p NodePayload)
	}{
		{
			"subtask",
			SubtaskPayload{Result: SubtaskResult{SubtaskID: "st_1", AgentID: "claude", Content: "done", Confidence: 0.9}},
			func(t *testing.T, p NodePayload) {
				sp, ok := p.(SubtaskPayload)
				if !ok || sp.Result.AgentID != "claude" || sp.Result.Confidence != 0.9 {
					t.Errorf("payload = %+v", p)
				}
			},
		},
		{
			"composition",
			CompositionPayload{Composition: CompositionResult{MasterTaskID: "mt_1", ComposedContent: "## Main Analysis"}},
			func(t *testing.T, p NodePayload) {
				cp, ok := p.(CompositionPayload)
				if !ok || cp.Composition.MasterTaskID != "mt_1" {
					t.Errorf("payload = %+v", p)
				}
			},
		},
		{
			"failure",
			FailurePayload{SubtaskID: "st_1", Reason: "invoker_error", Detail: "provider down"},
			func(t *testing.T, p NodePayload) {
				fp, ok := p.(FailurePayload)
				if !ok || fp.Reason != "invoker_error" {
					t.Errorf("payload = %+v", p)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := MarshalPayload(tt.payload)
			if err != nil {
				t.Fatalf("MarshalPayload() error = %v", err)
			}
			p, err := UnmarshalPayload(b)
			if err != nil {
				t.Fatalf("UnmarshalPayload() error = %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestUnmarshalPayloadUnknownKind(t *testing.T) {
	_, err := UnmarshalPayload([]byte(`{"kind":"mystery","data":{}}`))
	if err == nil || !strings.Contains(err.Error(), "mystery") {
		t.Errorf("error = %v, want unknown-kind rejection naming the kind", err)
	}
}

func TestEncodeDecodeNode(t *testing.T) {
	n := MemoryNode{
		NodeID:      "n1",
		AgentID:     "claude",
		TaskContext: "analysis",
		Payload:     SubtaskPayload{Result: SubtaskResult{SubtaskID: "st_1", AgentID: "claude"}},
		Timestamp:   time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Metadata:    map[string]any{"k": "v"},
		Links:       []string{"n0"},
	}
	b, err := EncodeNode(n)
	if err != nil {
		t.Fatalf("EncodeNode() error = %v", err)
	}
	got, err := DecodeNode(b)
	if err != nil {
		t.Fatalf("DecodeNode() error = %v", err)
	}
	if got.NodeID != n.NodeID || got.AgentID != n.AgentID || !got.Timestamp.Equal(n.Timestamp) {
		t.Errorf("decoded = %+v", got)
	}
	if got.Metadata["k"] != "v" || len(got.Links) != 1 {
		t.Errorf("metadata/links = %v / %v", got.Metadata, got.Links)
	}
	if _, ok := got.Payload.(SubtaskPayload); !ok {
		t.Errorf("payload type = %T", got.Payload)
	}
}
