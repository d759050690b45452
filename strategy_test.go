package concord

import (
	"errors"
	"testing"
	"time"
)

func TestMajorityVote(t *testing.T) {
	outputs := []AgentOutput{
		output("a", "the sky is blue", 0.6),
		output("b", "the sky is blue", 0.7),
		output("c", "the sky is green", 0.95),
	}
	r, err := MajorityVote{}.Arbitrate(Conflict{}, outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "b" {
		t.Errorf("winner = %s, want b (majority bucket, highest confidence)", r.WinnerAgentID)
	}
	// (0.7 + 2/3) / 2
	if !almostEqual(r.Confidence, (0.7+2.0/3.0)/2) {
		t.Errorf("confidence = %v", r.Confidence)
	}
	scores, ok := r.Metadata["agent_scores"].(map[string]float64)
	if !ok || scores["a"] != 2 || scores["c"] != 1 {
		t.Errorf("agent_scores = %v, want bucket sizes", r.Metadata["agent_scores"])
	}
}

func TestMajorityVoteTieBreaksOnConfidence(t *testing.T) {
	outputs := []AgentOutput{
		output("a", "answer one", 0.5),
		output("b", "answer two", 0.9),
	}
	r, err := MajorityVote{}.Arbitrate(Conflict{}, outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "b" {
		t.Errorf("winner = %s, want b (bucket tie broken by confidence)", r.WinnerAgentID)
	}
}

func TestConfidenceWeight(t *testing.T) {
	o1 := output("a", "x", 0.9)
	o1.ErrorCount = 2 // 0.9 * 0.6 = 0.54
	o2 := output("b", "y", 0.7)
	r, err := ConfidenceWeight{}.Arbitrate(Conflict{}, []AgentOutput{o1, o2}, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "b" {
		t.Errorf("winner = %s, want b (error penalty dropped a)", r.WinnerAgentID)
	}
	if !almostEqual(r.Confidence, 0.7) {
		t.Errorf("confidence = %v, want 0.7", r.Confidence)
	}
}

func TestConfidenceWeightTieBreaksOnLatency(t *testing.T) {
	o1 := output("a", "x", 0.8)
	o1.ExecutionTimeMS = 2000
	o2 := output("b", "y", 0.8)
	o2.ExecutionTimeMS = 500
	r, _ := ConfidenceWeight{}.Arbitrate(Conflict{}, []AgentOutput{o1, o2}, nil)
	if r.WinnerAgentID != "b" {
		t.Errorf("winner = %s, want b (faster on tie)", r.WinnerAgentID)
	}
}

func TestRecencyBias(t *testing.T) {
	old := output("a", "x", 0.9)
	old.Timestamp = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	fresh := output("b", "y", 0.4)
	fresh.Timestamp = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	// Heavy recency weight flips the outcome toward the fresh answer.
	r, err := RecencyBias{}.Arbitrate(Conflict{}, []AgentOutput{old, fresh},
		map[string]any{"recency_weight": 0.5})
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "b" {
		t.Errorf("winner = %s, want b", r.WinnerAgentID)
	}
	// 0.5·1 + 0.5·0.4
	if !almostEqual(r.Confidence, 0.7) {
		t.Errorf("confidence = %v, want 0.7", r.Confidence)
	}

	// Default weight 0.3 keeps the confident answer.
	r, _ = RecencyBias{}.Arbitrate(Conflict{}, []AgentOutput{old, fresh}, nil)
	if r.WinnerAgentID != "a" {
		t.Errorf("default-weight winner = %s, want a", r.WinnerAgentID)
	}
}

func TestCostAwareBudgetFilter(t *testing.T) {
	cheap := output("a", "x", 0.6)
	cheap.CostPer1KTokens = 0.001
	pricey := output("b", "y", 0.95)
	pricey.CostPer1KTokens = 0.05

	r, err := CostAware{}.Arbitrate(Conflict{}, []AgentOutput{cheap, pricey},
		map[string]any{"budget_limit": 0.01})
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "a" {
		t.Errorf("winner = %s, want a (b over budget)", r.WinnerAgentID)
	}

	// Budget nobody meets: filter dropped, noted in metadata.
	r, _ = CostAware{}.Arbitrate(Conflict{}, []AgentOutput{cheap, pricey},
		map[string]any{"budget_limit": 0.0001, "optimization_mode": "quality"})
	if dropped, _ := r.Metadata["budget_filter_dropped"].(bool); !dropped {
		t.Error("budget_filter_dropped not set")
	}
	if r.WinnerAgentID != "b" {
		t.Errorf("quality-mode winner = %s, want b", r.WinnerAgentID)
	}
}

func TestCostAwareValidateConfig(t *testing.T) {
	if (CostAware{}).ValidateConfig(map[string]any{"optimization_mode": "speed"}) {
		t.Error("unknown optimization_mode accepted")
	}
	if !(CostAware{}).ValidateConfig(nil) {
		t.Error("nil config rejected")
	}
}

func TestLatencyAware(t *testing.T) {
	fast := output("a", "x", 0.6)
	fast.ExecutionTimeMS = 100
	slow := output("b", "y", 0.9)
	slow.ExecutionTimeMS = 5000

	r, err := LatencyAware{}.Arbitrate(Conflict{}, []AgentOutput{fast, slow},
		map[string]any{"max_latency_ms": 1000.0})
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "a" {
		t.Errorf("winner = %s, want a (b filtered as too slow)", r.WinnerAgentID)
	}

	r, _ = LatencyAware{}.Arbitrate(Conflict{}, []AgentOutput{fast, slow},
		map[string]any{"max_latency_ms": 10.0})
	if dropped, _ := r.Metadata["latency_filter_dropped"].(bool); !dropped {
		t.Error("latency_filter_dropped not set")
	}
}

func TestHybridScoreValidateConfig(t *testing.T) {
	if !(HybridScore{}).ValidateConfig(nil) {
		t.Error("default weights rejected")
	}
	bad := map[string]any{"confidence_weight": 0.9} // sum > 1
	if (HybridScore{}).ValidateConfig(bad) {
		t.Error("weights not summing to 1 accepted")
	}
	good := map[string]any{
		"confidence_weight": 0.5, "cost_weight": 0.2,
		"latency_weight": 0.1, "recency_weight": 0.1, "quality_weight": 0.1,
	}
	if !(HybridScore{}).ValidateConfig(good) {
		t.Error("valid custom weights rejected")
	}
}

func TestHybridScore(t *testing.T) {
	a := output("a", "x", 0.9)
	a.CostPer1KTokens = 0
	a.ExecutionTimeMS = 100
	b := output("b", "y", 0.8)
	b.CostPer1KTokens = 1
	b.ExecutionTimeMS = 900
	b.ErrorCount = 1

	r, err := HybridScore{}.Arbitrate(Conflict{}, []AgentOutput{a, b}, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if r.WinnerAgentID != "a" {
		t.Errorf("winner = %s, want a (leads every axis)", r.WinnerAgentID)
	}
	// a: 0.3·0.9 + 0.2·1 + 0.2·1 + 0.15·1 + 0.15·1 = 0.97
	if !almostEqual(r.Confidence, 0.97) {
		t.Errorf("confidence = %v, want 0.97", r.Confidence)
	}
}

func TestStrategiesRejectSingleOutput(t *testing.T) {
	single := []AgentOutput{output("a", "x", 0.9)}
	for _, s := range []Strategy{
		MajorityVote{}, ConfidenceWeight{}, RecencyBias{},
		CostAware{}, LatencyAware{}, HybridScore{},
	} {
		if _, err := s.Arbitrate(Conflict{}, single, nil); !errors.Is(err, ErrTooFewOutputs) {
			t.Errorf("%s: error = %v, want ErrTooFewOutputs", s.Name(), err)
		}
	}
}
