package concord

import (
	"context"
	"errors"
	"testing"
)

// mapStrategies is a minimal StrategySource for tests.
type mapStrategies map[string]Strategy

func (m mapStrategies) Get(name string) (Strategy, bool) {
	s, ok := m[name]
	return s, ok
}

func builtinSource() *Loader {
	ld := NewLoader("")
	RegisterBuiltins(ld)
	return ld
}

func TestDetectConflictOrder(t *testing.T) {
	a := NewArbiter(builtinSource(), WithArbiterTimeout(1000))

	tests := []struct {
		name    string
		mutate  func(*[]AgentOutput)
		want    ConflictType
	}{
		{"error first", func(o *[]AgentOutput) { (*o)[0].ErrorCount = 1; (*o)[0].ExecutionTimeMS = 5000 }, ConflictError},
		{"timeout next", func(o *[]AgentOutput) { (*o)[1].ExecutionTimeMS = 5000 }, ConflictTimeout},
		{"contradictory", func(o *[]AgentOutput) {}, ConflictContradictory},
		{"quality gap", func(o *[]AgentOutput) { (*o)[1].Output = (*o)[0].Output; (*o)[1].Confidence = 0.2 }, ConflictQuality},
		{"minor dispute", func(o *[]AgentOutput) { (*o)[1].Output = (*o)[0].Output; (*o)[1].Confidence = 0.8 }, ConflictMinorDispute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outputs := []AgentOutput{output("a", "alpha", 0.9), output("b", "beta", 0.9)}
			tt.mutate(&outputs)
			c := a.DetectConflict("st_1", outputs)
			if c.Type != tt.want {
				t.Errorf("DetectConflict() type = %v, want %v", c.Type, tt.want)
			}
		})
	}
}

func TestArbitrateTooFewOutputs(t *testing.T) {
	a := NewArbiter(builtinSource())
	_, _, err := a.Arbitrate(context.Background(), "st", "", []AgentOutput{output("a", "x", 0.9)}, nil)
	if !errors.Is(err, ErrTooFewOutputs) {
		t.Errorf("error = %v, want ErrTooFewOutputs", err)
	}
}

func TestArbitrateDefaultStrategy(t *testing.T) {
	a := NewArbiter(builtinSource(), WithDefaultStrategy("confidence_weight"))
	outputs := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}

	conflict, result, err := a.Arbitrate(context.Background(), "st_1", "", outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if result.StrategyUsed != "confidence_weight" || result.WinnerAgentID != "b" {
		t.Errorf("result = %s by %s, want b by confidence_weight", result.WinnerAgentID, result.StrategyUsed)
	}
	if result.FallbackTriggered {
		t.Error("fallback triggered on healthy strategy")
	}
	if conflict.ResolutionStrategy != "confidence_weight" {
		t.Errorf("conflict strategy = %s", conflict.ResolutionStrategy)
	}
}

func TestArbitrateTaskTypeOverride(t *testing.T) {
	a := NewArbiter(builtinSource(),
		WithDefaultStrategy("confidence_weight"),
		WithTaskTypeStrategies(map[string]string{"poll": "majority_vote"}))
	outputs := []AgentOutput{
		output("a", "same", 0.5), output("b", "same", 0.6), output("c", "other", 0.99),
	}
	_, result, err := a.Arbitrate(context.Background(), "st_1", "poll", outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if result.StrategyUsed != "majority_vote" {
		t.Errorf("strategy = %s, want majority_vote (task-type mapping)", result.StrategyUsed)
	}

	// Explicit per-call strategy beats the mapping.
	_, result, _ = a.Arbitrate(context.Background(), "st_1", "poll", outputs,
		map[string]any{"strategy": "confidence_weight"})
	if result.StrategyUsed != "confidence_weight" {
		t.Errorf("strategy = %s, want per-call confidence_weight", result.StrategyUsed)
	}
}

func TestArbitrateFallbackChain(t *testing.T) {
	src := mapStrategies{
		"broken": stubStrategy{name: "broken", validCfg: true, err: errors.New("boom")},
		"backup": ConfidenceWeight{},
	}
	a := NewArbiter(src, WithDefaultStrategy("broken"), WithFallbackStrategy("backup"))
	outputs := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}

	_, result, err := a.Arbitrate(context.Background(), "st_1", "", outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if result.StrategyUsed != "confidence_weight" || !result.FallbackTriggered {
		t.Errorf("result = %+v, want backup with fallback flag", result)
	}
	if result.FallbackReason == "" {
		t.Error("fallback reason missing")
	}
}

func TestArbitratePanicFallsBackToConfidence(t *testing.T) {
	src := mapStrategies{
		"explosive": stubStrategy{name: "explosive", validCfg: true, panics: true},
	}
	a := NewArbiter(src, WithDefaultStrategy("explosive"))
	outputs := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}

	_, result, err := a.Arbitrate(context.Background(), "st_1", "", outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if result.StrategyUsed != FallbackConfidence || !result.FallbackTriggered {
		t.Fatalf("result = %+v, want fallback_confidence", result)
	}
	if result.WinnerAgentID != "b" || !almostEqual(result.Confidence, 0.9) {
		t.Errorf("winner = %s conf %v, want b at 0.9", result.WinnerAgentID, result.Confidence)
	}
}

func TestArbitrateValidateConfigPanicFallsBack(t *testing.T) {
	src := mapStrategies{
		"explosive": stubStrategy{name: "explosive", validatePanics: true},
	}
	a := NewArbiter(src, WithDefaultStrategy("explosive"))
	outputs := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}

	// A panicking ValidateConfig must never escape Arbitrate.
	_, result, err := a.Arbitrate(context.Background(), "st_1", "", outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if result.StrategyUsed != FallbackConfidence || !result.FallbackTriggered {
		t.Fatalf("result = %+v, want fallback_confidence", result)
	}
	if result.WinnerAgentID != "b" {
		t.Errorf("winner = %s, want b", result.WinnerAgentID)
	}
}

func TestArbitrateUnknownStrategyFallsBack(t *testing.T) {
	a := NewArbiter(builtinSource(), WithDefaultStrategy("no_such_strategy"))
	outputs := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}
	_, result, err := a.Arbitrate(context.Background(), "st_1", "", outputs, nil)
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if result.StrategyUsed != FallbackConfidence {
		t.Errorf("strategy = %s, want fallback_confidence", result.StrategyUsed)
	}
}

func TestArbitrateInvalidConfigFallsBack(t *testing.T) {
	a := NewArbiter(builtinSource(), WithDefaultStrategy("hybrid_score"))
	outputs := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}
	_, result, err := a.Arbitrate(context.Background(), "st_1", "", outputs,
		map[string]any{"confidence_weight": 0.9}) // weights no longer sum to 1
	if err != nil {
		t.Fatalf("Arbitrate() error = %v", err)
	}
	if !result.FallbackTriggered {
		t.Error("invalid config should trigger fallback")
	}
}

func TestArbiterAuditLogs(t *testing.T) {
	a := NewArbiter(builtinSource())
	out1 := []AgentOutput{output("a", "x", 0.6), output("b", "y", 0.9)}
	out2 := []AgentOutput{output("b", "p", 0.5), output("c", "q", 0.7)}
	out2[0].SubtaskID, out2[1].SubtaskID = "st_2", "st_2"

	a.Arbitrate(context.Background(), "st_1", "", out1, nil)
	a.Arbitrate(context.Background(), "st_2", "", out2, nil)

	if got := len(a.Conflicts()); got != 2 {
		t.Fatalf("Conflicts() = %d, want 2", got)
	}
	if got := len(a.Results()); got != 2 {
		t.Fatalf("Results() = %d, want 2", got)
	}
	if got := a.ConflictsByTask("st_2"); len(got) != 1 {
		t.Errorf("ConflictsByTask(st_2) = %d, want 1", len(got))
	}
	if got := a.ConflictsByAgent("b"); len(got) != 2 {
		t.Errorf("ConflictsByAgent(b) = %d, want 2", len(got))
	}
	if got := a.ConflictsByAgent("nobody"); len(got) != 0 {
		t.Errorf("ConflictsByAgent(nobody) = %d, want 0", len(got))
	}
	if got := a.ResultsByStrategy("confidence_weight"); len(got) != 2 {
		t.Errorf("ResultsByStrategy = %d, want 2", len(got))
	}
	last := a.LastConflicts(1)
	if len(last) != 1 || last[0].SubtaskIDs[0] != "st_2" {
		t.Errorf("LastConflicts(1) = %v, want the st_2 conflict", last)
	}
	if got := a.LastConflicts(10); len(got) != 2 {
		t.Errorf("LastConflicts(10) = %d, want 2", len(got))
	}
}
