package concord

// Strategy is the arbitration plugin contract. Implementations must be
// stateless or safe for concurrent use: the engine invokes one instance
// from many goroutines.
type Strategy interface {
	// Name returns the strategy's unique registration name.
	Name() string
	// Version returns the strategy's version string.
	Version() string
	// ValidateConfig reports whether the given configuration is acceptable.
	ValidateConfig(cfg map[string]any) bool
	// Arbitrate picks a winner among the conflicting outputs. The returned
	// result must reference an agent from the contributing set and carry a
	// per-agent scoring breakdown under metadata "agent_scores".
	Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error)
}

// --- Shared scoring helpers for the built-in strategies ---

// errorPenalty scales confidence down by 0.2 per recorded error, capped at
// a 0.5 reduction.
func errorPenalty(errorCount int) float64 {
	p := 0.2 * float64(errorCount)
	if p > 0.5 {
		p = 0.5
	}
	return 1 - p
}

// adjustedConfidence is confidence with the error penalty applied.
func adjustedConfidence(o AgentOutput) float64 {
	return o.Confidence * errorPenalty(o.ErrorCount)
}

// recencyNorms maps each output to a [0,1] recency score: 1 for the most
// recent timestamp, decaying linearly across the min/max span. A zero span
// scores every output 1.
func recencyNorms(outputs []AgentOutput) map[string]float64 {
	minTS, maxTS := outputs[0].Timestamp, outputs[0].Timestamp
	for _, o := range outputs[1:] {
		if o.Timestamp.Before(minTS) {
			minTS = o.Timestamp
		}
		if o.Timestamp.After(maxTS) {
			maxTS = o.Timestamp
		}
	}
	span := maxTS.Sub(minTS)
	norms := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		if span == 0 {
			norms[o.AgentID] = 1
			continue
		}
		norms[o.AgentID] = float64(o.Timestamp.Sub(minTS)) / float64(span)
	}
	return norms
}

// latencyNorms maps each output to a [0,1] latency score: 1 for the fastest
// output, decaying linearly to 0 for the slowest. A zero span scores 1.
func latencyNorms(outputs []AgentOutput) map[string]float64 {
	minL, maxL := outputs[0].ExecutionTimeMS, outputs[0].ExecutionTimeMS
	for _, o := range outputs[1:] {
		if o.ExecutionTimeMS < minL {
			minL = o.ExecutionTimeMS
		}
		if o.ExecutionTimeMS > maxL {
			maxL = o.ExecutionTimeMS
		}
	}
	span := maxL - minL
	norms := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		if span == 0 {
			norms[o.AgentID] = 1
			continue
		}
		norms[o.AgentID] = 1 - (o.ExecutionTimeMS-minL)/span
	}
	return norms
}

// costScore converts a per-1k-token cost into a [0,1] score.
func costScore(cost float64) float64 {
	return 1 / (1 + cost)
}

// pickMax returns the output with the highest score; ties break on the
// lexicographically smallest agent id for determinism.
func pickMax(outputs []AgentOutput, scores map[string]float64) AgentOutput {
	best := outputs[0]
	for _, o := range outputs[1:] {
		s, bs := scores[o.AgentID], scores[best.AgentID]
		if s > bs || (s == bs && o.AgentID < best.AgentID) {
			best = o
		}
	}
	return best
}

// arbitrated assembles a standard ArbitrationResult for a built-in strategy.
func arbitrated(winner AgentOutput, confidence float64, strategyName string, scores map[string]float64) ArbitrationResult {
	if confidence > 1 {
		confidence = 1
	}
	if confidence < 0 {
		confidence = 0
	}
	return ArbitrationResult{
		WinnerAgentID: winner.AgentID,
		WinningOutput: winner.Output,
		Confidence:    confidence,
		StrategyUsed:  strategyName,
		Metadata:      map[string]any{"agent_scores": scores},
	}
}

// cfgFloat reads a numeric config value with a default.
func cfgFloat(cfg map[string]any, key string, def float64) float64 {
	if cfg == nil {
		return def
	}
	switch v := cfg[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return def
}

// cfgString reads a string config value with a default.
func cfgString(cfg map[string]any, key, def string) string {
	if cfg == nil {
		return def
	}
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return def
}
