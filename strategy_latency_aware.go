package concord

// LatencyAware prefers fast answers without abandoning quality. Outputs
// slower than max_latency_ms are filtered out first; when every output is
// too slow, the filter is dropped and noted in the metadata.
//
// Config keys: max_latency_ms, optimization_mode ∈ {latency, quality, balanced}.
type LatencyAware struct{}

func (LatencyAware) Name() string    { return "latency_aware" }
func (LatencyAware) Version() string { return "1.0.0" }

func (LatencyAware) ValidateConfig(cfg map[string]any) bool {
	switch cfgString(cfg, "optimization_mode", "balanced") {
	case "latency", "quality", "balanced":
		return true
	}
	return false
}

func (LatencyAware) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if len(outputs) < 2 {
		return ArbitrationResult{}, ErrTooFewOutputs
	}

	maxLatency := cfgFloat(cfg, "max_latency_ms", 0)
	candidates := outputs
	latencyDropped := false
	if maxLatency > 0 {
		var within []AgentOutput
		for _, o := range outputs {
			if o.ExecutionTimeMS <= maxLatency {
				within = append(within, o)
			}
		}
		if len(within) > 0 {
			candidates = within
		} else {
			latencyDropped = true
		}
	}

	latencyWeight := modeLatencyWeight(cfgString(cfg, "optimization_mode", "balanced"))
	latency := latencyNorms(candidates)
	scores := make(map[string]float64, len(candidates))
	for _, o := range candidates {
		scores[o.AgentID] = latencyWeight*latency[o.AgentID] + (1-latencyWeight)*adjustedConfidence(o)
	}
	winner := pickMax(candidates, scores)
	result := arbitrated(winner, scores[winner.AgentID], "latency_aware", scores)
	if latencyDropped {
		result.Metadata["latency_filter_dropped"] = true
	}
	return result, nil
}

func modeLatencyWeight(mode string) float64 {
	switch mode {
	case "latency":
		return 0.7
	case "quality":
		return 0.3
	}
	return 0.5
}
