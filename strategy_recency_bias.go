package concord

// RecencyBias blends recency with error-adjusted confidence:
//
//	combined = recency_weight·recency_norm + (1−recency_weight)·adjusted_confidence
//
// where recency_norm is 1 for the most recent output and decays linearly
// across the min/max timestamp span.
type RecencyBias struct{}

func (RecencyBias) Name() string    { return "recency_bias" }
func (RecencyBias) Version() string { return "1.0.0" }

func (RecencyBias) ValidateConfig(cfg map[string]any) bool {
	w := cfgFloat(cfg, "recency_weight", 0.3)
	return w >= 0 && w <= 1
}

func (RecencyBias) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if len(outputs) < 2 {
		return ArbitrationResult{}, ErrTooFewOutputs
	}
	w := cfgFloat(cfg, "recency_weight", 0.3)
	recency := recencyNorms(outputs)
	scores := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		scores[o.AgentID] = w*recency[o.AgentID] + (1-w)*adjustedConfidence(o)
	}
	winner := pickMax(outputs, scores)
	return arbitrated(winner, scores[winner.AgentID], "recency_bias", scores), nil
}
