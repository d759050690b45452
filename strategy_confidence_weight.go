package concord

// ConfidenceWeight picks the output with the highest error-adjusted
// confidence. Ties break toward the lowest execution time.
type ConfidenceWeight struct{}

func (ConfidenceWeight) Name() string    { return "confidence_weight" }
func (ConfidenceWeight) Version() string { return "1.0.0" }

func (ConfidenceWeight) ValidateConfig(map[string]any) bool { return true }

func (ConfidenceWeight) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if len(outputs) < 2 {
		return ArbitrationResult{}, ErrTooFewOutputs
	}
	scores := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		scores[o.AgentID] = adjustedConfidence(o)
	}
	winner := outputs[0]
	for _, o := range outputs[1:] {
		s, ws := scores[o.AgentID], scores[winner.AgentID]
		if s > ws || (s == ws && o.ExecutionTimeMS < winner.ExecutionTimeMS) {
			winner = o
		}
	}
	return arbitrated(winner, scores[winner.AgentID], "confidence_weight", scores), nil
}
