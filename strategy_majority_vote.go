package concord

// MajorityVote buckets outputs by their exact content and crowns the
// largest bucket. Ties between buckets break toward the bucket holding the
// single highest-confidence output. The result confidence is the average of
// the winner's confidence and the majority fraction.
type MajorityVote struct{}

func (MajorityVote) Name() string    { return "majority_vote" }
func (MajorityVote) Version() string { return "1.0.0" }

func (MajorityVote) ValidateConfig(map[string]any) bool { return true }

func (MajorityVote) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if len(outputs) < 2 {
		return ArbitrationResult{}, ErrTooFewOutputs
	}

	buckets := make(map[string][]AgentOutput)
	for _, o := range outputs {
		buckets[o.Output] = append(buckets[o.Output], o)
	}

	// Visit buckets in first-appearance order so full ties stay stable.
	var winning []AgentOutput
	seen := make(map[string]struct{}, len(buckets))
	for _, o := range outputs {
		if _, dup := seen[o.Output]; dup {
			continue
		}
		seen[o.Output] = struct{}{}
		bucket := buckets[o.Output]
		switch {
		case winning == nil, len(bucket) > len(winning):
			winning = bucket
		case len(bucket) == len(winning) && maxConfidence(bucket) > maxConfidence(winning):
			winning = bucket
		}
	}

	// Representative: highest confidence inside the winning bucket.
	scores := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		scores[o.AgentID] = float64(len(buckets[o.Output]))
	}
	winner := pickMax(winning, confidenceScores(winning))

	fraction := float64(len(winning)) / float64(len(outputs))
	confidence := (winner.Confidence + fraction) / 2
	return arbitrated(winner, confidence, "majority_vote", scores), nil
}

func maxConfidence(outputs []AgentOutput) float64 {
	best := outputs[0].Confidence
	for _, o := range outputs[1:] {
		if o.Confidence > best {
			best = o.Confidence
		}
	}
	return best
}

func confidenceScores(outputs []AgentOutput) map[string]float64 {
	m := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		m[o.AgentID] = o.Confidence
	}
	return m
}
