package concord

// HybridScore blends five normalized axes — confidence, cost, latency,
// recency, and quality — with configurable weights that must sum to 1.0.
//
// Config keys: confidence_weight, cost_weight, latency_weight,
// recency_weight, quality_weight.
type HybridScore struct{}

func (HybridScore) Name() string    { return "hybrid_score" }
func (HybridScore) Version() string { return "1.0.0" }

// hybridDefaults are the axis weights used when the config sets none.
var hybridDefaults = map[string]float64{
	"confidence_weight": 0.3,
	"cost_weight":       0.2,
	"latency_weight":    0.2,
	"recency_weight":    0.15,
	"quality_weight":    0.15,
}

func (HybridScore) ValidateConfig(cfg map[string]any) bool {
	sum := 0.0
	for key, def := range hybridDefaults {
		w := cfgFloat(cfg, key, def)
		if w < 0 || w > 1 {
			return false
		}
		sum += w
	}
	const eps = 1e-6
	return sum > 1-eps && sum < 1+eps
}

func (HybridScore) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if len(outputs) < 2 {
		return ArbitrationResult{}, ErrTooFewOutputs
	}

	wConf := cfgFloat(cfg, "confidence_weight", hybridDefaults["confidence_weight"])
	wCost := cfgFloat(cfg, "cost_weight", hybridDefaults["cost_weight"])
	wLat := cfgFloat(cfg, "latency_weight", hybridDefaults["latency_weight"])
	wRec := cfgFloat(cfg, "recency_weight", hybridDefaults["recency_weight"])
	wQual := cfgFloat(cfg, "quality_weight", hybridDefaults["quality_weight"])

	latency := latencyNorms(outputs)
	recency := recencyNorms(outputs)
	scores := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		scores[o.AgentID] = wConf*o.Confidence +
			wCost*costScore(o.CostPer1KTokens) +
			wLat*latency[o.AgentID] +
			wRec*recency[o.AgentID] +
			wQual*errorPenalty(o.ErrorCount)
	}
	winner := pickMax(outputs, scores)
	return arbitrated(winner, scores[winner.AgentID], "hybrid_score", scores), nil
}
