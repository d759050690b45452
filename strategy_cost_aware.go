package concord

// CostAware balances answer quality against per-token cost. Outputs above
// the optional budget_limit are filtered out first; when every output
// exceeds the budget, the filter is dropped and noted in the metadata.
//
// Config keys: budget_limit (cost ceiling per 1k tokens), cost_weight
// (blend factor override), optimization_mode ∈ {cost, quality, balanced}.
type CostAware struct{}

func (CostAware) Name() string    { return "cost_aware" }
func (CostAware) Version() string { return "1.0.0" }

func (CostAware) ValidateConfig(cfg map[string]any) bool {
	switch cfgString(cfg, "optimization_mode", "balanced") {
	case "cost", "quality", "balanced":
	default:
		return false
	}
	w := cfgFloat(cfg, "cost_weight", 0.5)
	return w >= 0 && w <= 1
}

func (CostAware) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if len(outputs) < 2 {
		return ArbitrationResult{}, ErrTooFewOutputs
	}

	budget := cfgFloat(cfg, "budget_limit", 0)
	candidates := outputs
	budgetDropped := false
	if budget > 0 {
		var within []AgentOutput
		for _, o := range outputs {
			if o.CostPer1KTokens <= budget {
				within = append(within, o)
			}
		}
		if len(within) > 0 {
			candidates = within
		} else {
			budgetDropped = true
		}
	}

	costWeight := cfgFloat(cfg, "cost_weight", modeCostWeight(cfgString(cfg, "optimization_mode", "balanced")))
	scores := make(map[string]float64, len(candidates))
	for _, o := range candidates {
		quality := adjustedConfidence(o)
		scores[o.AgentID] = (1-costWeight)*quality + costWeight*costScore(o.CostPer1KTokens)
	}
	winner := pickMax(candidates, scores)
	result := arbitrated(winner, scores[winner.AgentID], "cost_aware", scores)
	if budgetDropped {
		result.Metadata["budget_filter_dropped"] = true
	}
	return result, nil
}

func modeCostWeight(mode string) float64 {
	switch mode {
	case "cost":
		return 0.7
	case "quality":
		return 0.3
	}
	return 0.5
}
