package observer

import (
	concord "github.com/quorumlabs/concord"
)

// CostCalculator computes USD cost of pipeline runs from token counts and
// the per-agent pricing the registry carries.
type CostCalculator struct {
	perAgent map[string]float64 // USD per 1k tokens
}

// NewCostCalculator builds a calculator from registered agent descriptors.
func NewCostCalculator(agents []concord.AgentDescriptor) *CostCalculator {
	perAgent := make(map[string]float64, len(agents))
	for _, a := range agents {
		perAgent[a.ID] = a.CostPer1KTokens
	}
	return &CostCalculator{perAgent: perAgent}
}

// Calculate returns the cost in USD for one agent's token usage.
// Unknown agents cost 0.
func (c *CostCalculator) Calculate(agentID string, usage concord.Usage) float64 {
	return float64(usage.TotalTokens) / 1_000 * c.perAgent[agentID]
}

// RunCost totals the cost of a set of subtask results.
func (c *CostCalculator) RunCost(results []*concord.SubtaskResult) float64 {
	var total float64
	for _, r := range results {
		total += c.Calculate(r.AgentID, r.TokenUsage)
	}
	return total
}
