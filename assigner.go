package concord

import (
	"log/slog"
)

// Scoring weights for agent assignment.
const (
	roleOverlapWeight   = 0.4
	domainMatchWeight   = 0.3
	priorityScoreWeight = 0.2
	complexityBonus     = 0.1
)

// AssignerOption configures an Assigner.
type AssignerOption func(*Assigner)

// WithAssignerLogger sets a structured logger for assignment decisions.
func WithAssignerLogger(l *slog.Logger) AssignerOption {
	return func(a *Assigner) { a.logger = l }
}

// Assigner binds one agent per subtask by scoring every registered agent
// against the subtask's required roles, domain, and complexity.
type Assigner struct {
	registry *Registry
	logger   *slog.Logger
}

// NewAssigner creates an Assigner over the given registry.
func NewAssigner(registry *Registry, opts ...AssignerOption) *Assigner {
	a := &Assigner{registry: registry, logger: nopLogger}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Score computes the assignment score of one agent for one subtask:
//
//	0.4·roleOverlap + 0.3·domainMatch + 0.2·priorityWeight + 0.1 bonus
//
// The bonus applies when a high-complexity subtask meets a Synthesizer, or
// a low-complexity subtask meets a Generalist.
func Score(agent AgentDescriptor, st *Subtask) float64 {
	overlap := 0
	for _, need := range st.RequiredRoles {
		if agent.HasRole(need) {
			overlap++
		}
	}
	score := roleOverlapWeight * float64(overlap)
	if agent.HasDomain(st.Domain) {
		score += domainMatchWeight
	}
	score += priorityScoreWeight * agent.PriorityWeight
	switch {
	case st.Complexity == ComplexityHigh && agent.HasRole(RoleSynthesizer):
		score += complexityBonus
	case st.Complexity == ComplexityLow && agent.HasRole(RoleGeneralist):
		score += complexityBonus
	}
	return score
}

// AssignSubtask picks the highest-scoring agent for one subtask. Ties break
// on the lexicographically smallest agent id for determinism. Returns false
// when no agent scores above zero; the subtask stays unassigned.
func (a *Assigner) AssignSubtask(st *Subtask) (string, float64, bool) {
	bestID, bestScore := "", 0.0
	for _, agent := range a.registry.ListAgents() {
		s := Score(agent, st)
		if s <= 0 {
			continue
		}
		if s > bestScore || (s == bestScore && agent.ID < bestID) {
			bestID, bestScore = agent.ID, s
		}
	}
	if bestID == "" {
		return "", 0, false
	}
	return bestID, bestScore, true
}

// Assign binds every subtask of the fragment to its best agent, mutating
// AssignedAgent in place. Subtasks with no positive-scoring agent stay
// unassigned and produce a warning; the dispatcher fails them downstream.
func (a *Assigner) Assign(frag *TaskFragment) []Warning {
	var warnings []Warning
	for _, st := range frag.Subtasks {
		agentID, score, ok := a.AssignSubtask(st)
		if !ok {
			a.logger.Warn("assigner: no candidate", "task_id", st.TaskID)
			warnings = append(warnings, Warning{
				Code: WarnUnassigned, Severity: SeverityHigh,
				TaskID: st.TaskID, Detail: "no agent with positive score",
			})
			continue
		}
		st.AssignedAgent = agentID
		a.logger.Debug("assigner: bound",
			"task_id", st.TaskID, "agent_id", agentID, "score", score)
	}
	return warnings
}
