package concord

import (
	"time"
)

// --- Role vocabulary ---

// Role is a functional tag describing what an agent is good at.
// The vocabulary is fixed; free-form role strings are rejected by the registry.
type Role string

const (
	RoleSynthesizer    Role = "Synthesizer"
	RoleAnalyst        Role = "Analyst"
	RoleExplainer      Role = "Explainer"
	RoleEditor         Role = "Editor"
	RoleChallenger     Role = "Challenger"
	RoleOptimizer      Role = "Optimizer"
	RoleCodeSpecialist Role = "Code_Specialist"
	RoleCoordinator    Role = "Coordinator"
	RoleGeneralist     Role = "Generalist"
)

// Roles lists the full role vocabulary in a stable order.
var Roles = []Role{
	RoleSynthesizer, RoleAnalyst, RoleExplainer, RoleEditor,
	RoleChallenger, RoleOptimizer, RoleCodeSpecialist, RoleCoordinator,
	RoleGeneralist,
}

// ValidRole reports whether r belongs to the fixed vocabulary.
func ValidRole(r Role) bool {
	for _, v := range Roles {
		if v == r {
			return true
		}
	}
	return false
}

// --- Agents ---

// AgentDescriptor identifies one external agent: who it is, what it can do,
// and how strongly the assigner should prefer it. Descriptors are immutable
// once registered; the registry replaces whole snapshots on reload.
type AgentDescriptor struct {
	ID              string   `json:"agent_id" toml:"agent_id"`
	Name            string   `json:"agent_name" toml:"agent_name"`
	Roles           []Role   `json:"roles" toml:"roles"`
	Domains         []string `json:"domains" toml:"domains"`
	PriorityWeight  float64  `json:"priority_weight" toml:"priority_weight"`
	CostPer1KTokens float64  `json:"cost_per_1k_tokens,omitempty" toml:"cost_per_1k_tokens"`
}

// HasRole reports whether the descriptor carries the given role.
func (a AgentDescriptor) HasRole(r Role) bool {
	for _, have := range a.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// HasDomain reports whether the descriptor covers the given domain.
func (a AgentDescriptor) HasDomain(d string) bool {
	for _, have := range a.Domains {
		if have == d {
			return true
		}
	}
	return false
}

// --- Subtasks ---

// Complexity is the estimated effort class of a prompt or subtask.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// SubtaskState is the dispatch state of a single subtask.
type SubtaskState string

const (
	SubtaskPending    SubtaskState = "pending"
	SubtaskInProgress SubtaskState = "in_progress"
	SubtaskCompleted  SubtaskState = "completed"
	SubtaskFailed     SubtaskState = "failed"
)

// Subtask is one node of a fragment's dependency DAG. Created by the
// fragmenter, bound to an agent by the assigner, and driven through its
// state machine by the dispatcher. Dependencies name sibling task IDs only.
type Subtask struct {
	TaskID        string         `json:"task_id"`
	ParentTaskID  string         `json:"parent_task_id"`
	Description   string         `json:"description"`
	TaskType      string         `json:"task_type"`
	Domain        string         `json:"domain"`
	Priority      float64        `json:"priority"`
	Complexity    Complexity     `json:"estimated_complexity"`
	RequiredRoles []Role         `json:"required_roles"`
	Dependencies  []string       `json:"dependencies"`
	AssignedAgent string         `json:"assigned_agent,omitempty"`
	State         SubtaskState   `json:"state"`
	CreatedAt     time.Time      `json:"created_at"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// --- Fragments ---

// CoordinationStrategy is the shape-template used to fragment a master prompt.
type CoordinationStrategy string

const (
	CoordinationSimple        CoordinationStrategy = "simple"
	CoordinationStructured    CoordinationStrategy = "structured"
	CoordinationComprehensive CoordinationStrategy = "comprehensive"
)

// FragmentState is the lifecycle state of a master task.
type FragmentState string

const (
	FragmentFragmented FragmentState = "fragmented"
	FragmentInProgress FragmentState = "in_progress"
	FragmentCompleted  FragmentState = "completed"
	FragmentFailed     FragmentState = "failed"
)

// TaskFragment is a master task: the original prompt plus the subtask DAG
// derived from it. Owned by the orchestrator call that produced it; its
// memory trail outlives it in the graph.
type TaskFragment struct {
	MasterTaskID   string               `json:"master_task_id"`
	OriginalPrompt string               `json:"original_prompt"`
	TaskType       string               `json:"task_type"`
	Domain         string               `json:"domain"`
	Subtasks       []*Subtask           `json:"subtasks"`
	Coordination   CoordinationStrategy `json:"coordination_strategy"`
	CreatedAt      time.Time            `json:"created_at"`
	State          FragmentState        `json:"state"`
}

// Subtask returns the subtask with the given ID, or nil if absent.
func (f *TaskFragment) Subtask(taskID string) *Subtask {
	for _, st := range f.Subtasks {
		if st.TaskID == taskID {
			return st
		}
	}
	return nil
}

// --- Results ---

// Usage tracks token consumption for one agent invocation.
type Usage struct {
	PromptTokens     int `json:"prompt"`
	CompletionTokens int `json:"completion"`
	TotalTokens      int `json:"total"`
}

// Add returns the element-wise sum of two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}

// Metadata keys used on SubtaskResult once a content conflict is resolved.
const (
	MetaConflictResolved = "conflict_resolved"
	MetaResolutionReason = "resolution_reason"
)

// Resolution reasons recorded on losing (or merged) results. The reason
// names what actually decided the loss: confidence-implying reasons are
// only used when the loser's confidence was strictly lower.
const (
	ReasonLowerConfidence = "lower_confidence"
	ReasonLowerQuality    = "lower_quality"
	ReasonLowerWeight     = "lower_weight"
	ReasonTieBreak        = "tie_break"
	ReasonSynthesized     = "synthesized"
	ReasonArbitration     = "arbitration"
)

// SubtaskResult is one agent's answer to one subtask. Immutable after
// emission except for the conflict-resolution metadata written by the
// composer.
type SubtaskResult struct {
	SubtaskID      string         `json:"subtask_id"`
	AgentID        string         `json:"agent_id"`
	AgentName      string         `json:"agent_name"`
	Content        string         `json:"content"`
	Confidence     float64        `json:"confidence_score"`
	CompletionTime float64        `json:"completion_time"` // seconds
	TokenUsage     Usage          `json:"token_usage"`
	ErrorCount     int            `json:"error_count"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// ConflictResolved reports whether this result lost (or was merged in) a
// content-conflict resolution and should be excluded from composition.
func (r *SubtaskResult) ConflictResolved() bool {
	v, ok := r.Metadata[MetaConflictResolved].(bool)
	return ok && v
}

// MarkResolved tags the result as conflict-resolved with the given reason.
func (r *SubtaskResult) MarkResolved(reason string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]any)
	}
	r.Metadata[MetaConflictResolved] = true
	r.Metadata[MetaResolutionReason] = reason
}

// --- Conflicts ---

// ConflictType classifies a detected disagreement between outputs.
type ConflictType string

const (
	ConflictFactual       ConflictType = "factual"
	ConflictLogical       ConflictType = "logical"
	ConflictContradictory ConflictType = "contradictory"
	ConflictQuality       ConflictType = "quality"
	ConflictTimeout       ConflictType = "timeout"
	ConflictError         ConflictType = "error"
	ConflictMinorDispute  ConflictType = "minor_dispute"
)

// Conflict records one detected disagreement: who disagreed, how badly, and
// which strategy was chosen to resolve it. Immutable after emission.
type Conflict struct {
	ID                 string       `json:"conflict_id"`
	SubtaskIDs         []string     `json:"subtask_ids"`
	AgentIDs           []string     `json:"agent_ids"`
	Type               ConflictType `json:"conflict_type"`
	Severity           float64      `json:"severity"`
	Description        string       `json:"description"`
	ResolutionStrategy string       `json:"resolution_strategy"`
	CreatedAt          time.Time    `json:"created_at"`
}

// --- Arbitration ---

// AgentOutput is one competing answer fed into arbitration.
type AgentOutput struct {
	AgentID         string         `json:"agent_id"`
	SubtaskID       string         `json:"subtask_id"`
	Output          string         `json:"output"`
	Confidence      float64        `json:"confidence"`
	Timestamp       time.Time      `json:"timestamp"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
	ErrorCount      int            `json:"error_count"`
	CostPer1KTokens float64        `json:"cost_per_1k_tokens,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// ArbitrationResult is the outcome of one conflict-resolution cycle.
// Immutable once emitted. Metadata carries the per-agent scoring breakdown
// under the "agent_scores" key.
type ArbitrationResult struct {
	WinnerAgentID     string         `json:"winner_agent_id"`
	WinningOutput     string         `json:"winning_output"`
	Confidence        float64        `json:"confidence"`
	StrategyUsed      string         `json:"strategy_used"`
	FallbackTriggered bool           `json:"fallback_triggered"`
	FallbackReason    string         `json:"fallback_reason,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// --- Composition ---

// CompositionStrategy is the shape-template used to assemble surviving results.
type CompositionStrategy string

const (
	CompositionHierarchical CompositionStrategy = "hierarchical"
	CompositionSequential   CompositionStrategy = "sequential"
	CompositionSynthetic    CompositionStrategy = "synthetic"
)

// CompositionResult is the unified output for a master task. Every key of
// AttributionMap is the hex digest of a content chunk that appears verbatim
// in ComposedContent; the value lists contributing agents in insertion order.
type CompositionResult struct {
	MasterTaskID      string              `json:"master_task_id"`
	ComposedContent   string              `json:"composed_content"`
	Confidence        float64             `json:"confidence_score"`
	AttributionMap    map[string][]string `json:"attribution_map"`
	ResolvedConflicts []Conflict          `json:"resolved_conflicts"`
	Strategy          CompositionStrategy `json:"composition_strategy"`
	CreatedAt         time.Time           `json:"created_at"`
}
