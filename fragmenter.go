package concord

import (
	"log/slog"
	"strings"
	"sync"
)

// Warning severities.
const (
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Warning codes surfaced by fragment validation.
const (
	WarnMalformedDescription = "malformed_description"
	WarnMissingRoles         = "missing_roles"
	WarnCircularDependency   = "circular_dependency"
	WarnInvalidComplexity    = "invalid_complexity"
	WarnDependencyCycle      = "dependency_cycle"
	WarnUnassigned           = "unassigned"
)

// Warning is a non-blocking validation finding. Warnings never stop normal
// execution; they ride along in the orchestrator's result envelope.
type Warning struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	TaskID   string `json:"task_id,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// MaxLineageDepth caps the longest dependency path in a fragment.
const MaxLineageDepth = 10

const minDescriptionLen = 10

// Keyword classes for deterministic complexity analysis.
var (
	highComplexityWords   = []string{"complex", "comprehensive", "detailed", "thorough", "multiple", "various"}
	mediumComplexityWords = []string{"analyze", "review", "explain", "compare"}
)

// FragmenterOption configures a Fragmenter.
type FragmenterOption func(*Fragmenter)

// WithFragmenterLogger sets a structured logger for fragmentation decisions.
func WithFragmenterLogger(l *slog.Logger) FragmenterOption {
	return func(f *Fragmenter) { f.logger = l }
}

// Fragmenter turns one master prompt into a TaskFragment whose subtasks form
// a well-formed DAG. Fragmentation is fully deterministic: the same prompt,
// task type, and domain always produce the same shape.
type Fragmenter struct {
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	history []*TaskFragment
}

// NewFragmenter creates a Fragmenter. The registry supplies per-domain role
// preferences for the creation phase and simple shapes.
func NewFragmenter(registry *Registry, opts ...FragmenterOption) *Fragmenter {
	f := &Fragmenter{registry: registry, logger: nopLogger}
	for _, o := range opts {
		o(f)
	}
	return f
}

// AnalyzeComplexity computes the deterministic complexity tag for a prompt
// by word count and keyword classes.
func AnalyzeComplexity(prompt string) Complexity {
	words := strings.Fields(strings.ToLower(prompt))
	high, medium := 0, 0
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()")
		for _, k := range highComplexityWords {
			if w == k {
				high++
			}
		}
		for _, k := range mediumComplexityWords {
			if w == k {
				medium++
			}
		}
	}
	switch {
	case len(words) > 100 || high >= 3:
		return ComplexityHigh
	case len(words) > 50 || medium >= 2:
		return ComplexityMedium
	default:
		return ComplexityLow
	}
}

// selectStrategy picks the fragment shape from complexity and task type.
func selectStrategy(complexity Complexity, taskType string) CoordinationStrategy {
	if complexity == ComplexityHigh {
		return CoordinationComprehensive
	}
	switch taskType {
	case "code_review", "analysis", "documentation":
		return CoordinationStructured
	}
	return CoordinationSimple
}

// Fragment produces a TaskFragment for the prompt, records it in history,
// and returns it with the validation warning list. An empty coordination
// argument derives the strategy from complexity and task type; a non-empty
// one forces the shape.
func (f *Fragmenter) Fragment(prompt, taskType, domain string, coordination CoordinationStrategy) (*TaskFragment, []Warning) {
	frag, warnings := f.build(prompt, taskType, domain, coordination)
	f.mu.Lock()
	f.history = append(f.history, frag)
	f.mu.Unlock()
	return frag, warnings
}

// Preview is the dry-run form of Fragment: it returns the fragment together
// with the validation warning list and does not touch history.
func (f *Fragmenter) Preview(prompt, taskType, domain string, coordination CoordinationStrategy) (*TaskFragment, []Warning) {
	return f.build(prompt, taskType, domain, coordination)
}

// History returns the fragments produced by non-dry-run calls, oldest first.
func (f *Fragmenter) History() []*TaskFragment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*TaskFragment, len(f.history))
	copy(out, f.history)
	return out
}

func (f *Fragmenter) build(prompt, taskType, domain string, coordination CoordinationStrategy) (*TaskFragment, []Warning) {
	complexity := AnalyzeComplexity(prompt)
	if coordination == "" {
		coordination = selectStrategy(complexity, taskType)
	}

	frag := &TaskFragment{
		MasterTaskID:   NewID(),
		OriginalPrompt: prompt,
		TaskType:       taskType,
		Domain:         domain,
		Coordination:   coordination,
		CreatedAt:      NowUTC(),
		State:          FragmentFragmented,
	}

	switch coordination {
	case CoordinationComprehensive:
		frag.Subtasks = f.comprehensiveShape(frag, complexity)
	case CoordinationStructured:
		frag.Subtasks = f.structuredShape(frag, complexity)
	default:
		frag.Subtasks = f.simpleShape(frag, complexity)
	}

	warnings := Validate(frag)
	f.logger.Debug("fragmenter: built",
		"master_task_id", frag.MasterTaskID,
		"strategy", coordination,
		"complexity", complexity,
		"subtasks", len(frag.Subtasks),
		"warnings", len(warnings))
	return frag, warnings
}

// newSubtask builds one subtask with fragment-derived defaults.
func (f *Fragmenter) newSubtask(frag *TaskFragment, suffix, description string, priority float64, complexity Complexity, roles []Role, deps []string) *Subtask {
	return &Subtask{
		TaskID:        frag.MasterTaskID + "_" + suffix,
		ParentTaskID:  frag.MasterTaskID,
		Description:   description,
		TaskType:      frag.TaskType,
		Domain:        frag.Domain,
		Priority:      priority,
		Complexity:    complexity,
		RequiredRoles: roles,
		Dependencies:  deps,
		State:         SubtaskPending,
		CreatedAt:     NowUTC(),
	}
}

// preferredRoles returns the top-n domain preferences, or the fallback when
// the domain has none configured.
func (f *Fragmenter) preferredRoles(domain string, n int, fallback []Role) []Role {
	prefs := f.registry.DomainPreferences(domain)
	if len(prefs) == 0 {
		return fallback
	}
	if len(prefs) > n {
		prefs = prefs[:n]
	}
	return prefs
}

// simpleShape: one subtask carrying the whole prompt.
func (f *Fragmenter) simpleShape(frag *TaskFragment, complexity Complexity) []*Subtask {
	roles := f.preferredRoles(frag.Domain, 2, []Role{RoleGeneralist})
	return []*Subtask{
		f.newSubtask(frag, "main", frag.OriginalPrompt, 1.0, complexity, roles, nil),
	}
}

// comprehensiveShape: the five-phase template
// analysis -> research -> creation -> review -> optimization.
func (f *Fragmenter) comprehensiveShape(frag *TaskFragment, complexity Complexity) []*Subtask {
	id := func(suffix string) string { return frag.MasterTaskID + "_" + suffix }
	creationRoles := f.preferredRoles(frag.Domain, 2, []Role{RoleSynthesizer, RoleGeneralist})
	return []*Subtask{
		f.newSubtask(frag, "analysis",
			"Analyze the requirements and constraints of: "+frag.OriginalPrompt,
			0.9, complexity, []Role{RoleSynthesizer, RoleAnalyst}, nil),
		f.newSubtask(frag, "research",
			"Research background and prior art relevant to: "+frag.OriginalPrompt,
			0.8, complexity, []Role{RoleSynthesizer, RoleExplainer},
			[]string{id("analysis")}),
		f.newSubtask(frag, "creation",
			"Produce the primary deliverable for: "+frag.OriginalPrompt,
			1.0, complexity, creationRoles,
			[]string{id("analysis"), id("research")}),
		f.newSubtask(frag, "review",
			"Critically review the produced deliverable for: "+frag.OriginalPrompt,
			0.7, complexity, []Role{RoleEditor, RoleChallenger},
			[]string{id("creation")}),
		f.newSubtask(frag, "optimization",
			"Refine and optimize the reviewed deliverable for: "+frag.OriginalPrompt,
			0.6, complexity, []Role{RoleOptimizer, RoleEditor},
			[]string{id("review")}),
	}
}

// structuredShape: task-type-specific templates.
func (f *Fragmenter) structuredShape(frag *TaskFragment, complexity Complexity) []*Subtask {
	id := func(suffix string) string { return frag.MasterTaskID + "_" + suffix }
	switch frag.TaskType {
	case "code_review":
		return []*Subtask{
			f.newSubtask(frag, "security_review",
				"Review for security issues: "+frag.OriginalPrompt,
				0.9, complexity, []Role{RoleCodeSpecialist, RoleChallenger}, nil),
			f.newSubtask(frag, "performance_review",
				"Review for performance issues: "+frag.OriginalPrompt,
				0.8, complexity, []Role{RoleCodeSpecialist, RoleOptimizer}, nil),
			f.newSubtask(frag, "readability_review",
				"Review for readability and maintainability: "+frag.OriginalPrompt,
				0.7, complexity, []Role{RoleEditor, RoleExplainer}, nil),
		}
	case "analysis":
		return []*Subtask{
			f.newSubtask(frag, "data_analysis",
				"Analyze the underlying data and evidence for: "+frag.OriginalPrompt,
				0.9, complexity, []Role{RoleAnalyst, RoleSynthesizer}, nil),
			f.newSubtask(frag, "interpretation",
				"Interpret the analysis results for: "+frag.OriginalPrompt,
				0.8, complexity, []Role{RoleExplainer, RoleAnalyst},
				[]string{id("data_analysis")}),
		}
	default:
		execRoles := f.preferredRoles(frag.Domain, 2, []Role{RoleGeneralist})
		return []*Subtask{
			f.newSubtask(frag, "planning",
				"Plan the approach for: "+frag.OriginalPrompt,
				0.9, complexity, []Role{RoleCoordinator, RoleAnalyst}, nil),
			f.newSubtask(frag, "execution",
				"Execute the planned approach for: "+frag.OriginalPrompt,
				1.0, complexity, execRoles,
				[]string{id("planning")}),
			f.newSubtask(frag, "validation",
				"Validate the executed result for: "+frag.OriginalPrompt,
				0.7, complexity, []Role{RoleChallenger, RoleEditor},
				[]string{id("execution")}),
		}
	}
}

// Validate runs all structural checks over a fragment and returns the
// warning list. Warnings never block execution.
func Validate(frag *TaskFragment) []Warning {
	var warnings []Warning

	ids := make(map[string]bool, len(frag.Subtasks))
	for _, st := range frag.Subtasks {
		ids[st.TaskID] = true
	}

	for _, st := range frag.Subtasks {
		if len(st.Description) < minDescriptionLen {
			warnings = append(warnings, Warning{
				Code: WarnMalformedDescription, Severity: SeverityMedium,
				TaskID: st.TaskID, Detail: "description shorter than 10 characters",
			})
		}
		if len(st.RequiredRoles) == 0 {
			warnings = append(warnings, Warning{
				Code: WarnMissingRoles, Severity: SeverityHigh,
				TaskID: st.TaskID, Detail: "no required roles",
			})
		}
		switch st.Complexity {
		case ComplexityLow, ComplexityMedium, ComplexityHigh:
		default:
			warnings = append(warnings, Warning{
				Code: WarnInvalidComplexity, Severity: SeverityMedium,
				TaskID: st.TaskID, Detail: "complexity tag " + string(st.Complexity),
			})
		}
		for _, dep := range st.Dependencies {
			if dep == st.TaskID {
				warnings = append(warnings, Warning{
					Code: WarnCircularDependency, Severity: SeverityHigh,
					TaskID: st.TaskID, Detail: "self-referential dependency",
				})
			} else if !ids[dep] {
				warnings = append(warnings, Warning{
					Code: WarnCircularDependency, Severity: SeverityHigh,
					TaskID: st.TaskID, Detail: "dependency on unknown sibling " + dep,
				})
			}
		}
	}

	for _, taskID := range cycleNodes(frag) {
		warnings = append(warnings, Warning{
			Code: WarnDependencyCycle, Severity: SeverityHigh,
			TaskID: taskID, Detail: "participates in a dependency cycle",
		})
	}
	return warnings
}

// cycleNodes returns the subtask ids that lie on any dependency cycle,
// found by DFS with tri-color marking.
func cycleNodes(frag *TaskFragment) []string {
	deps := make(map[string][]string, len(frag.Subtasks))
	var order []string
	for _, st := range frag.Subtasks {
		deps[st.TaskID] = st.Dependencies
		order = append(order, st.TaskID)
	}

	const (
		white = 0 // unvisited
		gray  = 1 // on the current DFS path
		black = 2 // finished
	)
	color := make(map[string]int, len(order))
	onCycle := make(map[string]bool)

	var visit func(id string, path []string)
	visit = func(id string, path []string) {
		color[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case white:
				if _, known := deps[dep]; known {
					visit(dep, path)
				}
			case gray:
				// Everything from dep's position in path onward is on the cycle.
				for i := len(path) - 1; i >= 0; i-- {
					onCycle[path[i]] = true
					if path[i] == dep {
						break
					}
				}
			}
		}
		color[id] = black
	}
	for _, id := range order {
		if color[id] == white {
			visit(id, nil)
		}
	}

	var out []string
	for _, id := range order {
		if onCycle[id] {
			out = append(out, id)
		}
	}
	return out
}

// LineageDepth returns the longest dependency path in the fragment. Cycles
// are guarded by the visited set; fragments with cycles report the longest
// acyclic prefix.
func LineageDepth(frag *TaskFragment) int {
	deps := make(map[string][]string, len(frag.Subtasks))
	for _, st := range frag.Subtasks {
		deps[st.TaskID] = st.Dependencies
	}
	memo := make(map[string]int, len(deps))
	var depth func(id string, seen map[string]bool) int
	depth = func(id string, seen map[string]bool) int {
		if d, ok := memo[id]; ok {
			return d
		}
		if seen[id] {
			return 0
		}
		seen[id] = true
		best := 0
		for _, dep := range deps[id] {
			if _, known := deps[dep]; !known {
				continue
			}
			if d := depth(dep, seen); d > best {
				best = d
			}
		}
		delete(seen, id)
		memo[id] = best + 1
		return best + 1
	}
	max := 0
	for id := range deps {
		if d := depth(id, map[string]bool{}); d > max {
			max = d
		}
	}
	return max
}
