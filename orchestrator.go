package concord

import (
	"context"
	"fmt"
	"log/slog"
)

// Request describes one end-to-end pipeline run.
type Request struct {
	// Prompt is the master task to fragment and execute.
	Prompt string
	// TaskType steers fragmentation shape and strategy selection
	// (e.g. "code_review", "analysis", "explanation").
	TaskType string
	// Domain biases agent assignment toward domain specialists.
	Domain string
	// Coordination overrides the complexity-derived fragmentation strategy
	// when set.
	Coordination CoordinationStrategy
	// Composition selects how surviving results are assembled
	// (default hierarchical).
	Composition CompositionStrategy
}

// Envelope is the terminal artifact of one pipeline run.
type Envelope struct {
	MasterTaskID     string             `json:"master_task_id"`
	Composition      *CompositionResult `json:"composition"`
	FailedSubtaskIDs []string           `json:"failed_subtask_ids,omitempty"`
	Warnings         []Warning          `json:"warnings,omitempty"`
}

// AuditSink receives one record per routing decision and per resolved
// content conflict during a run. observer.AuditLog satisfies it.
type AuditSink interface {
	Routing(masterTaskID, subtaskID, agentID string, score float64)
	Arbitration(masterTaskID string, c Conflict, r ArbitrationResult)
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorLogger sets a structured logger shared by the pipeline
// stages the orchestrator constructs.
func WithOrchestratorLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// WithOrchestratorTracer sets a tracer wrapping the whole run plus each
// stage the orchestrator constructs.
func WithOrchestratorTracer(t Tracer) OrchestratorOption {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithOrchestratorAudit streams routing and arbitration records to sink.
func WithOrchestratorAudit(sink AuditSink) OrchestratorOption {
	return func(o *Orchestrator) { o.audit = sink }
}

// WithDispatcherOptions forwards options to the internally built dispatcher.
func WithDispatcherOptions(opts ...DispatcherOption) OrchestratorOption {
	return func(o *Orchestrator) { o.dispatcherOpts = append(o.dispatcherOpts, opts...) }
}

// Orchestrator wires the pipeline stages together and drives one Request
// through fragment, assign, dispatch, compose, and persist.
type Orchestrator struct {
	registry   *Registry
	graph      *Graph
	arbiter    *Arbiter
	fragmenter *Fragmenter
	assigner   *Assigner
	dispatcher *Dispatcher
	composer   *Composer

	logger         *slog.Logger
	tracer         Tracer
	audit          AuditSink
	dispatcherOpts []DispatcherOption
}

// NewOrchestrator assembles the full pipeline over shared infrastructure:
// the registry supplies agents, the graph persists every transition, the
// arbiter resolves output conflicts, and invokers execute subtasks.
func NewOrchestrator(registry *Registry, graph *Graph, arbiter *Arbiter, invokers InvokerSource, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		graph:    graph,
		arbiter:  arbiter,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.fragmenter = NewFragmenter(registry, WithFragmenterLogger(o.logger))
	o.assigner = NewAssigner(registry, WithAssignerLogger(o.logger))
	dopts := append([]DispatcherOption{
		WithDispatcherLogger(o.logger),
		WithDispatcherTracer(o.tracer),
	}, o.dispatcherOpts...)
	o.dispatcher = NewDispatcher(invokers, graph, registry, dopts...)
	o.composer = NewComposer(registry,
		WithComposerArbiter(arbiter),
		WithComposerLogger(o.logger),
		WithComposerTracer(o.tracer))
	return o
}

// Run executes one request end to end. Partial subtask failure does not
// abort the run: surviving results still compose, and the failed subtask
// ids ride along in the envelope. The run errors only when nothing
// completed or a stage broke outright.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Envelope, error) {
	ctx, span := startSpan(o.tracer, ctx, "concord.run",
		StringAttr("task_type", req.TaskType),
		StringAttr("domain", req.Domain))
	defer span.End()

	frag, warnings := o.fragmenter.Fragment(req.Prompt, req.TaskType, req.Domain, req.Coordination)
	span.SetAttr(StringAttr("master_task_id", frag.MasterTaskID),
		IntAttr("subtasks", len(frag.Subtasks)))
	o.logger.Info("orchestrator: fragmented",
		"master_task_id", frag.MasterTaskID,
		"coordination", frag.Coordination, "subtasks", len(frag.Subtasks))

	warnings = append(warnings, o.assigner.Assign(frag)...)
	o.auditRouting(frag)

	outcome, err := o.dispatcher.Dispatch(ctx, frag)
	if err != nil {
		span.Error(err)
		return nil, fmt.Errorf("dispatch %s: %w", frag.MasterTaskID, err)
	}

	env := &Envelope{MasterTaskID: frag.MasterTaskID, Warnings: warnings}
	for _, st := range frag.Subtasks {
		if _, failed := outcome.Failed[st.TaskID]; failed {
			env.FailedSubtaskIDs = append(env.FailedSubtaskIDs, st.TaskID)
		}
	}

	if len(outcome.Results) == 0 {
		frag.State = FragmentFailed
		err := fmt.Errorf("run %s: every subtask failed", frag.MasterTaskID)
		span.Error(err)
		return env, err
	}

	results := make([]*SubtaskResult, 0, len(outcome.Results))
	for _, id := range outcome.CompletionOrder {
		results = append(results, outcome.Results[id])
	}

	strategy := req.Composition
	if strategy == "" {
		strategy = CompositionHierarchical
	}
	comp, err := o.composer.Compose(ctx, frag.MasterTaskID, results, strategy, outcome.CompletionOrder)
	if err != nil {
		span.Error(err)
		return env, fmt.Errorf("compose %s: %w", frag.MasterTaskID, err)
	}
	env.Composition = comp
	o.auditResolutions(frag.MasterTaskID, results, comp.ResolvedConflicts)

	_, err = o.graph.AddNode(ctx, "composer", "final_composition",
		CompositionPayload{Composition: *comp},
		map[string]any{
			"master_task_id": frag.MasterTaskID,
			"task_type":      req.TaskType,
			"strategy":       string(strategy),
		}, nil)
	if err != nil {
		span.Error(err)
		return env, fmt.Errorf("persist composition %s: %w", frag.MasterTaskID, err)
	}

	o.logger.Info("orchestrator: completed",
		"master_task_id", frag.MasterTaskID,
		"confidence", comp.Confidence,
		"failed_subtasks", len(env.FailedSubtaskIDs))
	return env, nil
}

// auditRouting emits one routing record per bound subtask.
func (o *Orchestrator) auditRouting(frag *TaskFragment) {
	if o.audit == nil {
		return
	}
	for _, st := range frag.Subtasks {
		if st.AssignedAgent == "" {
			continue
		}
		score := 0.0
		if agent, ok := o.registry.GetAgent(st.AssignedAgent); ok {
			score = Score(agent, st)
		}
		o.audit.Routing(frag.MasterTaskID, st.TaskID, st.AssignedAgent, score)
	}
}

// auditResolutions emits one arbitration record per resolved content
// conflict, reading the surviving side back off the result set.
func (o *Orchestrator) auditResolutions(masterTaskID string, results []*SubtaskResult, conflicts []Conflict) {
	if o.audit == nil || len(conflicts) == 0 {
		return
	}
	byID := make(map[string]*SubtaskResult, len(results))
	for _, r := range results {
		byID[r.SubtaskID] = r
	}
	for _, conf := range conflicts {
		res := ArbitrationResult{StrategyUsed: conf.ResolutionStrategy}
		for _, id := range conf.SubtaskIDs {
			if r := byID[id]; r != nil && !r.ConflictResolved() {
				res.WinnerAgentID = r.AgentID
				res.WinningOutput = r.Content
				res.Confidence = r.Confidence
			}
		}
		o.audit.Arbitration(masterTaskID, conf, res)
	}
}

// Preview fragments and assigns without dispatching: a dry run showing
// which agents would do what.
func (o *Orchestrator) Preview(req Request) (*TaskFragment, []Warning) {
	frag, warnings := o.fragmenter.Preview(req.Prompt, req.TaskType, req.Domain, req.Coordination)
	warnings = append(warnings, o.assigner.Assign(frag)...)
	return frag, warnings
}
