package concord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Failure reasons recorded on failed subtasks and their memory nodes.
const (
	FailUnassigned  = "unassigned"
	FailUpstream    = "upstream_failed"
	FailCancelled   = "cancelled"
	FailEmptyOutput = "empty_output"
	FailTimeout     = "timeout"
	FailInvoker     = "invoker_error"
	FailStorage     = "storage_error"
)

const (
	defaultConcurrency = 4
	defaultTimeout     = 30 * time.Second
	defaultMaxRetries  = 3
	defaultBaseDelay   = time.Second
)

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithConcurrency caps the number of subtask invocations in flight at once.
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = int64(n)
		}
	}
}

// WithTimeout sets the per-subtask invocation timeout (default 30s).
func WithTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithMaxRetries sets how many times a transient invoker failure is retried
// before the subtask fails (default 3).
func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n >= 0 {
			d.maxRetries = n
		}
	}
}

// WithBaseDelay sets the initial backoff delay before the second attempt
// (default 1s). Each subsequent delay doubles.
func WithBaseDelay(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.baseDelay = t
		}
	}
}

// WithJitter toggles randomized backoff jitter (default off, for
// deterministic tests).
func WithJitter(on bool) DispatcherOption {
	return func(d *Dispatcher) { d.jitter = on }
}

// WithDispatcherLogger sets a structured logger for dispatch events.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithDispatcherTracer sets a tracer for per-subtask spans.
func WithDispatcherTracer(t Tracer) DispatcherOption {
	return func(d *Dispatcher) { d.tracer = t }
}

// Dispatcher drives a fragment's subtasks through their state machine:
//
//	pending -> in_progress -> {completed, failed}
//
// Independent subtasks run concurrently up to the configured ceiling; a
// subtask starts only after all its dependencies completed. Every terminal
// transition is recorded in the memory graph.
type Dispatcher struct {
	invokers InvokerSource
	graph    *Graph
	registry *Registry

	concurrency int64
	timeout     time.Duration
	maxRetries  int
	baseDelay   time.Duration
	jitter      bool
	logger      *slog.Logger
	tracer      Tracer
}

// NewDispatcher creates a Dispatcher. The graph records terminal
// transitions; the registry supplies agent display names.
func NewDispatcher(invokers InvokerSource, graph *Graph, registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		invokers:    invokers,
		graph:       graph,
		registry:    registry,
		concurrency: defaultConcurrency,
		timeout:     defaultTimeout,
		maxRetries:  defaultMaxRetries,
		baseDelay:   defaultBaseDelay,
		logger:      nopLogger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DispatchOutcome aggregates the terminal state of one fragment dispatch.
type DispatchOutcome struct {
	// Results holds the SubtaskResult of every completed subtask.
	Results map[string]*SubtaskResult
	// CompletionOrder lists completed subtask ids in finish order, for the
	// sequential composition strategy.
	CompletionOrder []string
	// Failed maps failed subtask ids to their failure reason.
	Failed map[string]string
}

// dispatchState is the mutable bookkeeping shared by subtask goroutines.
type dispatchState struct {
	mu      sync.Mutex
	results map[string]*SubtaskResult
	order   []string
	failed  map[string]string
}

func (s *dispatchState) complete(taskID string, r *SubtaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskID] = r
	s.order = append(s.order, taskID)
}

func (s *dispatchState) fail(taskID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[taskID] = reason
}

func (s *dispatchState) result(taskID string) (*SubtaskResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[taskID]
	return r, ok
}

// Dispatch runs the fragment's DAG to completion and returns the outcome.
// Waves of ready subtasks (all dependencies completed) launch concurrently,
// bounded by the concurrency ceiling. Cancellation fails pending subtasks
// with reason "cancelled"; no subtask is ever left in_progress.
func (d *Dispatcher) Dispatch(ctx context.Context, frag *TaskFragment) (*DispatchOutcome, error) {
	ctx, span := startSpan(d.tracer, ctx, "dispatch",
		StringAttr("master_task_id", frag.MasterTaskID),
		IntAttr("subtasks", len(frag.Subtasks)))
	defer span.End()

	frag.State = FragmentInProgress
	state := &dispatchState{
		results: make(map[string]*SubtaskResult),
		failed:  make(map[string]string),
	}
	sem := semaphore.NewWeighted(d.concurrency)

	done := make(map[string]bool, len(frag.Subtasks))
	for len(done) < len(frag.Subtasks) {
		var ready []*Subtask
		for _, st := range frag.Subtasks {
			if done[st.TaskID] {
				continue
			}
			satisfied := true
			for _, dep := range st.Dependencies {
				if !done[dep] {
					satisfied = false
					break
				}
			}
			if satisfied {
				ready = append(ready, st)
			}
		}
		if len(ready) == 0 {
			// Unresolvable dependencies (cycle or unknown sibling): fail the rest.
			for _, st := range frag.Subtasks {
				if !done[st.TaskID] {
					d.failSubtask(ctx, st, state, FailUpstream, "unsatisfiable dependencies")
					done[st.TaskID] = true
				}
			}
			break
		}

		var wg sync.WaitGroup
		for _, st := range ready {
			switch {
			case ctx.Err() != nil:
				d.failSubtask(ctx, st, state, FailCancelled, ctx.Err().Error())
			case d.upstreamFailed(st, state):
				d.failSubtask(ctx, st, state, FailUpstream, "")
			case st.AssignedAgent == "":
				d.failSubtask(ctx, st, state, FailUnassigned, "no agent bound")
			default:
				wg.Add(1)
				go func(st *Subtask) {
					defer wg.Done()
					d.runSubtask(ctx, st, state, sem)
				}(st)
			}
		}
		wg.Wait()

		for _, st := range ready {
			done[st.TaskID] = true
		}
	}

	// Defensive sweep: cancellation must never leave in_progress behind.
	for _, st := range frag.Subtasks {
		if st.State == SubtaskInProgress || st.State == SubtaskPending {
			d.failSubtask(ctx, st, state, FailCancelled, "dispatch ended")
		}
	}

	if len(state.failed) == 0 {
		frag.State = FragmentCompleted
	} else if len(state.results) == 0 {
		frag.State = FragmentFailed
	} else {
		frag.State = FragmentCompleted // partial completion still composes
	}

	span.SetAttr(IntAttr("completed", len(state.results)), IntAttr("failed", len(state.failed)))
	return &DispatchOutcome{
		Results:         state.results,
		CompletionOrder: state.order,
		Failed:          state.failed,
	}, nil
}

// upstreamFailed reports whether any dependency of st has failed.
func (d *Dispatcher) upstreamFailed(st *Subtask, state *dispatchState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, dep := range st.Dependencies {
		if _, failed := state.failed[dep]; failed {
			return true
		}
	}
	return false
}

// runSubtask executes one subtask under the concurrency ceiling.
func (d *Dispatcher) runSubtask(ctx context.Context, st *Subtask, state *dispatchState, sem *semaphore.Weighted) {
	if err := sem.Acquire(ctx, 1); err != nil {
		d.failSubtask(ctx, st, state, FailCancelled, err.Error())
		return
	}
	defer sem.Release(1)

	sctx, span := startSpan(d.tracer, ctx, "subtask",
		StringAttr("task_id", st.TaskID),
		StringAttr("agent_id", st.AssignedAgent))
	defer span.End()

	invoker, ok := d.invokers.InvokerFor(st.AssignedAgent)
	if !ok {
		d.failSubtask(sctx, st, state, FailUnassigned, "no invoker for agent "+st.AssignedAgent)
		return
	}

	st.State = SubtaskInProgress
	d.logger.Debug("dispatcher: in_progress", "task_id", st.TaskID, "agent_id", st.AssignedAgent)

	resp, elapsed, err := d.invokeWithRetry(sctx, invoker, st, state)
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		span.Error(err)
		d.failSubtask(sctx, st, state, FailTimeout, err.Error())
		return
	case err != nil && errors.Is(err, context.Canceled):
		span.Error(err)
		d.failSubtask(sctx, st, state, FailCancelled, err.Error())
		return
	case err != nil:
		span.Error(err)
		d.failSubtask(sctx, st, state, FailInvoker, err.Error())
		return
	case strings.TrimSpace(resp.Content) == "":
		d.failSubtask(sctx, st, state, FailEmptyOutput, "invoker returned empty content")
		return
	case elapsed > d.timeout:
		d.failSubtask(sctx, st, state, FailTimeout, fmt.Sprintf("%s exceeded %s", elapsed, d.timeout))
		return
	}

	agentName := st.AssignedAgent
	if a, ok := d.registry.GetAgent(st.AssignedAgent); ok {
		agentName = a.Name
	}
	result := &SubtaskResult{
		SubtaskID:      st.TaskID,
		AgentID:        st.AssignedAgent,
		AgentName:      agentName,
		Content:        resp.Content,
		Confidence:     d.deriveConfidence(st, resp, elapsed),
		CompletionTime: elapsed.Seconds(),
		TokenUsage:     resp.Usage,
		ErrorCount:     0,
		Metadata:       map[string]any{"model": resp.Model},
	}

	// The completed transition requires a durable graph record (a completed
	// subtask always has at least one result in memory).
	_, err = d.graph.AddNode(ctx, st.AssignedAgent, st.TaskType,
		SubtaskPayload{Result: *result},
		map[string]any{"master_task_id": st.ParentTaskID, "subtask_id": st.TaskID}, nil)
	if err != nil {
		span.Error(err)
		d.failSubtask(ctx, st, state, FailStorage, err.Error())
		return
	}

	st.State = SubtaskCompleted
	state.complete(st.TaskID, result)
	d.logger.Info("dispatcher: completed",
		"task_id", st.TaskID, "agent_id", st.AssignedAgent, "elapsed", elapsed)
}

// invokeWithRetry calls the invoker with exponential backoff on transient
// failures: base delay doubles each attempt, with optional jitter. Context
// cancellation and deadline errors are never retried.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, invoker AgentInvoker, st *Subtask, state *dispatchState) (InvokeResponse, time.Duration, error) {
	prompt := d.buildPrompt(st, state)
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			delay := d.baseDelay << (attempt - 1)
			if d.jitter {
				delay += time.Duration(rand.Int63n(int64(d.baseDelay)))
			}
			select {
			case <-ctx.Done():
				return InvokeResponse{}, time.Since(start), ctx.Err()
			case <-time.After(delay):
			}
			d.logger.Warn("dispatcher: retry",
				"task_id", st.TaskID, "attempt", attempt, "max", d.maxRetries, "error", lastErr)
		}

		ictx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := invoker.Invoke(ictx, InvokeRequest{
			AgentID: st.AssignedAgent,
			Prompt:  prompt,
		})
		cancel()
		if err == nil {
			return resp, time.Since(start), nil
		}
		lastErr = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return InvokeResponse{}, time.Since(start), err
		}
	}
	return InvokeResponse{}, time.Since(start), lastErr
}

// buildPrompt enriches the subtask description with completed upstream
// outputs so dependent phases see what they build on.
func (d *Dispatcher) buildPrompt(st *Subtask, state *dispatchState) string {
	if len(st.Dependencies) == 0 {
		return st.Description
	}
	var b strings.Builder
	b.WriteString(st.Description)
	wrote := false
	for _, dep := range st.Dependencies {
		r, ok := state.result(dep)
		if !ok {
			continue
		}
		if !wrote {
			b.WriteString("\n\nUpstream results:\n")
			wrote = true
		}
		fmt.Fprintf(&b, "\n[%s]\n%s\n", r.AgentName, r.Content)
	}
	return b.String()
}

// deriveConfidence estimates a confidence score for an invoker response.
// Invokers report no self-assessment, so the score is derived from response
// substance, latency headroom, and the agent's configured weight.
func (d *Dispatcher) deriveConfidence(st *Subtask, resp InvokeResponse, elapsed time.Duration) float64 {
	conf := 0.6
	if len(resp.Content) >= 100 {
		conf += 0.1
	}
	if len(resp.Content) >= 500 {
		conf += 0.1
	}
	if elapsed <= d.timeout/2 {
		conf += 0.05
	}
	if a, ok := d.registry.GetAgent(st.AssignedAgent); ok {
		conf += 0.1 * a.PriorityWeight
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}

// failSubtask marks a terminal failure, records it in the memory graph, and
// logs it. Storage failures during failure recording are logged only; the
// subtask is already failed.
func (d *Dispatcher) failSubtask(ctx context.Context, st *Subtask, state *dispatchState, reason, detail string) {
	st.State = SubtaskFailed
	state.fail(st.TaskID, reason)
	d.logger.Warn("dispatcher: failed", "task_id", st.TaskID, "reason", reason, "detail", detail)

	agentID := st.AssignedAgent
	if agentID == "" {
		agentID = "dispatcher"
	}
	_, err := d.graph.AddNode(context.WithoutCancel(ctx), agentID, st.TaskType,
		FailurePayload{SubtaskID: st.TaskID, Reason: reason, Detail: detail},
		map[string]any{"reason": reason, "master_task_id": st.ParentTaskID}, nil)
	if err != nil {
		d.logger.Error("dispatcher: failure record not written", "task_id", st.TaskID, "error", err)
	}
}
