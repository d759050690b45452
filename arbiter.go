package concord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// StrategySource resolves strategy names to implementations. *Loader is the
// production source; tests can supply a map-backed fake.
type StrategySource interface {
	Get(name string) (Strategy, bool)
}

// FallbackConfidence is the strategy name recorded when every configured
// strategy failed and the engine fell back to a plain argmax on confidence.
const FallbackConfidence = "fallback_confidence"

const (
	defaultStrategyName = "confidence_weight"
	defaultArbTimeoutMS = 30_000
	qualityGapThreshold = 0.3
)

// ArbiterOption configures an Arbiter.
type ArbiterOption func(*Arbiter)

// WithDefaultStrategy sets the strategy used when neither the task type nor
// the call configures one.
func WithDefaultStrategy(name string) ArbiterOption {
	return func(a *Arbiter) { a.defaultStrategy = name }
}

// WithFallbackStrategy sets the strategy tried when the selected one fails,
// before the engine resorts to fallback_confidence.
func WithFallbackStrategy(name string) ArbiterOption {
	return func(a *Arbiter) { a.fallbackStrategy = name }
}

// WithArbiterTimeout sets the execution-time bound (ms) above which an
// output is classified as a timeout conflict.
func WithArbiterTimeout(ms float64) ArbiterOption {
	return func(a *Arbiter) { a.timeoutMS = ms }
}

// WithTaskTypeStrategies maps task types to strategy names, overriding the
// default per task type.
func WithTaskTypeStrategies(m map[string]string) ArbiterOption {
	return func(a *Arbiter) {
		a.taskStrategies = make(map[string]string, len(m))
		for k, v := range m {
			a.taskStrategies[k] = v
		}
	}
}

// WithArbiterLogger sets a structured logger.
func WithArbiterLogger(l *slog.Logger) ArbiterOption {
	return func(a *Arbiter) { a.logger = l }
}

// WithArbiterTracer sets a tracer for arbitration spans.
func WithArbiterTracer(t Tracer) ArbiterOption {
	return func(a *Arbiter) { a.tracer = t }
}

// Arbiter detects conflicts between competing agent outputs and resolves
// them through pluggable strategies. Every detected conflict and every
// resolution is appended to in-memory logs that survive for the arbiter's
// lifetime and can be filtered for audit.
type Arbiter struct {
	strategies       StrategySource
	defaultStrategy  string
	fallbackStrategy string
	taskStrategies   map[string]string
	timeoutMS        float64
	logger           *slog.Logger
	tracer           Tracer

	mu        sync.Mutex
	conflicts []Conflict
	results   []ArbitrationResult
}

// NewArbiter creates an Arbiter over the given strategy source.
func NewArbiter(strategies StrategySource, opts ...ArbiterOption) *Arbiter {
	a := &Arbiter{
		strategies:      strategies,
		defaultStrategy: defaultStrategyName,
		timeoutMS:       defaultArbTimeoutMS,
		logger:          nopLogger,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// DetectConflict classifies the disagreement among outputs. Checks run in a
// fixed order; the first match wins:
//
//  1. any output with recorded errors      → error
//  2. any output slower than the timeout   → timeout
//  3. more than one distinct output text   → contradictory
//  4. confidence spread above 0.3          → quality
//  5. otherwise                            → minor_dispute
func (a *Arbiter) DetectConflict(subtaskID string, outputs []AgentOutput) Conflict {
	agentIDs := make([]string, len(outputs))
	for i, o := range outputs {
		agentIDs[i] = o.AgentID
	}
	c := Conflict{
		ID:         NewID(),
		SubtaskIDs: []string{subtaskID},
		AgentIDs:   agentIDs,
		CreatedAt:  NowUTC(),
	}

	distinct := make(map[string]struct{}, len(outputs))
	minConf, maxConf := outputs[0].Confidence, outputs[0].Confidence
	hasError, hasTimeout := false, false
	for _, o := range outputs {
		distinct[o.Output] = struct{}{}
		if o.Confidence < minConf {
			minConf = o.Confidence
		}
		if o.Confidence > maxConf {
			maxConf = o.Confidence
		}
		if o.ErrorCount > 0 {
			hasError = true
		}
		if o.ExecutionTimeMS > a.timeoutMS {
			hasTimeout = true
		}
	}

	switch {
	case hasError:
		c.Type, c.Severity = ConflictError, 0.9
		c.Description = "one or more outputs reported errors"
	case hasTimeout:
		c.Type, c.Severity = ConflictTimeout, 0.8
		c.Description = "one or more outputs exceeded the execution-time bound"
	case len(distinct) > 1:
		c.Type, c.Severity = ConflictContradictory, 0.7
		c.Description = fmt.Sprintf("%d distinct outputs for the same subtask", len(distinct))
	case maxConf-minConf > qualityGapThreshold:
		c.Type, c.Severity = ConflictQuality, maxConf-minConf
		c.Description = fmt.Sprintf("confidence spread %.2f exceeds threshold", maxConf-minConf)
	default:
		c.Type, c.Severity = ConflictMinorDispute, 0.3
		c.Description = "outputs agree; low-severity dispute"
	}
	return c
}

// Arbitrate detects the conflict among outputs and resolves it. Strategy
// selection: explicit cfg["strategy"] > task-type mapping > default. When
// the selected strategy fails (error, panic, or invalid config), the
// configured fallback strategy is tried; when that fails too, the engine
// resolves by plain argmax on confidence and tags the result
// fallback_confidence.
//
// Fewer than two outputs is not a conflict: returns ErrTooFewOutputs.
func (a *Arbiter) Arbitrate(ctx context.Context, subtaskID, taskType string, outputs []AgentOutput, cfg map[string]any) (Conflict, ArbitrationResult, error) {
	if len(outputs) < 2 {
		return Conflict{}, ArbitrationResult{}, ErrTooFewOutputs
	}

	conflict := a.DetectConflict(subtaskID, outputs)
	name := a.strategyFor(taskType, cfg)
	conflict.ResolutionStrategy = name

	ctx, span := startSpan(a.tracer, ctx, "concord.arbitrate",
		StringAttr("conflict.id", conflict.ID),
		StringAttr("conflict.type", string(conflict.Type)),
		StringAttr("strategy", name))
	defer span.End()
	_ = ctx

	result, err := a.runStrategy(name, conflict, outputs, cfg)
	if err != nil {
		a.logger.Warn("arbiter: strategy failed",
			"strategy", name, "conflict_id", conflict.ID, "error", err)
		span.Event("strategy_failed", StringAttr("strategy", name))
		primaryErr := err

		// Recovery order: the configured fallback strategy runs first for
		// every failure mode (error, panic, rejected config, unknown name);
		// fallbackByConfidence is the terminal resort.
		if a.fallbackStrategy != "" && a.fallbackStrategy != name {
			result, err = a.runStrategy(a.fallbackStrategy, conflict, outputs, cfg)
			if err == nil {
				result.FallbackTriggered = true
				result.FallbackReason = fmt.Sprintf("%s failed: %v", name, primaryErr)
			}
		}
		if err != nil {
			result = a.fallbackByConfidence(outputs)
			result.FallbackReason = fmt.Sprintf("%s failed: %v", name, primaryErr)
		}
	}

	a.mu.Lock()
	a.conflicts = append(a.conflicts, conflict)
	a.results = append(a.results, result)
	a.mu.Unlock()

	a.logger.Info("arbiter: resolved",
		"conflict_id", conflict.ID, "type", conflict.Type,
		"winner", result.WinnerAgentID, "strategy", result.StrategyUsed,
		"fallback", result.FallbackTriggered)
	return conflict, result, nil
}

// strategyFor selects a strategy name for one arbitration call.
func (a *Arbiter) strategyFor(taskType string, cfg map[string]any) string {
	if name := cfgString(cfg, "strategy", ""); name != "" {
		return name
	}
	if name, ok := a.taskStrategies[taskType]; ok {
		return name
	}
	return a.defaultStrategy
}

// runStrategy resolves and executes one named strategy, converting panics
// into errors so the caller's fallback chain engages. Interpreted plugins
// can panic from either contract method, so the recover covers
// ValidateConfig as well as Arbitrate.
func (a *Arbiter) runStrategy(name string, conflict Conflict, outputs []AgentOutput, cfg map[string]any) (result ArbitrationResult, err error) {
	s, ok := a.strategies.Get(name)
	if !ok {
		return ArbitrationResult{}, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	defer func() {
		if r := recover(); r != nil {
			result = ArbitrationResult{}
			err = fmt.Errorf("strategy %s panicked: %v", name, r)
		}
	}()
	if !s.ValidateConfig(cfg) {
		return ArbitrationResult{}, fmt.Errorf("strategy %s: rejected config", name)
	}
	return s.Arbitrate(conflict, outputs, cfg)
}

// fallbackByConfidence is the last-resort resolution: raw argmax on
// confidence with the usual lexicographic tie-break.
func (a *Arbiter) fallbackByConfidence(outputs []AgentOutput) ArbitrationResult {
	scores := make(map[string]float64, len(outputs))
	for _, o := range outputs {
		scores[o.AgentID] = o.Confidence
	}
	winner := pickMax(outputs, scores)
	r := arbitrated(winner, winner.Confidence, FallbackConfidence, scores)
	r.FallbackTriggered = true
	return r
}

// --- Audit log queries ---

// Conflicts returns a copy of the full conflict log in append order.
func (a *Arbiter) Conflicts() []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Conflict, len(a.conflicts))
	copy(out, a.conflicts)
	return out
}

// Results returns a copy of the full resolution log in append order.
func (a *Arbiter) Results() []ArbitrationResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ArbitrationResult, len(a.results))
	copy(out, a.results)
	return out
}

// ConflictsByTask returns conflicts touching the given subtask.
func (a *Arbiter) ConflictsByTask(subtaskID string) []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Conflict
	for _, c := range a.conflicts {
		for _, id := range c.SubtaskIDs {
			if id == subtaskID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ConflictsByAgent returns conflicts involving the given agent.
func (a *Arbiter) ConflictsByAgent(agentID string) []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []Conflict
	for _, c := range a.conflicts {
		for _, id := range c.AgentIDs {
			if id == agentID {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ResultsByStrategy returns resolutions produced by the named strategy.
func (a *Arbiter) ResultsByStrategy(name string) []ArbitrationResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ArbitrationResult
	for _, r := range a.results {
		if r.StrategyUsed == name {
			out = append(out, r)
		}
	}
	return out
}

// LastConflicts returns the most recent n conflicts, oldest first.
func (a *Arbiter) LastConflicts(n int) []Conflict {
	a.mu.Lock()
	defer a.mu.Unlock()
	if n <= 0 || len(a.conflicts) == 0 {
		return nil
	}
	if n > len(a.conflicts) {
		n = len(a.conflicts)
	}
	out := make([]Conflict, n)
	copy(out, a.conflicts[len(a.conflicts)-n:])
	return out
}

// RecordConflict appends an externally detected conflict (the composer's
// content conflicts) to the audit log.
func (a *Arbiter) RecordConflict(c Conflict) {
	a.mu.Lock()
	a.conflicts = append(a.conflicts, c)
	a.mu.Unlock()
}
