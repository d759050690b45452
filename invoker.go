package concord

import "context"

// InvokeRequest is the input to an AgentInvoker.
type InvokeRequest struct {
	// AgentID identifies the agent the prompt is addressed to.
	AgentID string
	// Prompt is the subtask description, possibly enriched with upstream
	// outputs by the dispatcher.
	Prompt string
	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
	// SystemMessage optionally sets a system prompt.
	SystemMessage string
}

// InvokeResponse is the output of a successful agent invocation.
type InvokeResponse struct {
	Content        string
	Usage          Usage
	LatencySeconds float64
	Model          string
}

// AgentInvoker is the external capability the dispatcher calls to execute
// one subtask against one agent. The core treats it as opaque: provider
// selection, transport, and authentication are the invoker's business.
// Implementations must honor ctx cancellation on a best-effort basis.
type AgentInvoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error)
}

// InvokerFunc adapts a function to the AgentInvoker interface.
type InvokerFunc func(ctx context.Context, req InvokeRequest) (InvokeResponse, error)

func (f InvokerFunc) Invoke(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
	return f(ctx, req)
}

// InvokerSource resolves the invoker responsible for a given agent.
// The dispatcher fails a subtask as unassigned when no invoker is available.
type InvokerSource interface {
	InvokerFor(agentID string) (AgentInvoker, bool)
}

// InvokerMap is a static InvokerSource keyed by agent id.
type InvokerMap map[string]AgentInvoker

func (m InvokerMap) InvokerFor(agentID string) (AgentInvoker, bool) {
	inv, ok := m[agentID]
	return inv, ok
}

// SharedInvoker wraps a single AgentInvoker that serves every agent,
// for deployments where one router handles all provider selection.
type SharedInvoker struct {
	Invoker AgentInvoker
}

func (s SharedInvoker) InvokerFor(string) (AgentInvoker, bool) {
	return s.Invoker, s.Invoker != nil
}
