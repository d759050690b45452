package concord

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory NodeStore for tests.
type memStore struct {
	mu    sync.Mutex
	nodes map[string]MemoryNode

	putErr    error // injected failure for the next PutNode
	putCalls  int
	listCalls int
}

func newMemStore() *memStore {
	return &memStore{nodes: make(map[string]MemoryNode)}
}

func (s *memStore) PutNode(ctx context.Context, n MemoryNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putCalls++
	if s.putErr != nil {
		err := s.putErr
		s.putErr = nil
		return err
	}
	s.nodes[n.NodeID] = n
	return nil
}

func (s *memStore) UpdateLinks(ctx context.Context, nodeID string, links []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	n.Links = append([]string(nil), links...)
	s.nodes[nodeID] = n
	return nil
}

func (s *memStore) GetNode(ctx context.Context, nodeID string) (MemoryNode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[nodeID]
	return n, ok, nil
}

func (s *memStore) ListNodes(ctx context.Context) ([]MemoryNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	out := make([]MemoryNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

func (s *memStore) DeleteNodes(ctx context.Context, nodeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range nodeIDs {
		delete(s.nodes, id)
	}
	return nil
}

func (s *memStore) StorageSize(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.nodes)) * 64, nil
}

func (s *memStore) Close() error { return nil }

var _ NodeStore = (*memStore)(nil)

// testRegistry builds a small static registry with agents across the role
// vocabulary. Shared by assigner, dispatcher, and orchestrator tests.
func testRegistry() *Registry {
	reg, err := NewStaticRegistry([]AgentDescriptor{
		{ID: "claude", Name: "Claude", Roles: []Role{RoleSynthesizer, RoleExplainer}, Domains: []string{"education", "writing"}, PriorityWeight: 0.9, CostPer1KTokens: 0.015},
		{ID: "gpt", Name: "GPT", Roles: []Role{RoleAnalyst, RoleCodeSpecialist}, Domains: []string{"software", "data"}, PriorityWeight: 0.8, CostPer1KTokens: 0.01},
		{ID: "gemini", Name: "Gemini", Roles: []Role{RoleEditor, RoleChallenger, RoleOptimizer}, Domains: []string{"software"}, PriorityWeight: 0.7, CostPer1KTokens: 0.005},
		{ID: "local", Name: "Local", Roles: []Role{RoleGeneralist, RoleCoordinator}, Domains: nil, PriorityWeight: 0.4, CostPer1KTokens: 0},
	}, map[string][]Role{
		"education": {RoleExplainer, RoleSynthesizer},
		"software":  {RoleCodeSpecialist, RoleAnalyst},
	})
	if err != nil {
		panic(err)
	}
	return reg
}

// scriptedInvoker returns canned content per agent, with optional
// per-agent failures and delays.
type scriptedInvoker struct {
	mu       sync.Mutex
	content  map[string]string
	errs     map[string]error
	failures map[string]int // transient failures before success
	delay    time.Duration
	calls    map[string]int
}

func newScriptedInvoker(content map[string]string) *scriptedInvoker {
	return &scriptedInvoker{
		content:  content,
		errs:     make(map[string]error),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}
}

func (s *scriptedInvoker) InvokerFor(agentID string) (AgentInvoker, bool) {
	return InvokerFunc(func(ctx context.Context, req InvokeRequest) (InvokeResponse, error) {
		if s.delay > 0 {
			select {
			case <-ctx.Done():
				return InvokeResponse{}, ctx.Err()
			case <-time.After(s.delay):
			}
		}
		s.mu.Lock()
		s.calls[agentID]++
		if n := s.failures[agentID]; n > 0 {
			s.failures[agentID] = n - 1
			s.mu.Unlock()
			return InvokeResponse{}, fmt.Errorf("transient failure for %s", agentID)
		}
		err := s.errs[agentID]
		content, ok := s.content[agentID]
		s.mu.Unlock()
		if err != nil {
			return InvokeResponse{}, err
		}
		if !ok {
			content = "response from " + agentID + ": " + req.Prompt
		}
		return InvokeResponse{
			Content: content,
			Usage:   Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
			Model:   "scripted",
		}, nil
	}), true
}

func (s *scriptedInvoker) callCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agentID]
}

var _ InvokerSource = (*scriptedInvoker)(nil)

// stubStrategy is a programmable Strategy for arbiter and loader tests.
type stubStrategy struct {
	name           string
	validCfg       bool
	result         ArbitrationResult
	err            error
	panics         bool
	validatePanics bool
}

func (s stubStrategy) Name() string    { return s.name }
func (s stubStrategy) Version() string { return "test" }

func (s stubStrategy) ValidateConfig(map[string]any) bool {
	if s.validatePanics {
		panic("stub validate panic")
	}
	return s.validCfg
}

func (s stubStrategy) Arbitrate(c Conflict, outputs []AgentOutput, cfg map[string]any) (ArbitrationResult, error) {
	if s.panics {
		panic("stub strategy panic")
	}
	if s.err != nil {
		return ArbitrationResult{}, s.err
	}
	return s.result, nil
}

var _ Strategy = stubStrategy{}

// output builds an AgentOutput with sensible defaults for strategy tests.
func output(agentID, content string, confidence float64) AgentOutput {
	return AgentOutput{
		AgentID:         agentID,
		SubtaskID:       "st_1",
		Output:          content,
		Confidence:      confidence,
		Timestamp:       time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		ExecutionTimeMS: 1000,
	}
}

// result builds a SubtaskResult for composer tests.
func result(agentID, content string, confidence float64) *SubtaskResult {
	return &SubtaskResult{
		SubtaskID:  "st_" + agentID,
		AgentID:    agentID,
		AgentName:  agentID,
		Content:    content,
		Confidence: confidence,
		TokenUsage: Usage{TotalTokens: 30},
	}
}
