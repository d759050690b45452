// Package concord is a multi-agent collaboration substrate: it splits a
// master prompt into a typed subtask DAG, binds each subtask to one of
// several heterogeneous agents, executes them concurrently, detects
// conflicts between their outputs, arbitrates winners through pluggable
// strategies, and composes the surviving outputs into a unified result
// with per-chunk attribution. Every step is persisted into a queryable
// shared-memory graph.
//
// # Pipeline
//
//	fragmenter -> assigner -> dispatcher -> composer -> memory graph
//
// The [Orchestrator] drives the pipeline end to end:
//
//	reg, _ := concord.NewRegistry("roles.toml")
//	graph, _ := concord.OpenGraph(ctx, sqlite.New("concord.db"))
//	loader := concord.NewLoader("plugins")
//	concord.RegisterBuiltins(loader)
//	arb := concord.NewArbiter(loader, concord.WithDefaultStrategy("confidence_weight"))
//
//	orc := concord.NewOrchestrator(reg, graph, arb, invokers)
//	env, err := orc.Run(ctx, concord.Request{
//		Prompt:   "Explain how to use Python decorators",
//		TaskType: "explanation",
//		Domain:   "education",
//	})
//
// # Core Interfaces
//
//   - [AgentInvoker] — external capability that turns a prompt into content
//   - [Strategy] — pluggable arbitration algorithm
//   - [NodeStore] — durable backing store for the memory graph
//   - [Tracer] — span-based tracing hook (observer provides an OTEL backend)
//
// Concrete AI provider clients, HTTP ingress, and dashboards are out of
// scope; the core consumes them through the interfaces above.
package concord
