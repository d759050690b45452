// Command concord runs one collaboration pipeline from the command line:
// fragment a prompt, fan it out across the configured agents, arbitrate
// and compose the results, and print the envelope as JSON.
//
// Agents are simulated: responses come from a fixtures file mapping agent
// ids to canned content, or from a deterministic echo invoker when no
// fixtures are given. Exit codes: 0 full success, 1 partial subtask
// failure, 2 pipeline error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	concord "github.com/quorumlabs/concord"
	"github.com/quorumlabs/concord/internal/config"
	"github.com/quorumlabs/concord/observer"
	"github.com/quorumlabs/concord/store/postgres"
	"github.com/quorumlabs/concord/store/sqlite"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath   = flag.String("config", os.Getenv("CONCORD_CONFIG"), "path to concord.toml")
		prompt       = flag.String("prompt", "", "master prompt to execute")
		taskType     = flag.String("task-type", "", "task type (code_review, analysis, explanation, ...)")
		domain       = flag.String("domain", "", "task domain for agent preference")
		coordination = flag.String("coordination", "", "force a fragmentation strategy (simple, structured, comprehensive)")
		composition  = flag.String("composition", "", "composition strategy (hierarchical, sequential, synthetic)")
		fixtures     = flag.String("fixtures", "", "JSON file mapping agent ids to canned responses")
		preview      = flag.Bool("preview", false, "fragment and assign only; print the plan without dispatching")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if *prompt == "" {
		fmt.Fprintln(os.Stderr, "concord: -prompt is required")
		return 2
	}

	cfg := config.Load(*configPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry, err := concord.NewRegistry(cfg.Roles, concord.WithRegistryLogger(logger))
	if err != nil {
		logger.Error("registry load failed", "path", cfg.Roles, "error", err)
		return 2
	}

	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.Database.Driver, "error", err)
		return 2
	}
	defer closeStore()

	graph, err := concord.OpenGraph(ctx, store,
		concord.WithGraphLogger(logger),
		concord.WithCacheCapacity(cfg.Database.CacheCapacity))
	if err != nil {
		logger.Error("graph open failed", "error", err)
		return 2
	}

	loader := concord.NewLoader(cfg.Plugins.Dir, concord.WithLoaderLogger(logger))
	concord.RegisterBuiltins(loader)
	if cfg.Plugins.Dir != "" {
		_ = loader.Reload()
		if cfg.Plugins.Watch {
			go loader.Watch(ctx)
		}
	}

	arbiter := concord.NewArbiter(loader,
		concord.WithDefaultStrategy(cfg.Arbitration.DefaultStrategy),
		concord.WithFallbackStrategy(cfg.Arbitration.FallbackStrategy),
		concord.WithArbiterTimeout(float64(cfg.Arbitration.TimeoutMS)),
		concord.WithTaskTypeStrategies(cfg.Arbitration.TaskTypeStrategies),
		concord.WithArbiterLogger(logger))

	var tracer concord.Tracer
	var audit *observer.AuditLog
	if cfg.Observer.Enabled {
		shutdown, err := observer.Init(ctx)
		if err != nil {
			logger.Error("observer init failed", "error", err)
			return 2
		}
		defer shutdown(context.Background())
		tracer = observer.NewTracer()
	}
	if cfg.Observer.AuditLog != "" {
		f, err := os.OpenFile(cfg.Observer.AuditLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error("audit log open failed", "path", cfg.Observer.AuditLog, "error", err)
			return 2
		}
		defer f.Close()
		audit = observer.NewAuditLog(f)
	}

	invokers, err := buildInvokers(*fixtures, registry, cfg.Dispatcher)
	if err != nil {
		logger.Error("fixtures load failed", "path", *fixtures, "error", err)
		return 2
	}

	orcOpts := []concord.OrchestratorOption{
		concord.WithOrchestratorLogger(logger),
		concord.WithOrchestratorTracer(tracer),
		concord.WithDispatcherOptions(
			concord.WithConcurrency(cfg.Dispatcher.Concurrency),
			concord.WithTimeout(time.Duration(cfg.Dispatcher.TimeoutMS)*time.Millisecond),
			concord.WithMaxRetries(cfg.Dispatcher.MaxRetries),
			concord.WithBaseDelay(time.Duration(cfg.Dispatcher.BaseDelayMS)*time.Millisecond),
			concord.WithJitter(cfg.Dispatcher.Jitter),
		),
	}
	if audit != nil {
		orcOpts = append(orcOpts, concord.WithOrchestratorAudit(audit))
	}
	orc := concord.NewOrchestrator(registry, graph, arbiter, invokers, orcOpts...)

	req := concord.Request{
		Prompt:       *prompt,
		TaskType:     *taskType,
		Domain:       *domain,
		Coordination: concord.CoordinationStrategy(*coordination),
		Composition:  concord.CompositionStrategy(*composition),
	}

	if *preview {
		frag, warnings := orc.Preview(req)
		return printJSON(map[string]any{"fragment": frag, "warnings": warnings})
	}

	env, err := orc.Run(ctx, req)
	if err != nil {
		logger.Error("run failed", "error", err)
		if env != nil {
			printJSON(env)
		}
		return 2
	}
	if audit != nil && env.Composition != nil {
		audit.Composition(env.Composition)
		if err := audit.Err(); err != nil {
			logger.Warn("audit write failed", "error", err)
		}
	}
	if code := printJSON(env); code != 0 {
		return code
	}
	if len(env.FailedSubtaskIDs) > 0 {
		return 1
	}
	return 0
}

// openStore builds the node store selected by config: a local SQLite file
// by default, or a pgx pool when driver is "postgres". The returned func
// releases the store and any pool behind it.
func openStore(ctx context.Context, dc config.DatabaseConfig, logger *slog.Logger) (concord.NodeStore, func(), error) {
	switch dc.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, dc.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return st, pool.Close, nil
	default:
		st := sqlite.New(dc.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil
	}
}

func printJSON(v any) int {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintln(os.Stderr, "concord:", err)
		return 2
	}
	return 0
}

// buildInvokers returns the shared invoker source: fixture responses when a
// fixtures file is given, otherwise a deterministic echo invoker that every
// registered agent shares. Configured RPM/TPM limits wrap each invoker.
func buildInvokers(fixturesPath string, registry *concord.Registry, dc config.DispatcherConfig) (concord.InvokerSource, error) {
	limit := func(inv concord.AgentInvoker) concord.AgentInvoker {
		if dc.RPM <= 0 && dc.TPM <= 0 {
			return inv
		}
		return concord.WithRateLimit(inv, concord.RPM(dc.RPM), concord.TPM(dc.TPM))
	}
	if fixturesPath == "" {
		return concord.SharedInvoker{Invoker: limit(concord.InvokerFunc(echoInvoke))}, nil
	}
	data, err := os.ReadFile(fixturesPath)
	if err != nil {
		return nil, err
	}
	var canned map[string]string
	if err := json.Unmarshal(data, &canned); err != nil {
		return nil, err
	}
	invokers := make(concord.InvokerMap, len(canned))
	for agentID, content := range canned {
		content := content
		invokers[agentID] = limit(concord.InvokerFunc(func(ctx context.Context, req concord.InvokeRequest) (concord.InvokeResponse, error) {
			return concord.InvokeResponse{
				Content: content,
				Usage:   concord.Usage{PromptTokens: len(req.Prompt) / 4, CompletionTokens: len(content) / 4, TotalTokens: (len(req.Prompt) + len(content)) / 4},
				Model:   "fixture",
			}, nil
		}))
	}
	// Registered agents without a fixture still respond, via echo.
	for _, a := range registry.ListAgents() {
		if _, ok := invokers[a.ID]; !ok {
			invokers[a.ID] = limit(concord.InvokerFunc(echoInvoke))
		}
	}
	return invokers, nil
}

func echoInvoke(ctx context.Context, req concord.InvokeRequest) (concord.InvokeResponse, error) {
	content := fmt.Sprintf("[%s] Response to: %s", req.AgentID, req.Prompt)
	return concord.InvokeResponse{
		Content: content,
		Usage:   concord.Usage{PromptTokens: len(req.Prompt) / 4, CompletionTokens: len(content) / 4, TotalTokens: (len(req.Prompt) + len(content)) / 4},
		Model:   "echo",
	}, nil
}
