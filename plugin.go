package concord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// strategySet is one immutable view of the loaded strategies. Reload swaps
// the whole set atomically; in-flight arbitrations keep the set they loaded.
type strategySet struct {
	byName map[string]Strategy
	names  []string
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithLoaderLogger sets a structured logger for plugin discovery events.
func WithLoaderLogger(l *slog.Logger) LoaderOption {
	return func(ld *Loader) { ld.logger = l }
}

// Loader discovers and registers arbitration strategies. Strategies arrive
// two ways: programmatic registration (the built-ins) and discovery from a
// plugin directory, where every file matching strategy_*.go is interpreted
// at runtime and wrapped into the Strategy contract.
//
// Duplicate names are first-wins: a later load under an existing name is
// rejected with a warning.
type Loader struct {
	dir    string
	logger *slog.Logger

	mu     sync.Mutex // serializes Register and Reload
	static map[string]Strategy
	order  []string // static registration order
	set    atomic.Pointer[strategySet]
}

// NewLoader creates a Loader. An empty dir disables directory discovery;
// programmatic registration still works.
func NewLoader(dir string, opts ...LoaderOption) *Loader {
	ld := &Loader{
		dir:    dir,
		logger: nopLogger,
		static: make(map[string]Strategy),
	}
	for _, o := range opts {
		o(ld)
	}
	ld.set.Store(&strategySet{byName: map[string]Strategy{}})
	return ld
}

// RegisterBuiltins registers the six strategies shipped with the core.
func RegisterBuiltins(ld *Loader) {
	for _, s := range []Strategy{
		MajorityVote{}, ConfidenceWeight{}, RecencyBias{},
		CostAware{}, LatencyAware{}, HybridScore{},
	} {
		// Built-in names never collide with each other.
		_ = ld.Register(s)
	}
}

// Register adds a strategy programmatically. A name already registered is
// rejected (first-wins).
func (ld *Loader) Register(s Strategy) error {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	if _, dup := ld.static[s.Name()]; dup {
		ld.logger.Warn("loader: duplicate strategy rejected", "name", s.Name())
		return fmt.Errorf("strategy %q already registered", s.Name())
	}
	ld.static[s.Name()] = s
	ld.order = append(ld.order, s.Name())
	ld.rebuildLocked(ld.scanLocked())
	return nil
}

// Get returns the strategy registered under name.
func (ld *Loader) Get(name string) (Strategy, bool) {
	set := ld.set.Load()
	s, ok := set.byName[name]
	return s, ok
}

// Names returns all loaded strategy names: static registrations first (in
// registration order), then discovered plugins sorted by name.
func (ld *Loader) Names() []string {
	set := ld.set.Load()
	out := make([]string, len(set.names))
	copy(out, set.names)
	return out
}

// Reload rescans the plugin directory and atomically replaces the strategy
// set. When the scan fails outright the previous set is kept. Individual
// files that fail to load are skipped with a warning.
func (ld *Loader) Reload() error {
	ld.mu.Lock()
	defer ld.mu.Unlock()
	scanned := ld.scanLocked()
	ld.rebuildLocked(scanned)
	return nil
}

// rebuildLocked publishes a fresh set from static + scanned strategies.
func (ld *Loader) rebuildLocked(scanned []Strategy) {
	set := &strategySet{byName: make(map[string]Strategy, len(ld.static)+len(scanned))}
	for _, name := range ld.order {
		set.byName[name] = ld.static[name]
		set.names = append(set.names, name)
	}
	for _, s := range scanned {
		if _, dup := set.byName[s.Name()]; dup {
			ld.logger.Warn("loader: duplicate strategy rejected", "name", s.Name())
			continue
		}
		set.byName[s.Name()] = s
		set.names = append(set.names, s.Name())
	}
	ld.set.Store(set)
}

// scanLocked interprets every strategy_*.go file in the plugin directory.
func (ld *Loader) scanLocked() []Strategy {
	if ld.dir == "" {
		return nil
	}
	pattern := filepath.Join(ld.dir, "strategy_*.go")
	files, err := filepath.Glob(pattern)
	if err != nil {
		ld.logger.Warn("loader: scan failed", "pattern", pattern, "error", err)
		return nil
	}
	sort.Strings(files)

	var out []Strategy
	for _, file := range files {
		s, err := loadScriptedStrategy(file)
		if err != nil {
			ld.logger.Warn("loader: plugin skipped", "file", file, "error", err)
			continue
		}
		ld.logger.Info("loader: plugin loaded", "file", file, "name", s.Name(), "version", s.Version())
		out = append(out, s)
	}
	return out
}

// Watch rescans the plugin directory whenever it changes on disk. Blocks
// until ctx is done.
func (ld *Loader) Watch(ctx context.Context) error {
	if ld.dir == "" {
		return fmt.Errorf("loader: watch requires a plugin directory")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(ld.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Remove) {
				_ = ld.Reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			ld.logger.Warn("loader: watch error", "error", err)
		}
	}
}

// --- Scripted strategies ---

// A plugin file is a Go source file interpreted at runtime. It declares
// package strategy and exports plain functions; the loader wraps them into
// the Strategy contract:
//
//	package strategy
//
//	func Name() string    { return "always_first" }
//	func Version() string { return "0.1.0" }
//
//	func Arbitrate(outputs []map[string]any, config map[string]any) (map[string]any, error) {
//		return map[string]any{"winner_agent_id": outputs[0]["agent_id"]}, nil
//	}
//
// An optional ValidateConfig(config map[string]any) bool is honored when
// present. Outputs are passed as maps with the keys agent_id, subtask_id,
// output, confidence, error_count, execution_time_ms, timestamp_unix, and
// cost_per_1k_tokens.
type scriptedStrategy struct {
	name      string
	version   string
	arbitrate func([]map[string]any, map[string]any) (map[string]any, error)
	validate  func(map[string]any) bool
}

var _ Strategy = (*scriptedStrategy)(nil)

func (s *scriptedStrategy) Name() string    { return s.name }
func (s *scriptedStrategy) Version() string { return s.version }

func (s *scriptedStrategy) ValidateConfig(cfg map[string]any) bool {
	if s.validate == nil {
		return true
	}
	return s.validate(cfg)
}

func (s *scriptedStrategy) Arbitrate(conflict Conflict, outputs []AgentOutput, cfg map[string]any) (result ArbitrationResult, err error) {
	// Interpreted code can panic; convert to an error so the engine's
	// fallback path engages.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", s.name, r)
		}
	}()

	wire := make([]map[string]any, len(outputs))
	for i, o := range outputs {
		wire[i] = map[string]any{
			"agent_id":           o.AgentID,
			"subtask_id":         o.SubtaskID,
			"output":             o.Output,
			"confidence":         o.Confidence,
			"error_count":        o.ErrorCount,
			"execution_time_ms":  o.ExecutionTimeMS,
			"timestamp_unix":     float64(o.Timestamp.UnixNano()) / float64(time.Second),
			"cost_per_1k_tokens": o.CostPer1KTokens,
		}
	}

	raw, err := s.arbitrate(wire, cfg)
	if err != nil {
		return ArbitrationResult{}, err
	}
	winnerID, _ := raw["winner_agent_id"].(string)
	var winner *AgentOutput
	for i := range outputs {
		if outputs[i].AgentID == winnerID {
			winner = &outputs[i]
			break
		}
	}
	if winner == nil {
		return ArbitrationResult{}, fmt.Errorf("strategy %s: winner %q not in contributing set", s.name, winnerID)
	}

	result = ArbitrationResult{
		WinnerAgentID: winner.AgentID,
		WinningOutput: winner.Output,
		Confidence:    winner.Confidence,
		StrategyUsed:  s.name,
	}
	if v, ok := raw["winning_output"].(string); ok && v != "" {
		result.WinningOutput = v
	}
	if v, ok := raw["confidence"].(float64); ok {
		result.Confidence = v
	}
	if v, ok := raw["metadata"].(map[string]any); ok {
		result.Metadata = v
	}
	return result, nil
}

// loadScriptedStrategy interprets one plugin file and wraps its exported
// functions into a Strategy.
func loadScriptedStrategy(path string) (*scriptedStrategy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, fmt.Errorf("interp stdlib: %w", err)
	}
	if _, err := i.Eval(string(src)); err != nil {
		return nil, fmt.Errorf("eval: %w", err)
	}

	nameV, err := i.Eval("strategy.Name")
	if err != nil {
		return nil, fmt.Errorf("missing Name: %w", err)
	}
	nameFn, ok := nameV.Interface().(func() string)
	if !ok {
		return nil, fmt.Errorf("Name has wrong signature")
	}

	versionV, err := i.Eval("strategy.Version")
	if err != nil {
		return nil, fmt.Errorf("missing Version: %w", err)
	}
	versionFn, ok := versionV.Interface().(func() string)
	if !ok {
		return nil, fmt.Errorf("Version has wrong signature")
	}

	arbV, err := i.Eval("strategy.Arbitrate")
	if err != nil {
		return nil, fmt.Errorf("missing Arbitrate: %w", err)
	}
	arbFn, ok := arbV.Interface().(func([]map[string]any, map[string]any) (map[string]any, error))
	if !ok {
		return nil, fmt.Errorf("Arbitrate has wrong signature")
	}

	s := &scriptedStrategy{
		name:      nameFn(),
		version:   versionFn(),
		arbitrate: arbFn,
	}
	if s.name == "" {
		return nil, fmt.Errorf("Name returned empty string")
	}

	if valV, err := i.Eval("strategy.ValidateConfig"); err == nil {
		if valFn, ok := valV.Interface().(func(map[string]any) bool); ok {
			s.validate = valFn
		}
	}
	return s, nil
}
