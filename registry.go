package concord

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
)

// DomainPrefs lists the preferred roles for one task domain, in priority
// order. Taken from the task_domains section of the roles config.
type DomainPrefs struct {
	PreferredRoles []Role `toml:"preferred_roles"`
}

// rolesFile is the TOML shape of the roles configuration.
type rolesFile struct {
	Agents      []AgentDescriptor      `toml:"agents"`
	TaskDomains map[string]DomainPrefs `toml:"task_domains"`
}

// registrySnapshot is one immutable parse of the roles config. Readers hold
// a reference to a snapshot for the duration of a single operation; Reload
// swaps the whole snapshot atomically.
type registrySnapshot struct {
	agents  []AgentDescriptor
	byID    map[string]AgentDescriptor
	domains map[string][]Role
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets a structured logger for registry operations.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// Registry is the agent catalog: descriptors, their roles and domains, and
// per-domain role preferences. Hot-reloadable; a failed reload leaves the
// live snapshot untouched.
type Registry struct {
	path   string
	snap   atomic.Pointer[registrySnapshot]
	logger *slog.Logger
}

// NewRegistry loads the roles configuration from a TOML file. A malformed
// file is fatal at init.
func NewRegistry(path string, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{path: path, logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	snap, err := loadRolesFile(path)
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	r.logger.Info("registry: loaded", "path", path, "agents", len(snap.agents))
	return r, nil
}

// NewStaticRegistry builds a Registry from in-memory descriptors, for
// embedding and tests. Reload is a no-op for static registries.
func NewStaticRegistry(agents []AgentDescriptor, domains map[string][]Role, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{logger: nopLogger}
	for _, o := range opts {
		o(r)
	}
	snap, err := buildSnapshot(rolesFile{Agents: agents, TaskDomains: toPrefs(domains)}, "static")
	if err != nil {
		return nil, err
	}
	r.snap.Store(snap)
	return r, nil
}

func toPrefs(domains map[string][]Role) map[string]DomainPrefs {
	out := make(map[string]DomainPrefs, len(domains))
	for d, roles := range domains {
		out[d] = DomainPrefs{PreferredRoles: roles}
	}
	return out
}

// loadRolesFile parses and validates one roles config file.
func loadRolesFile(path string) (*registrySnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Source: path, Reason: err.Error()}
	}
	var file rolesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Source: path, Reason: err.Error()}
	}
	return buildSnapshot(file, path)
}

// buildSnapshot validates the parsed config and freezes it into a snapshot.
func buildSnapshot(file rolesFile, source string) (*registrySnapshot, error) {
	snap := &registrySnapshot{
		byID:    make(map[string]AgentDescriptor, len(file.Agents)),
		domains: make(map[string][]Role, len(file.TaskDomains)),
	}
	for _, a := range file.Agents {
		if a.ID == "" {
			return nil, &ConfigError{Source: source, Reason: "agent with empty agent_id"}
		}
		if _, dup := snap.byID[a.ID]; dup {
			return nil, &ConfigError{Source: source, Reason: fmt.Sprintf("duplicate agent_id %q", a.ID)}
		}
		for _, role := range a.Roles {
			if !ValidRole(role) {
				return nil, &ConfigError{Source: source, Reason: fmt.Sprintf("agent %q: unknown role %q", a.ID, role)}
			}
		}
		if a.PriorityWeight < 0 || a.PriorityWeight > 1 {
			return nil, &ConfigError{Source: source, Reason: fmt.Sprintf("agent %q: priority_weight %v out of [0,1]", a.ID, a.PriorityWeight)}
		}
		snap.byID[a.ID] = a
		snap.agents = append(snap.agents, a)
	}
	for domain, prefs := range file.TaskDomains {
		for _, role := range prefs.PreferredRoles {
			if !ValidRole(role) {
				return nil, &ConfigError{Source: source, Reason: fmt.Sprintf("domain %q: unknown role %q", domain, role)}
			}
		}
		snap.domains[domain] = prefs.PreferredRoles
	}
	return snap, nil
}

// ListAgents returns all descriptors in their configured order.
func (r *Registry) ListAgents() []AgentDescriptor {
	snap := r.snap.Load()
	out := make([]AgentDescriptor, len(snap.agents))
	copy(out, snap.agents)
	return out
}

// GetAgent returns the descriptor for the given id.
func (r *Registry) GetAgent(agentID string) (AgentDescriptor, bool) {
	snap := r.snap.Load()
	a, ok := snap.byID[agentID]
	return a, ok
}

// PriorityWeight returns the priority weight of an agent, or the supplied
// fallback when the agent is unknown.
func (r *Registry) PriorityWeight(agentID string, fallback float64) float64 {
	if a, ok := r.GetAgent(agentID); ok {
		return a.PriorityWeight
	}
	return fallback
}

// DomainPreferences returns the preferred roles for a domain in priority
// order. Unknown domains yield an empty list.
func (r *Registry) DomainPreferences(domain string) []Role {
	snap := r.snap.Load()
	prefs := snap.domains[domain]
	out := make([]Role, len(prefs))
	copy(out, prefs)
	return out
}

// Reload re-parses the configuration file and atomically replaces the
// snapshot. In-flight readers keep seeing the snapshot they loaded. A parse
// or validation failure leaves the current snapshot in place.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	snap, err := loadRolesFile(r.path)
	if err != nil {
		r.logger.Warn("registry: reload rejected", "path", r.path, "error", err)
		return err
	}
	r.snap.Store(snap)
	r.logger.Info("registry: reloaded", "path", r.path, "agents", len(snap.agents))
	return nil
}

// Watch reloads the registry whenever the config file changes on disk.
// Blocks until ctx is done. Reload failures are logged and skipped.
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		return fmt.Errorf("registry: watch requires a file-backed registry")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(r.path); err != nil {
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
			if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
				_ = r.Reload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("registry: watch error", "error", err)
		}
	}
}
