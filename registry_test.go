package concord

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

const rolesTOML = `
[[agents]]
agent_id = "claude"
agent_name = "Claude"
roles = ["Synthesizer", "Explainer"]
domains = ["education"]
priority_weight = 0.9
cost_per_1k_tokens = 0.015

[[agents]]
agent_id = "gpt"
agent_name = "GPT"
roles = ["Analyst", "Code_Specialist"]
domains = ["software"]
priority_weight = 0.8

[task_domains.education]
preferred_roles = ["Explainer", "Synthesizer"]
`

func writeRoles(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roles.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRegistryLoad(t *testing.T) {
	reg, err := NewRegistry(writeRoles(t, rolesTOML))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	agents := reg.ListAgents()
	if len(agents) != 2 {
		t.Fatalf("ListAgents() = %d agents, want 2", len(agents))
	}
	// Configured order is stable.
	if agents[0].ID != "claude" || agents[1].ID != "gpt" {
		t.Errorf("order = [%s %s], want [claude gpt]", agents[0].ID, agents[1].ID)
	}

	a, ok := reg.GetAgent("claude")
	if !ok || a.Name != "Claude" || !a.HasRole(RoleSynthesizer) {
		t.Errorf("GetAgent(claude) = %+v, %v", a, ok)
	}
	if _, ok := reg.GetAgent("nobody"); ok {
		t.Error("GetAgent(nobody) = true, want false")
	}

	if w := reg.PriorityWeight("gpt", 0.5); w != 0.8 {
		t.Errorf("PriorityWeight(gpt) = %v, want 0.8", w)
	}
	if w := reg.PriorityWeight("nobody", 0.5); w != 0.5 {
		t.Errorf("PriorityWeight(nobody) = %v, want fallback 0.5", w)
	}

	prefs := reg.DomainPreferences("education")
	if len(prefs) != 2 || prefs[0] != RoleExplainer {
		t.Errorf("DomainPreferences(education) = %v", prefs)
	}
	if prefs := reg.DomainPreferences("unknown"); len(prefs) != 0 {
		t.Errorf("DomainPreferences(unknown) = %v, want empty", prefs)
	}
}

func TestRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"empty id", `[[agents]]
agent_name = "X"
roles = ["Analyst"]`},
		{"duplicate id", `[[agents]]
agent_id = "a"
roles = ["Analyst"]
[[agents]]
agent_id = "a"
roles = ["Analyst"]`},
		{"unknown role", `[[agents]]
agent_id = "a"
roles = ["Wizard"]`},
		{"weight out of range", `[[agents]]
agent_id = "a"
roles = ["Analyst"]
priority_weight = 1.5`},
		{"unknown domain role", `[task_domains.x]
preferred_roles = ["Wizard"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(writeRoles(t, tt.toml))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("NewRegistry() error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestRegistryReload(t *testing.T) {
	path := writeRoles(t, rolesTOML)
	reg, err := NewRegistry(path)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	// Malformed rewrite: reload fails, snapshot untouched.
	if err := os.WriteFile(path, []byte("agents = 3"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err == nil {
		t.Error("Reload() with malformed file = nil, want error")
	}
	if len(reg.ListAgents()) != 2 {
		t.Errorf("agents after failed reload = %d, want 2", len(reg.ListAgents()))
	}

	// Valid rewrite swaps the snapshot.
	if err := os.WriteFile(path, []byte(`[[agents]]
agent_id = "solo"
roles = ["Generalist"]
priority_weight = 0.5`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := reg.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	agents := reg.ListAgents()
	if len(agents) != 1 || agents[0].ID != "solo" {
		t.Errorf("agents after reload = %v, want [solo]", agents)
	}
}

func TestStaticRegistryValidation(t *testing.T) {
	_, err := NewStaticRegistry([]AgentDescriptor{
		{ID: "a", Roles: []Role{"NotARole"}},
	}, nil)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Errorf("NewStaticRegistry() error = %v, want *ConfigError", err)
	}
}
