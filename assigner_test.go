package concord

import (
	"math"
	"testing"
)

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestScore(t *testing.T) {
	agent := AgentDescriptor{
		ID: "a", Roles: []Role{RoleSynthesizer, RoleAnalyst},
		Domains: []string{"education"}, PriorityWeight: 0.5,
	}
	tests := []struct {
		name string
		st   Subtask
		want float64
	}{
		{
			"role overlap only",
			Subtask{RequiredRoles: []Role{RoleSynthesizer}, Domain: "other", Complexity: ComplexityMedium},
			0.4*1 + 0.2*0.5,
		},
		{
			"both roles and domain",
			Subtask{RequiredRoles: []Role{RoleSynthesizer, RoleAnalyst}, Domain: "education", Complexity: ComplexityMedium},
			0.4*2 + 0.3 + 0.2*0.5,
		},
		{
			"high complexity synthesizer bonus",
			Subtask{RequiredRoles: []Role{RoleSynthesizer}, Domain: "other", Complexity: ComplexityHigh},
			0.4*1 + 0.2*0.5 + 0.1,
		},
		{
			"no match",
			Subtask{RequiredRoles: []Role{RoleEditor}, Domain: "other", Complexity: ComplexityMedium},
			0.2 * 0.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(agent, &tt.st); !almostEqual(got, tt.want) {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScoreGeneralistBonus(t *testing.T) {
	generalist := AgentDescriptor{ID: "g", Roles: []Role{RoleGeneralist}, PriorityWeight: 0}
	st := Subtask{RequiredRoles: []Role{RoleGeneralist}, Complexity: ComplexityLow}
	if got := Score(generalist, &st); !almostEqual(got, 0.4+0.1) {
		t.Errorf("Score() = %v, want 0.5 (overlap + low-complexity bonus)", got)
	}
}

func TestAssignSubtaskTieBreak(t *testing.T) {
	reg, err := NewStaticRegistry([]AgentDescriptor{
		{ID: "beta", Roles: []Role{RoleAnalyst}, PriorityWeight: 0.5},
		{ID: "alpha", Roles: []Role{RoleAnalyst}, PriorityWeight: 0.5},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssigner(reg)
	st := &Subtask{TaskID: "t", RequiredRoles: []Role{RoleAnalyst}, Complexity: ComplexityMedium}
	id, _, ok := a.AssignSubtask(st)
	if !ok || id != "alpha" {
		t.Errorf("AssignSubtask() = %q, want alpha (lexicographic tie-break)", id)
	}
}

func TestAssignFragment(t *testing.T) {
	a := NewAssigner(testRegistry())
	f := NewFragmenter(testRegistry())
	frag, _ := f.Preview("Review this function for bugs", "code_review", "software", CoordinationStructured)

	warnings := a.Assign(frag)
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v, want none", warnings)
	}
	for _, st := range frag.Subtasks {
		if st.AssignedAgent == "" {
			t.Errorf("%s unassigned", st.TaskID)
		}
	}
	// Security review needs Code_Specialist+Challenger; gpt has the
	// specialist role and the software domain.
	if got := frag.Subtask(frag.MasterTaskID + "_security_review").AssignedAgent; got != "gpt" {
		t.Errorf("security review agent = %s, want gpt", got)
	}
}

func TestAssignNoCandidate(t *testing.T) {
	reg, err := NewStaticRegistry(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	a := NewAssigner(reg)
	frag := &TaskFragment{Subtasks: []*Subtask{
		{TaskID: "t", RequiredRoles: []Role{RoleAnalyst}, Complexity: ComplexityMedium},
	}}
	warnings := a.Assign(frag)
	if len(warnings) != 1 || warnings[0].Code != WarnUnassigned {
		t.Fatalf("warnings = %v, want one unassigned", warnings)
	}
	if frag.Subtasks[0].AssignedAgent != "" {
		t.Error("subtask should stay unassigned")
	}
}
