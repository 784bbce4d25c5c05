package template

import (
	"strings"
	"testing"

	"genline/internal/domain"
)

func testBrief() domain.Brief {
	return domain.Brief{
		Name:         "ledger-service",
		Languages:    []string{"go"},
		Requirements: []string{"double-entry bookkeeping", "idempotent settles"},
	}
}

func TestRenderDesign(t *testing.T) {
	r, err := NewEmbedded()
	if err != nil {
		t.Fatal(err)
	}
	out, err := r.Render("design", Context{Brief: testBrief()})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"ledger-service", "go", "double-entry bookkeeping"} {
		if !strings.Contains(out, want) {
			t.Errorf("prompt missing %q:\n%s", want, out)
		}
	}
}

func TestRenderPlanIncludesDesign(t *testing.T) {
	r, _ := NewEmbedded()
	ctx := Context{
		Brief: testBrief(),
		Artifacts: map[string]*domain.Artifact{
			"design": {Kind: domain.KindDesign, Design: &domain.DesignDoc{
				Title:    "Ledger Design",
				Sections: []domain.Section{{Heading: "Data Model", Body: "one table"}},
			}},
		},
	}
	out, err := r.Render("plan", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Ledger Design") || !strings.Contains(out, "Data Model") {
		t.Fatalf("prompt missing design content:\n%s", out)
	}
}

func TestRenderPhaseDetailIncludesPlan(t *testing.T) {
	r, _ := NewEmbedded()
	ctx := Context{
		Brief: testBrief(),
		Artifacts: map[string]*domain.Artifact{
			"plan": {Kind: domain.KindPlan, Plan: &domain.Plan{
				Phases: []domain.PlanPhase{{Number: 1, Name: "Skeleton"}, {Number: 2, Name: "Core"}},
			}},
		},
		Stage: &domain.StageState{ID: "phase-2", Kind: domain.KindPhaseDetail},
	}
	out, err := r.Render("phase_detail", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Phase 2: Core") || !strings.Contains(out, "phase-2") {
		t.Fatalf("prompt missing plan content:\n%s", out)
	}
}

func TestRenderHandoffIncludesPhases(t *testing.T) {
	r, _ := NewEmbedded()
	ctx := Context{
		Brief: testBrief(),
		Artifacts: map[string]*domain.Artifact{
			"plan": {Kind: domain.KindPlan, Plan: &domain.Plan{
				Phases: []domain.PlanPhase{{Number: 1, Name: "Skeleton"}},
			}},
			"phase-1": {Kind: domain.KindPhaseDetail, Phase: &domain.PhaseDetail{
				Phase: 1, Steps: []string{"init repo"},
			}},
		},
	}
	out, err := r.Render("handoff", ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "init repo") {
		t.Fatalf("prompt missing phase steps:\n%s", out)
	}
}

func TestRenderUnknownTemplate(t *testing.T) {
	r, _ := NewEmbedded()
	if _, err := r.Render("nope", Context{}); err == nil {
		t.Fatal("expected error")
	}
}
