package agent

import (
	"context"
	"strings"
	"testing"

	"draftline/internal/completion"
	"draftline/internal/config"
	"draftline/internal/domain"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistryFromConfig(config.Default().Agents)
	if err != nil {
		t.Fatalf("registry from config: %v", err)
	}
	return reg
}

func TestRegistryCapabilityQueries(t *testing.T) {
	reg := testRegistry(t)
	if !reg.CanHandlePhase(VariantIdeation, domain.PhaseIdeation) {
		t.Fatalf("ideation should handle IDEATION")
	}
	if reg.CanHandlePhase(VariantIdeation, domain.PhaseFactcheck) {
		t.Fatalf("ideation should not handle FACTCHECK")
	}
	if !reg.CanHandlePhase(VariantFactchecker, domain.PhaseRefinement) {
		t.Fatalf("factchecker should also handle REFINEMENT")
	}
	if !reg.CanProcessContent(VariantRefiner, "markdown") {
		t.Fatalf("refiner should process markdown")
	}
	if reg.CanProcessContent(VariantRefiner, "video") {
		t.Fatalf("refiner should not process video")
	}
	if reg.MaxContextLength(VariantFactchecker) != 32000 {
		t.Fatalf("unexpected max context %d", reg.MaxContextLength(VariantFactchecker))
	}
	if reg.EstimatedCost("nope") != 0 {
		t.Fatalf("unknown variant should cost 0")
	}
}

func TestRegistryDefaultsTable(t *testing.T) {
	reg := testRegistry(t)
	cases := map[string]string{
		domain.PhaseIdeation:   VariantIdeation,
		domain.PhaseRefinement: VariantRefiner,
		domain.PhaseMedia:      VariantMedia,
		domain.PhaseFactcheck:  VariantFactchecker,
	}
	for phase, want := range cases {
		got, ok := reg.DefaultFor(phase)
		if !ok || got != want {
			t.Fatalf("default for %s: got %s/%v, want %s", phase, got, ok, want)
		}
	}
	if _, ok := reg.DefaultFor("PUBLISH"); ok {
		t.Fatalf("unknown phase should have no default")
	}
}

func TestRegistryPreservesOrderAndRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	for _, v := range []string{"b", "a", "c"} {
		if err := reg.Register(Capability{Variant: v, Phases: []string{domain.PhaseIdeation}}); err != nil {
			t.Fatalf("register %s: %v", v, err)
		}
	}
	got := reg.Variants()
	if strings.Join(got, ",") != "b,a,c" {
		t.Fatalf("expected registration order, got %v", got)
	}
	if err := reg.Register(Capability{Variant: "a", Phases: []string{domain.PhaseIdeation}}); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if err := reg.Register(Capability{Variant: "d"}); err == nil {
		t.Fatalf("expected error for variant without phases")
	}
}

func TestBulletExtraction(t *testing.T) {
	content := "Here are some angles:\n- lead with the numbers\n* open on a story\n3. invert the structure\nnot a bullet"
	lines := bulletLines(content)
	if len(lines) != 3 {
		t.Fatalf("expected 3 bullets, got %v", lines)
	}
	if lines[2] != "invert the structure" {
		t.Fatalf("unexpected numbered item %q", lines[2])
	}
}

func TestVariantSuggestionTypes(t *testing.T) {
	body := "- first item\n- second item"
	if s := extractIdeas(body); len(s) != 2 || s[0].Type != "idea" {
		t.Fatalf("ideas: %v", s)
	}
	if s := extractRevisions(body + "\nConsider merging both sections."); len(s) != 3 || s[2].Type != "revision" {
		t.Fatalf("revisions: %v", s)
	}
	if s := extractMediaIdeas("- a chart\nsee https://example.com/img.png here"); len(s) != 2 || s[1].Text != "https://example.com/img.png" {
		t.Fatalf("media: %v", s)
	}
	if s := extractClaims("- GDP doubled in 2020\nThe founding date is unverified."); len(s) != 2 || s[0].Type != "claim" {
		t.Fatalf("claims: %v", s)
	}
}

func TestBuildSystemContextSections(t *testing.T) {
	cap := Capability{Variant: VariantRefiner, Phases: []string{domain.PhaseRefinement}}
	a := NewRefiner(cap, &completion.StubService{})
	variant := VariantIdeation
	env := ContextEnv{
		Project:        domain.Project{Title: "Launch post", Status: domain.ProjectInProgress},
		Phase:          domain.Phase{Type: domain.PhaseRefinement},
		ContentExcerpt: "We built a thing.",
		PriorSummaries: map[string]string{domain.PhaseIdeation: "angle: developer pain"},
		History: []domain.Message{
			{Role: "user", Content: "make it punchier"},
			{Role: "agent", Content: "done", AgentVariant: &variant},
		},
	}
	got := a.BuildSystemContext(domain.AgentRequest{ContentType: "markdown"}, env)
	for _, want := range []string{
		"Launch post",
		"phase REFINEMENT",
		"Content type: markdown",
		"We built a thing.",
		"Earlier IDEATION output",
		"angle: developer pain",
		"user: make it punchier",
		"ideation: done",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("system context missing %q:\n%s", want, got)
		}
	}
}

func TestProcessRequestThroughStub(t *testing.T) {
	reg := testRegistry(t)
	cap, _ := reg.Get(VariantIdeation)
	a, err := Build(cap, &completion.StubService{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res, err := a.ProcessRequest(context.Background(), domain.AgentRequest{
		UserID:         "u1",
		ProjectID:      "p1",
		ConversationID: "c1",
		Content:        "give me five angles",
	}, ContextEnv{Project: domain.Project{Title: "t"}, Phase: domain.Phase{Type: domain.PhaseIdeation}})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.AgentVariant != VariantIdeation {
		t.Fatalf("unexpected variant %s", res.AgentVariant)
	}
	if res.ConversationID != "c1" {
		t.Fatalf("unexpected conversation %s", res.ConversationID)
	}
	if len(res.Suggestions) == 0 {
		t.Fatalf("expected suggestions extracted from stub output")
	}
	if res.PromptTokens == 0 || res.CostUSD <= 0 {
		t.Fatalf("expected usage accounting, got %+v", res)
	}
	if res.Confidence <= 0 || res.Confidence > 1 {
		t.Fatalf("confidence out of range: %v", res.Confidence)
	}
}

func TestBuildUnknownVariant(t *testing.T) {
	_, err := Build(Capability{Variant: "ghostwriter"}, &completion.StubService{})
	if err == nil {
		t.Fatalf("expected error for unknown variant")
	}
}
