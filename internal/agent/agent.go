package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"draftline/internal/completion"
	"draftline/internal/domain"
)

// ContextEnv carries everything an agent may fold into its system context:
// the project, the phase being worked, the bounded recent conversation, and
// outputs of earlier phases.
type ContextEnv struct {
	Project        domain.Project
	Phase          domain.Phase
	History        []domain.Message
	PriorSummaries map[string]string
	ContentExcerpt string
}

type Agent interface {
	Variant() string
	BuildSystemContext(req domain.AgentRequest, env ContextEnv) string
	ProcessRequest(ctx context.Context, req domain.AgentRequest, env ContextEnv) (*domain.AgentResponse, error)
	HealthCheck(ctx context.Context) error
}

type base struct {
	cap Capability
	svc completion.Service
}

func (b base) Variant() string { return b.cap.Variant }

func (b base) HealthCheck(ctx context.Context) error {
	return b.svc.Healthy(ctx)
}

func (b base) compose(prompt string, req domain.AgentRequest, env ContextEnv) string {
	var sb strings.Builder
	sb.WriteString(prompt)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Project: %s (status %s, phase %s)\n", env.Project.Title, env.Project.Status, env.Phase.Type)
	if req.ContentType != "" {
		fmt.Fprintf(&sb, "Content type: %s\n", req.ContentType)
	}
	if env.ContentExcerpt != "" {
		fmt.Fprintf(&sb, "Current draft excerpt:\n%s\n", env.ContentExcerpt)
	}
	for _, t := range domain.PhaseOrder {
		if s := env.PriorSummaries[t]; s != "" {
			fmt.Fprintf(&sb, "Earlier %s output:\n%s\n", t, s)
		}
	}
	if req.PriorContext != "" {
		fmt.Fprintf(&sb, "Caller context:\n%s\n", req.PriorContext)
	}
	if len(env.History) > 0 {
		sb.WriteString("Recent conversation:\n")
		for _, m := range env.History {
			role := m.Role
			if m.AgentVariant != nil {
				role = *m.AgentVariant
			}
			fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (b base) process(ctx context.Context, req domain.AgentRequest, sysCtx string,
	extract func(string) []domain.Suggestion, baseline float64) (*domain.AgentResponse, error) {
	start := time.Now()
	res, err := b.svc.Complete(ctx, completion.Request{
		Prompt:        req.Content,
		SystemContext: sysCtx,
		Hints:         completion.Hints{Model: b.cap.Model},
	})
	if err != nil {
		return nil, err
	}
	return &domain.AgentResponse{
		Content:          res.Content,
		Suggestions:      extract(res.Content),
		AgentVariant:     b.cap.Variant,
		Model:            res.Model,
		ConversationID:   req.ConversationID,
		ProcessingMS:     time.Since(start).Milliseconds(),
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CostUSD:          res.CostUSD,
		Confidence:       scoreConfidence(baseline, res.Content),
	}, nil
}

// scoreConfidence discounts very short outputs; the baseline is per variant.
func scoreConfidence(baseline float64, content string) float64 {
	if len(strings.TrimSpace(content)) < 80 {
		return baseline * 0.8
	}
	return baseline
}

const (
	ideationPrompt = "You are a brainstorming partner for early-stage content ideas. " +
		"Offer distinct angles, hooks, and outlines as short bullet points."
	refinerPrompt = "You are an editor refining a working draft. " +
		"Improve clarity, structure, and flow; list concrete revisions as bullet points."
	mediaPrompt = "You suggest visual and media treatments for a near-final draft. " +
		"Propose images, diagrams, pull quotes, and embeds as bullet points."
	factcheckerPrompt = "You verify claims in a draft before publication. " +
		"List each claim that needs a source or correction as a bullet point."
)

type Ideation struct{ base }

func NewIdeation(cap Capability, svc completion.Service) *Ideation {
	return &Ideation{base{cap: cap, svc: svc}}
}

func (a *Ideation) BuildSystemContext(req domain.AgentRequest, env ContextEnv) string {
	return a.compose(ideationPrompt, req, env)
}

func (a *Ideation) ProcessRequest(ctx context.Context, req domain.AgentRequest, env ContextEnv) (*domain.AgentResponse, error) {
	return a.process(ctx, req, a.BuildSystemContext(req, env), extractIdeas, 0.70)
}

type Refiner struct{ base }

func NewRefiner(cap Capability, svc completion.Service) *Refiner {
	return &Refiner{base{cap: cap, svc: svc}}
}

func (a *Refiner) BuildSystemContext(req domain.AgentRequest, env ContextEnv) string {
	return a.compose(refinerPrompt, req, env)
}

func (a *Refiner) ProcessRequest(ctx context.Context, req domain.AgentRequest, env ContextEnv) (*domain.AgentResponse, error) {
	return a.process(ctx, req, a.BuildSystemContext(req, env), extractRevisions, 0.80)
}

type Media struct{ base }

func NewMedia(cap Capability, svc completion.Service) *Media {
	return &Media{base{cap: cap, svc: svc}}
}

func (a *Media) BuildSystemContext(req domain.AgentRequest, env ContextEnv) string {
	return a.compose(mediaPrompt, req, env)
}

func (a *Media) ProcessRequest(ctx context.Context, req domain.AgentRequest, env ContextEnv) (*domain.AgentResponse, error) {
	return a.process(ctx, req, a.BuildSystemContext(req, env), extractMediaIdeas, 0.65)
}

type Factchecker struct{ base }

func NewFactchecker(cap Capability, svc completion.Service) *Factchecker {
	return &Factchecker{base{cap: cap, svc: svc}}
}

func (a *Factchecker) BuildSystemContext(req domain.AgentRequest, env ContextEnv) string {
	return a.compose(factcheckerPrompt, req, env)
}

func (a *Factchecker) ProcessRequest(ctx context.Context, req domain.AgentRequest, env ContextEnv) (*domain.AgentResponse, error) {
	return a.process(ctx, req, a.BuildSystemContext(req, env), extractClaims, 0.85)
}

// Build returns the implementation for a capability's variant.
func Build(cap Capability, svc completion.Service) (Agent, error) {
	switch cap.Variant {
	case VariantIdeation:
		return NewIdeation(cap, svc), nil
	case VariantRefiner:
		return NewRefiner(cap, svc), nil
	case VariantMedia:
		return NewMedia(cap, svc), nil
	case VariantFactchecker:
		return NewFactchecker(cap, svc), nil
	default:
		return nil, fmt.Errorf("agent: no implementation for variant %s", cap.Variant)
	}
}

// BuildAll constructs one agent per registered capability, keyed by variant.
func BuildAll(reg *Registry, svc completion.Service) (map[string]Agent, error) {
	agents := make(map[string]Agent)
	for _, variant := range reg.Variants() {
		cap, _ := reg.Get(variant)
		a, err := Build(cap, svc)
		if err != nil {
			return nil, err
		}
		agents[variant] = a
	}
	return agents, nil
}
