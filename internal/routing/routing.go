package routing

import (
	"fmt"
	"sort"
	"sync"

	"draftline/internal/agent"
	"draftline/internal/config"
)

const (
	KindNew        = "new"
	KindContinuing = "continuing"
)

// Context is the request snapshot rules match against.
type Context struct {
	Phase          string
	ProjectStatus  string
	PriorSummaries map[string]string
	ContentLength  int
	Kind           string
}

type Predicate func(Context) bool

// Rule routes matching requests to a variant. Higher priority wins; equal
// priorities resolve in insertion order. Description is for diagnostics only.
type Rule struct {
	Priority    int
	Description string
	Variant     string
	Matches     Predicate
}

// Error means routing could not produce a usable agent. The engine never
// silently substitutes a different one.
type Error struct {
	Phase   string
	Variant string
	Reason  string
}

func (e Error) Error() string {
	if e.Variant != "" {
		return fmt.Sprintf("routing %s to %s: %s", e.Phase, e.Variant, e.Reason)
	}
	return fmt.Sprintf("routing %s: %s", e.Phase, e.Reason)
}

type Engine struct {
	registry *agent.Registry

	mu    sync.RWMutex
	rules []Rule
}

func NewEngine(registry *agent.Registry) *Engine {
	return &Engine{registry: registry}
}

// Add appends a rule; insertion order is the tie-break between equal
// priorities.
func (e *Engine) Add(r Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, r)
}

// Rules returns the rule set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// Resolve picks the first matching rule by descending priority, falling back
// to the phase's default variant. The winner must list the context phase in
// its capability or Resolve fails.
func (e *Engine) Resolve(rc Context) (string, error) {
	variant := ""
	for _, r := range e.Rules() {
		if r.Matches != nil && r.Matches(rc) {
			variant = r.Variant
			break
		}
	}
	if variant == "" {
		def, ok := e.registry.DefaultFor(rc.Phase)
		if !ok {
			return "", Error{Phase: rc.Phase, Reason: "no default agent for phase"}
		}
		variant = def
	}
	if !e.registry.CanHandlePhase(variant, rc.Phase) {
		return "", Error{Phase: rc.Phase, Variant: variant, Reason: "agent capability does not cover phase"}
	}
	return variant, nil
}

// AddFromConfig turns declarative match blocks into predicate rules.
func (e *Engine) AddFromConfig(list []config.RoutingRuleConfig) {
	for _, rc := range list {
		when := rc.When
		e.Add(Rule{
			Priority:    rc.Priority,
			Description: rc.Description,
			Variant:     rc.Agent,
			Matches: func(c Context) bool {
				if when.Phase != "" && c.Phase != when.Phase {
					return false
				}
				if when.ProjectStatus != "" && c.ProjectStatus != when.ProjectStatus {
					return false
				}
				if when.Kind != "" && c.Kind != when.Kind {
					return false
				}
				if when.MinContentLength > 0 && c.ContentLength < when.MinContentLength {
					return false
				}
				if when.MaxContentLength > 0 && c.ContentLength > when.MaxContentLength {
					return false
				}
				return true
			},
		})
	}
}
