package agent

import (
	"fmt"
	"sync"

	"draftline/internal/config"
	"draftline/internal/domain"
)

const (
	VariantIdeation    = "ideation"
	VariantRefiner     = "refiner"
	VariantMedia       = "media"
	VariantFactchecker = "factchecker"
)

// phaseDefaults is the static phase-to-variant fallback used when no routing
// rule matches.
var phaseDefaults = map[string]string{
	domain.PhaseIdeation:   VariantIdeation,
	domain.PhaseRefinement: VariantRefiner,
	domain.PhaseMedia:      VariantMedia,
	domain.PhaseFactcheck:  VariantFactchecker,
}

// Capability describes what one agent variant can take on. Capabilities are
// loaded at startup and never change afterwards.
type Capability struct {
	Variant          string
	Phases           []string
	ContentTypes     []string
	MaxContextLength int
	EstimatedCostUSD float64
	Languages        []string
	Model            string
}

func (c Capability) HandlesPhase(phase string) bool {
	for _, p := range c.Phases {
		if p == phase {
			return true
		}
	}
	return false
}

func (c Capability) ProcessesContent(contentType string) bool {
	if contentType == "" {
		return true
	}
	for _, t := range c.ContentTypes {
		if t == contentType {
			return true
		}
	}
	return false
}

// ContentTooLargeError rejects a request before any network call is made.
type ContentTooLargeError struct {
	Length int
	Max    int
}

func (e ContentTooLargeError) Error() string {
	return fmt.Sprintf("content length %d exceeds the %d character limit", e.Length, e.Max)
}

// Registry answers capability questions about registered agent variants.
// Registration order is preserved for listing.
type Registry struct {
	mu    sync.RWMutex
	order []string
	caps  map[string]Capability
}

func NewRegistry() *Registry {
	return &Registry{caps: map[string]Capability{}}
}

// NewRegistryFromConfig registers every configured capability in file order.
func NewRegistryFromConfig(agents []config.AgentConfig) (*Registry, error) {
	r := NewRegistry()
	for _, a := range agents {
		err := r.Register(Capability{
			Variant:          a.Variant,
			Phases:           a.Phases,
			ContentTypes:     a.ContentTypes,
			MaxContextLength: a.MaxContextLength,
			EstimatedCostUSD: a.EstimatedCostUSD,
			Languages:        a.Languages,
			Model:            a.Model,
		})
		if err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(c Capability) error {
	if c.Variant == "" {
		return fmt.Errorf("agent: variant is required")
	}
	if len(c.Phases) == 0 {
		return fmt.Errorf("agent: %s lists no phases", c.Variant)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.caps[c.Variant]; exists {
		return fmt.Errorf("agent: %s already registered", c.Variant)
	}
	r.caps[c.Variant] = c
	r.order = append(r.order, c.Variant)
	return nil
}

func (r *Registry) Get(variant string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.caps[variant]
	return c, ok
}

// Variants lists registered variant names in registration order.
func (r *Registry) Variants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

func (r *Registry) CanHandlePhase(variant, phase string) bool {
	c, ok := r.Get(variant)
	return ok && c.HandlesPhase(phase)
}

func (r *Registry) CanProcessContent(variant, contentType string) bool {
	c, ok := r.Get(variant)
	return ok && c.ProcessesContent(contentType)
}

// MaxContextLength returns 0 for unknown variants.
func (r *Registry) MaxContextLength(variant string) int {
	c, _ := r.Get(variant)
	return c.MaxContextLength
}

// EstimatedCost returns 0 for unknown variants.
func (r *Registry) EstimatedCost(variant string) float64 {
	c, _ := r.Get(variant)
	return c.EstimatedCostUSD
}

// DefaultFor maps a phase to its default variant. The second return is false
// when the phase is unknown or its default variant is not registered.
func (r *Registry) DefaultFor(phase string) (string, bool) {
	variant, ok := phaseDefaults[phase]
	if !ok {
		return "", false
	}
	if _, registered := r.Get(variant); !registered {
		return "", false
	}
	return variant, true
}
