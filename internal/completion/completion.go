package completion

import (
	"context"
	"fmt"
)

// Hints tune a single completion call; zero values defer to service config.
type Hints struct {
	Model       string
	MaxTokens   int
	Temperature float64
}

type Request struct {
	Prompt        string
	SystemContext string
	Hints         Hints
}

type Result struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
	Model            string
}

// Service is the single seam to the text-generation backend. Callers treat
// Complete as one atomic, possibly slow, possibly failing call.
type Service interface {
	Complete(ctx context.Context, req Request) (*Result, error)
	Healthy(ctx context.Context) error
}

// ServiceError reports a provider failure after any internal fallback has
// been exhausted.
type ServiceError struct {
	StatusCode int
	Type       string
	Message    string
}

func (e ServiceError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("completion service %d (%s): %s", e.StatusCode, e.Type, e.Message)
	}
	return fmt.Sprintf("completion service %d: %s", e.StatusCode, e.Message)
}
