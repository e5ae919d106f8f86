package completion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// StubService is a deterministic in-process Service for tests, local runs,
// and `dl dispatch --stub`. Delay and Err are read per call, so tests can
// script slow or failing behavior between dispatches.
type StubService struct {
	Delay time.Duration
	Err   error
	Model string

	mu    sync.Mutex
	calls int
}

var _ Service = (*StubService)(nil)

func (s *StubService) Complete(ctx context.Context, req Request) (*Result, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	s.calls++
	err := s.Err
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	model := s.Model
	if model == "" {
		model = "stub"
	}
	excerpt := req.Prompt
	if len(excerpt) > 120 {
		excerpt = excerpt[:120]
	}
	content := fmt.Sprintf("Draft response for: %s\n- tighten the opening paragraph\n- add one concrete example\n", excerpt)
	promptTokens := approxTokens(req.SystemContext) + approxTokens(req.Prompt)
	completionTokens := approxTokens(content)
	return &Result{
		Content:          content,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          float64(promptTokens+completionTokens) / 1000 * 0.0002,
		Model:            model,
	}, nil
}

func (s *StubService) Healthy(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// Calls reports how many Complete invocations ran, including failed ones.
func (s *StubService) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func approxTokens(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(s)/4 + 1
}
