package dispatch

import (
	"context"
	"errors"

	"draftline/internal/admission"
	"draftline/internal/agent"
	"draftline/internal/completion"
	"draftline/internal/domain"
	"draftline/internal/repo"
	"draftline/internal/routing"
	"draftline/internal/workflow"
)

type AgentMetrics struct {
	Requests         int64   `json:"requests"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

type Metrics struct {
	TotalRequests int64                   `json:"total_requests"`
	TotalFailures int64                   `json:"total_failures"`
	Agents        map[string]AgentMetrics `json:"agents"`
	ErrorsByKind  map[string]int64        `json:"errors_by_kind"`
}

type agentStats struct {
	requests         int64
	totalLatencyMS   int64
	promptTokens     int64
	completionTokens int64
	costUSD          float64
}

type metricsState struct {
	total    int64
	failures int64
	agents   map[string]*agentStats
	errors   map[string]int64
}

func newMetricsState() metricsState {
	return metricsState{
		agents: map[string]*agentStats{},
		errors: map[string]int64{},
	}
}

func (d *Dispatcher) recordSuccess(variant string, resp *domain.AgentResponse) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.total++
	s := d.stats.agents[variant]
	if s == nil {
		s = &agentStats{}
		d.stats.agents[variant] = s
	}
	s.requests++
	s.totalLatencyMS += resp.ProcessingMS
	s.promptTokens += int64(resp.PromptTokens)
	s.completionTokens += int64(resp.CompletionTokens)
	s.costUSD += resp.CostUSD
}

func (d *Dispatcher) countError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stats.total++
	d.stats.failures++
	d.stats.errors[errorKind(err)]++
}

// Metrics returns a point-in-time copy; averages are derived from totals.
func (d *Dispatcher) Metrics() Metrics {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := Metrics{
		TotalRequests: d.stats.total,
		TotalFailures: d.stats.failures,
		Agents:        make(map[string]AgentMetrics, len(d.stats.agents)),
		ErrorsByKind:  make(map[string]int64, len(d.stats.errors)),
	}
	for variant, s := range d.stats.agents {
		m := AgentMetrics{
			Requests:         s.requests,
			PromptTokens:     s.promptTokens,
			CompletionTokens: s.completionTokens,
			CostUSD:          s.costUSD,
		}
		if s.requests > 0 {
			m.AvgLatencyMS = float64(s.totalLatencyMS) / float64(s.requests)
		}
		out.Agents[variant] = m
	}
	for kind, n := range d.stats.errors {
		out.ErrorsByKind[kind] = n
	}
	return out
}

// errorKind buckets an error for metrics and usage rows.
func errorKind(err error) string {
	var (
		ve      ValidationError
		te      TimeoutError
		concErr admission.ConcurrencyError
		rateErr admission.RateLimitError
		budgErr admission.BudgetError
		tooBig  agent.ContentTooLargeError
		routErr routing.Error
		invTr   workflow.InvalidTransitionError
		integ   workflow.IntegrityError
		svcErr  completion.ServiceError
	)
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &concErr):
		return "concurrency"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &budgErr):
		return "budget"
	case errors.As(err, &tooBig):
		return "content_too_large"
	case errors.As(err, &routErr):
		return "routing"
	case errors.As(err, &invTr):
		return "invalid_transition"
	case errors.As(err, &integ):
		return "integrity"
	case errors.As(err, &svcErr):
		return "completion"
	case errors.Is(err, repo.ErrNotFound):
		return "not_found"
	case errors.Is(err, workflow.ErrAlreadyFinal):
		return "already_final"
	case errors.Is(err, workflow.ErrAlreadyFirst):
		return "already_first"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
