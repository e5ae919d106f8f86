package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"draftline/internal/admission"
	"draftline/internal/agent"
	"draftline/internal/completion"
	"draftline/internal/config"
	"draftline/internal/domain"
	"draftline/internal/events"
	"draftline/internal/repo"
	"draftline/internal/routing"
	"draftline/internal/workflow"
)

// ValidationError rejects malformed dispatch input before any gate is
// touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TimeoutError means the per-request deadline elapsed while the completion
// call was still running. The call itself is not cancelled; its late result
// is discarded.
type TimeoutError struct {
	Elapsed time.Duration
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Elapsed.Round(time.Millisecond))
}

type Deps struct {
	DB         *sql.DB
	Workflow   workflow.Engine
	Registry   *agent.Registry
	Agents     map[string]agent.Agent
	Router     *routing.Engine
	Guard      *admission.Guard
	Completion completion.Service
	Logger     *slog.Logger
	Config     config.DispatchConfig
}

// Dispatcher runs one request through admission, routing, the agent, and
// persistence. It never queues and never retries.
type Dispatcher struct {
	db         *sql.DB
	repo       repo.Repo
	events     events.Writer
	workflow   workflow.Engine
	registry   *agent.Registry
	agents     map[string]agent.Agent
	router     *routing.Engine
	guard      *admission.Guard
	completion completion.Service
	logger     *slog.Logger

	timeout       time.Duration
	historyWindow int
	excerptChars  int

	mu    sync.Mutex
	stats metricsState
}

func New(d Deps) *Dispatcher {
	timeout := time.Duration(d.Config.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	historyWindow := d.Config.HistoryWindow
	if historyWindow <= 0 {
		historyWindow = 10
	}
	excerptChars := d.Config.ContentExcerptChars
	if excerptChars <= 0 {
		excerptChars = 2000
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		db:            d.DB,
		repo:          repo.Repo{DB: d.DB},
		events:        events.Writer{DB: d.DB},
		workflow:      d.Workflow,
		registry:      d.Registry,
		agents:        d.Agents,
		router:        d.Router,
		guard:         d.Guard,
		completion:    d.Completion,
		logger:        logger.With("component", "dispatch"),
		timeout:       timeout,
		historyWindow: historyWindow,
		excerptChars:  excerptChars,
		stats:         newMetricsState(),
	}
}

type agentOutcome struct {
	resp *domain.AgentResponse
	err  error
}

// ProcessRequest validates, admits, routes, and runs one agent request, then
// persists the exchange. Failures release the admission ticket, count toward
// metrics, and propagate typed; nothing is swallowed or retried.
func (d *Dispatcher) ProcessRequest(ctx context.Context, req domain.AgentRequest) (*domain.AgentResponse, error) {
	if err := validate(req); err != nil {
		d.countError(err)
		return nil, err
	}

	st, err := d.workflow.GetState(ctx, req.ProjectID)
	if err != nil {
		d.countError(err)
		return nil, err
	}

	summaries := priorSummaries(st.Phases)
	kind := routing.KindNew
	if req.ConversationID != "" {
		if n, err := d.repo.CountMessages(ctx, req.ConversationID); err == nil && n > 0 {
			kind = routing.KindContinuing
		}
	}
	rc := routing.Context{
		Phase:          st.CurrentPhase.Type,
		ProjectStatus:  st.ProjectStatus,
		PriorSummaries: summaries,
		ContentLength:  len(req.Content),
		Kind:           kind,
	}

	estimate := 0.0
	if def, ok := d.registry.DefaultFor(st.CurrentPhase.Type); ok {
		estimate = d.registry.EstimatedCost(def)
	}
	ticket, err := d.guard.Acquire(req.UserID, estimate)
	if err != nil {
		d.countError(err)
		return nil, err
	}
	defer ticket.Release()

	variant, err := d.router.Resolve(rc)
	if err != nil {
		return nil, d.fail(ctx, req, "", err)
	}
	ag, ok := d.agents[variant]
	if !ok {
		return nil, d.fail(ctx, req, variant, routing.Error{
			Phase: st.CurrentPhase.Type, Variant: variant, Reason: "no implementation registered",
		})
	}
	if max := d.registry.MaxContextLength(variant); max > 0 && len(req.Content) > max {
		return nil, d.fail(ctx, req, variant, agent.ContentTooLargeError{Length: len(req.Content), Max: max})
	}
	if !d.registry.CanProcessContent(variant, req.ContentType) {
		return nil, d.fail(ctx, req, variant, ValidationError{
			Field: "content_type", Reason: fmt.Sprintf("%s does not process %s", variant, req.ContentType),
		})
	}

	p, err := d.repo.GetProject(ctx, req.ProjectID)
	if err != nil {
		return nil, d.fail(ctx, req, variant, err)
	}
	env := agent.ContextEnv{
		Project:        p,
		Phase:          st.CurrentPhase,
		PriorSummaries: summaries,
		ContentExcerpt: excerpt(p.Content, d.excerptChars),
	}
	if req.ConversationID != "" {
		if history, err := d.repo.RecentMessages(ctx, req.ConversationID, d.historyWindow); err == nil {
			env.History = history
		}
	}

	// The agent call keeps the caller's context: hitting the local deadline
	// abandons the wait without cancelling the underlying request. The
	// buffered channel lets the stale goroutine finish and be dropped.
	ch := make(chan agentOutcome, 1)
	start := time.Now()
	go func() {
		resp, err := ag.ProcessRequest(ctx, req, env)
		ch <- agentOutcome{resp: resp, err: err}
	}()

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		if out.err != nil {
			return nil, d.fail(ctx, req, variant, out.err)
		}
		return d.succeed(ctx, req, st, variant, out.resp)
	case <-timer.C:
		err := TimeoutError{Elapsed: time.Since(start)}
		d.logger.Warn("dispatch timed out", "project", req.ProjectID, "agent", variant, "elapsed", err.Elapsed)
		return nil, d.fail(ctx, req, variant, err)
	}
}

// succeed persists the exchange, accounts usage, and reports the outcome.
func (d *Dispatcher) succeed(ctx context.Context, req domain.AgentRequest, st domain.WorkflowState,
	variant string, resp *domain.AgentResponse) (*domain.AgentResponse, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}
	if _, err := d.repo.GetConversation(ctx, convID); errors.Is(err, repo.ErrNotFound) {
		err = d.repo.InsertConversation(ctx, domain.Conversation{
			ID: convID, ProjectID: req.ProjectID, UserID: req.UserID, CreatedAt: now,
		})
		if err != nil {
			return nil, d.fail(ctx, req, variant, fmt.Errorf("create conversation: %w", err))
		}
	} else if err != nil {
		return nil, d.fail(ctx, req, variant, err)
	}

	userMsg := domain.Message{
		ID: uuid.NewString(), ConversationID: convID, Role: "user", Content: req.Content, CreatedAt: now,
	}
	agentMsg := domain.Message{
		ID: uuid.NewString(), ConversationID: convID, Role: "agent",
		Content: resp.Content, AgentVariant: &variant, CreatedAt: now,
	}
	if err := d.repo.InsertMessage(ctx, userMsg); err != nil {
		return nil, d.fail(ctx, req, variant, fmt.Errorf("store user message: %w", err))
	}
	if err := d.repo.InsertMessage(ctx, agentMsg); err != nil {
		return nil, d.fail(ctx, req, variant, fmt.Errorf("store agent message: %w", err))
	}

	if err := d.repo.InsertUsage(ctx, domain.UsageRecord{
		UserID:           req.UserID,
		ProjectID:        req.ProjectID,
		AgentVariant:     variant,
		Model:            resp.Model,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		CostUSD:          resp.CostUSD,
		LatencyMS:        resp.ProcessingMS,
		Status:           "ok",
		TS:               now,
	}); err != nil {
		d.logger.Error("usage insert failed", "err", err)
	}
	if err := d.workflow.SetPhaseOutput(ctx, req.ProjectID, st.CurrentPhase.Type, excerpt(resp.Content, d.excerptChars)); err != nil {
		d.logger.Error("phase output update failed", "err", err)
	}
	if err := d.events.AppendDirect(ctx, events.TypeDispatchCompleted, req.ProjectID, "conversation", convID, req.UserID, events.EventPayload{
		"agent":    variant,
		"model":    resp.Model,
		"cost_usd": resp.CostUSD,
	}); err != nil {
		d.logger.Error("event append failed", "err", err)
	}

	d.recordSuccess(variant, resp)
	d.guard.RecordOutcome(req.UserID, true)
	resp.ConversationID = convID
	return resp, nil
}

// fail counts the error, records the failed outcome, and passes the error
// through unchanged.
func (d *Dispatcher) fail(ctx context.Context, req domain.AgentRequest, variant string, err error) error {
	d.countError(err)
	d.guard.RecordOutcome(req.UserID, false)
	kind := errorKind(err)
	if insertErr := d.repo.InsertUsage(ctx, domain.UsageRecord{
		UserID:       req.UserID,
		ProjectID:    req.ProjectID,
		AgentVariant: variant,
		Status:       "error",
		ErrorKind:    kind,
		TS:           time.Now().UTC().Format(time.RFC3339),
	}); insertErr != nil {
		d.logger.Error("usage insert failed", "err", insertErr)
	}
	if evtErr := d.events.AppendDirect(ctx, events.TypeDispatchFailed, req.ProjectID, "project", req.ProjectID, req.UserID, events.EventPayload{
		"agent": variant,
		"kind":  kind,
	}); evtErr != nil {
		d.logger.Error("event append failed", "err", evtErr)
	}
	d.logger.Warn("dispatch failed", "project", req.ProjectID, "agent", variant, "kind", kind, "err", err)
	return err
}

func validate(req domain.AgentRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return ValidationError{Field: "user_id", Reason: "required"}
	}
	if strings.TrimSpace(req.ProjectID) == "" {
		return ValidationError{Field: "project_id", Reason: "required"}
	}
	if strings.TrimSpace(req.Content) == "" {
		return ValidationError{Field: "content", Reason: "required"}
	}
	return nil
}

func priorSummaries(phases []domain.Phase) map[string]string {
	out := map[string]string{}
	for _, ph := range phases {
		if ph.Status == domain.PhaseCompleted && ph.Output != nil && *ph.Output != "" {
			out[ph.Type] = *ph.Output
		}
	}
	return out
}

func excerpt(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}

// Health aggregates the completion service and every agent's health check.
type Health struct {
	Healthy    bool              `json:"healthy"`
	Completion string            `json:"completion"`
	Agents     map[string]string `json:"agents"`
}

func (d *Dispatcher) Health(ctx context.Context) Health {
	h := Health{Healthy: true, Completion: "ok", Agents: map[string]string{}}
	if err := d.completion.Healthy(ctx); err != nil {
		h.Healthy = false
		h.Completion = err.Error()
	}
	for variant, ag := range d.agents {
		if err := ag.HealthCheck(ctx); err != nil {
			h.Healthy = false
			h.Agents[variant] = err.Error()
			continue
		}
		h.Agents[variant] = "ok"
	}
	return h
}
