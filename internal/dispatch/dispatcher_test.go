package dispatch_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"draftline/internal/admission"
	"draftline/internal/agent"
	"draftline/internal/completion"
	"draftline/internal/config"
	"draftline/internal/db"
	"draftline/internal/dispatch"
	"draftline/internal/domain"
	"draftline/internal/migrate"
	"draftline/internal/repo"
	"draftline/internal/routing"
	"draftline/internal/workflow"
)

type testEnv struct {
	Dispatcher *dispatch.Dispatcher
	Engine     workflow.Engine
	Guard      *admission.Guard
	Stub       *completion.StubService
	DB         *sql.DB
	Ctx        context.Context
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	eng := workflow.New(conn)
	eng.Now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC) }

	reg, err := agent.NewRegistryFromConfig(cfg.Agents)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	stub := &completion.StubService{Model: "stub-1"}
	agents, err := agent.BuildAll(reg, stub)
	if err != nil {
		t.Fatalf("agents: %v", err)
	}
	router := routing.NewEngine(reg)
	router.AddFromConfig(cfg.Routing)
	guard := admission.New(admission.ConfigFrom(cfg.Limits))

	d := dispatch.New(dispatch.Deps{
		DB:         conn,
		Workflow:   eng,
		Registry:   reg,
		Agents:     agents,
		Router:     router,
		Guard:      guard,
		Completion: stub,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:     cfg.Dispatch,
	})

	ctx := context.Background()
	if _, _, err := eng.InitProject(ctx, workflow.ProjectCreateOptions{
		ID:      "proj-1",
		OwnerID: "author-1",
		Title:   "Launch post",
		Content: "Why we built the thing and what it replaces.",
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}
	return testEnv{Dispatcher: d, Engine: eng, Guard: guard, Stub: stub, DB: conn, Ctx: ctx}
}

func countRows(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query: %v", err)
	}
	return n
}

func TestDispatchPersistsExchange(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID:    "author-1",
		ProjectID: "proj-1",
		Content:   "Give me three angles for the launch post.",
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.AgentVariant != agent.VariantIdeation {
		t.Fatalf("variant = %s, want %s", resp.AgentVariant, agent.VariantIdeation)
	}
	if resp.ConversationID == "" {
		t.Fatal("no conversation id assigned")
	}
	if resp.Model != "stub-1" {
		t.Fatalf("model = %q", resp.Model)
	}
	if resp.CostUSD <= 0 || resp.PromptTokens <= 0 || resp.CompletionTokens <= 0 {
		t.Fatalf("usage not accounted: %+v", resp)
	}
	if len(resp.Suggestions) == 0 || resp.Suggestions[0].Type != "idea" {
		t.Fatalf("suggestions = %+v", resp.Suggestions)
	}

	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM conversations WHERE id = ?`, resp.ConversationID); n != 1 {
		t.Fatalf("conversations = %d", n)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, resp.ConversationID); n != 2 {
		t.Fatalf("messages = %d, want 2", n)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND role = 'agent' AND agent_variant = ?`,
		resp.ConversationID, agent.VariantIdeation); n != 1 {
		t.Fatalf("agent messages = %d", n)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM usage_events WHERE user_id = 'author-1' AND status = 'ok'`); n != 1 {
		t.Fatalf("usage rows = %d", n)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM events WHERE type = 'dispatch.completed' AND project_id = 'proj-1'`); n != 1 {
		t.Fatalf("dispatch events = %d", n)
	}

	st, err := env.Engine.GetState(env.Ctx, "proj-1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.CurrentPhase.Output == nil || *st.CurrentPhase.Output == "" {
		t.Fatal("active phase output not recorded")
	}

	if got := env.Guard.InFlight(); got != 0 {
		t.Fatalf("in flight after dispatch = %d", got)
	}
	m := env.Dispatcher.Metrics()
	if m.TotalRequests != 1 || m.TotalFailures != 0 {
		t.Fatalf("metrics = %+v", m)
	}
	am, ok := m.Agents[agent.VariantIdeation]
	if !ok || am.Requests != 1 || am.CostUSD != resp.CostUSD {
		t.Fatalf("agent metrics = %+v", am)
	}
}

func TestDispatchReusesConversation(t *testing.T) {
	env := newTestEnv(t, nil)

	first, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "Start the brainstorm.",
	})
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	second, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID:         "author-1",
		ProjectID:      "proj-1",
		ConversationID: first.ConversationID,
		Content:        "Keep going with the second angle.",
	})
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Fatalf("conversation changed: %s vs %s", second.ConversationID, first.ConversationID)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, first.ConversationID); n != 4 {
		t.Fatalf("messages = %d, want 4", n)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM conversations`); n != 1 {
		t.Fatalf("conversations = %d, want 1", n)
	}
}

func TestDispatchValidation(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "   ",
	})
	var ve dispatch.ValidationError
	if !errors.As(err, &ve) || ve.Field != "content" {
		t.Fatalf("err = %v", err)
	}

	_, err = env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "ghost", Content: "hello",
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("unknown project err = %v", err)
	}

	m := env.Dispatcher.Metrics()
	if m.ErrorsByKind["validation"] != 1 || m.ErrorsByKind["not_found"] != 1 {
		t.Fatalf("errors by kind = %+v", m.ErrorsByKind)
	}
	if env.Guard.InFlight() != 0 {
		t.Fatal("ticket leaked")
	}
}

func TestDispatchTimeoutReleasesTicket(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Dispatch.TimeoutSeconds = 1
	})
	env.Stub.Delay = 1500 * time.Millisecond

	start := time.Now()
	_, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "Slow one.",
	})
	var te dispatch.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if te.Elapsed < time.Second {
		t.Fatalf("elapsed = %v, want >= 1s", te.Elapsed)
	}
	if waited := time.Since(start); waited >= 1500*time.Millisecond {
		t.Fatalf("dispatch waited %v for the full completion", waited)
	}
	if env.Guard.InFlight() != 0 {
		t.Fatal("ticket not released on timeout")
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM usage_events WHERE status = 'error' AND error_kind = 'timeout'`); n != 1 {
		t.Fatalf("timeout usage rows = %d", n)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM events WHERE type = 'dispatch.failed'`); n != 1 {
		t.Fatalf("failure events = %d", n)
	}
	if m := env.Dispatcher.Metrics(); m.ErrorsByKind["timeout"] != 1 {
		t.Fatalf("errors by kind = %+v", m.ErrorsByKind)
	}

	// A later request succeeds once the stub is fast again.
	env.Stub.Delay = 0
	if _, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "Fast one.",
	}); err != nil {
		t.Fatalf("dispatch after timeout: %v", err)
	}
}

func TestDispatchCompletionFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	env.Stub.Err = completion.ServiceError{StatusCode: 502, Type: "bad_gateway", Message: "upstream down"}

	_, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "hello",
	})
	var se completion.ServiceError
	if !errors.As(err, &se) || se.StatusCode != 502 {
		t.Fatalf("err = %v", err)
	}
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM usage_events WHERE status = 'error' AND error_kind = 'completion'`); n != 1 {
		t.Fatalf("error usage rows = %d", n)
	}
	m := env.Dispatcher.Metrics()
	if m.TotalRequests != 1 || m.TotalFailures != 1 {
		t.Fatalf("metrics = %+v", m)
	}
	if env.Guard.InFlight() != 0 {
		t.Fatal("ticket leaked")
	}
}

func TestDispatchConcurrencyDenied(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Limits.MaxConcurrent = 1
	})

	held, err := env.Guard.Acquire("someone-else", 0)
	if err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}
	_, err = env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "hello",
	})
	var ce admission.ConcurrencyError
	if !errors.As(err, &ce) || ce.Limit != 1 {
		t.Fatalf("err = %v", err)
	}
	// Denied before admission, so no usage row is written.
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM usage_events`); n != 0 {
		t.Fatalf("usage rows = %d, want 0", n)
	}
	held.Release()

	if _, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "hello again",
	}); err != nil {
		t.Fatalf("dispatch after release: %v", err)
	}
	if m := env.Dispatcher.Metrics(); m.ErrorsByKind["concurrency"] != 1 {
		t.Fatalf("errors by kind = %+v", m.ErrorsByKind)
	}
}

func TestDispatchBudgetUsesRegistryEstimate(t *testing.T) {
	// The ideation default estimates $0.02 per request, so a $0.03 budget
	// admits two dispatches and denies the third.
	env := newTestEnv(t, func(c *config.Config) {
		c.Limits.DailyBudgetUSD = 0.03
	})

	for i := 0; i < 2; i++ {
		if _, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
			UserID: "author-1", ProjectID: "proj-1", Content: "hello",
		}); err != nil {
			t.Fatalf("dispatch %d: %v", i+1, err)
		}
	}
	_, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "hello",
	})
	var be admission.BudgetError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want budget error", err)
	}
	if be.Budget != 0.03 || be.Remaining != 0 {
		t.Fatalf("budget error = %+v", be)
	}
	if m := env.Dispatcher.Metrics(); m.ErrorsByKind["budget"] != 1 {
		t.Fatalf("errors by kind = %+v", m.ErrorsByKind)
	}
}

func TestDispatchRoutesByContentLength(t *testing.T) {
	env := newTestEnv(t, nil)
	if _, err := env.Engine.Next(env.Ctx, "proj-1", ""); err != nil {
		t.Fatalf("advance to refinement: %v", err)
	}

	long, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: strings.Repeat("a", 9000),
	})
	if err != nil {
		t.Fatalf("long dispatch: %v", err)
	}
	if long.AgentVariant != agent.VariantFactchecker {
		t.Fatalf("long draft went to %s, want %s", long.AgentVariant, agent.VariantFactchecker)
	}

	short, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "Polish the intro.",
	})
	if err != nil {
		t.Fatalf("short dispatch: %v", err)
	}
	if short.AgentVariant != agent.VariantRefiner {
		t.Fatalf("short draft went to %s, want %s", short.AgentVariant, agent.VariantRefiner)
	}
}

func TestDispatchContentTooLarge(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: strings.Repeat("a", 16001),
	})
	var tooBig agent.ContentTooLargeError
	if !errors.As(err, &tooBig) || tooBig.Max != 16000 {
		t.Fatalf("err = %v", err)
	}
	// Admitted before the size check, so the failure leaves a usage row.
	if n := countRows(t, env.DB, `SELECT COUNT(*) FROM usage_events WHERE status = 'error' AND error_kind = 'content_too_large'`); n != 1 {
		t.Fatalf("usage rows = %d", n)
	}
	if env.Guard.InFlight() != 0 {
		t.Fatal("ticket leaked")
	}
}

func TestDispatchRejectsUnknownContentType(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.Dispatcher.ProcessRequest(env.Ctx, domain.AgentRequest{
		UserID: "author-1", ProjectID: "proj-1", Content: "hello", ContentType: "video",
	})
	var ve dispatch.ValidationError
	if !errors.As(err, &ve) || ve.Field != "content_type" {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthAggregatesAgents(t *testing.T) {
	env := newTestEnv(t, nil)

	h := env.Dispatcher.Health(env.Ctx)
	if !h.Healthy || h.Completion != "ok" {
		t.Fatalf("health = %+v", h)
	}
	if len(h.Agents) != 4 {
		t.Fatalf("agents reported = %d", len(h.Agents))
	}
	for variant, status := range h.Agents {
		if status != "ok" {
			t.Fatalf("agent %s = %s", variant, status)
		}
	}

	env.Stub.Err = completion.ServiceError{StatusCode: 503, Type: "unavailable", Message: "maintenance"}
	h = env.Dispatcher.Health(env.Ctx)
	if h.Healthy || h.Completion == "ok" {
		t.Fatalf("health after outage = %+v", h)
	}
	for variant, status := range h.Agents {
		if status == "ok" {
			t.Fatalf("agent %s still ok", variant)
		}
	}
}
