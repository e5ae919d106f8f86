package draftlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Draftline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	// UserID is sent as X-User-ID when no APIKey or BearerToken is set.
	// The server only honors it when legacy header auth is enabled.
	UserID     string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// Project represents the API project model (partial).
type Project struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Title     string `json:"title"`
	Content   string `json:"content,omitempty"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Phase is one workflow stage of a project.
type Phase struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Status      string  `json:"status"`
	Output      *string `json:"output,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

// WorkflowState describes the project's phase machine.
type WorkflowState struct {
	ProjectID     string   `json:"project_id"`
	ProjectStatus string   `json:"project_status"`
	CurrentPhase  Phase    `json:"current_phase"`
	Phases        []Phase  `json:"phases"`
	Reachable     []string `json:"reachable"`
	Completed     []string `json:"completed"`
	Pending       []string `json:"pending"`
}

// Progress summarizes workflow completion.
type Progress struct {
	TotalPhases        int     `json:"total_phases"`
	CompletedPhases    int     `json:"completed_phases"`
	CurrentPhaseIndex  int     `json:"current_phase_index"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

// Suggestion is one structured agent suggestion.
type Suggestion struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AgentResponse is the result of a dispatched request.
type AgentResponse struct {
	Content          string       `json:"content"`
	Suggestions      []Suggestion `json:"suggestions,omitempty"`
	AgentVariant     string       `json:"agent_variant"`
	Model            string       `json:"model,omitempty"`
	ConversationID   string       `json:"conversation_id"`
	ProcessingMS     int64        `json:"processing_ms"`
	PromptTokens     int          `json:"prompt_tokens"`
	CompletionTokens int          `json:"completion_tokens"`
	CostUSD          float64      `json:"cost_usd"`
	Confidence       float64      `json:"confidence"`
}

// DispatchRequest is the input to Dispatch.
type DispatchRequest struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type,omitempty"`
	PriorContext   string `json:"prior_context,omitempty"`
}

// Limits is the caller's admission snapshot.
type Limits struct {
	WindowCount    int       `json:"window_count"`
	WindowMax      int       `json:"window_max"`
	WindowResetAt  time.Time `json:"window_reset_at"`
	DailySpentUSD  float64   `json:"daily_spent_usd"`
	DailyBudgetUSD float64   `json:"daily_budget_usd"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	TrustBonus     int       `json:"trust_bonus"`
	InFlight       int       `json:"in_flight"`
	MaxConcurrent  int       `json:"max_concurrent"`
}

// UsageSummary is one per-agent usage aggregate row.
type UsageSummary struct {
	AgentVariant     string  `json:"agent_variant"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// PaginatedEvents wraps event listings with a cursor.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
}

// APIError wraps non-2xx responses. Code and Details are populated when
// the server returned its structured error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// RetryAfterSeconds returns the suggested wait for rate-limited requests,
// or zero when the server gave none.
func (e *APIError) RetryAfterSeconds() float64 {
	if v, ok := e.Details["retry_after_seconds"].(float64); ok {
		return v
	}
	return 0
}

// CreateProject creates a project owned by the authenticated user.
func (c *Client) CreateProject(ctx context.Context, title, content string) (Project, error) {
	body := map[string]any{"title": title}
	if content != "" {
		body["content"] = content
	}
	var resp Project
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Projects lists projects owned by the authenticated user.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp []Project
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp, err
}

// GetProject fetches one project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "v0/projects/"+url.PathEscape(projectID), nil, &resp)
	return resp, err
}

// State returns the current workflow state.
func (c *Client) State(ctx context.Context, projectID string) (WorkflowState, error) {
	var resp WorkflowState
	err := c.do(ctx, http.MethodGet, c.workflowPath(projectID, "state"), nil, &resp)
	return resp, err
}

// Next completes the active phase and advances to the following one.
func (c *Client) Next(ctx context.Context, projectID string) (WorkflowState, error) {
	var resp WorkflowState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "next"), nil, &resp)
	return resp, err
}

// Previous steps back to the preceding phase.
func (c *Client) Previous(ctx context.Context, projectID string) (WorkflowState, error) {
	var resp WorkflowState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "previous"), nil, &resp)
	return resp, err
}

// Complete marks the active phase completed and advances.
func (c *Client) Complete(ctx context.Context, projectID string) (WorkflowState, error) {
	var resp WorkflowState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "complete"), nil, &resp)
	return resp, err
}

// Transition moves to a specific phase, optionally bypassing validation.
func (c *Client) Transition(ctx context.Context, projectID, toPhase string, skipValidation bool) (WorkflowState, error) {
	body := map[string]any{"to_phase": toPhase, "skip_validation": skipValidation}
	var resp WorkflowState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "transition"), body, &resp)
	return resp, err
}

// Skip jumps to the target phase without transition validation.
func (c *Client) Skip(ctx context.Context, projectID, targetPhase string) (WorkflowState, error) {
	body := map[string]any{"target_phase": targetPhase}
	var resp WorkflowState
	err := c.do(ctx, http.MethodPost, c.workflowPath(projectID, "skip"), body, &resp)
	return resp, err
}

// Progress returns workflow completion figures.
func (c *Client) Progress(ctx context.Context, projectID string) (Progress, error) {
	var resp Progress
	err := c.do(ctx, http.MethodGet, c.workflowPath(projectID, "progress"), nil, &resp)
	return resp, err
}

// Dispatch routes one request through the orchestrator.
func (c *Client) Dispatch(ctx context.Context, req DispatchRequest) (AgentResponse, error) {
	var resp AgentResponse
	err := c.do(ctx, http.MethodPost, "v0/dispatch", req, &resp)
	return resp, err
}

// Limits returns the caller's admission snapshot.
func (c *Client) Limits(ctx context.Context) (Limits, error) {
	var resp Limits
	err := c.do(ctx, http.MethodGet, "v0/me/limits", nil, &resp)
	return resp, err
}

// Usage returns per-agent usage aggregates.
func (c *Client) Usage(ctx context.Context, projectID, agentVariant string) ([]UsageSummary, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if agentVariant != "" {
		q.Set("agent", agentVariant)
	}
	endpoint := "v0/usage"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []UsageSummary
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events for a project.
func (c *Client) Events(ctx context.Context, projectID string, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, projectID, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, projectID string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if projectID != "" {
		q.Set("project_id", projectID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-ID", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) workflowPath(projectID, p string) string {
	return fmt.Sprintf("v0/workflow/%s/%s", url.PathEscape(projectID), strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
