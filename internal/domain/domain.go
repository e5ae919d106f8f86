package domain

const (
	PhaseIdeation   = "IDEATION"
	PhaseRefinement = "REFINEMENT"
	PhaseMedia      = "MEDIA"
	PhaseFactcheck  = "FACTCHECK"
)

// PhaseOrder is the canonical workflow sequence.
var PhaseOrder = []string{PhaseIdeation, PhaseRefinement, PhaseMedia, PhaseFactcheck}

func PhaseIndex(phaseType string) int {
	for i, t := range PhaseOrder {
		if t == phaseType {
			return i
		}
	}
	return -1
}

func ValidPhaseType(phaseType string) bool {
	return PhaseIndex(phaseType) >= 0
}

const (
	ProjectDraft      = "DRAFT"
	ProjectInProgress = "IN_PROGRESS"
	ProjectCompleted  = "COMPLETED"
	ProjectArchived   = "ARCHIVED"
)

const (
	PhasePending   = "PENDING"
	PhaseActive    = "ACTIVE"
	PhaseCompleted = "COMPLETED"
)

type Project struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id"`
	Title         string  `json:"title"`
	Content       string  `json:"content,omitempty"`
	Status        string  `json:"status" enum:"DRAFT,IN_PROGRESS,COMPLETED,ARCHIVED"`
	ActivePhaseID *string `json:"active_phase_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type Phase struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	Type        string  `json:"type" enum:"IDEATION,REFINEMENT,MEDIA,FACTCHECK"`
	Status      string  `json:"status" enum:"PENDING,ACTIVE,COMPLETED"`
	Output      *string `json:"output,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// WorkflowState is derived from the project and its phases on every read.
type WorkflowState struct {
	ProjectID     string   `json:"project_id"`
	ProjectStatus string   `json:"project_status"`
	CurrentPhase  Phase    `json:"current_phase"`
	Phases        []Phase  `json:"phases"`
	Reachable     []string `json:"reachable"`
	Completed     []string `json:"completed"`
	Pending       []string `json:"pending"`
}

type Progress struct {
	TotalPhases        int     `json:"total_phases"`
	CompletedPhases    int     `json:"completed_phases"`
	CurrentPhaseIndex  int     `json:"current_phase_index"`
	ProgressPercentage float64 `json:"progress_percentage"`
}

type User struct {
	ID             string   `json:"id"`
	DisplayName    string   `json:"display_name,omitempty"`
	DailyBudgetUSD *float64 `json:"daily_budget_usd,omitempty"`
	RateLimitMax   *int     `json:"rate_limit_max,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type Conversation struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	UserID    string `json:"user_id"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Message struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role" enum:"user,agent"`
	Content        string  `json:"content"`
	AgentVariant   *string `json:"agent_variant,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type AgentRequest struct {
	UserID         string `json:"user_id"`
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type,omitempty"`
	PriorContext   string `json:"prior_context,omitempty"`
}

type Suggestion struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

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

type UsageRecord struct {
	ID               int64   `json:"id"`
	UserID           string  `json:"user_id"`
	ProjectID        string  `json:"project_id"`
	AgentVariant     string  `json:"agent_variant"`
	Model            string  `json:"model,omitempty"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMS        int64   `json:"latency_ms"`
	Status           string  `json:"status" enum:"ok,error"`
	ErrorKind        string  `json:"error_kind,omitempty"`
	TS               string  `json:"ts" format:"date-time"`
}

type UsageSummary struct {
	AgentVariant     string  `json:"agent_variant"`
	Requests         int64   `json:"requests"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	AvgLatencyMS     float64 `json:"avg_latency_ms"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
