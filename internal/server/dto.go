package server

import (
	"encoding/json"

	"draftline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	ID      *string `json:"id,omitempty"`
	Title   string  `json:"title"`
	Content *string `json:"content,omitempty"`
}

type TransitionRequest struct {
	ToPhase        string `json:"to_phase" enum:"IDEATION,REFINEMENT,MEDIA,FACTCHECK"`
	SkipValidation bool   `json:"skip_validation,omitempty"`
}

type SkipRequest struct {
	TargetPhase string `json:"target_phase" enum:"IDEATION,REFINEMENT,MEDIA,FACTCHECK"`
}

type DispatchRequest struct {
	ProjectID      string `json:"project_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Content        string `json:"content"`
	ContentType    string `json:"content_type,omitempty"`
	PriorContext   string `json:"prior_context,omitempty"`
}

// Response payloads

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, e := range items {
		out = append(out, eventResponse(e))
	}
	return out
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
