package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"draftline/internal/config"
)

// HTTPService talks to an OpenAI-compatible chat-completions endpoint.
type HTTPService struct {
	BaseURL             string
	APIKey              string
	Model               string
	FallbackModel       string
	PromptRatePer1K     float64
	CompletionRatePer1K float64
	HTTPClient          *http.Client
}

var _ Service = (*HTTPService)(nil)

func NewHTTPService(cfg config.CompletionConfig) *HTTPService {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPService{
		BaseURL:             cfg.BaseURL,
		APIKey:              os.Getenv(cfg.APIKeyEnv),
		Model:               cfg.Model,
		FallbackModel:       cfg.FallbackModel,
		PromptRatePer1K:     cfg.PromptRatePer1K,
		CompletionRatePer1K: cfg.CompletionRatePer1K,
		HTTPClient:          &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete posts one chat request. A rate-limited or 5xx primary response is
// retried once against the fallback model before the error surfaces.
func (s *HTTPService) Complete(ctx context.Context, req Request) (*Result, error) {
	model := req.Hints.Model
	if model == "" {
		model = s.Model
	}
	res, err := s.call(ctx, req, model)
	if err == nil {
		return res, nil
	}
	if svcErr, ok := asServiceError(err); ok && retryable(svcErr.StatusCode) &&
		s.FallbackModel != "" && s.FallbackModel != model {
		return s.call(ctx, req, s.FallbackModel)
	}
	return nil, err
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func asServiceError(err error) (ServiceError, bool) {
	svcErr, ok := err.(ServiceError)
	return svcErr, ok
}

func (s *HTTPService) call(ctx context.Context, req Request, model string) (*Result, error) {
	if s.BaseURL == "" {
		return nil, fmt.Errorf("completion service misconfigured: empty base URL")
	}
	messages := make([]chatMessage, 0, 2)
	if strings.TrimSpace(req.SystemContext) != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.SystemContext})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.Hints.MaxTokens,
		Temperature: req.Hints.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal completion payload: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new completion request: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := s.HTTPClient.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("completion call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		svcErr := ServiceError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var parsed chatResponse
		if json.Unmarshal(raw, &parsed) == nil && parsed.Error != nil {
			svcErr.Type = parsed.Error.Type
			svcErr.Message = parsed.Error.Message
		}
		return nil, svcErr
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse completion response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, ServiceError{StatusCode: resp.StatusCode, Type: "empty_response", Message: "response had no choices"}
	}
	usedModel := parsed.Model
	if usedModel == "" {
		usedModel = model
	}
	return &Result{
		Content:          parsed.Choices[0].Message.Content,
		PromptTokens:     parsed.Usage.PromptTokens,
		CompletionTokens: parsed.Usage.CompletionTokens,
		CostUSD:          s.cost(parsed.Usage.PromptTokens, parsed.Usage.CompletionTokens),
		Model:            usedModel,
	}, nil
}

func (s *HTTPService) cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*s.PromptRatePer1K +
		float64(completionTokens)/1000*s.CompletionRatePer1K
}

// Healthy checks configuration; it does not probe the remote endpoint.
func (s *HTTPService) Healthy(_ context.Context) error {
	if s.BaseURL == "" {
		return fmt.Errorf("completion service misconfigured: empty base URL")
	}
	if s.APIKey == "" {
		return fmt.Errorf("completion service misconfigured: no API key in environment")
	}
	return nil
}
