package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pavelanni/mocktest/internal/feedback"
	"github.com/pavelanni/mocktest/internal/llm/prompts"
	"github.com/pavelanni/mocktest/internal/model"

	openai "github.com/sashabaranov/go-openai"
)

var _ feedback.Analyzer = (*Client)(nil)

// AnalysisError reports why a weak-area analysis could not be produced.
type AnalysisError struct {
	Reason  string
	Wrapped error
}

func (e *AnalysisError) Error() string {
	if e.Wrapped != nil {
		return e.Reason + ": " + e.Wrapped.Error()
	}
	return e.Reason
}

func (e *AnalysisError) Unwrap() error {
	return e.Wrapped
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api     *openai.Client
	model   string
	variant prompts.PromptVariant
}

// New creates a new LLM client. A zero timeout leaves the HTTP client
// without a deadline; callers then rely on the context.
func New(baseURL, apiKey, modelName, variant string, timeout time.Duration) (*Client, error) {
	if variant == "" {
		variant = string(prompts.PromptEncouraging)
	}
	if !prompts.IsValidVariant(variant) {
		return nil, fmt.Errorf("unknown prompt variant %q", variant)
	}
	if err := prompts.Load(prompts.Embedded()); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		api:     openai.NewClientWithConfig(config),
		model:   modelName,
		variant: prompts.PromptVariant(variant),
	}, nil
}

// Analyze asks the model to identify weak concepts behind the incorrect
// answers. The call is made once; failures are not retried.
func (c *Client) Analyze(ctx context.Context, items []model.AnalysisItem) (model.Feedback, error) {
	systemPrompt, err := prompts.BuildAnalyzePrompt(c.variant, items)
	if err != nil {
		return model.Feedback{}, &AnalysisError{Reason: "build prompt", Wrapped: err}
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: "Analyze my incorrect answers."},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.3,
	})
	if err != nil {
		return model.Feedback{}, &AnalysisError{Reason: "LLM API call", Wrapped: err}
	}

	if len(resp.Choices) == 0 {
		return model.Feedback{}, &AnalysisError{Reason: "LLM returned no choices"}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)

	fb, err := parseFeedback(raw)
	if err != nil {
		return model.Feedback{}, &AnalysisError{Reason: "parse LLM response", Wrapped: err}
	}
	return fb, nil
}

// Ping checks that the service is reachable and the key is accepted.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

type analysisResponse struct {
	Summary         string                 `json:"summary"`
	Analysis        string                 `json:"analysis"`
	Recommendations []model.Recommendation `json:"recommendations"`
}

func parseFeedback(raw string) (model.Feedback, error) {
	var resp analysisResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return model.Feedback{}, fmt.Errorf("%w (raw: %s)", err, raw)
	}

	fb := model.Feedback{
		Summary:         strings.TrimSpace(resp.Summary),
		Recommendations: resp.Recommendations,
	}
	if fb.Summary == "" {
		fb.Summary = strings.TrimSpace(resp.Analysis)
	}
	if err := feedback.Validate(fb); err != nil {
		return model.Feedback{}, err
	}
	return fb, nil
}

// extractJSON trims any prose or code fence around the first JSON object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return raw
	}
	return raw[start : end+1]
}
