package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// cohereProvider speaks Cohere's v2 chat API, which is close enough to the
// canonical shapes for a thin translation. The adapter advertises no
// streaming: StreamComplete returns ErrStreamingUnsupported, which the
// router treats as a terminal failure; the request is not retried on
// Complete or on another candidate.
type cohereProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

const defaultCohereBaseURL = "https://api.cohere.com"

// NewCohere creates an adapter for the Cohere chat API.
func NewCohere(name, baseURL, apiKey string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = defaultCohereBaseURL
	}
	return &cohereProvider{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (p *cohereProvider) Name() string { return p.name }

func (p *cohereProvider) SupportsFeature(name string) bool { return false }

func (p *cohereProvider) GetPricing(model string) (Pricing, bool) { return Pricing{}, false }

type cohereRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	P           *float64  `json:"p,omitempty"`
	K           *int      `json:"k,omitempty"`
	StopSequences []string `json:"stop_sequences,omitempty"`
}

type cohereResponse struct {
	ID      string `json:"id"`
	Message struct {
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Usage        struct {
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

func (p *cohereProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	wire := &cohereRequest{
		Model:         req.Model,
		Messages:      req.Messages,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		P:             req.TopP,
		K:             req.TopK,
		StopSequences: req.Stop,
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v2/chat", bytes.NewReader(body))
	if err != nil {
		return nil, transportError(p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out cohereResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(p.name, err)
	}

	var content string
	for _, c := range out.Message.Content {
		if c.Type == "text" {
			content += c.Text
		}
	}

	finish := "stop"
	if out.FinishReason == "MAX_TOKENS" {
		finish = "length"
	}

	return &ChatResponse{
		ID:      out.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Message:      Message{Role: "assistant", Content: content},
			FinishReason: finish,
		}},
		Usage: &Usage{
			PromptTokens:     int(out.Usage.Tokens.InputTokens),
			CompletionTokens: int(out.Usage.Tokens.OutputTokens),
			TotalTokens:      int(out.Usage.Tokens.InputTokens + out.Usage.Tokens.OutputTokens),
		},
	}, nil
}

func (p *cohereProvider) StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	return nil, ErrStreamingUnsupported
}

func (p *cohereProvider) HealthCheck(ctx context.Context) HealthStatus {
	start := time.Now()
	_, err := p.ListModels(ctx)
	status := HealthStatus{
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: time.Now(),
	}
	switch {
	case err == nil:
		status.State = Healthy
	case IsTransient(err):
		status.State = Degraded
		status.Message = err.Error()
	default:
		status.State = Unhealthy
		status.Message = err.Error()
	}
	return status
}

func (p *cohereProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var payload struct {
		Models []struct {
			Name          string   `json:"name"`
			ContextLength int      `json:"context_length"`
			Endpoints     []string `json:"endpoints"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, transportError(p.name, err)
	}

	models := make([]ModelInfo, 0, len(payload.Models))
	for _, m := range payload.Models {
		models = append(models, ModelInfo{
			ID:            m.Name,
			Provider:      p.name,
			ContextWindow: m.ContextLength,
			Streaming:     false,
			Capabilities:  []string{"chat"},
		})
	}
	return models, nil
}
