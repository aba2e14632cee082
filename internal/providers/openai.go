package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"localrouter/pkg/logging"
)

// openAICompatible implements the Provider contract for any backend
// speaking the OpenAI chat completions wire protocol. The canonical shapes
// already are OpenAI's, so translation is a pass-through plus extension
// merging; streaming decodes the native SSE chunk format directly.
//
// OpenAI itself, OpenRouter, Ollama and LM Studio all share this core with
// different endpoints and header conventions.
type openAICompatible struct {
	name      string
	baseURL   string
	apiKey    string
	headers   map[string]string
	client    *http.Client
	streaming bool
	features  map[string]bool
	pricing   map[string]Pricing
}

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// NewOpenAI creates an adapter for the OpenAI API.
func NewOpenAI(name, baseURL, apiKey string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAICompatible{
		name:      name,
		baseURL:   baseURL,
		apiKey:    apiKey,
		client:    client,
		streaming: true,
		features: map[string]bool{
			FeatureJSONMode:          true,
			FeatureStructuredOutputs: true,
		},
	}
}

// NewOpenRouter creates an adapter for OpenRouter's OpenAI-compatible API.
func NewOpenRouter(name, baseURL, apiKey string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}
	return &openAICompatible{
		name:      name,
		baseURL:   baseURL,
		apiKey:    apiKey,
		client:    client,
		streaming: true,
		headers: map[string]string{
			"HTTP-Referer": "http://localhost",
			"X-Title":      "localrouter",
		},
		features: map[string]bool{FeatureJSONMode: true},
	}
}

// NewOllama creates an adapter for a local Ollama (or LM Studio) daemon via
// its OpenAI-compatible endpoint. No API key is required.
func NewOllama(name, baseURL string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	return &openAICompatible{
		name:      name,
		baseURL:   baseURL,
		client:    client,
		streaming: true,
		features:  map[string]bool{FeatureJSONMode: true},
		// Local models are free.
		pricing: map[string]Pricing{},
	}
}

func (p *openAICompatible) Name() string { return p.name }

func (p *openAICompatible) SupportsFeature(name string) bool { return p.features[name] }

func (p *openAICompatible) GetPricing(model string) (Pricing, bool) {
	if p.pricing == nil {
		return Pricing{}, false
	}
	pr, ok := p.pricing[model]
	if p.pricing != nil && !ok && len(p.pricing) == 0 {
		// An empty (non-nil) table means "everything is free" (local daemons).
		return Pricing{}, true
	}
	return pr, ok
}

func (p *openAICompatible) HealthCheck(ctx context.Context) HealthStatus {
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

func (p *openAICompatible) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, transportError(p.name, err)
	}

	models := make([]ModelInfo, 0, len(payload.Data))
	for _, m := range payload.Data {
		models = append(models, ModelInfo{
			ID:           m.ID,
			Provider:     p.name,
			Streaming:    p.streaming,
			Capabilities: []string{"chat"},
		})
	}
	return models, nil
}

func (p *openAICompatible) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := p.encodeRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(p.name, err)
	}
	return &out, nil
}

func (p *openAICompatible) StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	if !p.streaming {
		return nil, ErrStreamingUnsupported
	}

	body, err := p.encodeRequest(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, "/chat/completions", body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	events := make(chan StreamEvent, streamChannelBuffer)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := newSSEScanner(resp.Body)
		for {
			payload, ok := scanner.Next()
			if !ok {
				if err := scanner.Err(); err != nil {
					sendEvent(ctx, events, StreamEvent{Err: transportError(p.name, err)})
				}
				return
			}
			var chunk ChatCompletionChunk
			if err := json.Unmarshal(payload, &chunk); err != nil {
				logging.Warn(p.name, "Dropping undecodable stream chunk: %v", err)
				continue
			}
			if !sendEvent(ctx, events, StreamEvent{Chunk: &chunk}) {
				return
			}
		}
	}()
	return events, nil
}

// encodeRequest marshals the canonical request, merging the free-form
// extensions map into the top-level JSON object.
func (p *openAICompatible) encodeRequest(req *ChatRequest, stream bool) ([]byte, error) {
	clone := *req
	clone.Stream = stream
	ext := clone.Extensions
	clone.Extensions = nil

	data, err := json.Marshal(&clone)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: fmt.Sprintf("encoding request: %v", err)}
	}
	if len(ext) == 0 {
		return data, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(data, &merged); err != nil {
		return nil, &Error{Provider: p.name, Message: fmt.Sprintf("merging extensions: %v", err)}
	}
	for k, v := range ext {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (p *openAICompatible) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, transportError(p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.setHeaders(req)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	return resp, nil
}

func (p *openAICompatible) setHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
}

// streamChannelBuffer bounds in-flight chunks per stream; senders block
// when the consumer falls behind.
const streamChannelBuffer = 16

// sendEvent delivers an event respecting context cancellation. Returns
// false when the consumer is gone.
func sendEvent(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// readErrorBody extracts a bounded upstream error body for the envelope.
func readErrorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	return string(bytes.TrimSpace(data))
}
