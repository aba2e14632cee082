package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"localrouter/pkg/logging"
)

// geminiProvider translates the canonical chat shapes to the Gemini
// generateContent API. Roles map user→user and assistant→model; the system
// prompt becomes systemInstruction; tool calls become functionCall parts
// and tool results functionResponse parts.
//
// Gemini does not carry tool-call ids on the wire. Synthetic ids of the
// form "call_<candidate>_<n>" are assigned to emitted calls (streaming
// always uses candidate 0), and inbound tool messages are matched back to
// the function name recorded for that id.
type geminiProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// NewGemini creates an adapter for the Gemini API.
func NewGemini(name, baseURL, apiKey string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	return &geminiProvider{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (p *geminiProvider) Name() string { return p.name }

func (p *geminiProvider) SupportsFeature(name string) bool {
	return name == FeatureJSONMode
}

func (p *geminiProvider) GetPricing(model string) (Pricing, bool) {
	return Pricing{}, false
}

// Gemini wire types.

type geminiPart struct {
	Text             string          `json:"text,omitempty"`
	FunctionCall     *geminiFuncCall `json:"functionCall,omitempty"`
	FunctionResponse *geminiFuncResp `json:"functionResponse,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFuncResp struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"` // user | model
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecl `json:"tools,omitempty"`
	GenerationConfig  *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiToolDecl struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenConfig struct {
	MaxOutputTokens  int      `json:"maxOutputTokens,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	TopK             *int     `json:"topK,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

func (p *geminiProvider) translateRequest(req *ChatRequest) (*geminiRequest, error) {
	out := &geminiRequest{}

	// Maps synthetic call ids back to function names for tool results.
	callNames := map[string]string{}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if out.SystemInstruction != nil {
				return nil, &Error{Provider: p.name, Message: "gemini accepts a single system message"}
			}
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}

		case "user":
			out.Contents = append(out.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})

		case "assistant":
			if m.Content == "" && len(m.ToolCalls) == 0 {
				return nil, &Error{Provider: p.name, Message: "assistant message with empty content and no tool calls"}
			}
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := json.RawMessage(tc.Function.Arguments)
				if len(args) == 0 {
					args = json.RawMessage("{}")
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFuncCall{
					Name: tc.Function.Name,
					Args: args,
				}})
			}
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: parts})

		case "tool":
			name := callNames[m.ToolCallID]
			if name == "" {
				return nil, &Error{Provider: p.name, Message: fmt.Sprintf("tool message references unknown call id %q", m.ToolCallID)}
			}
			// Gemini expects a JSON object response; wrap bare text.
			response := json.RawMessage(m.Content)
			if !json.Valid(response) || !strings.HasPrefix(strings.TrimSpace(m.Content), "{") {
				wrapped, _ := json.Marshal(map[string]string{"result": m.Content})
				response = wrapped
			}
			out.Contents = append(out.Contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFuncResp{
					Name:     name,
					Response: response,
				}}},
			})

		default:
			return nil, &Error{Provider: p.name, Message: fmt.Sprintf("unsupported message role %q", m.Role)}
		}
	}

	for _, t := range req.Tools {
		if len(out.Tools) == 0 {
			out.Tools = []geminiToolDecl{{}}
		}
		out.Tools[0].FunctionDeclarations = append(out.Tools[0].FunctionDeclarations, geminiFuncDecl{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	gen := &geminiGenConfig{
		MaxOutputTokens: req.MaxTokens,
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		TopK:            req.TopK,
		StopSequences:   req.Stop,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "" && req.ResponseFormat.Type != "text" {
		gen.ResponseMimeType = "application/json"
	}
	out.GenerationConfig = gen

	return out, nil
}

func (p *geminiProvider) translateResponse(in *geminiResponse, model string) *ChatResponse {
	resp := &ChatResponse{
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
	}

	for i, cand := range in.Candidates {
		msg := Message{Role: "assistant"}
		callIdx := 0
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				msg.Content += part.Text
			}
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   fmt.Sprintf("call_%d_%d", i, callIdx),
					Type: "function",
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(part.FunctionCall.Args),
					},
				})
				callIdx++
			}
		}
		resp.Choices = append(resp.Choices, Choice{
			Index:        i,
			Message:      msg,
			FinishReason: mapGeminiFinishReason(cand.FinishReason, len(msg.ToolCalls) > 0),
		})
	}

	if in.UsageMetadata != nil {
		resp.Usage = &Usage{
			PromptTokens:     in.UsageMetadata.PromptTokenCount,
			CompletionTokens: in.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      in.UsageMetadata.TotalTokenCount,
		}
	}
	return resp
}

func mapGeminiFinishReason(reason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func (p *geminiProvider) HealthCheck(ctx context.Context) HealthStatus {
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

func (p *geminiProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	url := fmt.Sprintf("%s/models?key=%s", p.baseURL, p.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, transportError(p.name, err)
	}

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
			Name        string `json:"name"` // "models/gemini-2.0-flash"
			DisplayName string `json:"displayName"`
			InputTokenLimit int `json:"inputTokenLimit"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, transportError(p.name, err)
	}

	models := make([]ModelInfo, 0, len(payload.Models))
	for _, m := range payload.Models {
		models = append(models, ModelInfo{
			ID:            strings.TrimPrefix(m.Name, "models/"),
			DisplayName:   m.DisplayName,
			Provider:      p.name,
			ContextWindow: m.InputTokenLimit,
			Streaming:     true,
			Capabilities:  []string{"chat", "vision", "function_calling"},
		})
	}
	return models, nil
}

func (p *geminiProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	wire, err := p.translateRequest(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	resp, err := p.post(ctx, url, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(p.name, err)
	}
	return p.translateResponse(&out, req.Model), nil
}

func (p *geminiProvider) StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	wire, err := p.translateRequest(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", p.baseURL, req.Model, p.apiKey)
	resp, err := p.post(ctx, url, wire)
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

		var (
			finishReason string
			usage        *Usage
			slot         int
		)
		created := time.Now().Unix()

		scanner := newSSEScanner(resp.Body)
		for {
			payload, ok := scanner.Next()
			if !ok {
				if err := scanner.Err(); err != nil {
					sendEvent(ctx, events, StreamEvent{Err: transportError(p.name, err)})
					return
				}
				final := &ChatCompletionChunk{
					Object: "chat.completion.chunk", Created: created, Model: req.Model,
					Choices: []ChunkChoice{{FinishReason: finishReason}},
					Usage:   usage,
				}
				if final.Choices[0].FinishReason == "" {
					final.Choices[0].FinishReason = "stop"
				}
				sendEvent(ctx, events, StreamEvent{Chunk: final})
				return
			}

			var frame geminiResponse
			if err := json.Unmarshal(payload, &frame); err != nil {
				logging.Warn(p.name, "Dropping undecodable stream frame: %v", err)
				continue
			}
			if frame.UsageMetadata != nil {
				usage = &Usage{
					PromptTokens:     frame.UsageMetadata.PromptTokenCount,
					CompletionTokens: frame.UsageMetadata.CandidatesTokenCount,
					TotalTokens:      frame.UsageMetadata.TotalTokenCount,
				}
			}
			for _, cand := range frame.Candidates {
				for _, part := range cand.Content.Parts {
					chunk := &ChatCompletionChunk{
						Object: "chat.completion.chunk", Created: created, Model: req.Model,
					}
					switch {
					case part.FunctionCall != nil:
						chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallDelta{{
							Index: slot,
							ID:    fmt.Sprintf("call_0_%d", slot),
							Type:  "function",
							Function: &FunctionCallDelta{
								Name:      part.FunctionCall.Name,
								Arguments: string(part.FunctionCall.Args),
							},
						}}}}}
						slot++
					case part.Text != "":
						chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{Content: part.Text}}}
					default:
						continue
					}
					if !sendEvent(ctx, events, StreamEvent{Chunk: chunk}) {
						return
					}
				}
				if cand.FinishReason != "" {
					finishReason = mapGeminiFinishReason(cand.FinishReason, slot > 0)
				}
			}
		}
	}()
	return events, nil
}

func (p *geminiProvider) post(ctx context.Context, url string, wire *geminiRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, transportError(p.name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, transportError(p.name, err)
	}
	return resp, nil
}
