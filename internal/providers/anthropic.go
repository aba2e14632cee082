package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"localrouter/pkg/logging"
)

// anthropicProvider translates the canonical chat shapes to Anthropic's
// Messages API. The notable differences from the OpenAI wire format:
//
//   - system prompts live in a dedicated top-level field, not a message;
//   - assistant tool calls are tool_use content blocks;
//   - tool results are tool_result blocks inside a user message;
//   - streaming is typed SSE events rather than uniform chunks.
type anthropicProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"

	// anthropicDefaultMaxTokens is applied when the caller sets none;
	// the Messages API requires max_tokens.
	anthropicDefaultMaxTokens = 4096
)

// NewAnthropic creates an adapter for the Anthropic Messages API.
func NewAnthropic(name, baseURL, apiKey string, client *http.Client) Provider {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicProvider{name: name, baseURL: baseURL, apiKey: apiKey, client: client}
}

func (p *anthropicProvider) Name() string { return p.name }

func (p *anthropicProvider) SupportsFeature(name string) bool {
	switch name {
	case FeatureExtendedThinking, FeaturePromptCaching:
		return true
	}
	return false
}

func (p *anthropicProvider) GetPricing(model string) (Pricing, bool) {
	// Anthropic does not expose pricing over the API; the registry falls
	// back to the embedded catalog.
	return Pricing{}, false
}

// Anthropic wire types.

type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	TopK          *int               `json:"top_k,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"` // user | assistant
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type string `json:"type"` // text | tool_use | tool_result

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Role       string           `json:"role"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// translateRequest maps a canonical request to the Messages API shape.
func (p *anthropicProvider) translateRequest(req *ChatRequest, stream bool) (*anthropicRequest, error) {
	out := &anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		TopK:          req.TopK,
		StopSequences: req.Stop,
		Stream:        stream,
		ToolChoice:    req.ToolChoice,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = anthropicDefaultMaxTokens
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// The wire format has a single dedicated system field; lift the
			// first system message out and reject any further ones.
			if out.System != "" {
				return nil, &Error{Provider: p.name, Message: "anthropic accepts a single system message"}
			}
			out.System = m.Content

		case "assistant":
			if m.Content == "" && len(m.ToolCalls) == 0 {
				return nil, &Error{Provider: p.name, Message: "assistant message with empty content and no tool calls"}
			}
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: blocks})

		case "tool":
			// No tool role on this wire: a tool result is a user message
			// carrying a single tool_result block.
			out.Messages = append(out.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})

		case "user":
			out.Messages = append(out.Messages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})

		default:
			return nil, &Error{Provider: p.name, Message: fmt.Sprintf("unsupported message role %q", m.Role)}
		}
	}

	return out, nil
}

// translateResponse maps a Messages API response back to the canonical shape.
func (p *anthropicProvider) translateResponse(in *anthropicResponse) *ChatResponse {
	msg := Message{Role: "assistant"}
	for _, block := range in.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}

	return &ChatResponse{
		ID:      in.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   in.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapAnthropicStopReason(in.StopReason),
		}},
		Usage: &Usage{
			PromptTokens:     in.Usage.InputTokens,
			CompletionTokens: in.Usage.OutputTokens,
			TotalTokens:      in.Usage.InputTokens + in.Usage.OutputTokens,
		},
	}
}

func mapAnthropicStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (p *anthropicProvider) HealthCheck(ctx context.Context) HealthStatus {
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

func (p *anthropicProvider) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/v1/models", nil)
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
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, transportError(p.name, err)
	}

	models := make([]ModelInfo, 0, len(payload.Data))
	for _, m := range payload.Data {
		models = append(models, ModelInfo{
			ID:           m.ID,
			DisplayName:  m.DisplayName,
			Provider:     p.name,
			Streaming:    true,
			Capabilities: []string{"chat", "vision", "function_calling"},
		})
	}
	return models, nil
}

func (p *anthropicProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	wire, err := p.translateRequest(req, false)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(p.name, resp.StatusCode, readErrorBody(resp.Body))
	}

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, transportError(p.name, err)
	}
	return p.translateResponse(&out), nil
}

// Anthropic streaming event payloads.

type anthropicStreamEvent struct {
	Type string `json:"type"`

	Message *anthropicResponse `json:"message,omitempty"` // message_start

	Index        int `json:"index,omitempty"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id,omitempty"`
		Name string `json:"name,omitempty"`
	} `json:"content_block,omitempty"` // content_block_start

	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"` // content_block_delta / message_delta

	Usage *anthropicUsage `json:"usage,omitempty"` // message_delta
}

func (p *anthropicProvider) StreamComplete(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	wire, err := p.translateRequest(req, true)
	if err != nil {
		return nil, err
	}

	resp, err := p.post(ctx, wire)
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
			id    string
			model string
			// toolSlot maps Anthropic content block index to the canonical
			// tool-call slot, assigned in order of tool_use block starts.
			toolSlot   = map[int]int{}
			nextSlot   = 0
			stopReason string
			usage      *Usage
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
				// Terminal chunk carries the finish reason.
				final := &ChatCompletionChunk{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []ChunkChoice{{FinishReason: mapAnthropicStopReason(stopReason)}},
					Usage:   usage,
				}
				sendEvent(ctx, events, StreamEvent{Chunk: final})
				return
			}

			var ev anthropicStreamEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				logging.Warn(p.name, "Dropping undecodable stream event: %v", err)
				continue
			}

			chunk := &ChatCompletionChunk{
				ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			}

			switch ev.Type {
			case "message_start":
				if ev.Message != nil {
					id = ev.Message.ID
					model = ev.Message.Model
					usage = &Usage{PromptTokens: ev.Message.Usage.InputTokens}
				}
				continue

			case "content_block_start":
				if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
					continue
				}
				slot := nextSlot
				nextSlot++
				toolSlot[ev.Index] = slot
				chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallDelta{{
					Index: slot,
					ID:    ev.ContentBlock.ID,
					Type:  "function",
					Function: &FunctionCallDelta{Name: ev.ContentBlock.Name},
				}}}}}

			case "content_block_delta":
				if ev.Delta == nil {
					continue
				}
				switch ev.Delta.Type {
				case "text_delta":
					chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{Content: ev.Delta.Text}}}
				case "input_json_delta":
					slot, ok := toolSlot[ev.Index]
					if !ok {
						continue
					}
					chunk.Choices = []ChunkChoice{{Delta: ChunkDelta{ToolCalls: []ToolCallDelta{{
						Index:    slot,
						Function: &FunctionCallDelta{Arguments: ev.Delta.PartialJSON},
					}}}}}
				default:
					continue
				}

			case "message_delta":
				if ev.Delta != nil {
					stopReason = ev.Delta.StopReason
				}
				if ev.Usage != nil && usage != nil {
					usage.CompletionTokens = ev.Usage.OutputTokens
					usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
				}
				continue

			default:
				// ping, content_block_stop, message_stop
				continue
			}

			if !sendEvent(ctx, events, StreamEvent{Chunk: chunk}) {
				return
			}
		}
	}()
	return events, nil
}

func (p *anthropicProvider) post(ctx context.Context, wire *anthropicRequest) (*http.Response, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, &Error{Provider: p.name, Message: fmt.Sprintf("encoding request: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
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

func (p *anthropicProvider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
}
