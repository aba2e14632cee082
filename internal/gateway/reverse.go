package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"localrouter/internal/config"
	"localrouter/internal/mcpserver"
	"localrouter/internal/providers"
	"localrouter/pkg/logging"
)

// handleReverseRequest serves methods where the backend plays MCP client
// and the gateway plays server: sampling, elicitation and roots. Requests
// are attributed to the most recently active session whose allowed set
// includes the calling server.
func (g *Gateway) handleReverseRequest(ctx context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, *mcpserver.RPCError) {
	session, ok := g.sessionForServer(serverID)
	if !ok {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeInvalidRequest, Message: "no active session for this server"}
	}

	switch method {
	case "sampling/createMessage":
		return g.handleSampling(ctx, session, params)
	case "elicitation/requestInput", "elicitation/create":
		return g.handleElicitation(ctx, serverID, session, params)
	case "roots/list":
		return g.handleRootsList(session)
	default:
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeMethodNotFound, Message: fmt.Sprintf("unsupported reverse method %s", method)}
	}
}

// sessionForServer picks the most recently active session allowing the
// server.
func (g *Gateway) sessionForServer(serverID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var best *Session
	var bestActivity time.Time
	for _, session := range g.sessions {
		if !session.allows(serverID) {
			continue
		}
		session.mu.RLock()
		activity := session.lastActivity
		session.mu.RUnlock()
		if best == nil || activity.After(bestActivity) {
			best = session
			bestActivity = activity
		}
	}
	return best, best != nil
}

// MCP sampling wire shapes.

type samplingMessage struct {
	Role    string `json:"role"`
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type samplingParams struct {
	Messages     []samplingMessage `json:"messages"`
	SystemPrompt string            `json:"systemPrompt,omitempty"`
	MaxTokens    int               `json:"maxTokens,omitempty"`
	Temperature  *float64          `json:"temperature,omitempty"`
	StopSequences []string         `json:"stopSequences,omitempty"`
	Model        string            `json:"model,omitempty"`
}

type samplingResult struct {
	Role    string `json:"role"`
	Content struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model      string `json:"model"`
	StopReason string `json:"stopReason,omitempty"`
}

// handleSampling converts an MCP sampling request to a canonical chat
// request, routes it with the client's quotas and rate limits applied, and
// converts the response back. Sampling disabled maps to -32601; completion
// failures to -32603.
func (g *Gateway) handleSampling(ctx context.Context, session *Session, params json.RawMessage) (json.RawMessage, *mcpserver.RPCError) {
	cfg := g.cfg()
	client, ok := cfg.FindClient(session.ClientID)
	if !ok || !client.Sampling.Enabled {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeMethodNotFound, Message: "sampling is disabled for this client"}
	}
	if g.router == nil {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeInternalError, Message: "no router available for sampling"}
	}

	var sp samplingParams
	if err := json.Unmarshal(params, &sp); err != nil {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeInvalidParams, Message: "invalid sampling params"}
	}

	maxTokens := sp.MaxTokens
	if limit := client.Sampling.MaxTokens; limit > 0 && (maxTokens == 0 || maxTokens > limit) {
		maxTokens = limit
	}

	if quota := client.Sampling.TokensPerHour; quota > 0 {
		if used := g.samplingTokensLastHour(client.ID); used+maxTokens > quota {
			return nil, &mcpserver.RPCError{
				Code:    mcpserver.CodeInternalError,
				Message: fmt.Sprintf("sampling quota exhausted (%d of %d tokens this hour)", used, quota),
			}
		}
	}

	req := &providers.ChatRequest{
		Model:     sp.Model,
		MaxTokens: maxTokens,
		Temperature: sp.Temperature,
		Stop:      sp.StopSequences,
	}
	if req.Model == "" {
		// Default model is the auto virtual model; the client's strategy
		// resolves it to a concrete candidate.
		req.Model = config.DefaultAutoModel
	}
	if sp.SystemPrompt != "" {
		req.Messages = append(req.Messages, providers.Message{Role: "system", Content: sp.SystemPrompt})
	}
	for _, m := range sp.Messages {
		role := m.Role
		if role != "user" && role != "assistant" {
			role = "user"
		}
		req.Messages = append(req.Messages, providers.Message{Role: role, Content: m.Content.Text})
	}

	resp, err := g.router.Complete(ctx, client.ID, req)
	if err != nil {
		logging.Warn("Gateway", "Sampling completion for client %s failed: %v", client.ID, err)
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeInternalError, Message: fmt.Sprintf("completion failed: %v", err)}
	}

	var result samplingResult
	result.Role = "assistant"
	result.Content.Type = "text"
	result.Model = resp.Model
	if len(resp.Choices) > 0 {
		result.Content.Text = resp.Choices[0].Message.Content
		result.StopReason = mapStopReason(resp.Choices[0].FinishReason)
	}

	if resp.Usage != nil {
		g.recordSamplingSpend(client.ID, resp.Usage.TotalTokens)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeInternalError, Message: "encoding sampling result"}
	}
	return data, nil
}

func mapStopReason(finishReason string) string {
	switch finishReason {
	case "stop":
		return "endTurn"
	case "length":
		return "maxTokens"
	case "":
		return ""
	default:
		return finishReason
	}
}

func (g *Gateway) samplingTokensLastHour(clientID string) int {
	g.samplingMu.Lock()
	defer g.samplingMu.Unlock()

	cutoff := time.Now().Add(-time.Hour)
	var recent []sampleSpend
	total := 0
	for _, s := range g.samplingUsage[clientID] {
		if s.at.After(cutoff) {
			recent = append(recent, s)
			total += s.tokens
		}
	}
	if g.samplingUsage == nil {
		g.samplingUsage = make(map[string][]sampleSpend)
	}
	g.samplingUsage[clientID] = recent
	return total
}

func (g *Gateway) recordSamplingSpend(clientID string, tokens int) {
	g.samplingMu.Lock()
	defer g.samplingMu.Unlock()

	if g.samplingUsage == nil {
		g.samplingUsage = make(map[string][]sampleSpend)
	}
	g.samplingUsage[clientID] = append(g.samplingUsage[clientID], sampleSpend{at: time.Now(), tokens: tokens})
}

// handleElicitation parks the request, notifies the UI over the SSE bus,
// and blocks until the user's response or the timeout's cancellation.
func (g *Gateway) handleElicitation(ctx context.Context, serverID string, session *Session, params json.RawMessage) (json.RawMessage, *mcpserver.RPCError) {
	parked := g.elicitations.Park(serverID, session.ClientID, params)

	note := map[string]interface{}{
		"id":        parked.ID,
		"server_id": serverID,
		"params":    json.RawMessage(params),
	}
	payload, _ := json.Marshal(note)
	g.postNotification(session.ClientID, "notifications/elicitation/request", payload)

	response := g.elicitations.Await(ctx, parked)
	return response, nil
}

// handleRootsList resolves the session's roots (client override or global),
// returning only enabled entries.
func (g *Gateway) handleRootsList(session *Session) (json.RawMessage, *mcpserver.RPCError) {
	session.mu.RLock()
	roots := session.roots
	session.mu.RUnlock()

	type rootEntry struct {
		URI  string `json:"uri"`
		Name string `json:"name,omitempty"`
	}
	out := struct {
		Roots []rootEntry `json:"roots"`
	}{Roots: []rootEntry{}}

	for _, r := range roots {
		if !r.Enabled {
			continue
		}
		out.Roots = append(out.Roots, rootEntry{URI: r.URI, Name: r.Name})
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeInternalError, Message: "encoding roots"}
	}
	return data, nil
}
