package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"localrouter/internal/access"
	"localrouter/internal/bus"
	"localrouter/internal/config"
	"localrouter/internal/firewall"
	"localrouter/internal/gateway"
	"localrouter/internal/mcpserver"
	"localrouter/internal/providers"
	"localrouter/internal/router"
	"localrouter/internal/safety"
	"localrouter/internal/testing/mock"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture assembles the full facade over httptest providers and mock MCP
// backends.
type fixture struct {
	srv      *httptest.Server
	cfg      config.Config
	firewall *firewall.Manager
	gateway  *gateway.Gateway
	backend  *mock.Transport
}

func (f *fixture) configFn() config.Config { return f.cfg }

func newFixture(t *testing.T, providerHandler http.HandlerFunc, safetyEnabled bool) *fixture {
	t.Helper()
	f := &fixture{}

	upstream := httptest.NewServer(providerHandler)
	t.Cleanup(upstream.Close)

	cfg := config.GetDefaultConfig()
	cfg.Providers = []config.ProviderInstance{{
		Name: "openai", Type: config.ProviderTypeOpenAI, Enabled: true, BaseURL: upstream.URL,
	}}
	cfg.Clients = []config.Client{{
		ID: "c1", Name: "ide", Enabled: true,
		MCPAccess: config.MCPServerAccess{Mode: config.AccessAll},
	}, {
		ID: "c2", Name: "disabled", Enabled: false,
	}}
	cfg.MCPServers = []config.MCPServer{{
		ID: "srv-1", Name: "filesystem",
		Transport: config.MCPTransportStdio, Command: "/bin/fs", Enabled: true,
	}}
	cfg.Safety.Enabled = safetyEnabled
	f.cfg = cfg

	secrets := providers.SecretResolverFunc(func(service, account string) (string, bool) { return "", false })
	registry := providers.NewRegistry(secrets, 10*time.Second)
	registry.Sync(cfg.Providers)

	f.backend = mock.NewTransport("filesystem", mcp.NewTool("read_file"))
	mcpManager := mcpserver.NewManager(secrets)
	mcpManager.SetTransportFactory(func(ctx context.Context, server config.MCPServer, _ providers.SecretResolver) (mcpserver.Transport, error) {
		return f.backend, nil
	})
	t.Cleanup(mcpManager.StopAll)

	busManager := bus.NewManager(100)
	f.firewall = firewall.NewManager(2*time.Second, nil)
	checker := access.NewChecker(f.configFn, f.firewall)
	limiter := router.NewLimiter()
	rtr := router.New(registry, limiter, f.configFn, checker, nil, nil)
	f.gateway = gateway.New(f.configFn, mcpManager, busManager, rtr, f.firewall, time.Minute)
	engine := safety.NewEngine(safetyEnabled)

	tokens := TokenResolverFunc(func(token string) (string, bool) {
		switch token {
		case "tok-1":
			return "c1", true
		case "tok-2":
			return "c2", true
		}
		return "", false
	})

	srv := New(f.configFn, tokens, registry, rtr, f.gateway, mcpManager, busManager, f.firewall, checker, engine)
	f.srv = httptest.NewServer(srv.Routes())
	t.Cleanup(f.srv.Close)
	return f
}

func okCompletion(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(providers.ChatResponse{
		ID: "chatcmpl-1", Object: "chat.completion", Model: "gpt-4o",
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: "hello"},
			FinishReason: "stop",
		}},
		Usage: &providers.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	})
}

func (f *fixture) post(t *testing.T, token, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, f.srv.URL+path, bytes.NewReader(data))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func chatBody(model string) map[string]interface{} {
	return map[string]interface{}{
		"model":    model,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}
}

func TestAuthRejections(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	// No bearer.
	resp := f.post(t, "", "/v1/chat/completions", chatBody("openai/gpt-4o"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Unknown token.
	resp = f.post(t, "bogus", "/v1/chat/completions", chatBody("openai/gpt-4o"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Disabled client.
	resp = f.post(t, "tok-2", "/v1/chat/completions", chatBody("openai/gpt-4o"))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestChatCompletion(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody("openai/gpt-4o"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out providers.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "hello", out.Choices[0].Message.Content)
}

func TestChatCompletionValidation(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	resp := f.post(t, "tok-1", "/v1/chat/completions", map[string]interface{}{
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var e apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&e))
	assert.Equal(t, "model", e.Error.Param)
}

func TestChatCompletionUpstreamFailure(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}, false)

	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody("openai/gpt-4o"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestChatCompletionModelDenied(t *testing.T) {
	f := newFixture(t, okCompletion, false)
	f.cfg.Clients[0].ModelRules = config.ModelRules{
		ProviderRules: map[string]config.FirewallPolicy{"openai": config.PolicyDeny},
	}

	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody("openai/gpt-4o"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

// providerRoutes serves the provider's model catalog alongside completions
// so bare model names can resolve through the registry.
func providerRoutes(completion http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/models" {
			_, _ = w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
			return
		}
		completion(w, r)
	}
}

func TestChatCompletionBareModelDenied(t *testing.T) {
	f := newFixture(t, providerRoutes(okCompletion), false)
	f.cfg.Clients[0].ModelRules = config.ModelRules{
		ProviderRules: map[string]config.FirewallPolicy{"openai": config.PolicyDeny},
	}

	// A bare model name resolves to its owning provider before the access
	// check; the denial applies just like the provider-qualified form.
	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody("gpt-4o"))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatCompletionBareModelAllowed(t *testing.T) {
	f := newFixture(t, providerRoutes(okCompletion), false)

	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody("gpt-4o"))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out providers.ChatResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "hello", out.Choices[0].Message.Content)
}

func TestChatCompletionAutoRoutedAskPromptsRealCandidate(t *testing.T) {
	f := newFixture(t, providerRoutes(okCompletion), false)
	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "auto",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{{Provider: "openai", Model: "gpt-4o"}},
		},
	}}
	f.cfg.Clients[0].StrategyID = "s1"
	f.cfg.Clients[0].ModelRules = config.ModelRules{Default: config.PolicyAsk}

	// Approve the pending model-call request as the UI would, capturing
	// what the user was asked about.
	seen := make(chan firewall.Request, 1)
	go func() {
		for {
			pending := f.firewall.Pending()
			if len(pending) == 1 {
				seen <- pending[0]
				_ = f.firewall.Resolve(pending[0].ID, firewall.Decision{Action: firewall.AllowOnce})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody(config.DefaultAutoModel))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The approval named the concrete candidate the router resolved, not
	// the virtual model.
	req := <-seen
	assert.Equal(t, firewall.SubjectModelCall, req.Subject)
	assert.Equal(t, "openai", req.Params["provider"])
	assert.Equal(t, "gpt-4o", req.Params["model"])
}

func TestChatCompletionAutoRoutedAskDenied(t *testing.T) {
	f := newFixture(t, providerRoutes(okCompletion), false)
	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "auto",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{{Provider: "openai", Model: "gpt-4o"}},
		},
	}}
	f.cfg.Clients[0].StrategyID = "s1"
	f.cfg.Clients[0].ModelRules = config.ModelRules{Default: config.PolicyAsk}

	go func() {
		for {
			pending := f.firewall.Pending()
			if len(pending) == 1 {
				_ = f.firewall.Resolve(pending[0].ID, firewall.Decision{Action: firewall.Deny})
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	resp := f.post(t, "tok-1", "/v1/chat/completions", chatBody(config.DefaultAutoModel))
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChatCompletionStreaming(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hi"}}]}` + "\n\n"))
		_, _ = w.Write([]byte(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}, false)

	body := chatBody("openai/gpt-4o")
	body["stream"] = true
	resp := f.post(t, "tok-1", "/v1/chat/completions", body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/event-stream")

	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
			lines = append(lines, strings.TrimPrefix(line, "data: "))
		}
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, "[DONE]", lines[len(lines)-1])
	assert.Contains(t, lines[0], `"content":"hi"`)
}

func TestSafetyBlocksSecretLeak(t *testing.T) {
	f := newFixture(t, okCompletion, true)

	body := map[string]interface{}{
		"model": "openai/gpt-4o",
		"messages": []map[string]string{
			{"role": "user", "content": "use key sk-abcdefghijklmnopqrstuvwx please"},
		},
	}
	resp := f.post(t, "tok-1", "/v1/chat/completions", body)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestUnifiedMCPPost(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	resp := f.post(t, "tok-1", "/", map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]interface{}{"protocolVersion": "2024-11-05"},
	})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rpcResp mcpserver.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.Nil(t, rpcResp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(rpcResp.Result, &result))
	assert.Equal(t, "localrouter", result.ServerInfo.Name)

	// tools/list over the unified surface returns namespaced names.
	resp = f.post(t, "tok-1", "/", map[string]interface{}{
		"jsonrpc": "2.0", "id": 2, "method": "tools/list",
	})
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcResp))
	require.Nil(t, rpcResp.Error)

	var tools mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(rpcResp.Result, &tools))
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "filesystem__read_file", tools.Tools[0].Name)
}

func TestUnifiedSSEStream(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer tok-1")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reader := bufio.NewReader(resp.Body)
	// The first event announces the POST endpoint.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: endpoint", strings.TrimSpace(line))
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: /", strings.TrimSpace(line))
}

func TestPerServerAccessDenied(t *testing.T) {
	f := newFixture(t, okCompletion, false)
	f.cfg.Clients[0].MCPAccess = config.MCPServerAccess{Mode: config.AccessNone}

	resp := f.post(t, "tok-1", "/mcp/srv-1", map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "ping",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestElicitationRespondUnknownID(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	resp := f.post(t, "tok-1", "/mcp/elicitation/respond/nope", map[string]interface{}{
		"action": "accept",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFirewallEndpoints(t *testing.T) {
	f := newFixture(t, okCompletion, false)

	// Park an approval, resolve it over HTTP as the UI would.
	done := make(chan firewall.Decision, 1)
	go func() {
		decision, err := f.firewall.Submit(context.Background(), firewall.Request{
			ClientID: "c1", ClientName: "ide", Subject: firewall.SubjectToolCall, Summary: "test",
		})
		if err == nil {
			done <- decision
		}
	}()

	var pending []firewall.Request
	require.Eventually(t, func() bool {
		resp, err := f.srv.Client().Get(f.srv.URL + "/firewall/pending")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		pending = nil
		if json.NewDecoder(resp.Body).Decode(&pending) != nil {
			return false
		}
		return len(pending) == 1
	}, time.Second, 10*time.Millisecond)

	resp := f.post(t, "", fmt.Sprintf("/firewall/respond/%s", pending[0].ID), firewall.Decision{Action: firewall.AllowOnce})
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case decision := <-done:
		assert.Equal(t, firewall.AllowOnce, decision.Action)
	case <-time.After(time.Second):
		t.Fatal("approval never resolved")
	}
}
