package router

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"localrouter/internal/config"
	"localrouter/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// routerFixture wires a router against httptest-backed OpenAI-compatible
// providers.
type routerFixture struct {
	registry *providers.Registry
	cfg      config.Config
}

func (f *routerFixture) configFn() config.Config { return f.cfg }

func completionHandler(model string, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		_ = json.NewEncoder(w).Encode(providers.ChatResponse{
			ID:     "chatcmpl-1",
			Object: "chat.completion",
			Model:  model,
			Choices: []providers.Choice{{
				Message:      providers.Message{Role: "assistant", Content: "from " + model},
				FinishReason: "stop",
			}},
			Usage: &providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		})
	}
}

func failingHandler(status int, calls *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		http.Error(w, "unavailable", status)
	}
}

func newFixture(t *testing.T, handlers map[string]http.HandlerFunc) *routerFixture {
	t.Helper()

	var providerCfgs []config.ProviderInstance
	for name, handler := range handlers {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		providerCfgs = append(providerCfgs, config.ProviderInstance{
			Name:    name,
			Type:    config.ProviderTypeOpenAI,
			Enabled: true,
			BaseURL: srv.URL,
		})
	}

	secrets := providers.SecretResolverFunc(func(service, account string) (string, bool) {
		return "", false
	})
	registry := providers.NewRegistry(secrets, 10*time.Second)
	registry.Sync(providerCfgs)

	cfg := config.GetDefaultConfig()
	cfg.Providers = providerCfgs
	return &routerFixture{registry: registry, cfg: cfg}
}

func TestRouterFallbackToSecondCandidate(t *testing.T) {
	var primaryCalls, fallbackCalls atomic.Int32
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai":    failingHandler(http.StatusServiceUnavailable, &primaryCalls),
		"anthropic": completionHandler("claude-3-5-sonnet", &fallbackCalls),
	})

	f.cfg.Strategies = []config.Strategy{{
		ID:   "s1",
		Name: "fallback",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{
				{Provider: "openai", Model: "gpt-4o"},
				{Provider: "anthropic", Model: "claude-3-5-sonnet"},
			},
		},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	limiter := NewLimiter()
	var records []UsageRecord
	rtr := New(f.registry, limiter, f.configFn, nil, nil, func(rec UsageRecord) {
		records = append(records, rec)
	})

	resp, err := rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    config.DefaultAutoModel,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "from claude-3-5-sonnet", resp.Choices[0].Message.Content)

	assert.Positive(t, primaryCalls.Load(), "primary candidate was attempted")
	assert.Equal(t, int32(1), fallbackCalls.Load())

	// Metrics show one failed attempt and one success; rate-limit usage
	// reflects only the successful call's tokens.
	require.Len(t, records, 2)
	assert.False(t, records[0].Success)
	assert.Equal(t, "openai", records[0].Provider)
	assert.True(t, records[1].Success)
	assert.Equal(t, "anthropic", records[1].Provider)
	assert.Equal(t, 15, records[1].Usage.TotalTokens)
}

func TestRouterTerminalErrorDoesNotFallBack(t *testing.T) {
	var fallbackCalls atomic.Int32
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai":    failingHandler(http.StatusBadRequest, nil),
		"anthropic": completionHandler("claude-3-5-sonnet", &fallbackCalls),
	})

	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "fallback",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{
				{Provider: "openai", Model: "gpt-4o"},
				{Provider: "anthropic", Model: "claude-3-5-sonnet"},
			},
		},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	rtr := New(f.registry, NewLimiter(), f.configFn, nil, nil, nil)

	_, err := rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    config.DefaultAutoModel,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrUpstream, re.Kind)
	assert.Equal(t, int32(0), fallbackCalls.Load(), "4xx does not trigger fallback")
}

func TestRouterRouteLLMThreshold(t *testing.T) {
	var strongCalls, weakCalls atomic.Int32
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai": func(w http.ResponseWriter, r *http.Request) {
			var body map[string]interface{}
			_ = json.NewDecoder(r.Body).Decode(&body)
			switch body["model"] {
			case "gpt-4o":
				strongCalls.Add(1)
				completionHandler("gpt-4o", nil)(w, r)
			case "gpt-4o-mini":
				weakCalls.Add(1)
				completionHandler("gpt-4o-mini", nil)(w, r)
			default:
				http.Error(w, "unknown model", http.StatusBadRequest)
			}
		},
	})

	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "auto",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{{Provider: "openai", Model: "gpt-4o"}},
			RouteLLM: &config.RouteLLMConfig{
				Enabled:    true,
				Threshold:  0.3,
				WeakModels: []config.ModelRef{{Provider: "openai", Model: "gpt-4o-mini"}},
			},
		},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	winRate := 0.1
	predictor := WinRatePredictorFunc(func(req *providers.ChatRequest) float64 { return winRate })
	rtr := New(f.registry, NewLimiter(), f.configFn, nil, predictor, nil)

	// Below the threshold the weak list serves.
	resp, err := rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    config.DefaultAutoModel,
		Messages: []providers.Message{{Role: "user", Content: "easy"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	assert.Equal(t, int32(1), weakCalls.Load())

	// At or above the threshold the prioritized list serves.
	winRate = 0.9
	resp, err = rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    config.DefaultAutoModel,
		Messages: []providers.Message{{Role: "user", Content: "prove it step by step"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", resp.Model)
	assert.Equal(t, int32(1), strongCalls.Load())
}

// recordingChecker is a scriptable AccessChecker for router tests.
type recordingChecker struct {
	authorized []string
	denied     map[string]bool
}

func (c *recordingChecker) ModelAllowed(clientID, provider, model string) bool { return true }

func (c *recordingChecker) AuthorizeModel(ctx context.Context, clientID, provider, model string) error {
	key := provider + "/" + model
	c.authorized = append(c.authorized, key)
	if c.denied[key] {
		return fmt.Errorf("model %s denied", key)
	}
	return nil
}

func TestRouterAuthorizesAutoCandidates(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai": completionHandler("gpt-4o", nil),
	})

	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "auto",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{{Provider: "openai", Model: "gpt-4o"}},
		},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	checker := &recordingChecker{}
	rtr := New(f.registry, NewLimiter(), f.configFn, checker, nil, nil)

	// The auto-resolved candidate goes through the full access check.
	_, err := rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    config.DefaultAutoModel,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"openai/gpt-4o"}, checker.authorized)

	// A concrete provider-qualified request does not re-run the check: the
	// HTTP facade already resolved it.
	_, err = rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    "openai/gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Len(t, checker.authorized, 1)
}

func TestRouterAutoCandidateDeniedRejects(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai": completionHandler("gpt-4o", &calls),
	})

	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "auto",
		Auto: &config.AutoConfig{
			Enabled:     true,
			VirtualName: config.DefaultAutoModel,
			Prioritized: []config.ModelRef{
				{Provider: "openai", Model: "gpt-4o"},
				{Provider: "openai", Model: "gpt-4o-mini"},
			},
		},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	checker := &recordingChecker{denied: map[string]bool{"openai/gpt-4o": true}}
	rtr := New(f.registry, NewLimiter(), f.configFn, checker, nil, nil)

	// The user's denial is terminal: no fallback to the next candidate.
	_, err := rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    config.DefaultAutoModel,
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrModelNotAllowed, re.Kind)
	assert.Equal(t, int32(0), calls.Load())
}

func TestRouterRateLimited(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai": completionHandler("gpt-4o", nil),
	})

	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "limited",
		RateLimits: []config.RateLimitRule{{Dimension: config.LimitRequests, Value: 1, WindowSec: 60}},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	rtr := New(f.registry, NewLimiter(), f.configFn, nil, nil, nil)

	req := &providers.ChatRequest{
		Model:    "openai/gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}

	_, err := rtr.Complete(t.Context(), "c1", req)
	require.NoError(t, err)

	_, err = rtr.Complete(t.Context(), "c1", req)
	require.Error(t, err)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrRateLimited, re.Kind)
	assert.Positive(t, re.RetryAfter)
}

func TestRouterModelNotAllowedByStrategy(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai": completionHandler("gpt-4o", nil),
	})

	f.cfg.Strategies = []config.Strategy{{
		ID: "s1", Name: "restricted",
		AllowedModels: config.AllowedModels{
			Mode:   config.AllowedModelsModels,
			Models: []config.ModelRef{{Provider: "openai", Model: "gpt-4o-mini"}},
		},
	}}
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true, StrategyID: "s1"}}

	rtr := New(f.registry, NewLimiter(), f.configFn, nil, nil, nil)

	_, err := rtr.Complete(t.Context(), "c1", &providers.ChatRequest{
		Model:    "openai/gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)

	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrModelNotAllowed, re.Kind)
}

func TestRouterStreamCommitsUsage(t *testing.T) {
	f := newFixture(t, map[string]http.HandlerFunc{
		"openai": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"hello world"}}]}` + "\n\n"))
			_, _ = w.Write([]byte(`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}` + "\n\n"))
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
		},
	})
	f.cfg.Clients = []config.Client{{ID: "c1", Name: "ide", Enabled: true}}

	var records []UsageRecord
	rtr := New(f.registry, NewLimiter(), f.configFn, nil, nil, func(rec UsageRecord) {
		records = append(records, rec)
	})

	events, err := rtr.StreamComplete(t.Context(), "c1", &providers.ChatRequest{
		Model:    "openai/gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	for ev := range events {
		require.NoError(t, ev.Err)
	}

	require.Len(t, records, 1)
	assert.True(t, records[0].Success)
	assert.True(t, records[0].Streamed)
	// No provider usage on the stream: completion tokens estimated by
	// chars/4 of the streamed content ("hello world" = 11 chars).
	assert.Equal(t, 2, records[0].Usage.CompletionTokens)
}

func TestEstimatePromptTokensFallback(t *testing.T) {
	req := &providers.ChatRequest{
		Model:    "totally-unknown-model",
		Messages: []providers.Message{{Role: "user", Content: "12345678"}},
	}
	assert.Equal(t, 2, EstimatePromptTokens(req))
}
