package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"localrouter/internal/config"
	"localrouter/internal/providers"
	"localrouter/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// AccessChecker is the router's view of the access package. ModelAllowed
// filters explicit denials while building candidate lists; AuthorizeModel
// runs the full permission hierarchy, including the synchronous Ask
// approval loop, against a concrete resolved (provider, model).
type AccessChecker interface {
	ModelAllowed(clientID, provider, model string) bool
	AuthorizeModel(ctx context.Context, clientID, provider, model string) error
}

// Router resolves a routing strategy to candidate models, enforces rate
// limits, and calls providers with retry and fallback.
type Router struct {
	registry  *providers.Registry
	limiter   *Limiter
	cfg       func() config.Config
	access    AccessChecker
	predictor WinRatePredictor
	recorder  TokenRecorder
	metrics   *metrics
}

// New creates a router. recorder may be nil; predictor may be nil to
// disable RouteLLM scoring even when strategies enable it.
func New(registry *providers.Registry, limiter *Limiter, cfg func() config.Config, access AccessChecker, predictor WinRatePredictor, recorder TokenRecorder) *Router {
	return &Router{
		registry:  registry,
		limiter:   limiter,
		cfg:       cfg,
		access:    access,
		predictor: predictor,
		recorder:  recorder,
		metrics:   newMetrics(prometheus.DefaultRegisterer),
	}
}

// candidate is one (provider, model) the router may dispatch to.
// authorize marks candidates resolved through the auto virtual model: the
// HTTP facade could not check them (the concrete pair was unknown there),
// so the router runs the access check itself before dispatch.
type candidate struct {
	provider  string
	model     string
	authorize bool
}

// resolveCandidates applies the strategy to the request model and returns
// the ordered candidate list.
func (r *Router) resolveCandidates(ctx context.Context, client config.Client, strategy config.Strategy, req *providers.ChatRequest) ([]candidate, error) {
	model := req.Model
	auto := strategy.Auto

	// An auto-enabled strategy rewrites the request onto the virtual model
	// unless the caller forced a provider-qualified override.
	if auto != nil && auto.Enabled && model != auto.VirtualName && !strings.Contains(model, "/") {
		logging.Debug("Router", "Strategy %s rewrites model %q to %s", strategy.ID, model, auto.VirtualName)
		model = auto.VirtualName
	}

	if auto != nil && model == auto.VirtualName {
		list := auto.Prioritized
		if rl := auto.RouteLLM; rl != nil && rl.Enabled && r.predictor != nil {
			winRate := r.predictor.PredictWinRate(req)
			if winRate < rl.Threshold {
				list = rl.WeakModels
				logging.Debug("Router", "RouteLLM win rate %.2f below threshold %.2f, using weak list", winRate, rl.Threshold)
			} else {
				logging.Debug("Router", "RouteLLM win rate %.2f at or above threshold %.2f, using prioritized list", winRate, rl.Threshold)
			}
		}
		if len(list) == 0 {
			return nil, &Error{Kind: ErrModelNotFound, Message: "auto strategy has no candidate models"}
		}
		var out []candidate
		for _, m := range list {
			out = append(out, candidate{provider: m.Provider, model: m.Model, authorize: true})
		}
		return r.filterAllowed(client, strategy, out)
	}

	// Concrete "provider/model" or bare "model".
	var cand candidate
	if providerName, modelID, found := strings.Cut(model, "/"); found {
		cand = candidate{provider: providerName, model: modelID}
	} else {
		providerName, err := r.registry.ResolveModel(ctx, model)
		if err != nil {
			return nil, &Error{Kind: ErrModelNotFound, Message: err.Error()}
		}
		cand = candidate{provider: providerName, model: model}
	}
	return r.filterAllowed(client, strategy, []candidate{cand})
}

// filterAllowed drops candidates the client or strategy does not permit.
// An empty result after filtering is a model_not_allowed failure.
func (r *Router) filterAllowed(client config.Client, strategy config.Strategy, in []candidate) ([]candidate, error) {
	var out []candidate
	for _, c := range in {
		if !providerAllowed(client, c.provider) {
			continue
		}
		if !strategyAllows(strategy, c.provider, c.model) {
			continue
		}
		if r.access != nil && !r.access.ModelAllowed(client.ID, c.provider, c.model) {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, &Error{Kind: ErrModelNotAllowed, Message: "no permitted model for this request"}
	}
	return out, nil
}

func providerAllowed(client config.Client, provider string) bool {
	if len(client.AllowedProviders) == 0 {
		return true
	}
	for _, p := range client.AllowedProviders {
		if p == provider {
			return true
		}
	}
	return false
}

func strategyAllows(strategy config.Strategy, provider, model string) bool {
	am := strategy.AllowedModels
	switch am.Mode {
	case config.AllowedModelsProviders:
		for _, p := range am.Providers {
			if p == provider {
				return true
			}
		}
		return false
	case config.AllowedModelsModels:
		for _, m := range am.Models {
			if m.Provider == provider && m.Model == model {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// strategyFor resolves the client's strategy, falling back to an
// allow-everything default.
func (r *Router) strategyFor(client config.Client) config.Strategy {
	cfg := r.cfg()
	if client.StrategyID != "" {
		if s, ok := cfg.FindStrategy(client.StrategyID); ok {
			return s
		}
		logging.Warn("Router", "Client %s references missing strategy %s, using default", client.ID, client.StrategyID)
	}
	return config.Strategy{ID: "default", AllowedModels: config.AllowedModels{Mode: config.AllowedModelsAll}}
}

// estimate builds the reservation sample for a request.
func estimate(req *providers.ChatRequest) Amounts {
	promptTokens := float64(EstimatePromptTokens(req))
	maxOut := float64(req.MaxTokens)
	if maxOut == 0 {
		maxOut = 1024
	}
	return Amounts{
		Requests:     1,
		InputTokens:  promptTokens,
		OutputTokens: maxOut,
		TotalTokens:  promptTokens + maxOut,
	}
}

// actualAmounts builds the commit sample from provider-reported usage.
func (r *Router) actualAmounts(providerName, model string, usage providers.Usage) (Amounts, float64) {
	cost := r.registry.PricingFor(providerName, model).Cost(usage)
	return Amounts{
		Requests:     1,
		InputTokens:  float64(usage.PromptTokens),
		OutputTokens: float64(usage.CompletionTokens),
		TotalTokens:  float64(usage.TotalTokens),
		CostUSD:      cost,
	}, cost
}

// perCandidateRetries bounds transient retries on a single candidate
// before falling through to the next one.
const perCandidateRetries = 2

// Complete performs a non-streaming chat completion for the client.
func (r *Router) Complete(ctx context.Context, clientID string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	client, strategy, err := r.clientAndStrategy(clientID)
	if err != nil {
		return nil, err
	}

	candidates, err := r.resolveCandidates(ctx, client, strategy, req)
	if err != nil {
		return nil, err
	}

	est := estimate(req)
	var lastErr error
	for _, cand := range candidates {
		if err := r.authorizeCandidate(ctx, clientID, cand); err != nil {
			return nil, err
		}

		reservation, check := r.limiter.Reserve(clientID, strategy.RateLimits, est)
		if reservation == nil {
			return nil, rateLimitedError(check.RetryAfter, string(check.Dimension))
		}

		resp, err := r.dispatchOnce(ctx, cand, req)
		if err != nil {
			reservation.Release()
			r.recordAttempt(client, strategy, cand, providers.Usage{}, 0, false, false)
			if providers.IsTransient(err) {
				logging.Warn("Router", "Provider %s failed transiently for model %s, trying next candidate: %v", cand.provider, cand.model, err)
				lastErr = err
				continue
			}
			return nil, upstreamError(err)
		}

		usage := providers.Usage{}
		if resp.Usage != nil {
			usage = *resp.Usage
		}
		actual, cost := r.actualAmounts(cand.provider, cand.model, usage)
		reservation.Commit(actual)
		r.recordAttempt(client, strategy, cand, usage, cost, true, false)
		return resp, nil
	}

	return nil, upstreamError(lastErr)
}

// authorizeCandidate runs the full access check (including the Ask
// approval loop) on auto-resolved candidates. A denial rejects the request
// rather than falling through to the next candidate: the user's verdict is
// terminal.
func (r *Router) authorizeCandidate(ctx context.Context, clientID string, cand candidate) error {
	if !cand.authorize || r.access == nil {
		return nil
	}
	if err := r.access.AuthorizeModel(ctx, clientID, cand.provider, cand.model); err != nil {
		return &Error{Kind: ErrModelNotAllowed, Message: err.Error()}
	}
	return nil
}

// dispatchOnce calls one candidate's provider with bounded retries on
// transient failures (network errors, 429 and 5xx).
func (r *Router) dispatchOnce(ctx context.Context, cand candidate, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	provider, err := r.registry.Get(cand.provider)
	if err != nil {
		return nil, &providers.Error{Provider: cand.provider, Message: err.Error(), Transient: true}
	}

	callReq := *req
	callReq.Model = cand.model

	var resp *providers.ChatResponse
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), perCandidateRetries), ctx)
	err = backoff.Retry(func() error {
		var callErr error
		resp, callErr = provider.Complete(ctx, &callReq)
		if callErr != nil && !providers.IsTransient(callErr) {
			return backoff.Permanent(callErr)
		}
		return callErr
	}, policy)
	return resp, err
}

// StreamComplete performs a streaming chat completion. Fallback to the next
// candidate applies only when opening the upstream stream fails; once a
// stream is open, its faults (before or after the first chunk) surface on
// the stream. Usage commits on stream completion, estimating completion tokens
// by chars/4 when the provider surfaces no final usage.
func (r *Router) StreamComplete(ctx context.Context, clientID string, req *providers.ChatRequest) (<-chan providers.StreamEvent, error) {
	client, strategy, err := r.clientAndStrategy(clientID)
	if err != nil {
		return nil, err
	}

	candidates, err := r.resolveCandidates(ctx, client, strategy, req)
	if err != nil {
		return nil, err
	}

	est := estimate(req)
	var lastErr error
	for _, cand := range candidates {
		if err := r.authorizeCandidate(ctx, clientID, cand); err != nil {
			return nil, err
		}

		reservation, check := r.limiter.Reserve(clientID, strategy.RateLimits, est)
		if reservation == nil {
			return nil, rateLimitedError(check.RetryAfter, string(check.Dimension))
		}

		provider, err := r.registry.Get(cand.provider)
		if err != nil {
			reservation.Release()
			lastErr = err
			continue
		}

		callReq := *req
		callReq.Model = cand.model
		upstream, err := provider.StreamComplete(ctx, &callReq)
		if err != nil {
			reservation.Release()
			r.recordAttempt(client, strategy, cand, providers.Usage{}, 0, false, true)
			if providers.IsTransient(err) {
				logging.Warn("Router", "Provider %s stream failed, trying next candidate: %v", cand.provider, err)
				lastErr = err
				continue
			}
			return nil, upstreamError(err)
		}

		out := make(chan providers.StreamEvent, 16)
		go r.relayStream(ctx, client, strategy, cand, est, reservation, upstream, out)
		return out, nil
	}

	return nil, upstreamError(lastErr)
}

// relayStream forwards upstream chunks, accounting usage at completion and
// releasing the reservation on cancellation or fault.
func (r *Router) relayStream(ctx context.Context, client config.Client, strategy config.Strategy, cand candidate, est Amounts, reservation *Reservation, upstream <-chan providers.StreamEvent, out chan<- providers.StreamEvent) {
	defer close(out)
	defer reservation.Release()

	var (
		usage      *providers.Usage
		charCount  int
		completed  bool
	)

	for ev := range upstream {
		if ev.Chunk != nil {
			if ev.Chunk.Usage != nil {
				usage = ev.Chunk.Usage
			}
			for _, c := range ev.Chunk.Choices {
				charCount += len(c.Delta.Content)
				if c.FinishReason != "" {
					completed = true
				}
			}
		}
		if ev.Err != nil {
			r.recordAttempt(client, strategy, cand, providers.Usage{}, 0, false, true)
			select {
			case out <- providers.StreamEvent{Err: &Error{Kind: ErrStreaming, Message: "stream failed", Cause: ev.Err}}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			// Client went away mid-stream: nothing is committed.
			return
		}
	}

	if !completed {
		// Upstream closed without a terminal chunk: treat as cancelled.
		return
	}

	final := providers.Usage{}
	if usage != nil {
		final = *usage
	} else {
		final.PromptTokens = int(est.InputTokens)
		final.CompletionTokens = estimateTokensByChars(charCount)
		final.TotalTokens = final.PromptTokens + final.CompletionTokens
	}
	actual, cost := r.actualAmounts(cand.provider, cand.model, final)
	reservation.Commit(actual)
	r.recordAttempt(client, strategy, cand, final, cost, true, true)
}

func (r *Router) clientAndStrategy(clientID string) (config.Client, config.Strategy, error) {
	cfg := r.cfg()
	client, ok := cfg.FindClient(clientID)
	if !ok {
		return config.Client{}, config.Strategy{}, &Error{Kind: ErrInternal, Message: fmt.Sprintf("unknown client %s", clientID)}
	}
	return client, r.strategyFor(client), nil
}

func (r *Router) recordAttempt(client config.Client, strategy config.Strategy, cand candidate, usage providers.Usage, cost float64, success, streamed bool) {
	rec := UsageRecord{
		ClientID:   client.ID,
		StrategyID: strategy.ID,
		Provider:   cand.provider,
		Model:      cand.model,
		Usage:      usage,
		CostUSD:    cost,
		Success:    success,
		Streamed:   streamed,
	}
	r.metrics.record(rec)
	if r.recorder != nil {
		r.recorder(rec)
	}
}

// StartCleanup runs the limiter's cleanup sweep until ctx is cancelled.
func (r *Router) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.limiter.Cleanup()
			}
		}
	}()
}

func upstreamError(err error) *Error {
	if err == nil {
		return &Error{Kind: ErrUpstream, Message: "no provider candidates available"}
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	status := 0
	if pe, ok := err.(*providers.Error); ok {
		status = pe.Status
	}
	return &Error{Kind: ErrUpstream, Message: "all provider candidates failed", Status: status, Cause: err}
}
