package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"localrouter/internal/config"
	"localrouter/internal/firewall"
	"localrouter/internal/providers"
	"localrouter/internal/router"
	"localrouter/internal/safety"
	"localrouter/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// handleChatCompletions serves POST /v1/chat/completions: validation,
// model-access resolution, the safety scan (run in parallel with access
// resolution and joined before dispatch), then the router.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())

	var req providers.ChatRequest
	body, err := decodeBody(r, &req)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
		return
	}
	if err := validateChatRequest(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", err.Param)
		return
	}

	timeout := s.requestTimeout
	if req.Stream {
		timeout = s.streamTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	grp, grpCtx := errgroup.WithContext(ctx)

	// Model access: Ask verdicts block on the approval loop, so this runs
	// alongside the safety scan. Auto-routed requests are skipped here; the
	// router authorizes the real candidate it resolves.
	if !s.isAutoRouted(client, &req) {
		grp.Go(func() error {
			provider, model, qualified := strings.Cut(req.Model, "/")
			if !qualified {
				// A bare model name resolves to its unique owning provider
				// before the check; an unresolvable name is left for the
				// router to report as model_not_found.
				owner, err := s.registry.ResolveModel(grpCtx, req.Model)
				if err != nil {
					return nil
				}
				provider, model = owner, req.Model
			}
			if err := s.access.Authorize(grpCtx, client, provider, model); err != nil {
				return &accessDenied{err}
			}
			return nil
		})
	}

	var inputScan safety.Result
	grp.Go(func() error {
		inputScan = s.safety.CheckInput(grpCtx, string(body))
		return nil
	})

	if err := grp.Wait(); err != nil {
		var denied *accessDenied
		if errors.As(err, &denied) {
			writeAPIError(w, http.StatusForbidden, denied.cause.Error(), "access_denied", "model")
			return
		}
		writeAPIError(w, http.StatusInternalServerError, err.Error(), "internal_error", "")
		return
	}

	if !s.resolveSafetyVerdict(ctx, w, client.ID, client.Name, inputScan, "request") {
		return
	}

	if req.Stream {
		s.streamChat(ctx, w, client.ID, &req)
		return
	}

	resp, err := s.router.Complete(ctx, client.ID, &req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	// Post-receive scan on the final response body. Streaming responses
	// are not scanned inline.
	if s.safety.Enabled() {
		respBody, _ := json.Marshal(resp)
		outputScan := s.safety.CheckOutput(ctx, string(respBody))
		if !s.resolveSafetyVerdict(ctx, w, client.ID, client.Name, outputScan, "response") {
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// accessDenied wraps an authorization failure through the errgroup.
type accessDenied struct{ cause error }

func (e *accessDenied) Error() string { return e.cause.Error() }

// isAutoRouted reports whether the request resolves through the client's
// auto strategy: either it names the strategy's virtual model, or it uses a
// bare model name under an auto-enabled strategy (which the router rewrites
// onto the virtual model). For those shapes the concrete candidate is only
// known inside the router, which runs the access check itself.
func (s *Server) isAutoRouted(client config.Client, req *providers.ChatRequest) bool {
	cfg := s.cfg()
	strategy, ok := cfg.FindStrategy(client.StrategyID)
	if !ok || strategy.Auto == nil {
		return req.Model == config.DefaultAutoModel
	}

	virtualName := strategy.Auto.VirtualName
	if virtualName == "" {
		virtualName = config.DefaultAutoModel
	}
	if req.Model == virtualName {
		return true
	}
	return strategy.Auto.Enabled && !strings.Contains(req.Model, "/")
}

// resolveSafetyVerdict enforces a scan result: Block 403s, Ask opens a
// firewall approval (with time-bounded bypass), Notify only logs. Returns
// false when the response has been written.
func (s *Server) resolveSafetyVerdict(ctx context.Context, w http.ResponseWriter, clientID, clientName string, result safety.Result, direction string) bool {
	if result.IsSafe {
		return true
	}

	switch result.MostSevere() {
	case safety.ActionBlock:
		writeAPIError(w, http.StatusForbidden, "request blocked by safety policy", "access_denied", "")
		return false

	case safety.ActionAsk:
		key := clientID + "|guardrail|" + direction
		if allowed, found := s.guardGrants.Lookup(key); found {
			if allowed {
				return true
			}
			writeAPIError(w, http.StatusForbidden, "request denied by safety policy", "access_denied", "")
			return false
		}

		decision, err := s.firewall.Submit(ctx, firewallScanRequest(clientID, clientName, result, direction))
		if err != nil {
			writeAPIError(w, http.StatusForbidden, "safety approval timed out", "access_denied", "")
			return false
		}
		s.guardGrants.Record(key, decision.Action)
		if !decision.Action.Allows() {
			writeAPIError(w, http.StatusForbidden, "request denied by user", "access_denied", "")
			return false
		}
		return true

	default:
		logging.Warn("Server", "Safety scan flagged %s for client %s (notify only)", direction, clientID)
		return true
	}
}

// streamChat drives the SSE response: chunks as data: lines terminated by
// [DONE]; an error after the first chunk becomes a terminal error line.
func (s *Server) streamChat(ctx context.Context, w http.ResponseWriter, clientID string, req *providers.ChatRequest) {
	events, err := s.router.StreamComplete(ctx, clientID, req)
	if err != nil {
		writeRouterError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "streaming unsupported by connection", "internal_error", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		if ev.Err != nil {
			var envelope apiError
			envelope.Error.Message = ev.Err.Error()
			envelope.Error.Type = "upstream_error"
			data, _ := json.Marshal(envelope)
			fmt.Fprintf(w, "data: %s\n\n", data)
			break
		}
		data, err := json.Marshal(ev.Chunk)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

// firewallScanRequest shapes a safety verdict into the approval request
// the UI shows, labelled with the scan direction.
func firewallScanRequest(clientID, clientName string, result safety.Result, direction string) firewall.Request {
	params := map[string]interface{}{
		"scan_direction": direction,
	}
	for _, v := range result.Verdicts {
		if !v.Safe {
			params["category"] = v.Category
			break
		}
	}
	return firewall.Request{
		ClientID:   clientID,
		ClientName: clientName,
		Subject:    firewall.SubjectGuardrail,
		Summary:    fmt.Sprintf("Safety scan flagged the %s", direction),
		Params:     params,
	}
}

// validationError carries the offending parameter name for the 400 body.
type validationError struct {
	Message string
	Param   string
}

func (e *validationError) Error() string { return e.Message }

func validateChatRequest(req *providers.ChatRequest) *validationError {
	if req.Model == "" {
		return &validationError{Message: "model is required", Param: "model"}
	}
	if len(req.Messages) == 0 {
		return &validationError{Message: "messages must not be empty", Param: "messages"}
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant", "tool":
		default:
			return &validationError{
				Message: fmt.Sprintf("message %d has unknown role %q", i, m.Role),
				Param:   "messages",
			}
		}
		// Empty content is permitted only on assistant messages carrying
		// tool calls.
		if m.Content == "" && len(m.ToolCalls) == 0 {
			return &validationError{
				Message: fmt.Sprintf("message %d has empty content and no tool calls", i),
				Param:   "messages",
			}
		}
	}
	if req.TopLogprobs != nil && (*req.TopLogprobs < 0 || *req.TopLogprobs > 20) {
		return &validationError{Message: "top_logprobs must be in [0,20]", Param: "top_logprobs"}
	}
	return nil
}

func decodeBody(r *http.Request, v interface{}) ([]byte, error) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("invalid request shape: %w", err)
	}
	return raw, nil
}

// writeRouterError maps router error kinds onto HTTP statuses.
func writeRouterError(w http.ResponseWriter, err error) {
	var re *router.Error
	if !errors.As(err, &re) {
		writeAPIError(w, http.StatusInternalServerError, err.Error(), "internal_error", "")
		return
	}

	switch re.Kind {
	case router.ErrRateLimited:
		seconds := int(re.RetryAfter.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeAPIError(w, http.StatusTooManyRequests, re.Message, "rate_limit_exceeded", "")
	case router.ErrModelNotAllowed:
		writeAPIError(w, http.StatusForbidden, re.Message, "access_denied", "model")
	case router.ErrModelNotFound:
		writeAPIError(w, http.StatusBadRequest, re.Message, "invalid_request_error", "model")
	case router.ErrUpstream, router.ErrStreaming:
		writeAPIError(w, http.StatusBadGateway, re.Message, "upstream_error", "")
	default:
		writeAPIError(w, http.StatusInternalServerError, re.Message, "internal_error", "")
	}
}
