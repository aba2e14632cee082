package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
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
	"localrouter/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the HTTP facade: the OpenAI-compatible chat surface, the
// unified and per-server MCP surfaces, and the approval endpoints the UI
// collaborator drives.
type Server struct {
	cfg      func() config.Config
	tokens   TokenResolver
	registry *providers.Registry
	router   *router.Router
	gateway  *gateway.Gateway
	mcpManager *mcpserver.Manager
	bus      *bus.Manager
	firewall *firewall.Manager
	access   *access.Checker
	safety   *safety.Engine

	// guardGrants holds time-bounded bypasses for guardrail Ask verdicts.
	guardGrants *firewall.GrantTracker

	httpServer *http.Server

	requestTimeout time.Duration
	streamTimeout  time.Duration
}

// New assembles the facade.
func New(cfg func() config.Config, tokens TokenResolver, registry *providers.Registry, rtr *router.Router, gw *gateway.Gateway, mcpManager *mcpserver.Manager, busManager *bus.Manager, fw *firewall.Manager, checker *access.Checker, engine *safety.Engine) *Server {
	snapshot := cfg()
	return &Server{
		cfg:            cfg,
		tokens:         tokens,
		registry:       registry,
		router:         rtr,
		gateway:        gw,
		mcpManager:     mcpManager,
		bus:            busManager,
		firewall:       fw,
		access:         checker,
		safety:         engine,
		requestTimeout: snapshot.Server.RequestTimeout,
		streamTimeout:  snapshot.Server.StreamTimeout,
		guardGrants:    firewall.NewGrantTracker(),
	}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", s.withAuth(s.handleChatCompletions))
	mux.HandleFunc("GET /v1/models", s.withAuth(s.handleListModels))

	// Unified MCP surface: GET opens the SSE stream, POST accepts JSON-RPC.
	mux.HandleFunc("GET /{$}", s.withAuth(s.handleUnifiedSSE))
	mux.HandleFunc("POST /{$}", s.withAuth(s.handleUnifiedPost))

	// Per-server proxy surface.
	mux.HandleFunc("GET /mcp/{server_id}", s.withAuth(s.handleServerSSE))
	mux.HandleFunc("POST /mcp/{server_id}", s.withAuth(s.handleServerPost))
	mux.HandleFunc("POST /mcp/{server_id}/stream", s.withAuth(s.handleServerStream))

	// Elicitation responses arrive from external clients.
	mux.HandleFunc("POST /mcp/elicitation/respond/{req_id}", s.withAuth(s.handleElicitationRespond))

	// Approval surface for the UI collaborator.
	mux.HandleFunc("GET /firewall/pending", s.handleFirewallPending)
	mux.HandleFunc("POST /firewall/respond/{req_id}", s.handleFirewallRespond)

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	return mux
}

// Start begins serving and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	snapshot := s.cfg()
	addr := fmt.Sprintf("%s:%d", snapshot.Server.Host, snapshot.Server.Port)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// handleListModels serves the unified model catalog.
func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	out := struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: []modelEntry{}}

	for _, m := range s.registry.ListModels(r.Context()) {
		out.Data = append(out.Data, modelEntry{ID: m.Provider + "/" + m.ID, Object: "model", OwnedBy: m.Provider})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleFirewallPending lets the UI poll outstanding approvals.
func (s *Server) handleFirewallPending(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.firewall.Pending())
}

// handleFirewallRespond delivers a user decision to a pending approval.
func (s *Server) handleFirewallRespond(w http.ResponseWriter, r *http.Request) {
	reqID := r.PathValue("req_id")

	var decision firewall.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid decision body", "invalid_request_error", "")
		return
	}

	if err := s.firewall.Resolve(reqID, decision); err != nil {
		writeAPIError(w, http.StatusNotFound, err.Error(), "invalid_request_error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleElicitationRespond delivers a user's elicitation response.
func (s *Server) handleElicitationRespond(w http.ResponseWriter, r *http.Request) {
	reqID := r.PathValue("req_id")

	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid response body", "invalid_request_error", "")
		return
	}

	if err := s.gateway.Elicitations().Respond(reqID, body); err != nil {
		writeAPIError(w, http.StatusNotFound, err.Error(), "invalid_request_error", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
