package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"localrouter/internal/bus"
	"localrouter/internal/config"
	"localrouter/internal/mcpserver"
	"localrouter/pkg/logging"
)

// handleUnifiedSSE opens the unified MCP SSE stream for the bearer's
// client. The first event is the endpoint announcement; subsequent events
// carry JSON-RPC messages.
func (s *Server) handleUnifiedSSE(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	s.pumpSSE(w, r, client.ID, "/")
}

// handleUnifiedPost is the unified JSON-RPC entrypoint. The body is either
// a request (dispatched to the gateway) or a response to a
// server-initiated request (resolved against the SSE bus).
func (s *Server) handleUnifiedPost(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	s.handleJSONRPCPost(w, r, client, client.ID, func(req *mcpserver.Request) *mcpserver.Response {
		return s.gateway.HandleRequest(r.Context(), client, req)
	})
}

// handleServerSSE opens a per-server proxy stream under the composite key
// "client:server", so one client can hold several per-server streams.
func (s *Server) handleServerSSE(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	serverID := r.PathValue("server_id")

	if !client.MCPAccess.Allows(serverID) {
		writeAPIError(w, http.StatusForbidden, "mcp server not allowed for this client", "access_denied", "")
		return
	}
	s.pumpSSE(w, r, client.ID+":"+serverID, "/mcp/"+serverID)
}

// handleServerPost proxies one JSON-RPC request directly to a single
// backend, without namespacing.
func (s *Server) handleServerPost(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	serverID := r.PathValue("server_id")

	if !client.MCPAccess.Allows(serverID) {
		writeAPIError(w, http.StatusForbidden, "mcp server not allowed for this client", "access_denied", "")
		return
	}

	handle, err := s.startedServer(r, serverID)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, err.Error(), "upstream_error", "")
		return
	}

	s.handleJSONRPCPost(w, r, client, client.ID+":"+serverID, func(req *mcpserver.Request) *mcpserver.Response {
		var params interface{}
		if len(req.Params) > 0 {
			params = json.RawMessage(req.Params)
		}
		result, err := handle.Client.Transport().SendRequest(r.Context(), req.Method, params)
		if err != nil {
			if rpcErr, ok := err.(*mcpserver.RPCError); ok {
				return &mcpserver.Response{JSONRPC: mcpserver.JSONRPCVersion, ID: req.ID, Error: rpcErr}
			}
			return &mcpserver.Response{
				JSONRPC: mcpserver.JSONRPCVersion,
				ID:      req.ID,
				Error:   &mcpserver.RPCError{Code: mcpserver.CodeInternalError, Message: err.Error()},
			}
		}
		return &mcpserver.Response{JSONRPC: mcpserver.JSONRPCVersion, ID: req.ID, Result: result}
	})
}

// handleServerStream serves streaming tool calls on transports that
// support them, as an SSE sequence of chunks.
func (s *Server) handleServerStream(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	serverID := r.PathValue("server_id")

	if !client.MCPAccess.Allows(serverID) {
		writeAPIError(w, http.StatusForbidden, "mcp server not allowed for this client", "access_denied", "")
		return
	}

	handle, err := s.startedServer(r, serverID)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, err.Error(), "upstream_error", "")
		return
	}

	transport := handle.Client.Transport()
	if !transport.SupportsStreaming() {
		writeAPIError(w, http.StatusBadRequest, "transport does not support streaming", "invalid_request_error", "")
		return
	}

	var req mcpserver.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON-RPC body", "invalid_request_error", "")
		return
	}

	var params interface{}
	if len(req.Params) > 0 {
		params = json.RawMessage(req.Params)
	}
	chunks, err := transport.StreamRequest(r.Context(), req.Method, params)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, err.Error(), "upstream_error", "")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "streaming unsupported by connection", "internal_error", "")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range chunks {
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", chunk)
		flusher.Flush()
	}
}

// handleJSONRPCPost implements the shared POST semantics: responses to
// server-initiated requests resolve pending oneshots; requests dispatch to
// handle. When the client holds a live SSE stream, responses are delivered
// there (the delivery channel SDKs prefer) and the POST returns 202.
func (s *Server) handleJSONRPCPost(w http.ResponseWriter, r *http.Request, client config.Client, busKey string, handleReq func(*mcpserver.Request) *mcpserver.Response) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON-RPC body", "invalid_request_error", "")
		return
	}

	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON-RPC frame", "invalid_request_error", "")
		return
	}

	// A frame without a method is the client's response to a
	// server-initiated request.
	if probe.Method == "" {
		if len(probe.ID) == 0 || string(probe.ID) == "null" {
			writeAPIError(w, http.StatusBadRequest, "response frame without id", "invalid_request_error", "")
			return
		}
		if err := s.bus.ResolveServerRequest(busKey, string(probe.ID), raw); err != nil {
			writeAPIError(w, http.StatusBadRequest, err.Error(), "invalid_request_error", "")
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	var req mcpserver.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid JSON-RPC request", "invalid_request_error", "")
		return
	}

	resp := handleReq(&req)
	if resp == nil {
		// Notification: nothing to deliver.
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if s.bus.Connected(busKey) {
		payload, err := json.Marshal(resp)
		if err == nil && s.bus.SendResponse(busKey, payload) == nil {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		logging.Debug("Server", "SSE delivery for %s failed, answering over HTTP", busKey)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// pumpSSE registers the bus connection and relays its messages onto the
// HTTP stream until the client disconnects.
func (s *Server) pumpSSE(w http.ResponseWriter, r *http.Request, busKey, postURL string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "streaming unsupported by connection", "internal_error", "")
		return
	}

	receiver := s.bus.Register(busKey)
	defer s.bus.Unregister(busKey)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Stream start: announce the POST URL.
	fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", postURL)
	flusher.Flush()

	for {
		msg, err := receiver.Receive(r.Context())
		if err != nil {
			return
		}
		switch msg.Type {
		case bus.TypeEndpoint:
			fmt.Fprintf(w, "event: endpoint\ndata: %s\n\n", msg.Payload)
		default:
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", msg.Payload)
		}
		flusher.Flush()
	}
}

// startedServer looks a backend up, starting it on demand.
func (s *Server) startedServer(r *http.Request, serverID string) (*mcpserver.ServerHandle, error) {
	cfg := s.cfg()
	serverCfg, ok := cfg.FindMCPServer(serverID)
	if !ok || !serverCfg.Enabled {
		return nil, fmt.Errorf("mcp server %s not configured or disabled", serverID)
	}
	return s.mcpManager.Start(r.Context(), serverCfg)
}
