package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"localrouter/internal/bus"
	"localrouter/internal/config"
	"localrouter/internal/firewall"
	"localrouter/internal/mcpserver"
	"localrouter/internal/router"
	"localrouter/pkg/logging"
	lrstrings "localrouter/pkg/strings"

	"golang.org/x/sync/errgroup"
)

// Gateway aggregates N backend MCP servers into a single JSON-RPC surface
// per client. It owns sessions and catalog caches exclusively.
type Gateway struct {
	cfg      func() config.Config
	manager  *mcpserver.Manager
	bus      *bus.Manager
	router   *router.Router
	firewall *firewall.Manager
	grants   *firewall.GrantTracker

	elicitations *ElicitationManager

	sessionTTL       time.Duration
	broadcastTimeout time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by client id

	// samplingUsage tracks per-client sampling tokens for hourly quotas.
	samplingMu    sync.Mutex
	samplingUsage map[string][]sampleSpend
}

type sampleSpend struct {
	at     time.Time
	tokens int
}

// New creates a gateway. The router may be nil (sampling then fails with a
// completion error); the firewall manager may be nil (ask policies deny).
func New(cfg func() config.Config, manager *mcpserver.Manager, busManager *bus.Manager, rtr *router.Router, fw *firewall.Manager, sessionTTL time.Duration) *Gateway {
	if sessionTTL <= 0 {
		sessionTTL = config.DefaultSessionTTL
	}
	g := &Gateway{
		cfg:              cfg,
		manager:          manager,
		bus:              busManager,
		router:           rtr,
		firewall:         fw,
		grants:           firewall.NewGrantTracker(),
		elicitations:     NewElicitationManager(DefaultElicitationTimeout),
		sessionTTL:       sessionTTL,
		broadcastTimeout: 15 * time.Second,
		sessions:         make(map[string]*Session),
	}
	manager.SetRequestHandler(g.handleReverseRequest)
	return g
}

// Elicitations exposes the elicitation manager to the HTTP facade.
func (g *Gateway) Elicitations() *ElicitationManager { return g.elicitations }

// GetOrCreateSession returns the client's session, reusing an existing one
// when it is fresh and was built with an identical allowed-server set
// (order-independent). Otherwise the stale session is dropped, per-server
// notification handlers are (idempotently) registered for the new set, and
// backends are started.
func (g *Gateway) GetOrCreateSession(ctx context.Context, client config.Client) (*Session, error) {
	cfg := g.cfg()
	allowed := cfg.AllowedServerIDs(client)

	g.mu.Lock()
	existing, ok := g.sessions[client.ID]
	if ok && !existing.ExpiredAt(time.Now(), g.sessionTTL) && sameServers(existing.AllowedServers, allowed) {
		existing.mu.Lock()
		existing.deferred.Enabled = client.DeferredLoading
		existing.mu.Unlock()
		g.mu.Unlock()
		existing.Touch()
		return existing, nil
	}
	if ok {
		delete(g.sessions, client.ID)
		logging.Debug("Gateway", "Dropping stale session for client %s", client.ID)
	}
	g.mu.Unlock()

	session := &Session{
		ClientID:       client.ID,
		AllowedServers: allowed,
		lastActivity:   time.Now(),
		initStatus:     make(map[string]string),
		deferred: DeferredState{
			Enabled:            client.DeferredLoading,
			ActivatedTools:     make(map[string]bool),
			ActivatedResources: make(map[string]bool),
			ActivatedPrompts:   make(map[string]bool),
		},
		skillsAccess:  client.SkillsAccess,
		firewallRules: client.FirewallRules,
		marketplace:   client.Marketplace,
		roots:         client.Roots,
	}
	if len(session.roots) == 0 {
		session.roots = cfg.Roots
	}

	for _, serverID := range allowed {
		g.manager.RegisterNotificationHandler(serverID, g.onServerNotification)

		serverCfg, found := cfg.FindMCPServer(serverID)
		if !found {
			session.initStatus[serverID] = "server not configured"
			continue
		}
		if _, err := g.manager.Start(ctx, serverCfg); err != nil {
			logging.Warn("Gateway", "Server %s failed to start for client %s: %v", serverCfg.Name, client.ID, err)
			session.initStatus[serverID] = err.Error()
		} else {
			session.initStatus[serverID] = ""
		}
	}

	g.mu.Lock()
	g.sessions[client.ID] = session
	g.mu.Unlock()

	logging.Info("Gateway", "Built session for client %s with %d allowed servers", client.ID, len(allowed))
	return session, nil
}

// Session returns the client's live session, if any.
func (g *Gateway) Session(clientID string) (*Session, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	s, ok := g.sessions[clientID]
	return s, ok
}

// HandleRequest dispatches one JSON-RPC request on the unified surface and
// returns the response, or nil for notifications.
func (g *Gateway) HandleRequest(ctx context.Context, client config.Client, req *mcpserver.Request) *mcpserver.Response {
	if req.IsNotification() {
		g.handleClientNotification(client, req)
		return nil
	}

	session, err := g.GetOrCreateSession(ctx, client)
	if err != nil {
		return errorResponse(req.ID, mcpserver.CodeInternalError, err.Error())
	}
	session.Touch()

	switch {
	case req.Method == "initialize":
		return g.handleInitialize(ctx, session, req)
	case req.Method == "tools/list":
		return g.handleToolsList(ctx, session, req)
	case req.Method == "resources/list":
		return g.handleResourcesList(ctx, session, req)
	case req.Method == "prompts/list":
		return g.handlePromptsList(ctx, session, req)
	case req.Method == "ping":
		return resultResponse(req.ID, struct{}{})
	case req.Method == "logging/setLevel":
		return g.handleSetLevel(ctx, session, req)
	case req.Method == "tools/call":
		return g.handleToolCall(ctx, session, req)
	case req.Method == "resources/read":
		return g.handleResourceRead(ctx, session, req)
	case req.Method == "prompts/get":
		return g.handlePromptGet(ctx, session, req)
	case req.Method == "resources/subscribe", req.Method == "resources/unsubscribe":
		return g.handleSubscription(ctx, session, req)
	case IsReverse(req.Method):
		return errorResponse(req.ID, mcpserver.CodeInvalidRequest, fmt.Sprintf("method %s flows backend to gateway only", req.Method))
	default:
		return errorResponse(req.ID, mcpserver.CodeMethodNotFound, fmt.Sprintf("unknown method %s", req.Method))
	}
}

func (g *Gateway) handleClientNotification(client config.Client, req *mcpserver.Request) {
	switch req.Method {
	case "notifications/initialized":
		logging.Debug("Gateway", "Client %s completed initialization", client.ID)
	case "notifications/cancelled":
		logging.Debug("Gateway", "Client %s cancelled a request", client.ID)
	default:
		logging.Debug("Gateway", "Ignoring client notification %s from %s", req.Method, client.ID)
	}
}

// serverOutcome is one backend's contribution to a broadcast.
type serverOutcome struct {
	serverID   string
	serverName string
	err        error
}

// eachStartedServer fans fn out in parallel across the session's started
// backends with a per-server timeout and one bounded retry on failure.
func (g *Gateway) eachStartedServer(ctx context.Context, session *Session, fn func(ctx context.Context, handle *mcpserver.ServerHandle) error) []serverOutcome {
	cfg := g.cfg()

	var mu sync.Mutex
	var outcomes []serverOutcome

	grp, grpCtx := errgroup.WithContext(ctx)
	for _, serverID := range session.AllowedServers {
		serverID := serverID
		serverCfg, _ := cfg.FindMCPServer(serverID)

		handle, running := g.manager.Get(serverID)
		if !running {
			mu.Lock()
			outcomes = append(outcomes, serverOutcome{
				serverID:   serverID,
				serverName: serverCfg.Name,
				err:        fmt.Errorf("server not running"),
			})
			mu.Unlock()
			continue
		}

		grp.Go(func() error {
			var err error
			for attempt := 0; attempt < 2; attempt++ {
				callCtx, cancel := context.WithTimeout(grpCtx, g.broadcastTimeout)
				err = fn(callCtx, handle)
				cancel()
				if err == nil {
					break
				}
			}
			mu.Lock()
			outcomes = append(outcomes, serverOutcome{
				serverID:   serverID,
				serverName: handle.Config.Name,
				err:        err,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()
	return outcomes
}

// slugIndex maps each allowed server's name slug to its id and name.
func (g *Gateway) slugIndex(session *Session) map[string]config.MCPServer {
	cfg := g.cfg()
	index := make(map[string]config.MCPServer, len(session.AllowedServers))
	for _, serverID := range session.AllowedServers {
		if serverCfg, ok := cfg.FindMCPServer(serverID); ok {
			index[lrstrings.Slug(serverCfg.Name)] = serverCfg
		}
	}
	return index
}

// resolveDirect resolves a namespaced name to its owning started backend
// and the original name.
func (g *Gateway) resolveDirect(session *Session, namespaced string) (*mcpserver.ServerHandle, string, error) {
	slug, original, err := SplitNamespacedName(namespaced)
	if err != nil {
		return nil, "", err
	}

	serverCfg, ok := g.slugIndex(session)[slug]
	if !ok {
		return nil, "", fmt.Errorf("no allowed server owns prefix %q", slug)
	}

	handle, running := g.manager.Get(serverCfg.ID)
	if !running {
		return nil, "", fmt.Errorf("server %s is not running", serverCfg.Name)
	}
	return handle, original, nil
}

// handleToolCall routes tools/call: the synthetic search tool when deferred
// loading is active, otherwise firewall resolution and direct forwarding.
func (g *Gateway) handleToolCall(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	var params struct {
		Name      string                 `json:"name"`
		Arguments map[string]interface{} `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, "invalid tools/call params")
	}

	if params.Name == searchToolName && g.deferredActive(session) {
		return g.handleSearchCall(session, req.ID, params.Arguments)
	}

	handle, original, err := g.resolveDirect(session, params.Name)
	if err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, err.Error())
	}

	args, allowed, errResp := g.checkToolFirewall(ctx, session, params.Name, handle.Config, params.Arguments, req.ID)
	if !allowed {
		return errResp
	}

	result, err := handle.Client.CallTool(ctx, original, args)
	if err != nil {
		return errorFromBackend(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

// checkToolFirewall applies the rule hierarchy and, for ask, the approval
// loop. It returns the (possibly edited) arguments.
func (g *Gateway) checkToolFirewall(ctx context.Context, session *Session, namespacedTool string, server config.MCPServer, args map[string]interface{}, reqID json.RawMessage) (map[string]interface{}, bool, *mcpserver.Response) {
	session.mu.RLock()
	rules := session.firewallRules
	session.mu.RUnlock()

	policy := firewall.ResolvePolicy(rules, namespacedTool, server.ID)
	switch policy {
	case config.PolicyAllow:
		return args, true, nil
	case config.PolicyDeny:
		return nil, false, errorResponse(reqID, mcpserver.CodeInvalidRequest, fmt.Sprintf("tool %s denied by policy", namespacedTool))
	}

	// Ask: session and time-bounded grants short-circuit the prompt.
	grantKey := session.ClientID + "|" + namespacedTool
	if allowed, found := g.grants.Lookup(grantKey); found {
		if allowed {
			return args, true, nil
		}
		return nil, false, errorResponse(reqID, mcpserver.CodeInvalidRequest, fmt.Sprintf("tool %s denied by policy", namespacedTool))
	}

	if g.firewall == nil {
		return nil, false, errorResponse(reqID, mcpserver.CodeInvalidRequest, "tool approval unavailable")
	}

	clientName := session.ClientID
	cfg := g.cfg()
	if client, ok := cfg.FindClient(session.ClientID); ok {
		clientName = client.Name
	}

	decision, err := g.firewall.Submit(ctx, firewall.Request{
		ClientID:   session.ClientID,
		ClientName: clientName,
		Subject:    firewall.SubjectToolCall,
		Summary:    fmt.Sprintf("Tool call %s on %s", namespacedTool, server.Name),
		Params:     args,
	})
	if err != nil {
		return nil, false, errorResponse(reqID, mcpserver.CodeInternalError, fmt.Sprintf("tool approval failed: %v", err))
	}

	g.grants.Record(grantKey, decision.Action)
	if !decision.Action.Allows() {
		return nil, false, errorResponse(reqID, mcpserver.CodeInvalidRequest, fmt.Sprintf("tool %s denied by user", namespacedTool))
	}
	if decision.EditedArgs != nil {
		// The user edited the arguments; forward the edited set.
		args = decision.EditedArgs
	}
	return args, true, nil
}

func (g *Gateway) handleResourceRead(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, "invalid resources/read params")
	}

	handle, original, err := g.resolveDirect(session, params.URI)
	if err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, err.Error())
	}

	result, err := handle.Client.ReadResource(ctx, original)
	if err != nil {
		return errorFromBackend(req.ID, err)
	}
	g.activateResource(session, params.URI)
	return resultResponse(req.ID, result)
}

func (g *Gateway) handlePromptGet(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	var params struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, "invalid prompts/get params")
	}

	handle, original, err := g.resolveDirect(session, params.Name)
	if err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, err.Error())
	}

	result, err := handle.Client.GetPrompt(ctx, original, params.Arguments)
	if err != nil {
		return errorFromBackend(req.ID, err)
	}
	return resultResponse(req.ID, result)
}

func (g *Gateway) handleSubscription(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	var params struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, "invalid subscription params")
	}

	handle, original, err := g.resolveDirect(session, params.URI)
	if err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, err.Error())
	}

	if req.Method == "resources/subscribe" {
		err = handle.Client.Subscribe(ctx, original)
	} else {
		err = handle.Client.Unsubscribe(ctx, original)
	}
	if err != nil {
		return errorFromBackend(req.ID, err)
	}
	return resultResponse(req.ID, struct{}{})
}

func (g *Gateway) handleSetLevel(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	var params struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return errorResponse(req.ID, mcpserver.CodeInvalidParams, "invalid logging/setLevel params")
	}

	g.eachStartedServer(ctx, session, func(ctx context.Context, handle *mcpserver.ServerHandle) error {
		return handle.Client.SetLogLevel(ctx, params.Level)
	})
	return resultResponse(req.ID, struct{}{})
}

// onServerNotification is the single process-wide handler per server. It
// fans the notification out to every session whose allowed set includes
// the server, invalidating the matching catalog cache and posting the
// notification the client expects on its SSE stream.
func (g *Gateway) onServerNotification(serverID, method string, params json.RawMessage) {
	g.mu.RLock()
	var affected []*Session
	for _, session := range g.sessions {
		if session.allows(serverID) {
			affected = append(affected, session)
		}
	}
	g.mu.RUnlock()

	for _, session := range affected {
		switch method {
		case "notifications/tools/list_changed":
			session.InvalidateTools()
			g.postNotification(session.ClientID, "notifications/tools/list_changed", nil)
		case "notifications/resources/list_changed":
			session.InvalidateResources()
			g.postNotification(session.ClientID, "notifications/resources/list_changed", nil)
		case "notifications/prompts/list_changed":
			session.InvalidatePrompts()
			g.postNotification(session.ClientID, "notifications/prompts/list_changed", nil)
		default:
			// Other notifications forward with a server-attributed method so
			// a namespaced client can tell backends apart.
			g.postNotification(session.ClientID, serverID+"::"+method, params)
		}
	}
}

// postNotification queues a JSON-RPC notification on the client's SSE
// stream, if one is connected.
func (g *Gateway) postNotification(clientID, method string, params json.RawMessage) {
	if g.bus == nil || !g.bus.Connected(clientID) {
		return
	}
	note := mcpserver.Request{JSONRPC: mcpserver.JSONRPCVersion, Method: method, Params: params}
	payload, err := json.Marshal(note)
	if err != nil {
		return
	}
	if err := g.bus.SendNotification(clientID, payload); err != nil {
		logging.Debug("Gateway", "Dropping notification %s for %s: %v", method, clientID, err)
	}
}

// resultResponse builds a success response.
func resultResponse(id json.RawMessage, v interface{}) *mcpserver.Response {
	data, err := json.Marshal(v)
	if err != nil {
		return errorResponse(id, mcpserver.CodeInternalError, "encoding result failed")
	}
	return &mcpserver.Response{JSONRPC: mcpserver.JSONRPCVersion, ID: id, Result: data}
}

// errorResponse builds an error response.
func errorResponse(id json.RawMessage, code int, message string) *mcpserver.Response {
	return &mcpserver.Response{
		JSONRPC: mcpserver.JSONRPCVersion,
		ID:      id,
		Error:   &mcpserver.RPCError{Code: code, Message: message},
	}
}

// errorFromBackend maps a backend failure to a response, passing JSON-RPC
// errors through unchanged.
func errorFromBackend(id json.RawMessage, err error) *mcpserver.Response {
	if rpcErr, ok := err.(*mcpserver.RPCError); ok {
		return &mcpserver.Response{JSONRPC: mcpserver.JSONRPCVersion, ID: id, Error: rpcErr}
	}
	return errorResponse(id, mcpserver.CodeInternalError, err.Error())
}
