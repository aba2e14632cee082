package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"localrouter/internal/config"
	"localrouter/internal/providers"
	"localrouter/pkg/logging"
)

// ServerHandle pairs a configured server with its running client.
type ServerHandle struct {
	Config config.MCPServer
	Client *Client
}

// Manager owns the backend MCP server transports: lifecycle
// (start/stop/restart), auth injection, notification dispatch to
// registered handlers, and readiness probing. It is the exclusive owner of
// transports; the gateway holds clients by reference through lookups.
type Manager struct {
	mu      sync.RWMutex
	servers map[string]*ServerHandle // keyed by server id

	// notificationHandlers holds at most one handler per server id.
	// Registration is idempotent: re-registering replaces.
	handlerMu            sync.RWMutex
	notificationHandlers map[string]func(serverID, method string, params json.RawMessage)

	// requestHandler serves reverse requests from any backend.
	requestHandler func(ctx context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, *RPCError)

	secrets providers.SecretResolver

	// transportFactory builds transports from config. Tests swap it for a
	// factory returning in-process fakes.
	transportFactory func(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error)
}

// NewManager creates an empty manager.
func NewManager(secrets providers.SecretResolver) *Manager {
	return &Manager{
		servers:              make(map[string]*ServerHandle),
		notificationHandlers: make(map[string]func(serverID, method string, params json.RawMessage)),
		secrets:              secrets,
		transportFactory:     NewTransport,
	}
}

// SetTransportFactory replaces the transport constructor. Intended for
// tests.
func (m *Manager) SetTransportFactory(f func(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error)) {
	m.transportFactory = f
}

// SetRequestHandler registers the reverse-capability handler (sampling,
// elicitation, roots). Must be set before Start; the gateway owns it.
func (m *Manager) SetRequestHandler(h func(ctx context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, *RPCError)) {
	m.handlerMu.Lock()
	m.requestHandler = h
	m.handlerMu.Unlock()
}

// RegisterNotificationHandler binds the per-server notification handler.
// Idempotent: one handler per server process-wide, replaced on re-register.
func (m *Manager) RegisterNotificationHandler(serverID string, h func(serverID, method string, params json.RawMessage)) {
	m.handlerMu.Lock()
	m.notificationHandlers[serverID] = h
	m.handlerMu.Unlock()
}

// Start builds the transport for a configured server, wires callbacks, and
// performs the protocol handshake. Starting an already-running server is a
// no-op.
func (m *Manager) Start(ctx context.Context, server config.MCPServer) (*ServerHandle, error) {
	m.mu.Lock()
	if existing, ok := m.servers[server.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	transport, err := m.transportFactory(ctx, server, m.secrets)
	if err != nil {
		return nil, err
	}

	serverID := server.ID
	transport.SetNotificationCallback(func(method string, params json.RawMessage) {
		m.dispatchNotification(serverID, method, params)
	})
	transport.SetRequestCallback(func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *RPCError) {
		m.handlerMu.RLock()
		h := m.requestHandler
		m.handlerMu.RUnlock()
		if h == nil {
			return nil, &RPCError{Code: CodeMethodNotFound, Message: "no reverse-capability handler"}
		}
		return h(ctx, serverID, method, params)
	})

	client := NewClient(transport)
	if _, err := client.Initialize(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("server %s: %w", server.Name, err)
	}

	handle := &ServerHandle{Config: server, Client: client}

	m.mu.Lock()
	// A concurrent Start may have won; keep the first one.
	if existing, ok := m.servers[server.ID]; ok {
		m.mu.Unlock()
		_ = client.Close()
		return existing, nil
	}
	m.servers[server.ID] = handle
	m.mu.Unlock()

	logging.Info("MCPManager", "Started MCP server %s (%s, %s)", server.Name, server.ID, server.Transport)
	return handle, nil
}

// Stop shuts a server down and forgets it.
func (m *Manager) Stop(serverID string) error {
	m.mu.Lock()
	handle, ok := m.servers[serverID]
	delete(m.servers, serverID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("server %s not running", serverID)
	}
	if err := handle.Client.Close(); err != nil {
		logging.Warn("MCPManager", "Error closing server %s: %v", serverID, err)
	}
	logging.Info("MCPManager", "Stopped MCP server %s", handle.Config.Name)
	return nil
}

// Restart stops and re-starts a server with its current configuration.
func (m *Manager) Restart(ctx context.Context, serverID string) (*ServerHandle, error) {
	m.mu.RLock()
	handle, ok := m.servers[serverID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("server %s not running", serverID)
	}

	cfg := handle.Config
	if err := m.Stop(serverID); err != nil {
		return nil, err
	}
	return m.Start(ctx, cfg)
}

// Get returns the running handle for a server id.
func (m *Manager) Get(serverID string) (*ServerHandle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	handle, ok := m.servers[serverID]
	return handle, ok
}

// Running returns the ids of all running servers.
func (m *Manager) Running() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.servers))
	for id := range m.servers {
		ids = append(ids, id)
	}
	return ids
}

// Probe checks a server's readiness with a ping, bounded by timeout.
func (m *Manager) Probe(ctx context.Context, serverID string, timeout time.Duration) Health {
	handle, ok := m.Get(serverID)
	if !ok {
		return Health{State: StateUnhealthy, Message: "not running"}
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := handle.Client.Ping(pingCtx); err != nil {
		return Health{State: StateUnhealthy, Message: err.Error()}
	}
	return handle.Client.Transport().Health()
}

// Sync reconciles running servers against a new configuration: removed or
// disabled servers stop; config changes restart; new enabled servers are
// left for lazy start by the gateway.
func (m *Manager) Sync(ctx context.Context, servers []config.MCPServer) {
	byID := make(map[string]config.MCPServer, len(servers))
	for _, s := range servers {
		byID[s.ID] = s
	}

	m.mu.RLock()
	var toStop, toRestart []string
	for id, handle := range m.servers {
		cfg, ok := byID[id]
		switch {
		case !ok || !cfg.Enabled:
			toStop = append(toStop, id)
		case !serverConfigEqual(handle.Config, cfg):
			toRestart = append(toRestart, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range toStop {
		logging.Info("MCPManager", "Stopping server %s removed or disabled by config change", id)
		_ = m.Stop(id)
	}
	for _, id := range toRestart {
		logging.Info("MCPManager", "Restarting server %s after config change", id)
		if err := m.Stop(id); err != nil {
			continue
		}
		if _, err := m.Start(ctx, byID[id]); err != nil {
			logging.Error("MCPManager", err, "Failed to restart server %s", id)
		}
	}
}

// StopAll shuts every server down.
func (m *Manager) StopAll() {
	for _, id := range m.Running() {
		_ = m.Stop(id)
	}
}

func (m *Manager) dispatchNotification(serverID, method string, params json.RawMessage) {
	m.handlerMu.RLock()
	h := m.notificationHandlers[serverID]
	m.handlerMu.RUnlock()

	if h == nil {
		logging.Debug("MCPManager", "No handler for notification %s from %s", method, serverID)
		return
	}
	h(serverID, method, params)
}

func serverConfigEqual(a, b config.MCPServer) bool {
	if a.Transport != b.Transport || a.Command != b.Command || a.URL != b.URL {
		return false
	}
	if len(a.Args) != len(b.Args) {
		return false
	}
	for i := range a.Args {
		if a.Args[i] != b.Args[i] {
			return false
		}
	}
	if len(a.Env) != len(b.Env) {
		return false
	}
	for k, v := range a.Env {
		if b.Env[k] != v {
			return false
		}
	}
	if a.Auth.Type != b.Auth.Type {
		return false
	}
	return true
}
