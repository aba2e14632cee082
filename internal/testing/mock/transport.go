// Package mock provides in-process fakes for the MCP transport layer so
// gateway and server behavior can be exercised without real subprocesses
// or network listeners.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"localrouter/internal/mcpserver"

	"github.com/mark3labs/mcp-go/mcp"
)

// Transport is a scriptable in-process MCP backend implementing
// mcpserver.Transport. It serves the standard catalog methods from its
// configured state and lets tests emit notifications and reverse requests.
type Transport struct {
	mu sync.Mutex

	ServerName   string
	Instructions string
	Tools        []mcp.Tool
	Resources    []mcp.Resource
	Prompts      []mcp.Prompt

	// FailInitialize makes the handshake fail.
	FailInitialize bool

	// CallResults maps tool name to the result returned by tools/call.
	CallResults map[string]*mcp.CallToolResult

	// CallLog records every tools/call the backend served.
	CallLog []CallRecord

	started      bool
	closed       bool
	notification mcpserver.NotificationHandler
	request      mcpserver.RequestHandler
}

// CallRecord is one served tools/call.
type CallRecord struct {
	Name string
	Args map[string]interface{}
}

// NewTransport creates a fake backend with the given tools.
func NewTransport(serverName string, tools ...mcp.Tool) *Transport {
	return &Transport{
		ServerName:  serverName,
		Tools:       tools,
		CallResults: make(map[string]*mcp.CallToolResult),
	}
}

// Start implements mcpserver.Transport.
func (t *Transport) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return mcpserver.ErrTransportClosed
	}
	t.started = true
	return nil
}

// SendRequest implements mcpserver.Transport.
func (t *Transport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, mcpserver.ErrTransportClosed
	}

	switch method {
	case "initialize":
		if t.FailInitialize {
			return nil, &mcpserver.RPCError{Code: mcpserver.CodeInternalError, Message: "initialize failed"}
		}
		listChanged := true
		return marshal(map[string]interface{}{
			"protocolVersion": mcpserver.ProtocolVersion,
			"capabilities": map[string]interface{}{
				"tools":     map[string]interface{}{"listChanged": listChanged},
				"resources": map[string]interface{}{},
				"prompts":   map[string]interface{}{},
			},
			"serverInfo":   mcp.Implementation{Name: t.ServerName, Version: "0.1.0"},
			"instructions": t.Instructions,
		})

	case "tools/list":
		return marshal(mcp.ListToolsResult{Tools: t.Tools})

	case "resources/list":
		return marshal(mcp.ListResourcesResult{Resources: t.Resources})

	case "prompts/list":
		return marshal(mcp.ListPromptsResult{Prompts: t.Prompts})

	case "tools/call":
		var p struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		data, _ := json.Marshal(params)
		_ = json.Unmarshal(data, &p)
		t.CallLog = append(t.CallLog, CallRecord{Name: p.Name, Args: p.Arguments})

		if result, ok := t.CallResults[p.Name]; ok {
			return marshal(result)
		}
		return marshal(mcp.NewToolResultText("ok"))

	case "ping":
		return marshal(struct{}{})

	case "logging/setLevel":
		return marshal(struct{}{})

	default:
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeMethodNotFound, Message: fmt.Sprintf("unknown method %s", method)}
	}
}

// SendNotification implements mcpserver.Transport.
func (t *Transport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return nil
}

// StreamRequest implements mcpserver.Transport.
func (t *Transport) StreamRequest(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error) {
	return nil, mcpserver.ErrTransportStreamingUnsupported
}

// SupportsStreaming implements mcpserver.Transport.
func (t *Transport) SupportsStreaming() bool { return false }

// SetNotificationCallback implements mcpserver.Transport.
func (t *Transport) SetNotificationCallback(h mcpserver.NotificationHandler) {
	t.mu.Lock()
	t.notification = h
	t.mu.Unlock()
}

// SetRequestCallback implements mcpserver.Transport.
func (t *Transport) SetRequestCallback(h mcpserver.RequestHandler) {
	t.mu.Lock()
	t.request = h
	t.mu.Unlock()
}

// Close implements mcpserver.Transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

// Health implements mcpserver.Transport.
func (t *Transport) Health() mcpserver.Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || !t.started {
		return mcpserver.Health{State: mcpserver.StateUnhealthy}
	}
	return mcpserver.Health{State: mcpserver.StateHealthy}
}

// EmitNotification pushes a backend notification through the registered
// handler, as a live server would.
func (t *Transport) EmitNotification(method string, params json.RawMessage) {
	t.mu.Lock()
	h := t.notification
	t.mu.Unlock()
	if h != nil {
		h(method, params)
	}
}

// SendReverseRequest drives the registered reverse-request handler (the
// backend playing MCP client).
func (t *Transport) SendReverseRequest(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, *mcpserver.RPCError) {
	t.mu.Lock()
	h := t.request
	t.mu.Unlock()
	if h == nil {
		return nil, &mcpserver.RPCError{Code: mcpserver.CodeMethodNotFound, Message: "no reverse handler registered"}
	}
	return h(ctx, method, params)
}

// SetTools replaces the tool catalog (tests emit list_changed afterwards).
func (t *Transport) SetTools(tools []mcp.Tool) {
	t.mu.Lock()
	t.Tools = tools
	t.mu.Unlock()
}

func marshal(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
