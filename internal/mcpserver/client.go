package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// ProtocolVersion is the MCP protocol revision the gateway speaks to its
// backends.
const ProtocolVersion = "2024-11-05"

// Client is the typed MCP client over one transport. It performs the
// protocol handshake and exposes the standard operations with mcp-go
// shapes; the gateway layers namespacing and merging on top.
type Client struct {
	transport Transport

	mu          sync.RWMutex
	initialized bool
	initResult  *mcp.InitializeResult
}

// NewClient wraps a transport.
func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Transport exposes the underlying transport (for streaming calls and
// callback registration).
func (c *Client) Transport() Transport { return c.transport }

// initializeParams is the handshake request body.
type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

// Initialize starts the transport and performs the protocol handshake.
// Idempotent: a second call returns the cached result.
func (c *Client) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.initialized {
		return c.initResult, nil
	}

	if err := c.transport.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting transport: %w", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
	}

	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		ClientInfo: mcp.Implementation{
			Name:    "localrouter",
			Version: "1.0.0",
		},
		Capabilities: mcp.ClientCapabilities{},
	}

	raw, err := c.transport.SendRequest(initCtx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize handshake: %w", err)
	}

	var result mcp.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding initialize result: %w", err)
	}

	if err := c.transport.SendNotification(initCtx, "notifications/initialized", nil); err != nil {
		logging.Debug("MCPClient", "initialized notification failed: %v", err)
	}

	if marker, ok := c.transport.(interface{ MarkHealthy() }); ok {
		marker.MarkHealthy()
	}

	c.initialized = true
	c.initResult = &result
	logging.Debug("MCPClient", "Initialized backend %s %s (protocol %s)",
		result.ServerInfo.Name, result.ServerInfo.Version, result.ProtocolVersion)
	return &result, nil
}

// InitResult returns the cached handshake result, if initialized.
func (c *Client) InitResult() (*mcp.InitializeResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initResult, c.initialized
}

// Close shuts the transport down.
func (c *Client) Close() error {
	c.mu.Lock()
	c.initialized = false
	c.mu.Unlock()
	return c.transport.Close()
}

// ListTools returns all tools from the backend.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	raw, err := c.transport.SendRequest(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	var result mcp.ListToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tools list: %w", err)
	}
	return result.Tools, nil
}

// CallTool executes a tool and returns the result.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	params := map[string]interface{}{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := c.transport.SendRequest(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("failed to call tool: %w", err)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding tool result: %w", err)
	}
	return &result, nil
}

// ListResources returns all resources from the backend.
func (c *Client) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	raw, err := c.transport.SendRequest(ctx, "resources/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	var result mcp.ListResourcesResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding resources list: %w", err)
	}
	return result.Resources, nil
}

// ReadResource retrieves a specific resource.
func (c *Client) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	raw, err := c.transport.SendRequest(ctx, "resources/read", map[string]interface{}{"uri": uri})
	if err != nil {
		return nil, fmt.Errorf("failed to read resource: %w", err)
	}
	var result mcp.ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding resource: %w", err)
	}
	return &result, nil
}

// Subscribe subscribes to change notifications for a resource.
func (c *Client) Subscribe(ctx context.Context, uri string) error {
	_, err := c.transport.SendRequest(ctx, "resources/subscribe", map[string]interface{}{"uri": uri})
	return err
}

// Unsubscribe removes a resource subscription.
func (c *Client) Unsubscribe(ctx context.Context, uri string) error {
	_, err := c.transport.SendRequest(ctx, "resources/unsubscribe", map[string]interface{}{"uri": uri})
	return err
}

// ListPrompts returns all prompts from the backend.
func (c *Client) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	raw, err := c.transport.SendRequest(ctx, "prompts/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list prompts: %w", err)
	}
	var result mcp.ListPromptsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding prompts list: %w", err)
	}
	return result.Prompts, nil
}

// GetPrompt retrieves a specific prompt.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	params := map[string]interface{}{"name": name}
	if args != nil {
		params["arguments"] = args
	}
	raw, err := c.transport.SendRequest(ctx, "prompts/get", params)
	if err != nil {
		return nil, fmt.Errorf("failed to get prompt: %w", err)
	}
	var result mcp.GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding prompt: %w", err)
	}
	return &result, nil
}

// SetLogLevel forwards logging/setLevel to the backend.
func (c *Client) SetLogLevel(ctx context.Context, level string) error {
	_, err := c.transport.SendRequest(ctx, "logging/setLevel", map[string]interface{}{"level": level})
	return err
}

// Ping checks if the backend is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.transport.SendRequest(ctx, "ping", nil)
	return err
}
