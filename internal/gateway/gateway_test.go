package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"localrouter/internal/bus"
	"localrouter/internal/config"
	"localrouter/internal/firewall"
	"localrouter/internal/mcpserver"
	"localrouter/internal/providers"
	"localrouter/internal/testing/mock"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixture wires a gateway against mock transports.
type fixture struct {
	gateway    *Gateway
	manager    *mcpserver.Manager
	bus        *bus.Manager
	firewall   *firewall.Manager
	cfg        config.Config
	transports map[string]*mock.Transport
}

func (f *fixture) configFn() config.Config { return f.cfg }

func tool(name, description string) mcp.Tool {
	return mcp.NewTool(name, mcp.WithDescription(description))
}

// newFixture builds a gateway over the given mock backends (keyed by
// server name; ids are "id-<name>").
func newFixture(t *testing.T, backends map[string]*mock.Transport) *fixture {
	t.Helper()

	f := &fixture{transports: backends}

	cfg := config.GetDefaultConfig()
	for name := range backends {
		cfg.MCPServers = append(cfg.MCPServers, config.MCPServer{
			ID: "id-" + name, Name: name,
			Transport: config.MCPTransportStdio, Command: "/bin/" + name,
			Enabled: true,
		})
	}
	cfg.Clients = []config.Client{{
		ID: "c1", Name: "ide", Enabled: true,
		MCPAccess: config.MCPServerAccess{Mode: config.AccessAll},
	}}
	f.cfg = cfg

	secrets := providers.SecretResolverFunc(func(service, account string) (string, bool) { return "", false })
	f.manager = mcpserver.NewManager(secrets)
	f.manager.SetTransportFactory(func(ctx context.Context, server config.MCPServer, _ providers.SecretResolver) (mcpserver.Transport, error) {
		tr, ok := backends[server.Name]
		if !ok {
			return nil, fmt.Errorf("no mock for %s", server.Name)
		}
		return tr, nil
	})

	f.bus = bus.NewManager(100)
	f.firewall = firewall.NewManager(2*time.Second, nil)
	f.gateway = New(f.configFn, f.manager, f.bus, nil, f.firewall, time.Minute)

	t.Cleanup(f.manager.StopAll)
	return f
}

func (f *fixture) client() config.Client {
	c, _ := f.cfg.FindClient("c1")
	return c
}

// call drives one JSON-RPC request through the gateway.
func (f *fixture) call(t *testing.T, method string, params interface{}) *mcpserver.Response {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		raw = data
	}
	req := &mcpserver.Request{
		JSONRPC: mcpserver.JSONRPCVersion,
		ID:      json.RawMessage(`1`),
		Method:  method,
		Params:  raw,
	}
	return f.gateway.HandleRequest(context.Background(), f.client(), req)
}

func (f *fixture) initialize(t *testing.T, declareListChanged bool) mcp.InitializeResult {
	t.Helper()
	params := map[string]interface{}{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "test", "version": "0"},
		"capabilities":    map[string]interface{}{},
	}
	if declareListChanged {
		params["capabilities"] = map[string]interface{}{
			"tools": map[string]interface{}{"listChanged": true},
		}
	}
	resp := f.call(t, "initialize", params)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error, "initialize failed: %v", resp.Error)

	var result mcp.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return result
}

func (f *fixture) listTools(t *testing.T) []mcp.Tool {
	t.Helper()
	resp := f.call(t, "tools/list", nil)
	require.NotNil(t, resp)
	require.Nil(t, resp.Error)

	var result mcp.ListToolsResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	return result.Tools
}

func TestInitializeMergesBackends(t *testing.T) {
	f := newFixture(t, map[string]*mock.Transport{
		"filesystem": mock.NewTransport("filesystem", tool("read_file", "read"), tool("write_file", "write")),
		"github":     mock.NewTransport("github", tool("create_issue", "open an issue")),
	})

	result := f.initialize(t, false)

	assert.Equal(t, "localrouter", result.ServerInfo.Name)
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	require.NotNil(t, result.Capabilities.Tools)
	assert.Contains(t, result.Instructions, "filesystem")
	assert.Contains(t, result.Instructions, "github")
	assert.Contains(t, result.Instructions, "filesystem__write_file")

	// Union cardinality equals the sum of per-server counts: every item is
	// unique under its server prefix.
	tools := f.listTools(t)
	assert.Len(t, tools, 3)

	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.Name] = true
		slug, original, err := SplitNamespacedName(tl.Name)
		require.NoError(t, err)
		assert.NotEmpty(t, slug)
		assert.NotEmpty(t, original)
	}
	assert.True(t, names["filesystem__read_file"])
	assert.True(t, names["github__create_issue"])
}

func TestInitializePartialFailure(t *testing.T) {
	broken := mock.NewTransport("broken", tool("never", ""))
	broken.FailInitialize = true

	f := newFixture(t, map[string]*mock.Transport{
		"filesystem": mock.NewTransport("filesystem", tool("read_file", "read")),
		"broken":     broken,
	})

	result := f.initialize(t, false)

	// The merged document names the failed server; the healthy backend's
	// tools still serve.
	assert.Contains(t, result.Instructions, "Unavailable servers")
	assert.Contains(t, result.Instructions, "broken")

	tools := f.listTools(t)
	require.Len(t, tools, 1)
	assert.Equal(t, "filesystem__read_file", tools[0].Name)
}

func TestInitializeAllFailedNoSkillsErrors(t *testing.T) {
	broken := mock.NewTransport("broken")
	broken.FailInitialize = true

	f := newFixture(t, map[string]*mock.Transport{"broken": broken})

	resp := f.call(t, "initialize", map[string]interface{}{"protocolVersion": "2024-11-05"})
	require.NotNil(t, resp)
	require.NotNil(t, resp.Error)
}

func TestInitializeSkillsOnlyMode(t *testing.T) {
	broken := mock.NewTransport("broken")
	broken.FailInitialize = true

	f := newFixture(t, map[string]*mock.Transport{"broken": broken})
	f.cfg.Skills = []config.Skill{{Name: "review", Description: "review a diff"}}
	f.cfg.Clients[0].SkillsAccess = config.SkillsAccess{Mode: config.AccessAll}

	result := f.initialize(t, false)
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Contains(t, result.Instructions, "review")

	session, ok := f.gateway.Session("c1")
	require.True(t, ok)
	session.mu.RLock()
	assert.True(t, session.capabilities.SkillsOnly)
	session.mu.RUnlock()
}

func TestDirectToolCallRouting(t *testing.T) {
	fs := mock.NewTransport("filesystem", tool("write_file", "write"))
	f := newFixture(t, map[string]*mock.Transport{
		"filesystem": fs,
		"github":     mock.NewTransport("github", tool("create_issue", "")),
	})
	f.initialize(t, false)

	resp := f.call(t, "tools/call", map[string]interface{}{
		"name":      "filesystem__write_file",
		"arguments": map[string]interface{}{"path": "/tmp/x"},
	})
	require.Nil(t, resp.Error)

	// The slug prefix is stripped before forwarding to the owning server.
	require.Len(t, fs.CallLog, 1)
	assert.Equal(t, "write_file", fs.CallLog[0].Name)
	assert.Equal(t, "/tmp/x", fs.CallLog[0].Args["path"])
}

func TestToolCallUnknownPrefixRejected(t *testing.T) {
	f := newFixture(t, map[string]*mock.Transport{
		"filesystem": mock.NewTransport("filesystem", tool("write_file", "")),
	})
	f.initialize(t, false)

	resp := f.call(t, "tools/call", map[string]interface{}{"name": "nosuch__tool"})
	require.NotNil(t, resp.Error)

	resp = f.call(t, "tools/call", map[string]interface{}{"name": "not-namespaced"})
	require.NotNil(t, resp.Error)
}

func TestToolFirewallAskWithEditedArgs(t *testing.T) {
	fs := mock.NewTransport("filesystem", tool("write_file", "write"))
	f := newFixture(t, map[string]*mock.Transport{"filesystem": fs})
	f.cfg.Clients[0].FirewallRules = config.FirewallRules{DefaultPolicy: config.PolicyAsk}
	f.initialize(t, false)

	approve := func(action firewall.Action, editedPath string) {
		go func() {
			for {
				pending := f.firewall.Pending()
				if len(pending) == 1 {
					decision := firewall.Decision{Action: action}
					if editedPath != "" {
						decision.EditedArgs = map[string]interface{}{"path": editedPath}
					}
					_ = f.firewall.Resolve(pending[0].ID, decision)
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	// AllowOnce with edited arguments: the forwarded call carries the
	// edited path.
	approve(firewall.AllowOnce, "/tmp/edited")
	resp := f.call(t, "tools/call", map[string]interface{}{
		"name":      "filesystem__write_file",
		"arguments": map[string]interface{}{"path": "/tmp/original"},
	})
	require.Nil(t, resp.Error)
	require.Len(t, fs.CallLog, 1)
	assert.Equal(t, "/tmp/edited", fs.CallLog[0].Args["path"])

	// AllowOnce does not persist: the identical call re-prompts.
	approve(firewall.Allow1Hour, "")
	resp = f.call(t, "tools/call", map[string]interface{}{
		"name":      "filesystem__write_file",
		"arguments": map[string]interface{}{"path": "/tmp/second"},
	})
	require.Nil(t, resp.Error)
	require.Len(t, fs.CallLog, 2)

	// The Allow1Hour grant admits subsequent calls without prompting.
	resp = f.call(t, "tools/call", map[string]interface{}{
		"name":      "filesystem__write_file",
		"arguments": map[string]interface{}{"path": "/tmp/third"},
	})
	require.Nil(t, resp.Error)
	require.Len(t, fs.CallLog, 3)
	assert.Empty(t, f.firewall.Pending())
}

func TestToolFirewallDeny(t *testing.T) {
	fs := mock.NewTransport("filesystem", tool("write_file", ""))
	f := newFixture(t, map[string]*mock.Transport{"filesystem": fs})
	f.cfg.Clients[0].FirewallRules = config.FirewallRules{
		DefaultPolicy: config.PolicyAllow,
		ToolRules:     map[string]config.FirewallPolicy{"filesystem__write_file": config.PolicyDeny},
	}
	f.initialize(t, false)

	resp := f.call(t, "tools/call", map[string]interface{}{"name": "filesystem__write_file"})
	require.NotNil(t, resp.Error)
	assert.Contains(t, resp.Error.Message, "denied by policy")
	assert.Empty(t, fs.CallLog)
}

func TestDeferredLoadingSearch(t *testing.T) {
	// A backend with many tools; deferred loading hides them behind the
	// synthetic search tool.
	var tools []mcp.Tool
	for i := 0; i < 80; i++ {
		name := fmt.Sprintf("op_%02d", i)
		if i < 6 {
			name = fmt.Sprintf("file_op_%02d", i)
		}
		tools = append(tools, tool(name, "tool "+name))
	}
	backend := mock.NewTransport("big", tools...)

	f := newFixture(t, map[string]*mock.Transport{"big": backend})
	f.cfg.Clients[0].DeferredLoading = true

	// The client declares tools.listChanged, which deferred loading
	// requires.
	f.initialize(t, true)

	// Register an SSE connection so list_changed notifications are
	// observable.
	receiver := f.bus.Register("c1")
	defer f.bus.Unregister("c1")

	listed := f.listTools(t)
	require.Len(t, listed, 1)
	assert.Equal(t, searchToolName, listed[0].Name)

	// Searching activates the matches and posts one list_changed.
	resp := f.call(t, "tools/call", map[string]interface{}{
		"name":      searchToolName,
		"arguments": map[string]interface{}{"query": "file"},
	})
	require.Nil(t, resp.Error)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, bus.TypeNotification, msg.Type)
	assert.Contains(t, string(msg.Payload), "notifications/tools/list_changed")

	// Re-listing returns the 6 activated tools plus search.
	listed = f.listTools(t)
	assert.Len(t, listed, 7)

	// Invariant: the surface list is a subset of full catalog + search.
	session, _ := f.gateway.Session("c1")
	session.mu.RLock()
	full := map[string]bool{searchToolName: true}
	for _, nt := range session.deferred.FullTools {
		full[nt.NamespacedName] = true
	}
	session.mu.RUnlock()
	for _, tl := range listed {
		assert.True(t, full[tl.Name], "%s leaked outside the catalog", tl.Name)
	}
}

func TestNotificationInvalidatesCache(t *testing.T) {
	backend := mock.NewTransport("fs", tool("read_file", ""))
	f := newFixture(t, map[string]*mock.Transport{"fs": backend})
	f.initialize(t, false)

	receiver := f.bus.Register("c1")
	defer f.bus.Unregister("c1")

	require.Len(t, f.listTools(t), 1)

	// The backend's catalog changes and it notifies.
	backend.SetTools([]mcp.Tool{tool("read_file", ""), tool("write_file", "")})
	backend.EmitNotification("notifications/tools/list_changed", nil)

	// The gateway forwarded the (unnamespaced) notification to the client.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Payload), "notifications/tools/list_changed")

	// The next list refetches: no stale cache after a list_changed.
	assert.Len(t, f.listTools(t), 2)
}

func TestSessionReuseAndRebuild(t *testing.T) {
	f := newFixture(t, map[string]*mock.Transport{
		"fs": mock.NewTransport("fs", tool("read_file", "")),
	})

	s1, err := f.gateway.GetOrCreateSession(context.Background(), f.client())
	require.NoError(t, err)

	s2, err := f.gateway.GetOrCreateSession(context.Background(), f.client())
	require.NoError(t, err)
	assert.Same(t, s1, s2, "fresh session with identical servers is reused")

	// Changing the allowed server set rebuilds the session.
	f.cfg.Clients[0].MCPAccess = config.MCPServerAccess{Mode: config.AccessNone}
	s3, err := f.gateway.GetOrCreateSession(context.Background(), f.client())
	require.NoError(t, err)
	assert.NotSame(t, s1, s3)
	assert.Empty(t, s3.AllowedServers)
}

func TestSessionExpiryBoundary(t *testing.T) {
	s := &Session{lastActivity: time.Now()}
	ttl := time.Minute

	assert.False(t, s.ExpiredAt(s.lastActivity.Add(ttl-time.Nanosecond), ttl))
	// A session exactly at TTL is expired.
	assert.True(t, s.ExpiredAt(s.lastActivity.Add(ttl), ttl))
}

func TestReverseRootsList(t *testing.T) {
	backend := mock.NewTransport("fs", tool("read_file", ""))
	f := newFixture(t, map[string]*mock.Transport{"fs": backend})
	f.cfg.Clients[0].Roots = []config.Root{
		{URI: "file:///home/dev/project", Name: "project", Enabled: true},
		{URI: "file:///etc", Name: "etc", Enabled: false},
	}
	f.initialize(t, false)

	result, rpcErr := backend.SendReverseRequest(context.Background(), "roots/list", nil)
	require.Nil(t, rpcErr)

	var out struct {
		Roots []struct {
			URI string `json:"uri"`
		} `json:"roots"`
	}
	require.NoError(t, json.Unmarshal(result, &out))
	require.Len(t, out.Roots, 1, "only enabled roots are returned")
	assert.Equal(t, "file:///home/dev/project", out.Roots[0].URI)
}

func TestReverseSamplingDisabled(t *testing.T) {
	backend := mock.NewTransport("fs", tool("read_file", ""))
	f := newFixture(t, map[string]*mock.Transport{"fs": backend})
	f.initialize(t, false)

	_, rpcErr := backend.SendReverseRequest(context.Background(), "sampling/createMessage",
		json.RawMessage(`{"messages":[{"role":"user","content":{"type":"text","text":"hi"}}]}`))
	require.NotNil(t, rpcErr)
	assert.Equal(t, mcpserver.CodeMethodNotFound, rpcErr.Code)
}

func TestReverseElicitationTimeout(t *testing.T) {
	backend := mock.NewTransport("fs", tool("read_file", ""))
	f := newFixture(t, map[string]*mock.Transport{"fs": backend})
	f.gateway.elicitations = NewElicitationManager(50 * time.Millisecond)
	f.initialize(t, false)

	result, rpcErr := backend.SendReverseRequest(context.Background(), "elicitation/requestInput",
		json.RawMessage(`{"message":"pick one"}`))
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"action":"cancel"}`, string(result))
}

func TestReverseElicitationResponse(t *testing.T) {
	backend := mock.NewTransport("fs", tool("read_file", ""))
	f := newFixture(t, map[string]*mock.Transport{"fs": backend})
	f.initialize(t, false)

	done := make(chan json.RawMessage, 1)
	go func() {
		result, _ := backend.SendReverseRequest(context.Background(), "elicitation/requestInput",
			json.RawMessage(`{"message":"pick one"}`))
		done <- result
	}()

	// The user answers through the elicitation manager (as the HTTP
	// endpoint would).
	require.Eventually(t, func() bool {
		pending := f.gateway.Elicitations().Pending()
		if len(pending) != 1 {
			return false
		}
		return f.gateway.Elicitations().Respond(pending[0].ID,
			json.RawMessage(`{"action":"accept","content":{"choice":"a"}}`)) == nil
	}, time.Second, 10*time.Millisecond)

	select {
	case result := <-done:
		assert.JSONEq(t, `{"action":"accept","content":{"choice":"a"}}`, string(result))
	case <-time.After(time.Second):
		t.Fatal("elicitation never resolved")
	}
}

func TestPingAndUnknownMethod(t *testing.T) {
	f := newFixture(t, map[string]*mock.Transport{
		"fs": mock.NewTransport("fs", tool("read_file", "")),
	})

	resp := f.call(t, "ping", nil)
	require.Nil(t, resp.Error)

	resp = f.call(t, "bogus/method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, mcpserver.CodeMethodNotFound, resp.Error.Code)

	// Reverse methods are rejected on the client-facing surface.
	resp = f.call(t, "sampling/createMessage", nil)
	require.NotNil(t, resp.Error)
}
