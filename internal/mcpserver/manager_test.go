package mcpserver

import (
	"context"
	"encoding/json"
	"testing"

	"localrouter/internal/config"
	"localrouter/internal/providers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedTransport is a minimal in-package fake for manager tests.
type scriptedTransport struct {
	handlers     handlerSet
	started      bool
	closed       bool
	requests     []string
}

func (s *scriptedTransport) Start(ctx context.Context) error { s.started = true; return nil }

func (s *scriptedTransport) SendRequest(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	s.requests = append(s.requests, method)
	switch method {
	case "initialize":
		return json.RawMessage(`{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"fake","version":"0"}}`), nil
	default:
		return json.RawMessage(`{}`), nil
	}
}

func (s *scriptedTransport) SendNotification(ctx context.Context, method string, params interface{}) error {
	return nil
}

func (s *scriptedTransport) StreamRequest(ctx context.Context, method string, params interface{}) (<-chan json.RawMessage, error) {
	return nil, ErrTransportStreamingUnsupported
}

func (s *scriptedTransport) SupportsStreaming() bool                  { return false }
func (s *scriptedTransport) SetNotificationCallback(h NotificationHandler) { s.handlers.setNotification(h) }
func (s *scriptedTransport) SetRequestCallback(h RequestHandler)      { s.handlers.setRequest(h) }
func (s *scriptedTransport) Close() error                             { s.closed = true; return nil }
func (s *scriptedTransport) Health() Health                           { return Health{State: StateHealthy} }

func noSecrets() providers.SecretResolver {
	return providers.SecretResolverFunc(func(service, account string) (string, bool) { return "", false })
}

func stdioServer(id, name string) config.MCPServer {
	return config.MCPServer{
		ID: id, Name: name, Transport: config.MCPTransportStdio,
		Command: "/bin/" + name, Enabled: true,
	}
}

func TestManagerStartStop(t *testing.T) {
	transports := map[string]*scriptedTransport{}
	m := NewManager(noSecrets())
	m.SetTransportFactory(func(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error) {
		tr := &scriptedTransport{}
		transports[server.ID] = tr
		return tr, nil
	})

	handle, err := m.Start(context.Background(), stdioServer("srv-1", "fs"))
	require.NoError(t, err)
	assert.Equal(t, "srv-1", handle.Config.ID)
	assert.Contains(t, transports["srv-1"].requests, "initialize")

	// Starting again is a no-op returning the same handle.
	again, err := m.Start(context.Background(), stdioServer("srv-1", "fs"))
	require.NoError(t, err)
	assert.Same(t, handle, again)

	assert.ElementsMatch(t, []string{"srv-1"}, m.Running())

	require.NoError(t, m.Stop("srv-1"))
	assert.True(t, transports["srv-1"].closed)
	assert.Empty(t, m.Running())
	assert.Error(t, m.Stop("srv-1"))
}

func TestManagerNotificationDispatch(t *testing.T) {
	var tr *scriptedTransport
	m := NewManager(noSecrets())
	m.SetTransportFactory(func(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error) {
		tr = &scriptedTransport{}
		return tr, nil
	})

	var got []string
	m.RegisterNotificationHandler("srv-1", func(serverID, method string, params json.RawMessage) {
		got = append(got, serverID+":"+method)
	})

	_, err := m.Start(context.Background(), stdioServer("srv-1", "fs"))
	require.NoError(t, err)

	tr.handlers.notify("notifications/tools/list_changed", nil)
	assert.Equal(t, []string{"srv-1:notifications/tools/list_changed"}, got)

	// Re-registering replaces the handler (idempotent registration).
	m.RegisterNotificationHandler("srv-1", func(serverID, method string, params json.RawMessage) {
		got = append(got, "second:"+method)
	})
	tr.handlers.notify("notifications/tools/list_changed", nil)
	assert.Equal(t, "second:notifications/tools/list_changed", got[len(got)-1])
}

func TestManagerReverseRequestRouting(t *testing.T) {
	var tr *scriptedTransport
	m := NewManager(noSecrets())
	m.SetTransportFactory(func(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error) {
		tr = &scriptedTransport{}
		return tr, nil
	})

	m.SetRequestHandler(func(ctx context.Context, serverID, method string, params json.RawMessage) (json.RawMessage, *RPCError) {
		assert.Equal(t, "srv-1", serverID)
		if method == "roots/list" {
			return json.RawMessage(`{"roots":[]}`), nil
		}
		return nil, &RPCError{Code: CodeMethodNotFound, Message: method}
	})

	_, err := m.Start(context.Background(), stdioServer("srv-1", "fs"))
	require.NoError(t, err)

	result, rpcErr := tr.handlers.serve(context.Background(), "roots/list", nil)
	require.Nil(t, rpcErr)
	assert.JSONEq(t, `{"roots":[]}`, string(result))
}

func TestManagerSync(t *testing.T) {
	m := NewManager(noSecrets())
	m.SetTransportFactory(func(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error) {
		return &scriptedTransport{}, nil
	})

	srv := stdioServer("srv-1", "fs")
	_, err := m.Start(context.Background(), srv)
	require.NoError(t, err)

	// Disabling the server in config stops it.
	disabled := srv
	disabled.Enabled = false
	m.Sync(context.Background(), []config.MCPServer{disabled})
	assert.Empty(t, m.Running())
}

func TestBuildAuthVariants(t *testing.T) {
	secrets := providers.SecretResolverFunc(func(service, account string) (string, bool) {
		if service == "localrouter" && account == "token-1" {
			return "sekret", true
		}
		return "", false
	})

	t.Run("bearer token", func(t *testing.T) {
		headers, _, err := buildAuth(context.Background(), config.MCPServer{
			Name: "s", Transport: config.MCPTransportHTTPSSE, URL: "http://x",
			Auth: config.MCPServerAuth{
				Type:  config.MCPAuthBearerToken,
				Token: config.SecretRef{Service: "localrouter", Account: "token-1"},
			},
		}, secrets)
		require.NoError(t, err)
		assert.Equal(t, "Bearer sekret", headers["Authorization"])
	})

	t.Run("missing secret fails", func(t *testing.T) {
		_, _, err := buildAuth(context.Background(), config.MCPServer{
			Name: "s", Transport: config.MCPTransportHTTPSSE, URL: "http://x",
			Auth: config.MCPServerAuth{
				Type:  config.MCPAuthBearerToken,
				Token: config.SecretRef{Service: "localrouter", Account: "nope"},
			},
		}, secrets)
		assert.Error(t, err)
	})

	t.Run("env vars merge with auth override", func(t *testing.T) {
		_, env, err := buildAuth(context.Background(), config.MCPServer{
			Name: "s", Transport: config.MCPTransportStdio, Command: "/bin/s",
			Env: map[string]string{"BASE": "1", "API_KEY": "from-config"},
			Auth: config.MCPServerAuth{
				Type: config.MCPAuthEnvVars,
				EnvVars: map[string]config.SecretRef{
					"API_KEY": {Service: "localrouter", Account: "token-1"},
				},
			},
		}, secrets)
		require.NoError(t, err)
		assert.Equal(t, "1", env["BASE"])
		assert.Equal(t, "sekret", env["API_KEY"], "auth env overrides config env")
	})

	t.Run("browser oauth without stored token fails fast", func(t *testing.T) {
		_, _, err := buildAuth(context.Background(), config.MCPServer{
			Name: "s", Transport: config.MCPTransportHTTPSSE, URL: "http://x",
			Auth: config.MCPServerAuth{Type: config.MCPAuthOAuthBrowser},
		}, secrets)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAuthRequired)
	})

	t.Run("custom headers", func(t *testing.T) {
		headers, _, err := buildAuth(context.Background(), config.MCPServer{
			Name: "s", Transport: config.MCPTransportHTTPSSE, URL: "http://x",
			Auth: config.MCPServerAuth{
				Type:          config.MCPAuthCustomHeaders,
				CustomHeaders: map[string]string{"X-Auth": "v"},
			},
		}, secrets)
		require.NoError(t, err)
		assert.Equal(t, "v", headers["X-Auth"])
	})
}
