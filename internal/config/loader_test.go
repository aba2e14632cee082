package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o600))
	return dir
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, DefaultHost, cfg.Server.Host)
	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultSessionTTL, cfg.Server.SessionTTL)
	assert.Equal(t, DefaultApprovalTimeout, cfg.Firewall.ApprovalTimeout)
}

func TestLoadConfigFull(t *testing.T) {
	dir := writeConfig(t, `
server:
  port: 9999
providers:
  - name: openai
    type: openai
    enabled: true
strategies:
  - id: strat-1
    name: default
    allowedModels:
      mode: providers
      providers: [openai]
    rateLimits:
      - dimension: requests
        value: 100
        windowSec: 60
clients:
  - id: client-1
    name: ide
    enabled: true
    strategyId: strat-1
    allowedProviders: [openai]
mcpServers:
  - id: srv-1
    name: filesystem
    transport: stdio
    enabled: true
    command: /usr/bin/mcp-fs
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	require.Len(t, cfg.Providers, 1)
	require.Len(t, cfg.Clients, 1)

	client, ok := cfg.FindClient("client-1")
	require.True(t, ok)
	assert.Equal(t, "ide", client.Name)
	// Defaults applied per client.
	assert.Equal(t, PolicyAllow, client.FirewallRules.DefaultPolicy)
	assert.Equal(t, PolicyAllow, client.ModelRules.Default)

	strategy, ok := cfg.FindStrategy("strat-1")
	require.True(t, ok)
	assert.Equal(t, AllowedModelsProviders, strategy.AllowedModels.Mode)
}

func TestLoadConfigLegacySSETransport(t *testing.T) {
	dir := writeConfig(t, `
mcpServers:
  - id: srv-1
    name: legacy
    transport: sse
    enabled: true
    url: http://localhost:9000/sse
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	srv, ok := cfg.FindMCPServer("srv-1")
	require.True(t, ok)
	assert.Equal(t, MCPTransportHTTPSSE, srv.Transport)
}

func TestValidateRejectsEnvVarsAuthOnNetworkTransport(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.MCPServers = []MCPServer{{
		ID:        "srv-1",
		Name:      "bad",
		Transport: MCPTransportHTTPSSE,
		URL:       "http://localhost:9000",
		Auth:      MCPServerAuth{Type: MCPAuthEnvVars},
	}}

	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "envVars auth is only valid for stdio")
}

func TestValidateRejectsBadRateLimitWindow(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Strategies = []Strategy{{
		ID:   "s",
		Name: "s",
		RateLimits: []RateLimitRule{{
			Dimension: LimitRequests,
			Value:     10,
			WindowSec: 120,
		}},
	}}

	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "window must be 60, 3600 or 86400")
}

func TestValidateRejectsDanglingStrategyRef(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Clients = []Client{{ID: "c", Name: "c", StrategyID: "missing"}}

	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown strategy")
}

func TestManagerOnChange(t *testing.T) {
	mgr := NewManagerWithConfig(GetDefaultConfig())

	var got []Config
	mgr.OnChange(func(cfg Config) { got = append(got, cfg) })

	next := GetDefaultConfig()
	next.Server.Port = 1234
	require.NoError(t, mgr.Update(next))

	require.Len(t, got, 1)
	assert.Equal(t, 1234, got[0].Server.Port)
	assert.Equal(t, 1234, mgr.Snapshot().Server.Port)
}

func TestAllowedServerIDs(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.MCPServers = []MCPServer{
		{ID: "a", Name: "a", Transport: MCPTransportStdio, Command: "a", Enabled: true},
		{ID: "b", Name: "b", Transport: MCPTransportStdio, Command: "b", Enabled: true},
		{ID: "c", Name: "c", Transport: MCPTransportStdio, Command: "c", Enabled: false},
	}

	all := cfg.AllowedServerIDs(Client{MCPAccess: MCPServerAccess{Mode: AccessAll}})
	assert.ElementsMatch(t, []string{"a", "b"}, all)

	specific := cfg.AllowedServerIDs(Client{MCPAccess: MCPServerAccess{Mode: AccessSpecific, Servers: []string{"b", "c"}}})
	assert.Equal(t, []string{"b"}, specific)

	none := cfg.AllowedServerIDs(Client{})
	assert.Empty(t, none)
}

func TestSamplingDefaults(t *testing.T) {
	cfg := Config{
		Clients: []Client{{ID: "c", Name: "c", Sampling: SamplingConfig{Enabled: true}}},
	}
	applyDefaults(&cfg)

	assert.Equal(t, DefaultSamplingMaxTokens, cfg.Clients[0].Sampling.MaxTokens)
	assert.Equal(t, 30*time.Minute, cfg.Server.SessionTTL)
}
