package config

import (
	"time"
)

// Config is the top-level configuration structure for localrouter.
type Config struct {
	Server     ServerConfig       `yaml:"server,omitempty"`
	Providers  []ProviderInstance `yaml:"providers,omitempty"`
	Clients    []Client           `yaml:"clients,omitempty"`
	Strategies []Strategy         `yaml:"strategies,omitempty"`
	MCPServers []MCPServer        `yaml:"mcpServers,omitempty"`
	Roots      []Root             `yaml:"roots,omitempty"`
	Firewall   FirewallDefaults   `yaml:"firewall,omitempty"`
	Safety     SafetyConfig       `yaml:"safety,omitempty"`
	Skills     []Skill            `yaml:"skills,omitempty"`
}

// ServerConfig defines listen and timeout settings for the HTTP facade.
type ServerConfig struct {
	Host           string        `yaml:"host,omitempty"`           // Host to bind to (default: localhost)
	Port           int           `yaml:"port,omitempty"`           // Port for the HTTP facade (default: 8484)
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"` // Per-request timeout (default: 60s)
	ProviderTimeout time.Duration `yaml:"providerTimeout,omitempty"` // Upstream provider call timeout (default: 120s)
	StreamTimeout  time.Duration `yaml:"streamTimeout,omitempty"`  // Streaming completion timeout (default: 5m)
	SessionTTL     time.Duration `yaml:"sessionTTL,omitempty"`     // Gateway session TTL (default: 30m)
	SSEQueueSize   int           `yaml:"sseQueueSize,omitempty"`   // Per-client SSE queue bound (default: 1000)
}

// ProviderType identifies a provider adapter implementation.
type ProviderType string

const (
	ProviderTypeOpenAI     ProviderType = "openai"
	ProviderTypeAnthropic  ProviderType = "anthropic"
	ProviderTypeGemini     ProviderType = "gemini"
	ProviderTypeOllama     ProviderType = "ollama"
	ProviderTypeOpenRouter ProviderType = "openrouter"
	ProviderTypeCohere     ProviderType = "cohere"
)

// ProviderInstance is a named, configured LLM provider.
type ProviderInstance struct {
	Name    string            `yaml:"name"`
	Type    ProviderType      `yaml:"type"`
	Enabled bool              `yaml:"enabled"`
	BaseURL string            `yaml:"baseURL,omitempty"` // Overrides the adapter default endpoint
	APIKey  SecretRef         `yaml:"apiKey,omitempty"`  // Secret handle, resolved via SecretResolver
	Extra   map[string]string `yaml:"extra,omitempty"`   // Provider-specific settings parsed by the adapter
}

// SecretRef is an opaque handle to a secret held by the secret collaborator.
// The value itself never appears in config files.
type SecretRef struct {
	Service string `yaml:"service,omitempty"`
	Account string `yaml:"account,omitempty"`
}

// IsZero reports whether the reference is unset.
func (r SecretRef) IsZero() bool {
	return r.Service == "" && r.Account == ""
}

// Client is an authorized consumer of the gateway. The bearer secret is
// resolved by the auth collaborator; only its opaque handle lives here.
type Client struct {
	ID               string          `yaml:"id"`
	Name             string          `yaml:"name"`
	Enabled          bool            `yaml:"enabled"`
	StrategyID       string          `yaml:"strategyId,omitempty"`
	AllowedProviders []string        `yaml:"allowedProviders,omitempty"`
	MCPAccess        MCPServerAccess `yaml:"mcpAccess,omitempty"`
	SkillsAccess     SkillsAccess    `yaml:"skillsAccess,omitempty"`
	Roots            []Root          `yaml:"roots,omitempty"`    // Overrides global roots when non-empty
	DeferredLoading  bool            `yaml:"deferredLoading,omitempty"`
	Sampling         SamplingConfig  `yaml:"sampling,omitempty"`
	FirewallRules    FirewallRules   `yaml:"firewallRules,omitempty"`
	ModelRules       ModelRules      `yaml:"modelRules,omitempty"`
	Marketplace      bool            `yaml:"marketplace,omitempty"`
	CreatedAt        time.Time       `yaml:"createdAt,omitempty"`
	LastUsedAt       time.Time       `yaml:"lastUsedAt,omitempty"`
}

// AccessMode is the shape shared by MCP-server and skills access variants.
type AccessMode string

const (
	AccessNone     AccessMode = "none"
	AccessAll      AccessMode = "all"
	AccessSpecific AccessMode = "specific"
)

// MCPServerAccess selects which MCP servers a client may reach.
type MCPServerAccess struct {
	Mode    AccessMode `yaml:"mode,omitempty"` // default: none
	Servers []string   `yaml:"servers,omitempty"`
}

// Allows reports whether the given server id is reachable under this access.
func (a MCPServerAccess) Allows(serverID string) bool {
	switch a.Mode {
	case AccessAll:
		return true
	case AccessSpecific:
		for _, id := range a.Servers {
			if id == serverID {
				return true
			}
		}
	}
	return false
}

// SkillsAccess selects which skills a client may use, keyed by skill name.
type SkillsAccess struct {
	Mode   AccessMode `yaml:"mode,omitempty"`
	Skills []string   `yaml:"skills,omitempty"`
}

// Allows reports whether the given skill name is usable under this access.
func (a SkillsAccess) Allows(name string) bool {
	switch a.Mode {
	case AccessAll:
		return true
	case AccessSpecific:
		for _, s := range a.Skills {
			if s == name {
				return true
			}
		}
	}
	return false
}

// SamplingConfig enables MCP sampling/createMessage for a client's backends
// and bounds how much it may consume.
type SamplingConfig struct {
	Enabled       bool `yaml:"enabled,omitempty"`
	MaxTokens     int  `yaml:"maxTokens,omitempty"`     // Per-request cap (default: 4096)
	TokensPerHour int  `yaml:"tokensPerHour,omitempty"` // 0 = unlimited
}

// Root is a filesystem root exposed to MCP backends via roots/list.
type Root struct {
	URI     string `yaml:"uri"`
	Name    string `yaml:"name,omitempty"`
	Enabled bool   `yaml:"enabled"`
}

// Strategy is the routing configuration attached to a client.
type Strategy struct {
	ID            string          `yaml:"id"`
	Name          string          `yaml:"name"`
	OwnerClientID string          `yaml:"ownerClientId,omitempty"`
	AllowedModels AllowedModels   `yaml:"allowedModels,omitempty"`
	Auto          *AutoConfig     `yaml:"auto,omitempty"`
	RateLimits    []RateLimitRule `yaml:"rateLimits,omitempty"`
}

// AllowedModelsMode selects how AllowedModels is interpreted.
type AllowedModelsMode string

const (
	AllowedModelsAll       AllowedModelsMode = "all"
	AllowedModelsProviders AllowedModelsMode = "providers"
	AllowedModelsModels    AllowedModelsMode = "models"
)

// AllowedModels is the model selection attached to a strategy.
type AllowedModels struct {
	Mode      AllowedModelsMode `yaml:"mode,omitempty"` // default: all
	Providers []string          `yaml:"providers,omitempty"`
	Models    []ModelRef        `yaml:"models,omitempty"`
}

// ModelRef names a model within a provider.
type ModelRef struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// String renders the "provider/model" form used in requests.
func (m ModelRef) String() string {
	return m.Provider + "/" + m.Model
}

// AutoConfig drives strategy-based routing through the auto virtual model.
type AutoConfig struct {
	Enabled     bool            `yaml:"enabled"`
	VirtualName string          `yaml:"virtualName,omitempty"` // default: localrouter/auto
	Prioritized []ModelRef      `yaml:"prioritized,omitempty"`
	Available   []ModelRef      `yaml:"available,omitempty"`
	RouteLLM    *RouteLLMConfig `yaml:"routeLLM,omitempty"`
}

// RouteLLMConfig configures win-rate-based routing between a strong
// (prioritized) and a weak model list.
type RouteLLMConfig struct {
	Enabled    bool       `yaml:"enabled"`
	Threshold  float64    `yaml:"threshold"` // in [0,1]
	WeakModels []ModelRef `yaml:"weakModels,omitempty"`
}

// RateLimitDimension is a counted resource for rate limiting.
type RateLimitDimension string

const (
	LimitRequests     RateLimitDimension = "requests"
	LimitInputTokens  RateLimitDimension = "input_tokens"
	LimitOutputTokens RateLimitDimension = "output_tokens"
	LimitTotalTokens  RateLimitDimension = "total_tokens"
	LimitCostUSD      RateLimitDimension = "cost_usd"
)

// RateLimitRule bounds one dimension over a fixed window.
type RateLimitRule struct {
	Dimension RateLimitDimension `yaml:"dimension"`
	Value     float64            `yaml:"value"`
	WindowSec int                `yaml:"windowSec"` // one of 60, 3600, 86400
}

// MCPTransportType identifies the transport variant of an MCP server.
type MCPTransportType string

const (
	MCPTransportStdio     MCPTransportType = "stdio"
	MCPTransportHTTPSSE   MCPTransportType = "httpsse"
	MCPTransportWebSocket MCPTransportType = "websocket"
)

// MCPAuthType identifies how outbound requests to an MCP server authenticate.
type MCPAuthType string

const (
	MCPAuthNone            MCPAuthType = "none"
	MCPAuthBearerToken     MCPAuthType = "bearerToken"
	MCPAuthCustomHeaders   MCPAuthType = "customHeaders"
	MCPAuthOAuthClientCred MCPAuthType = "oauthClientCredentials"
	MCPAuthOAuthBrowser    MCPAuthType = "oauthBrowser"
	MCPAuthEnvVars         MCPAuthType = "envVars"
)

// MCPServer is a configured backend MCP server.
type MCPServer struct {
	ID        string           `yaml:"id"`
	Name      string           `yaml:"name"`
	Transport MCPTransportType `yaml:"transport"`
	Enabled   bool             `yaml:"enabled"`
	CreatedAt time.Time        `yaml:"createdAt,omitempty"`

	// Stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// HTTP+SSE / WebSocket transports
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`

	Auth MCPServerAuth `yaml:"auth,omitempty"`
}

// MCPServerAuth is the outbound auth variant for an MCP server.
type MCPServerAuth struct {
	Type          MCPAuthType       `yaml:"type,omitempty"` // default: none
	Token         SecretRef         `yaml:"token,omitempty"`
	CustomHeaders map[string]string `yaml:"customHeaders,omitempty"`
	EnvVars       map[string]SecretRef `yaml:"envVars,omitempty"`

	// OAuth client-credentials flow
	TokenURL     string    `yaml:"tokenURL,omitempty"`
	ClientID     string    `yaml:"clientId,omitempty"`
	ClientSecret SecretRef `yaml:"clientSecret,omitempty"`
	Scopes       []string  `yaml:"scopes,omitempty"`
}

// FirewallPolicy is the action a firewall rule resolves to.
type FirewallPolicy string

const (
	PolicyAllow FirewallPolicy = "allow"
	PolicyAsk   FirewallPolicy = "ask"
	PolicyDeny  FirewallPolicy = "deny"
)

// FirewallRules is the per-client rule set for tool calls. Resolution order
// is tool rule > server rule > default policy.
type FirewallRules struct {
	DefaultPolicy FirewallPolicy            `yaml:"defaultPolicy,omitempty"` // default: allow
	ServerRules   map[string]FirewallPolicy `yaml:"serverRules,omitempty"`   // keyed by server id
	ToolRules     map[string]FirewallPolicy `yaml:"toolRules,omitempty"`     // keyed by namespaced tool name
}

// ModelRules is the per-client model permission hierarchy. Resolution order
// is model rule > provider rule > default.
type ModelRules struct {
	Default       FirewallPolicy            `yaml:"default,omitempty"` // default: allow
	ProviderRules map[string]FirewallPolicy `yaml:"providerRules,omitempty"`
	ModelRules    map[string]FirewallPolicy `yaml:"modelRules,omitempty"` // keyed by "provider/model"
}

// FirewallDefaults carries process-wide firewall settings.
type FirewallDefaults struct {
	ApprovalTimeout time.Duration `yaml:"approvalTimeout,omitempty"` // default: 120s
}

// SafetyConfig configures the optional safety engine.
type SafetyConfig struct {
	Enabled bool     `yaml:"enabled,omitempty"`
	Models  []string `yaml:"models,omitempty"` // "provider/model" of the scanning models
}

// Skill is a named prompt recipe surfaced through gateway instructions.
type Skill struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Content     string `yaml:"content,omitempty"`
}

// FindClient returns the client with the given id, if present.
func (c *Config) FindClient(id string) (Client, bool) {
	for _, cl := range c.Clients {
		if cl.ID == id {
			return cl, true
		}
	}
	return Client{}, false
}

// FindStrategy returns the strategy with the given id, if present.
func (c *Config) FindStrategy(id string) (Strategy, bool) {
	for _, s := range c.Strategies {
		if s.ID == id {
			return s, true
		}
	}
	return Strategy{}, false
}

// FindMCPServer returns the MCP server with the given id, if present.
func (c *Config) FindMCPServer(id string) (MCPServer, bool) {
	for _, s := range c.MCPServers {
		if s.ID == id {
			return s, true
		}
	}
	return MCPServer{}, false
}

// AllowedServerIDs resolves a client's MCP access to the concrete set of
// enabled server ids.
func (c *Config) AllowedServerIDs(client Client) []string {
	var ids []string
	for _, s := range c.MCPServers {
		if !s.Enabled {
			continue
		}
		if client.MCPAccess.Allows(s.ID) {
			ids = append(ids, s.ID)
		}
	}
	return ids
}
