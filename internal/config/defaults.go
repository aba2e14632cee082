package config

import "time"

// Defaults applied when the config file omits a value.
const (
	DefaultHost            = "localhost"
	DefaultPort            = 8484
	DefaultRequestTimeout  = 60 * time.Second
	DefaultProviderTimeout = 120 * time.Second
	DefaultStreamTimeout   = 5 * time.Minute
	DefaultSessionTTL      = 30 * time.Minute
	DefaultSSEQueueSize    = 1000
	DefaultApprovalTimeout = 120 * time.Second

	// DefaultAutoModel is the reserved model name that triggers
	// strategy-based routing.
	DefaultAutoModel = "localrouter/auto"

	// DefaultSamplingMaxTokens caps a single sampling/createMessage
	// completion when the client config does not set one.
	DefaultSamplingMaxTokens = 4096
)

// GetDefaultConfig returns a Config with all defaults applied and no
// providers, clients, or servers.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			RequestTimeout:  DefaultRequestTimeout,
			ProviderTimeout: DefaultProviderTimeout,
			StreamTimeout:   DefaultStreamTimeout,
			SessionTTL:      DefaultSessionTTL,
			SSEQueueSize:    DefaultSSEQueueSize,
		},
		Firewall: FirewallDefaults{
			ApprovalTimeout: DefaultApprovalTimeout,
		},
	}
}

// applyDefaults fills zero values on a loaded config in place.
func applyDefaults(c *Config) {
	if c.Server.Host == "" {
		c.Server.Host = DefaultHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.RequestTimeout == 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.ProviderTimeout == 0 {
		c.Server.ProviderTimeout = DefaultProviderTimeout
	}
	if c.Server.StreamTimeout == 0 {
		c.Server.StreamTimeout = DefaultStreamTimeout
	}
	if c.Server.SessionTTL == 0 {
		c.Server.SessionTTL = DefaultSessionTTL
	}
	if c.Server.SSEQueueSize == 0 {
		c.Server.SSEQueueSize = DefaultSSEQueueSize
	}
	if c.Firewall.ApprovalTimeout == 0 {
		c.Firewall.ApprovalTimeout = DefaultApprovalTimeout
	}
	for i := range c.Clients {
		if c.Clients[i].FirewallRules.DefaultPolicy == "" {
			c.Clients[i].FirewallRules.DefaultPolicy = PolicyAllow
		}
		if c.Clients[i].ModelRules.Default == "" {
			c.Clients[i].ModelRules.Default = PolicyAllow
		}
		if c.Clients[i].Sampling.Enabled && c.Clients[i].Sampling.MaxTokens == 0 {
			c.Clients[i].Sampling.MaxTokens = DefaultSamplingMaxTokens
		}
	}
	for i := range c.Strategies {
		if c.Strategies[i].AllowedModels.Mode == "" {
			c.Strategies[i].AllowedModels.Mode = AllowedModelsAll
		}
		if auto := c.Strategies[i].Auto; auto != nil && auto.VirtualName == "" {
			auto.VirtualName = DefaultAutoModel
		}
	}
}
