package config

import (
	"fmt"
)

// Validate checks cross-field invariants of a loaded configuration.
func Validate(c *Config) error {
	providerNames := make(map[string]bool)
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider with empty name")
		}
		if providerNames[p.Name] {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		providerNames[p.Name] = true
		switch p.Type {
		case ProviderTypeOpenAI, ProviderTypeAnthropic, ProviderTypeGemini,
			ProviderTypeOllama, ProviderTypeOpenRouter, ProviderTypeCohere:
		default:
			return fmt.Errorf("provider %q: unknown type %q", p.Name, p.Type)
		}
	}

	strategyIDs := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategy %q has no id", s.Name)
		}
		if strategyIDs[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		strategyIDs[s.ID] = true
		for _, r := range s.RateLimits {
			switch r.WindowSec {
			case 60, 3600, 86400:
			default:
				return fmt.Errorf("strategy %q: rate limit window must be 60, 3600 or 86400 seconds, got %d", s.ID, r.WindowSec)
			}
			switch r.Dimension {
			case LimitRequests, LimitInputTokens, LimitOutputTokens, LimitTotalTokens, LimitCostUSD:
			default:
				return fmt.Errorf("strategy %q: unknown rate limit dimension %q", s.ID, r.Dimension)
			}
		}
		if auto := s.Auto; auto != nil && auto.RouteLLM != nil {
			if t := auto.RouteLLM.Threshold; t < 0 || t > 1 {
				return fmt.Errorf("strategy %q: routeLLM threshold must be in [0,1], got %v", s.ID, t)
			}
		}
	}

	clientIDs := make(map[string]bool)
	for _, cl := range c.Clients {
		if cl.ID == "" {
			return fmt.Errorf("client %q has no id", cl.Name)
		}
		if clientIDs[cl.ID] {
			return fmt.Errorf("duplicate client id %q", cl.ID)
		}
		clientIDs[cl.ID] = true
		if cl.StrategyID != "" && !strategyIDs[cl.StrategyID] {
			return fmt.Errorf("client %q references unknown strategy %q", cl.Name, cl.StrategyID)
		}
		for _, p := range cl.AllowedProviders {
			if !providerNames[p] {
				return fmt.Errorf("client %q allows unknown provider %q", cl.Name, p)
			}
		}
	}

	serverIDs := make(map[string]bool)
	for _, s := range c.MCPServers {
		if s.ID == "" {
			return fmt.Errorf("mcp server %q has no id", s.Name)
		}
		if serverIDs[s.ID] {
			return fmt.Errorf("duplicate mcp server id %q", s.ID)
		}
		serverIDs[s.ID] = true
		if err := validateMCPServer(s); err != nil {
			return err
		}
	}

	return nil
}

// validateMCPServer checks the transport/auth pairing of one server.
// EnvVars auth only makes sense for stdio: there is no subprocess to
// inject env into for the network transports.
func validateMCPServer(s MCPServer) error {
	switch s.Transport {
	case MCPTransportStdio:
		if s.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires a command", s.Name)
		}
	case MCPTransportHTTPSSE, MCPTransportWebSocket:
		if s.URL == "" {
			return fmt.Errorf("mcp server %q: %s transport requires a url", s.Name, s.Transport)
		}
		if s.Auth.Type == MCPAuthEnvVars {
			return fmt.Errorf("mcp server %q: envVars auth is only valid for stdio transport", s.Name)
		}
	default:
		return fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport)
	}

	switch s.Auth.Type {
	case "", MCPAuthNone, MCPAuthBearerToken, MCPAuthCustomHeaders,
		MCPAuthOAuthClientCred, MCPAuthOAuthBrowser, MCPAuthEnvVars:
	default:
		return fmt.Errorf("mcp server %q: unknown auth type %q", s.Name, s.Auth.Type)
	}

	if s.Auth.Type == MCPAuthOAuthClientCred && s.Auth.TokenURL == "" {
		return fmt.Errorf("mcp server %q: oauth client credentials auth requires a tokenURL", s.Name)
	}

	return nil
}
