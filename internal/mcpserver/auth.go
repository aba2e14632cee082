package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"localrouter/internal/config"
	"localrouter/internal/providers"
	"localrouter/pkg/logging"

	"golang.org/x/oauth2/clientcredentials"
)

// ErrAuthRequired is returned when a server needs an interactive OAuth
// browser login that has not been performed yet. Browser flows are the
// OAuth collaborator's job; the transport fails fast.
var ErrAuthRequired = errors.New("auth_required: server needs an interactive login")

// buildAuth resolves a server's outbound auth variant into the concrete
// headers and env vars injected before connect/spawn. Keychain-referenced
// secrets resolve through the SecretResolver; OAuth client-credentials
// flows exchange credentials for a bearer at startup.
func buildAuth(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (headers map[string]string, env map[string]string, err error) {
	headers = make(map[string]string)
	env = make(map[string]string)

	// Config-level headers and env apply first; auth overrides.
	for k, v := range server.Headers {
		headers[k] = v
	}
	for k, v := range server.Env {
		env[k] = v
	}

	switch server.Auth.Type {
	case "", config.MCPAuthNone:

	case config.MCPAuthBearerToken:
		token, ok := secrets.Resolve(server.Auth.Token.Service, server.Auth.Token.Account)
		if !ok {
			return nil, nil, fmt.Errorf("bearer token for server %s not found in secret store", server.Name)
		}
		headers["Authorization"] = "Bearer " + token

	case config.MCPAuthCustomHeaders:
		for k, v := range server.Auth.CustomHeaders {
			headers[k] = v
		}

	case config.MCPAuthEnvVars:
		for name, ref := range server.Auth.EnvVars {
			value, ok := secrets.Resolve(ref.Service, ref.Account)
			if !ok {
				return nil, nil, fmt.Errorf("env var %s for server %s not found in secret store", name, server.Name)
			}
			env[name] = value
		}

	case config.MCPAuthOAuthClientCred:
		secret, ok := secrets.Resolve(server.Auth.ClientSecret.Service, server.Auth.ClientSecret.Account)
		if !ok {
			return nil, nil, fmt.Errorf("oauth client secret for server %s not found in secret store", server.Name)
		}
		cfg := clientcredentials.Config{
			ClientID:     server.Auth.ClientID,
			ClientSecret: secret,
			TokenURL:     server.Auth.TokenURL,
			Scopes:       server.Auth.Scopes,
		}
		token, err := cfg.Token(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("oauth token exchange for server %s: %w", server.Name, err)
		}
		headers["Authorization"] = "Bearer " + token.AccessToken
		logging.Debug("MCPAuth", "Exchanged client credentials for server %s (expires %s)", server.Name, token.Expiry)

	case config.MCPAuthOAuthBrowser:
		// Browser flows need a pre-stored access token from the OAuth
		// collaborator; treat its secret ref as that store.
		token, ok := secrets.Resolve(server.Auth.Token.Service, server.Auth.Token.Account)
		if !ok {
			return nil, nil, fmt.Errorf("server %s: %w", server.Name, ErrAuthRequired)
		}
		headers["Authorization"] = "Bearer " + token

	default:
		return nil, nil, fmt.Errorf("unknown auth type %q for server %s", server.Auth.Type, server.Name)
	}

	return headers, env, nil
}

// NewTransport constructs the transport for a configured server with its
// outbound auth injected.
func NewTransport(ctx context.Context, server config.MCPServer, secrets providers.SecretResolver) (Transport, error) {
	headers, env, err := buildAuth(ctx, server, secrets)
	if err != nil {
		return nil, err
	}

	switch server.Transport {
	case config.MCPTransportStdio:
		return NewStdioTransport(server.Command, server.Args, env), nil
	case config.MCPTransportHTTPSSE:
		return NewSSETransport(server.URL, headers, nil), nil
	case config.MCPTransportWebSocket:
		return NewWebSocketTransport(server.URL, headers), nil
	default:
		return nil, fmt.Errorf("unknown transport %q for server %s", server.Transport, server.Name)
	}
}
