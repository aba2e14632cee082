package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"localrouter/internal/config"
	"localrouter/pkg/logging"
)

// TokenResolver is the auth collaborator's contract: it resolves a bearer
// token to a client id. The secret itself never reaches the core.
type TokenResolver interface {
	ResolveToken(token string) (clientID string, ok bool)
}

// TokenResolverFunc adapts a function to the TokenResolver interface.
type TokenResolverFunc func(token string) (string, bool)

// ResolveToken implements TokenResolver.
func (f TokenResolverFunc) ResolveToken(token string) (string, bool) { return f(token) }

type contextKey string

const clientContextKey contextKey = "localrouter.client"

// ClientFromContext returns the authenticated client set by the auth
// middleware.
func ClientFromContext(ctx context.Context) (config.Client, bool) {
	client, ok := ctx.Value(clientContextKey).(config.Client)
	return client, ok
}

// withAuth wraps a handler with bearer authentication: unknown tokens get
// 401, disabled clients 403, and the resolved client lands in the request
// context.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeAPIError(w, http.StatusUnauthorized, "missing or malformed Authorization header", "invalid_request_error", "")
			return
		}

		clientID, ok := s.tokens.ResolveToken(token)
		if !ok {
			writeAPIError(w, http.StatusUnauthorized, "invalid bearer token", "invalid_request_error", "")
			return
		}

		cfg := s.cfg()
		client, found := cfg.FindClient(clientID)
		if !found {
			logging.Warn("Server", "Token resolved to unknown client %s", clientID)
			writeAPIError(w, http.StatusUnauthorized, "invalid bearer token", "invalid_request_error", "")
			return
		}
		if !client.Enabled {
			writeAPIError(w, http.StatusForbidden, "client is disabled", "access_denied", "")
			return
		}

		ctx := context.WithValue(r.Context(), clientContextKey, client)
		next(w, r.WithContext(ctx))
	}
}

// apiError is the OpenAI-modeled error envelope.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, status int, message, errType, param string) {
	var body apiError
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Param = param

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
