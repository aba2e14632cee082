package gateway

import (
	"context"
	"sort"
	"sync"
	"time"

	"localrouter/internal/config"
	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// ClientCapabilities is what the connecting client declared at initialize.
// The tools.listChanged declaration gates deferred loading and the
// gateway's own listChanged advertisement.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged,omitempty"`
	} `json:"roots,omitempty"`
	Sampling *struct{} `json:"sampling,omitempty"`
	Tools    *struct {
		ListChanged *bool `json:"listChanged,omitempty"`
	} `json:"tools,omitempty"`
	Experimental map[string]interface{} `json:"experimental,omitempty"`
}

// SupportsToolListChanged reports whether the client can receive
// notifications/tools/list_changed.
func (c ClientCapabilities) SupportsToolListChanged() bool {
	return c.Tools != nil && c.Tools.ListChanged != nil && *c.Tools.ListChanged
}

// ServerFailure records a backend that could not start or initialize.
type ServerFailure struct {
	ServerID   string
	ServerName string
	Err        string
}

// MergedCapabilities is the gateway's capability document for one session.
type MergedCapabilities struct {
	ProtocolVersion    string
	Capabilities       mcp.ServerCapabilities
	Instructions       string
	UnavailableServers []ServerFailure
	SkillsOnly         bool
}

// DeferredState tracks deferred catalog loading for a session. The surface
// tool list is activated ∪ {search}; activated is always a subset of the
// full catalog.
type DeferredState struct {
	Enabled bool

	// Per-type deferral; all three flags are gated on the client declaring
	// tools.listChanged.
	DeferTools     bool
	DeferResources bool
	DeferPrompts   bool

	ActivatedTools     map[string]bool
	ActivatedResources map[string]bool
	ActivatedPrompts   map[string]bool

	FullTools     []NamespacedTool
	FullResources []NamespacedResource
	FullPrompts   []NamespacedPrompt
}

// Session is the per-client aggregation state for the MCP surface. One
// read-write lock guards it: readers hold while classifying and routing,
// writers during cache mutation.
type Session struct {
	ClientID string

	// AllowedServers is the exact set the session was built with; mutating
	// access requires a session rebuild.
	AllowedServers []string

	mu           sync.RWMutex
	lastActivity time.Time

	capabilities *MergedCapabilities

	// Catalog caches are nil when invalidated or never fetched; a
	// list_changed notification always nils the matching cache before the
	// client can re-list.
	toolCache     []NamespacedTool
	resourceCache []NamespacedResource
	promptCache   []NamespacedPrompt

	// initStatus records the per-server initialize outcome ("" = ok).
	initStatus map[string]string

	// clientCaps is what the client declared in its initialize.
	clientCaps ClientCapabilities

	deferred DeferredState

	// Snapshots taken at session build.
	skillsAccess  config.SkillsAccess
	firewallRules config.FirewallRules
	marketplace   bool
	roots         []config.Root
}

// Touch resets the session's activity clock.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// ExpiredAt reports whether the session has passed its TTL at the given
// instant. A session exactly at TTL is expired.
func (s *Session) ExpiredAt(now time.Time, ttl time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !now.Before(s.lastActivity.Add(ttl))
}

// sameServers compares server sets order-independently.
func sameServers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// InvalidateTools drops the tool cache.
func (s *Session) InvalidateTools() {
	s.mu.Lock()
	s.toolCache = nil
	s.mu.Unlock()
}

// InvalidateResources drops the resource cache.
func (s *Session) InvalidateResources() {
	s.mu.Lock()
	s.resourceCache = nil
	s.mu.Unlock()
}

// InvalidatePrompts drops the prompt cache.
func (s *Session) InvalidatePrompts() {
	s.mu.Lock()
	s.promptCache = nil
	s.mu.Unlock()
}

// allows reports whether the session was built with access to a server.
func (s *Session) allows(serverID string) bool {
	for _, id := range s.AllowedServers {
		if id == serverID {
			return true
		}
	}
	return false
}

// StartSweeper removes sessions past TTL on a periodic schedule until ctx
// ends.
func (g *Gateway) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweepSessions()
			}
		}
	}()
}

func (g *Gateway) sweepSessions() {
	now := time.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	for clientID, session := range g.sessions {
		if session.ExpiredAt(now, g.sessionTTL) {
			delete(g.sessions, clientID)
			logging.Info("Gateway", "Swept expired session for client %s", clientID)
		}
	}
}
