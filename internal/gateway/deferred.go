package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"localrouter/internal/mcpserver"
	"localrouter/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// searchToolName is the synthetic tool exposed when deferred loading hides
// the backend catalog.
const searchToolName = "search"

// searchTool is the synthetic tool definition.
var searchTool = mcp.NewTool(searchToolName,
	mcp.WithDescription("Search the full tool, resource and prompt catalog. Matching items are activated and appear in subsequent list calls."),
	mcp.WithString("query", mcp.Required(), mcp.Description("Substring matched against names and descriptions")),
)

// deferredActive reports whether the session hides tools behind the search
// tool.
func (g *Gateway) deferredActive(session *Session) bool {
	session.mu.RLock()
	defer session.mu.RUnlock()
	return session.deferred.Enabled && session.deferred.DeferTools
}

// handleToolsList answers tools/list. With deferred loading active the
// surface list is the activated subset plus the search tool; otherwise the
// (cached or refetched) full namespaced union.
func (g *Gateway) handleToolsList(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	if g.deferredActive(session) {
		session.mu.RLock()
		tools := make([]mcp.Tool, 0, len(session.deferred.ActivatedTools)+1)
		for _, t := range session.deferred.FullTools {
			if session.deferred.ActivatedTools[t.NamespacedName] {
				tools = append(tools, t.Tool)
			}
		}
		session.mu.RUnlock()
		tools = append(tools, searchTool)
		return resultResponse(req.ID, mcp.ListToolsResult{Tools: tools})
	}

	namespaced := g.cachedOrFetchTools(ctx, session)
	tools := make([]mcp.Tool, 0, len(namespaced))
	for _, t := range namespaced {
		tools = append(tools, t.Tool)
	}
	return resultResponse(req.ID, mcp.ListToolsResult{Tools: tools})
}

func (g *Gateway) handleResourcesList(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	session.mu.RLock()
	deferResources := session.deferred.Enabled && session.deferred.DeferResources
	session.mu.RUnlock()

	if deferResources {
		session.mu.RLock()
		resources := make([]mcp.Resource, 0, len(session.deferred.ActivatedResources))
		for _, r := range session.deferred.FullResources {
			if session.deferred.ActivatedResources[r.NamespacedName] {
				resources = append(resources, r.Resource)
			}
		}
		session.mu.RUnlock()
		return resultResponse(req.ID, mcp.ListResourcesResult{Resources: resources})
	}

	namespaced := g.cachedOrFetchResources(ctx, session)
	resources := make([]mcp.Resource, 0, len(namespaced))
	for _, r := range namespaced {
		resources = append(resources, r.Resource)
	}
	return resultResponse(req.ID, mcp.ListResourcesResult{Resources: resources})
}

func (g *Gateway) handlePromptsList(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	session.mu.RLock()
	deferPrompts := session.deferred.Enabled && session.deferred.DeferPrompts
	session.mu.RUnlock()

	if deferPrompts {
		session.mu.RLock()
		prompts := make([]mcp.Prompt, 0, len(session.deferred.ActivatedPrompts))
		for _, p := range session.deferred.FullPrompts {
			if session.deferred.ActivatedPrompts[p.NamespacedName] {
				prompts = append(prompts, p.Prompt)
			}
		}
		session.mu.RUnlock()
		return resultResponse(req.ID, mcp.ListPromptsResult{Prompts: prompts})
	}

	namespaced := g.cachedOrFetchPrompts(ctx, session)
	prompts := make([]mcp.Prompt, 0, len(namespaced))
	for _, p := range namespaced {
		prompts = append(prompts, p.Prompt)
	}
	return resultResponse(req.ID, mcp.ListPromptsResult{Prompts: prompts})
}

// cachedOrFetchTools returns the tool cache, refetching after an
// invalidation so a list_changed is never followed by stale data.
func (g *Gateway) cachedOrFetchTools(ctx context.Context, session *Session) []NamespacedTool {
	session.mu.RLock()
	cached := session.toolCache
	session.mu.RUnlock()
	if cached != nil {
		return cached
	}

	tools := g.fetchTools(ctx, session)
	session.mu.Lock()
	session.toolCache = tools
	if session.deferred.Enabled {
		session.deferred.FullTools = tools
	}
	session.mu.Unlock()
	return tools
}

func (g *Gateway) cachedOrFetchResources(ctx context.Context, session *Session) []NamespacedResource {
	session.mu.RLock()
	cached := session.resourceCache
	session.mu.RUnlock()
	if cached != nil {
		return cached
	}

	resources := g.fetchResources(ctx, session)
	session.mu.Lock()
	session.resourceCache = resources
	if session.deferred.Enabled {
		session.deferred.FullResources = resources
	}
	session.mu.Unlock()
	return resources
}

func (g *Gateway) cachedOrFetchPrompts(ctx context.Context, session *Session) []NamespacedPrompt {
	session.mu.RLock()
	cached := session.promptCache
	session.mu.RUnlock()
	if cached != nil {
		return cached
	}

	prompts := g.fetchPrompts(ctx, session)
	session.mu.Lock()
	session.promptCache = prompts
	if session.deferred.Enabled {
		session.deferred.FullPrompts = prompts
	}
	session.mu.Unlock()
	return prompts
}

// handleSearchCall serves the synthetic search tool: matches from the full
// catalog activate and a list_changed notification tells the client to
// re-list.
func (g *Gateway) handleSearchCall(session *Session, reqID json.RawMessage, args map[string]interface{}) *mcpserver.Response {
	query, _ := args["query"].(string)
	if query == "" {
		return errorResponse(reqID, mcpserver.CodeInvalidParams, "search requires a query")
	}
	query = strings.ToLower(query)

	var matched []string
	var toolsChanged, resourcesChanged, promptsChanged bool

	session.mu.Lock()
	for _, t := range session.deferred.FullTools {
		if matchesQuery(query, t.NamespacedName, t.Tool.Description) {
			if !session.deferred.ActivatedTools[t.NamespacedName] {
				session.deferred.ActivatedTools[t.NamespacedName] = true
				toolsChanged = true
			}
			matched = append(matched, t.NamespacedName)
		}
	}
	if session.deferred.DeferResources {
		for _, r := range session.deferred.FullResources {
			if matchesQuery(query, r.NamespacedName, r.Resource.Description) {
				if !session.deferred.ActivatedResources[r.NamespacedName] {
					session.deferred.ActivatedResources[r.NamespacedName] = true
					resourcesChanged = true
				}
				matched = append(matched, r.NamespacedName)
			}
		}
	}
	if session.deferred.DeferPrompts {
		for _, p := range session.deferred.FullPrompts {
			if matchesQuery(query, p.NamespacedName, p.Prompt.Description) {
				if !session.deferred.ActivatedPrompts[p.NamespacedName] {
					session.deferred.ActivatedPrompts[p.NamespacedName] = true
					promptsChanged = true
				}
				matched = append(matched, p.NamespacedName)
			}
		}
	}
	clientID := session.ClientID
	session.mu.Unlock()

	if toolsChanged {
		g.postNotification(clientID, "notifications/tools/list_changed", nil)
	}
	if resourcesChanged {
		g.postNotification(clientID, "notifications/resources/list_changed", nil)
	}
	if promptsChanged {
		g.postNotification(clientID, "notifications/prompts/list_changed", nil)
	}

	logging.Debug("Gateway", "Search %q activated %d items for client %s", query, len(matched), clientID)

	text := fmt.Sprintf("Activated %d matching items:\n%s", len(matched), strings.Join(matched, "\n"))
	if len(matched) == 0 {
		text = "No catalog items matched the query."
	}
	return resultResponse(reqID, mcp.NewToolResultText(text))
}

// activateResource marks a resource as activated after a successful direct
// read so deferred listings include it.
func (g *Gateway) activateResource(session *Session, namespacedURI string) {
	session.mu.Lock()
	if session.deferred.Enabled && session.deferred.DeferResources {
		session.deferred.ActivatedResources[namespacedURI] = true
	}
	session.mu.Unlock()
}

func matchesQuery(query, name, description string) bool {
	return strings.Contains(strings.ToLower(name), query) ||
		strings.Contains(strings.ToLower(description), query)
}
