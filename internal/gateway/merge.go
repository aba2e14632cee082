package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"localrouter/internal/config"
	"localrouter/internal/mcpserver"
	"localrouter/pkg/logging"
	lrstrings "localrouter/pkg/strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// gatewayMinProtocolVersion lower-bounds the merged protocol version; it is
// also the fixed version reported in skills-only mode.
const gatewayMinProtocolVersion = "2024-11-05"

// handleInitialize broadcasts initialize across the allowed backends,
// merges their capabilities, and answers with the gateway's unified
// capability document. Partial failures continue with the remainder; total
// failure falls back to skills-only mode when skills are available, and
// errors otherwise.
func (g *Gateway) handleInitialize(ctx context.Context, session *Session, req *mcpserver.Request) *mcpserver.Response {
	var params struct {
		ProtocolVersion string             `json:"protocolVersion"`
		Capabilities    ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation `json:"clientInfo"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return errorResponse(req.ID, mcpserver.CodeInvalidParams, "invalid initialize params")
		}
	}

	session.mu.Lock()
	session.clientCaps = params.Capabilities
	// Deferred loading requires the client to notice tools/list_changed.
	// All three catalog types gate on the client's tools.listChanged
	// declaration; no separate resources or prompts declaration is read.
	supportsToolsChanged := params.Capabilities.SupportsToolListChanged()
	session.deferred.DeferTools = session.deferred.Enabled && supportsToolsChanged
	session.deferred.DeferResources = session.deferred.Enabled && supportsToolsChanged
	session.deferred.DeferPrompts = session.deferred.Enabled && supportsToolsChanged
	session.mu.Unlock()

	var mu sync.Mutex
	var successes []initOutcome

	outcomes := g.eachStartedServer(ctx, session, func(ctx context.Context, handle *mcpserver.ServerHandle) error {
		result, err := handle.Client.Initialize(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		successes = append(successes, initOutcome{
			serverID:   handle.Config.ID,
			serverName: handle.Config.Name,
			result:     result,
		})
		mu.Unlock()
		return nil
	})

	var failures []ServerFailure
	session.mu.RLock()
	for serverID, status := range session.initStatus {
		if status != "" {
			failures = append(failures, ServerFailure{
				ServerID:   serverID,
				ServerName: g.serverName(serverID),
				Err:        status,
			})
		}
	}
	session.mu.RUnlock()
	for _, o := range outcomes {
		if o.err != nil {
			failures = append(failures, ServerFailure{ServerID: o.serverID, ServerName: o.serverName, Err: o.err.Error()})
		}
	}
	failures = dedupeFailures(failures)

	skills := g.accessibleSkills(session)

	if len(successes) == 0 {
		if len(skills) > 0 {
			// Skills-only mode: minimal capabilities, fixed protocol version.
			logging.Warn("Gateway", "All backends failed for client %s, entering skills-only mode", session.ClientID)
			merged := &MergedCapabilities{
				ProtocolVersion: gatewayMinProtocolVersion,
				Capabilities:    mcp.ServerCapabilities{},
				Instructions:    g.buildInstructions(session, nil, skills, failures),
				UnavailableServers: failures,
				SkillsOnly:      true,
			}
			session.mu.Lock()
			session.capabilities = merged
			session.mu.Unlock()
			return resultResponse(req.ID, initializeResult(merged))
		}
		return errorResponse(req.ID, mcpserver.CodeInternalError, "no MCP servers available for this client")
	}

	merged := &MergedCapabilities{UnavailableServers: failures}

	// Protocol version: the minimum across servers, lower-bounded by the
	// gateway's supported minimum.
	merged.ProtocolVersion = successes[0].result.ProtocolVersion
	for _, s := range successes[1:] {
		if s.result.ProtocolVersion < merged.ProtocolVersion {
			merged.ProtocolVersion = s.result.ProtocolVersion
		}
	}
	if merged.ProtocolVersion < gatewayMinProtocolVersion {
		merged.ProtocolVersion = gatewayMinProtocolVersion
	}

	// A feature is advertised iff at least one backend advertises it;
	// listChanged additionally requires the client to have declared
	// tools.listChanged; that one declaration gates all three features.
	var anyTools, anyResources, anyPrompts, anyToolsChanged, anyResourcesChanged, anyPromptsChanged bool
	for _, s := range successes {
		caps := s.result.Capabilities
		if caps.Tools != nil {
			anyTools = true
			if caps.Tools.ListChanged {
				anyToolsChanged = true
			}
		}
		if caps.Resources != nil {
			anyResources = true
			if caps.Resources.ListChanged {
				anyResourcesChanged = true
			}
		}
		if caps.Prompts != nil {
			anyPrompts = true
			if caps.Prompts.ListChanged {
				anyPromptsChanged = true
			}
		}
	}

	session.mu.RLock()
	clientCaps := session.clientCaps
	session.mu.RUnlock()
	clientToolsChanged := clientCaps.SupportsToolListChanged()

	caps := mcp.ServerCapabilities{}
	if anyTools {
		caps.Tools = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: anyToolsChanged && clientToolsChanged}
	}
	if anyResources {
		caps.Resources = &struct {
			Subscribe   bool `json:"subscribe,omitempty"`
			ListChanged bool `json:"listChanged,omitempty"`
		}{Subscribe: true, ListChanged: anyResourcesChanged && clientToolsChanged}
	}
	if anyPrompts {
		caps.Prompts = &struct {
			ListChanged bool `json:"listChanged,omitempty"`
		}{ListChanged: anyPromptsChanged && clientToolsChanged}
	}
	merged.Capabilities = caps

	// Fetch the catalogs once to seed the caches (and the deferred full
	// catalog) and to enumerate names in the instructions.
	tools := g.fetchTools(ctx, session)
	resources := g.fetchResources(ctx, session)
	prompts := g.fetchPrompts(ctx, session)

	session.mu.Lock()
	session.toolCache = tools
	session.resourceCache = resources
	session.promptCache = prompts
	if session.deferred.Enabled {
		session.deferred.FullTools = tools
		session.deferred.FullResources = resources
		session.deferred.FullPrompts = prompts
	}
	session.mu.Unlock()

	merged.Instructions = g.buildInstructions(session, successes2blocks(successes, tools, resources, prompts), skills, failures)

	session.mu.Lock()
	session.capabilities = merged
	session.mu.Unlock()

	return resultResponse(req.ID, initializeResult(merged))
}

// initOutcome is one backend's successful handshake during an initialize
// broadcast.
type initOutcome struct {
	serverID   string
	serverName string
	result     *mcp.InitializeResult
}

// serverBlock is one backend's contribution to the instructions text.
type serverBlock struct {
	name         string
	instructions string
	tools        []string
	resources    []string
	prompts      []string
}

func successes2blocks(successes []initOutcome, tools []NamespacedTool, resources []NamespacedResource, prompts []NamespacedPrompt) []serverBlock {
	blocks := make([]serverBlock, 0, len(successes))
	for _, s := range successes {
		block := serverBlock{name: s.serverName, instructions: s.result.Instructions}
		for _, t := range tools {
			if t.ServerID == s.serverID {
				block.tools = append(block.tools, t.NamespacedName)
			}
		}
		for _, r := range resources {
			if r.ServerID == s.serverID {
				block.resources = append(block.resources, r.NamespacedName)
			}
		}
		for _, p := range prompts {
			if p.ServerID == s.serverID {
				block.prompts = append(block.prompts, p.NamespacedName)
			}
		}
		blocks = append(blocks, block)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].name < blocks[j].name })
	return blocks
}

// buildInstructions concatenates the gateway header, per-server blocks,
// the skills block, and the unavailable-servers block.
func (g *Gateway) buildInstructions(session *Session, blocks []serverBlock, skills []config.Skill, failures []ServerFailure) string {
	var b strings.Builder
	b.WriteString("localrouter aggregates multiple MCP servers behind one endpoint. ")
	b.WriteString("Tool, resource and prompt names carry a server prefix of the form \"<server>__<name>\".\n")

	for _, block := range blocks {
		fmt.Fprintf(&b, "\n## %s\n", block.name)
		if block.instructions != "" {
			b.WriteString(block.instructions)
			b.WriteString("\n")
		}
		if len(block.tools) > 0 {
			fmt.Fprintf(&b, "Tools: %s\n", strings.Join(block.tools, ", "))
		}
		if len(block.resources) > 0 {
			fmt.Fprintf(&b, "Resources: %s\n", strings.Join(block.resources, ", "))
		}
		if len(block.prompts) > 0 {
			fmt.Fprintf(&b, "Prompts: %s\n", strings.Join(block.prompts, ", "))
		}
	}

	if len(skills) > 0 {
		b.WriteString("\n## Skills\n")
		for _, s := range skills {
			fmt.Fprintf(&b, "- %s: %s\n", s.Name,
				lrstrings.TruncateDescription(s.Description, lrstrings.DefaultDescriptionMaxLen))
		}
	}

	if len(failures) > 0 {
		b.WriteString("\n## Unavailable servers\n")
		sorted := append([]ServerFailure(nil), failures...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ServerName < sorted[j].ServerName })
		for _, f := range sorted {
			fmt.Fprintf(&b, "- %s: %s\n", f.ServerName, f.Err)
		}
	}

	return b.String()
}

// initializeResult renders the merged document as an InitializeResult.
func initializeResult(merged *MergedCapabilities) mcp.InitializeResult {
	return mcp.InitializeResult{
		ProtocolVersion: merged.ProtocolVersion,
		Capabilities:    merged.Capabilities,
		ServerInfo: mcp.Implementation{
			Name:    "localrouter",
			Version: "1.0.0",
		},
		Instructions: merged.Instructions,
	}
}

// accessibleSkills filters the configured skills by the session's access
// snapshot.
func (g *Gateway) accessibleSkills(session *Session) []config.Skill {
	session.mu.RLock()
	access := session.skillsAccess
	session.mu.RUnlock()

	var out []config.Skill
	for _, s := range g.cfg().Skills {
		if access.Allows(s.Name) {
			out = append(out, s)
		}
	}
	return out
}

func (g *Gateway) serverName(serverID string) string {
	gcfg := g.cfg()
	if srv, ok := gcfg.FindMCPServer(serverID); ok {
		return srv.Name
	}
	return serverID
}

func dedupeFailures(in []ServerFailure) []ServerFailure {
	seen := make(map[string]bool, len(in))
	var out []ServerFailure
	for _, f := range in {
		if seen[f.ServerID] {
			continue
		}
		seen[f.ServerID] = true
		out = append(out, f)
	}
	return out
}

// fetchTools lists and namespaces tools across the session's started
// backends.
func (g *Gateway) fetchTools(ctx context.Context, session *Session) []NamespacedTool {
	var mu sync.Mutex
	var all []NamespacedTool

	g.eachStartedServer(ctx, session, func(ctx context.Context, handle *mcpserver.ServerHandle) error {
		tools, err := handle.Client.ListTools(ctx)
		if err != nil {
			return err
		}
		mu.Lock()
		for _, t := range tools {
			all = append(all, namespaceTool(handle.Config.ID, handle.Config.Name, t))
		}
		mu.Unlock()
		return nil
	})

	sort.Slice(all, func(i, j int) bool { return all[i].NamespacedName < all[j].NamespacedName })
	return all
}

func (g *Gateway) fetchResources(ctx context.Context, session *Session) []NamespacedResource {
	var mu sync.Mutex
	var all []NamespacedResource

	g.eachStartedServer(ctx, session, func(ctx context.Context, handle *mcpserver.ServerHandle) error {
		resources, err := handle.Client.ListResources(ctx)
		if err != nil {
			// Resources might not be supported; treat as empty.
			logging.Debug("Gateway", "Resources unavailable on %s: %v", handle.Config.Name, err)
			return nil
		}
		mu.Lock()
		for _, r := range resources {
			all = append(all, namespaceResource(handle.Config.ID, handle.Config.Name, r))
		}
		mu.Unlock()
		return nil
	})

	sort.Slice(all, func(i, j int) bool { return all[i].NamespacedName < all[j].NamespacedName })
	return all
}

func (g *Gateway) fetchPrompts(ctx context.Context, session *Session) []NamespacedPrompt {
	var mu sync.Mutex
	var all []NamespacedPrompt

	g.eachStartedServer(ctx, session, func(ctx context.Context, handle *mcpserver.ServerHandle) error {
		prompts, err := handle.Client.ListPrompts(ctx)
		if err != nil {
			logging.Debug("Gateway", "Prompts unavailable on %s: %v", handle.Config.Name, err)
			return nil
		}
		mu.Lock()
		for _, p := range prompts {
			all = append(all, namespacePrompt(handle.Config.ID, handle.Config.Name, p))
		}
		mu.Unlock()
		return nil
	})

	sort.Slice(all, func(i, j int) bool { return all[i].NamespacedName < all[j].NamespacedName })
	return all
}
