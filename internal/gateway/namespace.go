package gateway

import (
	"fmt"
	"strings"

	lrstrings "localrouter/pkg/strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// namespaceSeparator joins the server slug and the original name. Splitting
// an exposed name on the first occurrence recovers both halves.
const namespaceSeparator = "__"

// NamespacedTool is a backend tool exposed under its server's namespace.
type NamespacedTool struct {
	ServerID       string
	DisplayName    string // original name on the backend
	NamespacedName string
	Tool           mcp.Tool // Name field already namespaced
}

// NamespacedResource is a backend resource exposed under its server's
// namespace.
type NamespacedResource struct {
	ServerID       string
	DisplayName    string
	NamespacedName string
	Resource       mcp.Resource
}

// NamespacedPrompt is a backend prompt exposed under its server's
// namespace.
type NamespacedPrompt struct {
	ServerID       string
	DisplayName    string
	NamespacedName string
	Prompt         mcp.Prompt
}

// NamespaceName builds the exposed name "{slug(serverName)}__{original}".
func NamespaceName(serverName, original string) string {
	return lrstrings.Slug(serverName) + namespaceSeparator + original
}

// SplitNamespacedName splits an exposed name into the server slug prefix
// and the original name. The split is on the first separator so original
// names containing "__" survive the round trip.
func SplitNamespacedName(exposed string) (slug, original string, err error) {
	slug, original, found := strings.Cut(exposed, namespaceSeparator)
	if !found || slug == "" || original == "" {
		return "", "", fmt.Errorf("name %q is not namespaced", exposed)
	}
	return slug, original, nil
}

// namespaceTool clones a tool under its namespaced name.
func namespaceTool(serverID, serverName string, tool mcp.Tool) NamespacedTool {
	exposed := NamespaceName(serverName, tool.Name)
	namespaced := tool
	namespaced.Name = exposed
	return NamespacedTool{
		ServerID:       serverID,
		DisplayName:    tool.Name,
		NamespacedName: exposed,
		Tool:           namespaced,
	}
}

// namespaceResource clones a resource with a slug-prefixed URI.
func namespaceResource(serverID, serverName string, resource mcp.Resource) NamespacedResource {
	exposed := NamespaceName(serverName, resource.URI)
	namespaced := resource
	namespaced.URI = exposed
	return NamespacedResource{
		ServerID:       serverID,
		DisplayName:    resource.URI,
		NamespacedName: exposed,
		Resource:       namespaced,
	}
}

// namespacePrompt clones a prompt under its namespaced name.
func namespacePrompt(serverID, serverName string, prompt mcp.Prompt) NamespacedPrompt {
	exposed := NamespaceName(serverName, prompt.Name)
	namespaced := prompt
	namespaced.Name = exposed
	return NamespacedPrompt{
		ServerID:       serverID,
		DisplayName:    prompt.Name,
		NamespacedName: exposed,
		Prompt:         namespaced,
	}
}
