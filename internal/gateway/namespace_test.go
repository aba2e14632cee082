package gateway

import (
	"testing"

	lrstrings "localrouter/pkg/strings"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNamespaceName(t *testing.T) {
	assert.Equal(t, "filesystem__write_file", NamespaceName("filesystem", "write_file"))
	assert.Equal(t, "my_server__tool", NamespaceName("My Server", "tool"))
}

func TestSplitNamespacedName(t *testing.T) {
	slug, original, err := SplitNamespacedName("filesystem__write_file")
	require.NoError(t, err)
	assert.Equal(t, "filesystem", slug)
	assert.Equal(t, "write_file", original)

	// Split on the FIRST separator: original names containing "__"
	// survive the round trip.
	slug, original, err = SplitNamespacedName("srv__tool__with__underscores")
	require.NoError(t, err)
	assert.Equal(t, "srv", slug)
	assert.Equal(t, "tool__with__underscores", original)

	_, _, err = SplitNamespacedName("not-namespaced")
	assert.Error(t, err)
	_, _, err = SplitNamespacedName("__leading")
	assert.Error(t, err)
}

func TestNamespaceRoundTrip(t *testing.T) {
	servers := []string{"filesystem", "My Server", "GitHub-MCP"}
	tools := []string{"write_file", "a__b", "x"}

	for _, server := range servers {
		for _, toolName := range tools {
			exposed := NamespaceName(server, toolName)
			slug, original, err := SplitNamespacedName(exposed)
			require.NoError(t, err)
			assert.Equal(t, lrstrings.Slug(server), slug)
			assert.Equal(t, toolName, original)
		}
	}
}

func TestRequestClassification(t *testing.T) {
	for _, m := range []string{"initialize", "tools/list", "resources/list", "prompts/list", "ping", "logging/setLevel"} {
		assert.True(t, IsBroadcast(m), "%s should broadcast", m)
		assert.False(t, IsDirect(m))
	}
	for _, m := range []string{"tools/call", "resources/read", "prompts/get", "resources/subscribe", "resources/unsubscribe"} {
		assert.True(t, IsDirect(m), "%s should route direct", m)
		assert.False(t, IsBroadcast(m))
	}
	for _, m := range []string{"sampling/createMessage", "elicitation/requestInput", "roots/list"} {
		assert.True(t, IsReverse(m), "%s is a reverse capability", m)
	}
}
