package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateDescription(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{
			name:     "short string unchanged",
			input:    "hello",
			maxLen:   10,
			expected: "hello",
		},
		{
			name:     "long string truncated",
			input:    "this is a very long description that needs truncation",
			maxLen:   20,
			expected: "this is a very lo...",
		},
		{
			name:     "newlines collapsed",
			input:    "line one\nline two",
			maxLen:   60,
			expected: "line one line two",
		},
		{
			name:     "multiple whitespace collapsed",
			input:    "too   many\t\tspaces",
			maxLen:   60,
			expected: "too many spaces",
		},
		{
			name:     "maxLen clamped to minimum",
			input:    "abcdef",
			maxLen:   1,
			expected: "a...",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, TruncateDescription(tt.input, tt.maxLen))
		})
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"filesystem", "filesystem"},
		{"My Server", "my_server"},
		{"GitHub-MCP", "github_mcp"},
		{"weird---name!!", "weird_name"},
		{"  spaces  ", "spaces"},
		{"a1b2", "a1b2"},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Slug(tt.input), "Slug(%q)", tt.input)
	}
}

func TestSlugIdempotent(t *testing.T) {
	inputs := []string{"My Server", "filesystem", "a--b__c", "UPPER case 42"}
	for _, in := range inputs {
		once := Slug(in)
		assert.Equal(t, once, Slug(once), "Slug should be idempotent for %q", in)
	}
}
