package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the localrouter application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "localrouter",
	Short: "Self-hosted gateway between developer tools, LLM providers and MCP servers",
	Long: `localrouter sits between developer tools (chat clients, IDEs, agent
runners) and two kinds of backends: LLM providers (OpenAI, Anthropic, Gemini,
local Ollama, OpenRouter, ...) and MCP tool servers (stdio subprocesses,
HTTP+SSE, WebSocket).

A single bearer credential authorizes a client for both surfaces; per-client
policy (allowed providers, allowed MCP servers, allowed tools, model routing
strategy, rate limits, firewall rules, filesystem roots) is enforced
centrally.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors
	// that are handled by the application.
	SilenceUsage: true,
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the
// application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "localrouter version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(serveCmd)
}
