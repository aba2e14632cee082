package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"localrouter/internal/access"
	"localrouter/internal/bus"
	"localrouter/internal/config"
	"localrouter/internal/firewall"
	"localrouter/internal/gateway"
	"localrouter/internal/mcpserver"
	"localrouter/internal/providers"
	"localrouter/internal/router"
	"localrouter/internal/safety"
	"localrouter/internal/server"
	"localrouter/pkg/logging"

	"github.com/spf13/cobra"
)

// serveDebug enables verbose logging across the application.
var serveDebug bool

// serveYolo auto-approves every firewall request. Useful for unattended
// development setups; never enable it for untrusted clients.
var serveYolo bool

// serveConfigPath specifies a custom configuration directory path. When
// empty the user-level default is used.
var serveConfigPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the localrouter gateway",
	Long: `Starts the gateway: the OpenAI-compatible chat surface, the unified and
per-server MCP surfaces, and the approval endpoints the UI drives.

Providers, clients, strategies and MCP servers come from config.yaml in the
configuration directory; the file is watched and changes apply without a
restart.

Bearer tokens are resolved through the LOCALROUTER_TOKENS environment
variable ("token=client-id" pairs separated by commas); secrets referenced
from the config resolve through LOCALROUTER_SECRET_<SERVICE>_<ACCOUNT>
variables. Both stand in for the platform keychain integration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveDebug, "debug", false, "Enable debug logging")
	serveCmd.Flags().BoolVar(&serveYolo, "yolo", false, "Auto-approve all firewall requests")
	serveCmd.Flags().StringVar(&serveConfigPath, "config-path", "", "Configuration directory (default: ~/.config/localrouter)")
}

func runServe(parent context.Context) error {
	level := logging.LevelInfo
	if serveDebug {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	configPath := serveConfigPath
	if configPath == "" {
		configPath = config.GetDefaultConfigPathOrPanic()
	}

	cfgManager, err := config.NewManager(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	cfg := cfgManager.Snapshot

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	secrets := envSecretResolver()
	tokens := envTokenResolver()

	// Leaves first: registry, limiter, bus.
	registry := providers.NewRegistry(secrets, cfg().Server.ProviderTimeout)
	registry.Sync(cfg().Providers)

	busManager := bus.NewManager(cfg().Server.SSEQueueSize)

	// The firewall notifies UIs through the SSE bus of the affected client.
	fw := firewall.NewManager(cfg().Firewall.ApprovalTimeout, func(req firewall.Request) {
		payload, err := json.Marshal(req)
		if err != nil {
			return
		}
		note, _ := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "notifications/firewall/request",
			"params":  json.RawMessage(payload),
		})
		if err := busManager.SendNotification(req.ClientID, note); err != nil {
			logging.Debug("Serve", "Firewall notification for %s not delivered: %v", req.ClientID, err)
		}
	})
	fw.SetAutoApprove(serveYolo)

	checker := access.NewChecker(cfg, fw)
	limiter := router.NewLimiter()
	rtr := router.New(registry, limiter, cfg, checker, router.HeuristicPredictor{}, nil)
	rtr.StartCleanup(ctx, time.Minute)

	mcpManager := mcpserver.NewManager(secrets)
	defer mcpManager.StopAll()

	gw := gateway.New(cfg, mcpManager, busManager, rtr, fw, cfg().Server.SessionTTL)
	gw.StartSweeper(ctx, time.Minute)

	engine := safety.NewEngine(cfg().Safety.Enabled)

	// Config changes resync the dependent managers.
	cfgManager.OnChange(func(next config.Config) {
		registry.Sync(next.Providers)
		mcpManager.Sync(ctx, next.MCPServers)
	})
	if err := cfgManager.Watch(ctx); err != nil {
		logging.Warn("Serve", "Config watching disabled: %v", err)
	}
	defer cfgManager.Stop()

	srv := server.New(cfg, tokens, registry, rtr, gw, mcpManager, busManager, fw, checker, engine)
	return srv.Start(ctx)
}

// envSecretResolver resolves SecretRefs from
// LOCALROUTER_SECRET_<SERVICE>_<ACCOUNT> environment variables. It stands
// in for the OS keychain collaborator.
func envSecretResolver() providers.SecretResolver {
	return providers.SecretResolverFunc(func(service, account string) (string, bool) {
		key := "LOCALROUTER_SECRET_" + sanitizeEnvKey(service) + "_" + sanitizeEnvKey(account)
		value, ok := os.LookupEnv(key)
		return value, ok && value != ""
	})
}

// envTokenResolver resolves bearer tokens from the LOCALROUTER_TOKENS
// environment variable: comma-separated "token=client-id" pairs. It stands
// in for the auth collaborator.
func envTokenResolver() server.TokenResolver {
	mapping := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv("LOCALROUTER_TOKENS"), ",") {
		token, clientID, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && token != "" && clientID != "" {
			mapping[token] = clientID
		}
	}
	if len(mapping) == 0 {
		logging.Warn("Serve", "LOCALROUTER_TOKENS is empty, no client can authenticate")
	}

	return server.TokenResolverFunc(func(token string) (string, bool) {
		clientID, ok := mapping[token]
		return clientID, ok
	})
}

func sanitizeEnvKey(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - ('a' - 'A')
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
