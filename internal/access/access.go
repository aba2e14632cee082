// Package access resolves a client's model permissions hierarchically:
// per-model override > per-provider override > global default. Ask verdicts
// consult the time-bounded approval tracker and, on a miss, open a firewall
// request shaped like the tool-call flow but labelled "model call".
package access

import (
	"context"
	"fmt"

	"localrouter/internal/config"
	"localrouter/internal/firewall"
	"localrouter/pkg/logging"
)

// Checker owns model-access resolution for all clients.
type Checker struct {
	cfg       func() config.Config
	approvals *firewall.GrantTracker
	manager   *firewall.Manager
}

// NewChecker creates a checker. manager may be nil, in which case Ask
// verdicts deny (no UI to ask).
func NewChecker(cfg func() config.Config, manager *firewall.Manager) *Checker {
	return &Checker{
		cfg:       cfg,
		approvals: firewall.NewGrantTracker(),
		manager:   manager,
	}
}

// Resolve returns the effective policy for (client, provider, model).
func Resolve(rules config.ModelRules, provider, model string) config.FirewallPolicy {
	if p, ok := rules.ModelRules[provider+"/"+model]; ok {
		return p
	}
	if p, ok := rules.ProviderRules[provider]; ok {
		return p
	}
	if rules.Default != "" {
		return rules.Default
	}
	return config.PolicyAllow
}

// Authorize runs the full access flow for a chat completion, including the
// synchronous approval loop for Ask verdicts. It returns nil when the call
// may proceed.
func (c *Checker) Authorize(ctx context.Context, client config.Client, provider, model string) error {
	switch Resolve(client.ModelRules, provider, model) {
	case config.PolicyAllow:
		return nil
	case config.PolicyDeny:
		return fmt.Errorf("model %s/%s is denied for client %s", provider, model, client.Name)
	}

	// Ask: time-bounded grants keyed (client, provider, model).
	key := client.ID + "|" + provider + "|" + model
	if allowed, found := c.approvals.Lookup(key); found {
		if allowed {
			return nil
		}
		return fmt.Errorf("model %s/%s is denied for client %s", provider, model, client.Name)
	}

	if c.manager == nil {
		return fmt.Errorf("model %s/%s requires approval but no approval channel is available", provider, model)
	}

	decision, err := c.manager.Submit(ctx, firewall.Request{
		ClientID:   client.ID,
		ClientName: client.Name,
		Subject:    firewall.SubjectModelCall,
		Summary:    fmt.Sprintf("Model call %s/%s", provider, model),
		Params: map[string]interface{}{
			"provider": provider,
			"model":    model,
		},
	})
	if err != nil {
		logging.Warn("Access", "Model approval for %s/%s failed: %v", provider, model, err)
		return fmt.Errorf("model %s/%s approval timed out", provider, model)
	}

	c.approvals.Record(key, decision.Action)
	if !decision.Action.Allows() {
		return fmt.Errorf("model %s/%s was denied by the user", provider, model)
	}
	return nil
}

// ModelAllowed implements the router's candidate filter: only explicit
// denials drop a candidate here. Ask verdicts pass the filter and are
// resolved by Authorize/AuthorizeModel — at the HTTP layer for concrete
// request models, and by the router itself for auto-resolved candidates.
func (c *Checker) ModelAllowed(clientID, provider, model string) bool {
	cfg := c.cfg()
	client, ok := cfg.FindClient(clientID)
	if !ok {
		return false
	}
	return Resolve(client.ModelRules, provider, model) != config.PolicyDeny
}

// AuthorizeModel is Authorize keyed by client id, for callers (the router)
// that hold no client record.
func (c *Checker) AuthorizeModel(ctx context.Context, clientID, provider, model string) error {
	cfg := c.cfg()
	client, ok := cfg.FindClient(clientID)
	if !ok {
		return fmt.Errorf("unknown client %s", clientID)
	}
	return c.Authorize(ctx, client, provider, model)
}
