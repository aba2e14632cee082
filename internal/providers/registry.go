package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"localrouter/internal/config"
	"localrouter/pkg/logging"
)

// instance pairs a constructed adapter with its config flags.
type instance struct {
	provider Provider
	enabled  bool
	cfg      config.ProviderInstance
}

// Registry holds the named provider instances and the unified model
// catalog. It is the exclusive owner of adapters; everything else holds
// them by reference through registry lookups.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*instance

	// catalog caches ListModels results per provider.
	catalog   map[string][]ModelInfo
	catalogAt map[string]time.Time

	features *FeatureRegistry
	secrets  SecretResolver
	client   *http.Client
}

// catalogTTL bounds how stale a cached provider model list may get.
const catalogTTL = 5 * time.Minute

// NewRegistry creates an empty registry. Call Sync to populate it from
// configuration.
func NewRegistry(secrets SecretResolver, providerTimeout time.Duration) *Registry {
	return &Registry{
		instances: make(map[string]*instance),
		catalog:   make(map[string][]ModelInfo),
		catalogAt: make(map[string]time.Time),
		features:  NewFeatureRegistry(),
		secrets:   secrets,
		client:    &http.Client{Timeout: providerTimeout},
	}
}

// Features returns the registry's feature adapter lookup.
func (r *Registry) Features() *FeatureRegistry {
	return r.features
}

// Sync rebuilds the instance set from configuration. Existing instances
// whose config is unchanged are kept (and their catalog cache with them);
// removed or changed ones are dropped.
func (r *Registry) Sync(cfgs []config.ProviderInstance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(cfgs))
	for _, pc := range cfgs {
		seen[pc.Name] = true
		if existing, ok := r.instances[pc.Name]; ok && providerConfigEqual(existing.cfg, pc) {
			existing.enabled = pc.Enabled
			continue
		}

		provider, err := r.build(pc)
		if err != nil {
			logging.Error("ProviderRegistry", err, "Skipping provider %s", pc.Name)
			continue
		}
		r.instances[pc.Name] = &instance{provider: provider, enabled: pc.Enabled, cfg: pc}
		delete(r.catalog, pc.Name)
		delete(r.catalogAt, pc.Name)
		logging.Info("ProviderRegistry", "Configured provider %s (type %s, enabled %v)", pc.Name, pc.Type, pc.Enabled)
	}

	for name := range r.instances {
		if !seen[name] {
			delete(r.instances, name)
			delete(r.catalog, name)
			delete(r.catalogAt, name)
			logging.Info("ProviderRegistry", "Removed provider %s", name)
		}
	}
}

func providerConfigEqual(a, b config.ProviderInstance) bool {
	if a.Type != b.Type || a.BaseURL != b.BaseURL || a.APIKey != b.APIKey {
		return false
	}
	if len(a.Extra) != len(b.Extra) {
		return false
	}
	for k, v := range a.Extra {
		if b.Extra[k] != v {
			return false
		}
	}
	return true
}

// build constructs the adapter for one provider config.
func (r *Registry) build(pc config.ProviderInstance) (Provider, error) {
	apiKey := ""
	if !pc.APIKey.IsZero() {
		key, ok := r.secrets.Resolve(pc.APIKey.Service, pc.APIKey.Account)
		if !ok {
			return nil, fmt.Errorf("secret for provider %s not found", pc.Name)
		}
		apiKey = key
	}

	switch pc.Type {
	case config.ProviderTypeOpenAI:
		return NewOpenAI(pc.Name, pc.BaseURL, apiKey, r.client), nil
	case config.ProviderTypeAnthropic:
		return NewAnthropic(pc.Name, pc.BaseURL, apiKey, r.client), nil
	case config.ProviderTypeGemini:
		return NewGemini(pc.Name, pc.BaseURL, apiKey, r.client), nil
	case config.ProviderTypeOllama:
		return NewOllama(pc.Name, pc.BaseURL, r.client), nil
	case config.ProviderTypeOpenRouter:
		return NewOpenRouter(pc.Name, pc.BaseURL, apiKey, r.client), nil
	case config.ProviderTypeCohere:
		return NewCohere(pc.Name, pc.BaseURL, apiKey, r.client), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", pc.Type)
	}
}

// Get returns the enabled provider with the given name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", name)
	}
	if !inst.enabled {
		return nil, fmt.Errorf("provider %s is disabled", name)
	}
	return inst.provider, nil
}

// Names returns the names of all enabled providers, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var names []string
	for name, inst := range r.instances {
		if inst.enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ListModels returns the unified model catalog across all enabled
// providers, refreshing stale per-provider entries. Provider failures
// degrade to the cached (possibly empty) entry.
func (r *Registry) ListModels(ctx context.Context) []ModelInfo {
	names := r.Names()

	var all []ModelInfo
	for _, name := range names {
		models, err := r.modelsFor(ctx, name)
		if err != nil {
			logging.Debug("ProviderRegistry", "Model list for %s unavailable: %v", name, err)
		}
		all = append(all, models...)
	}
	return all
}

func (r *Registry) modelsFor(ctx context.Context, name string) ([]ModelInfo, error) {
	r.mu.RLock()
	inst, ok := r.instances[name]
	cached := r.catalog[name]
	cachedAt := r.catalogAt[name]
	r.mu.RUnlock()

	if !ok || !inst.enabled {
		return nil, fmt.Errorf("provider %s not available", name)
	}
	if time.Since(cachedAt) < catalogTTL {
		return cached, nil
	}

	models, err := inst.provider.ListModels(ctx)
	if err != nil {
		return cached, err
	}

	r.mu.Lock()
	r.catalog[name] = models
	r.catalogAt[name] = time.Now()
	r.mu.Unlock()
	return models, nil
}

// ResolveModel resolves a bare model id to its unique owning provider.
// An id owned by several providers is ambiguous and an error.
func (r *Registry) ResolveModel(ctx context.Context, modelID string) (providerName string, err error) {
	var owners []string
	for _, name := range r.Names() {
		models, _ := r.modelsFor(ctx, name)
		for _, m := range models {
			if m.ID == modelID {
				owners = append(owners, name)
				break
			}
		}
	}
	switch len(owners) {
	case 0:
		return "", fmt.Errorf("model %q not found in any provider", modelID)
	case 1:
		return owners[0], nil
	default:
		return "", fmt.Errorf("model %q is ambiguous across providers %v", modelID, owners)
	}
}

// PricingFor returns pricing for (provider, model): provider-quoted first,
// then the embedded catalog, then zero.
func (r *Registry) PricingFor(providerName, model string) Pricing {
	r.mu.RLock()
	inst, ok := r.instances[providerName]
	r.mu.RUnlock()

	if ok {
		if p, quoted := inst.provider.GetPricing(model); quoted {
			return p
		}
	}
	if p, found := LookupEmbeddedPricing(model); found {
		return p
	}
	return Pricing{}
}
