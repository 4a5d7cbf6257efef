package planner

import "sync"

// CapabilityConfig lists the provider names preferred for a Capability, in
// order, plus a fallback chain to try if none of the preferred providers
// are currently registered.
type CapabilityConfig struct {
	Preferred []string
	Fallback  []string
}

// ModelRegistry resolves a Capability to the best available registered
// Provider, trying each name in the preferred-then-fallback chain until
// one is found in the package registry.
//
// Adapted from the teacher's model/registry.go: that registry resolved a
// capability to a concrete model/endpoint pair for an HTTP call this
// module does not make (spec.md §1 keeps AI provider HTTP clients out of
// scope), so EndpointConfig and the provider/model/maxTokens wiring are
// dropped; what's kept is the capability→preferred/fallback chain shape,
// now resolving to a planner.Provider name instead of a model string.
type ModelRegistry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	defaultName  string
}

// NewModelRegistry builds a registry from an explicit capability map.
func NewModelRegistry(caps map[Capability]*CapabilityConfig, defaultName string) *ModelRegistry {
	return &ModelRegistry{capabilities: caps, defaultName: defaultName}
}

// NewDefaultModelRegistry builds a registry with the chain every
// deeprun deployment is expected to register providers under:
// a capable primary for planning/correction, a fast one for runtime
// recovery, each falling back to the next cheaper tier.
func NewDefaultModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		capabilities: map[Capability]*CapabilityConfig{
			CapabilityPlanning: {
				Preferred: []string{"primary"},
				Fallback:  []string{"secondary"},
			},
			CapabilityCorrection: {
				Preferred: []string{"primary"},
				Fallback:  []string{"secondary"},
			},
			CapabilityRuntimeRecovery: {
				Preferred: []string{"fast"},
				Fallback:  []string{"primary", "secondary"},
			},
		},
		defaultName: "primary",
	}
}

// Resolve returns the first provider in cap's preferred-then-fallback
// chain that is currently registered, or the registry default if none
// are.
func (r *ModelRegistry) Resolve(cap Capability, lookup func(name string) Provider) Provider {
	for _, name := range r.GetFallbackChain(cap) {
		if p := lookup(name); p != nil {
			return p
		}
	}
	return lookup(r.defaultName)
}

// GetFallbackChain returns cap's full preferred+fallback provider-name
// chain.
func (r *ModelRegistry) GetFallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.capabilities[cap]
	if !ok {
		return []string{r.defaultName}
	}
	chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
	chain = append(chain, cfg.Preferred...)
	chain = append(chain, cfg.Fallback...)
	return chain
}

// SetCapability updates or adds cap's provider-name chain.
func (r *ModelRegistry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}

// ListCapabilities returns every capability the registry has an explicit
// chain for.
func (r *ModelRegistry) ListCapabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(r.capabilities))
	for cap := range r.capabilities {
		caps = append(caps, cap)
	}
	return caps
}
