package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCapabilityIsValid(t *testing.T) {
	assert.True(t, CapabilityPlanning.IsValid())
	assert.True(t, CapabilityRuntimeRecovery.IsValid())
	assert.True(t, CapabilityCorrection.IsValid())
	assert.False(t, Capability("invalid").IsValid())
}

func TestCapabilityString(t *testing.T) {
	assert.Equal(t, "planning", CapabilityPlanning.String())
}

func TestModelRegistryResolveFallsBackWhenPreferredUnregistered(t *testing.T) {
	r := NewModelRegistry(map[Capability]*CapabilityConfig{
		CapabilityPlanning: {Preferred: []string{"alpha"}, Fallback: []string{"beta"}},
	}, "beta")

	registered := map[string]Provider{"beta": NewStaticProvider("beta")}
	lookup := func(name string) Provider { return registered[name] }

	got := r.Resolve(CapabilityPlanning, lookup)
	assert.Equal(t, "beta", got.Name())
}

func TestModelRegistryResolveFallsBackToDefaultWhenChainUnregistered(t *testing.T) {
	r := NewModelRegistry(map[Capability]*CapabilityConfig{
		CapabilityCorrection: {Preferred: []string{"alpha"}},
	}, "fallback-default")

	registered := map[string]Provider{"fallback-default": NewStaticProvider("fallback-default")}
	lookup := func(name string) Provider { return registered[name] }

	got := r.Resolve(CapabilityCorrection, lookup)
	assert.Equal(t, "fallback-default", got.Name())
}

func TestModelRegistryResolveReturnsNilWhenNothingRegistered(t *testing.T) {
	r := NewModelRegistry(nil, "missing")
	got := r.Resolve(CapabilityPlanning, func(string) Provider { return nil })
	assert.Nil(t, got)
}

func TestModelRegistryGetFallbackChainUnknownCapabilityReturnsDefault(t *testing.T) {
	r := NewModelRegistry(nil, "default-name")
	assert.Equal(t, []string{"default-name"}, r.GetFallbackChain(Capability("unknown")))
}

func TestModelRegistrySetCapabilityOverridesChain(t *testing.T) {
	r := NewDefaultModelRegistry()
	r.SetCapability(CapabilityPlanning, &CapabilityConfig{Preferred: []string{"custom"}})
	assert.Equal(t, []string{"custom"}, r.GetFallbackChain(CapabilityPlanning))
}

func TestNewDefaultModelRegistryListsAllThreeCapabilities(t *testing.T) {
	r := NewDefaultModelRegistry()
	caps := r.ListCapabilities()
	assert.Len(t, caps, 3)
}
