package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/deeprun/correction"
)

func TestRegisterGetListProvider(t *testing.T) {
	p := NewStaticProvider("test-registry-provider")
	RegisterProvider(p)
	assert.Same(t, p, GetProvider("test-registry-provider"))
	assert.Contains(t, ListProviders(), "test-registry-provider")
}

func TestGetProviderUnregisteredReturnsNil(t *testing.T) {
	assert.Nil(t, GetProvider("does-not-exist"))
}

func TestPlanSucceedsOnFirstValidResponse(t *testing.T) {
	provider := NewStaticProvider("p1", Response{
		Content: "```json\n{\"steps\":[{\"id\":\"step-1\",\"type\":\"modify\",\"tool\":\"write_file\",\"input\":{}}]}\n```",
	})
	f := New(provider, nil, nil)

	plan, ids, err := f.Plan(context.Background(), "add a health endpoint")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, "step-1", plan.Steps[0].ID)
	assert.Len(t, ids, 1)
}

func TestPlanRetriesOnMalformedThenSucceeds(t *testing.T) {
	provider := NewStaticProvider("p2",
		Response{Content: "not json at all"},
		Response{Content: `{"steps":[{"id":"step-1","tool":"write_file","type":"modify","input":{}}]}`},
	)
	f := New(provider, nil, nil)

	plan, ids, err := f.Plan(context.Background(), "goal")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
	assert.Len(t, ids, 2)
	assert.Equal(t, 2, provider.CallCount())
}

func TestPlanFailsAfterExhaustingRetries(t *testing.T) {
	responses := make([]Response, maxFormatRetries)
	for i := range responses {
		responses[i] = Response{Content: "still not json"}
	}
	provider := NewStaticProvider("p3", responses...)
	f := New(provider, nil, nil)

	_, ids, err := f.Plan(context.Background(), "goal")
	assert.Error(t, err)
	assert.Len(t, ids, maxFormatRetries)
}

func TestPlanPropagatesProviderError(t *testing.T) {
	provider := NewStaticProvider("p4")
	provider.Err = errors.New("upstream unavailable")
	f := New(provider, nil, nil)

	_, _, err := f.Plan(context.Background(), "goal")
	assert.Error(t, err)
}

func TestPlanRuntimeCorrectionUsesConstraintInPrompt(t *testing.T) {
	provider := NewStaticProvider("p5", Response{
		Content: `{"steps":[{"id":"runtime-correction-1","tool":"write_file","type":"modify","input":{}}]}`,
	})
	f := New(provider, nil, nil)
	c := correction.Constraint{MaxFiles: 2, AllowedPathPrefixes: []string{"src/**"}}

	plan, _, err := f.PlanRuntimeCorrection(context.Background(), c, "container failed to bind")
	require.NoError(t, err)
	require.Len(t, plan.Steps, 1)
}

func TestExtractJSONStripsMarkdownFence(t *testing.T) {
	raw := "here is your plan:\n```json\n{\"a\":1}\n```\nthanks"
	assert.Equal(t, `{"a":1}`, ExtractJSON(raw))
}

func TestExtractJSONStripsTrailingCommasAndComments(t *testing.T) {
	raw := "{\"a\":1, // comment\n\"b\":2,}"
	got := ExtractJSON(raw)
	assert.NotContains(t, got, "//")
	assert.NotContains(t, got, ",}")
}

func TestExtractJSONReturnsEmptyWhenNoJSON(t *testing.T) {
	assert.Equal(t, "", ExtractJSON("no json here"))
}

func TestParsePlanRejectsStepMissingTool(t *testing.T) {
	_, err := parsePlan(`{"steps":[{"id":"step-1","type":"modify"}]}`)
	assert.Error(t, err)
}

func TestParsePlanRejectsEmptySteps(t *testing.T) {
	_, err := parsePlan(`{"steps":[]}`)
	assert.Error(t, err)
}
