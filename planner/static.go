package planner

import (
	"context"
	"fmt"
	"sync"
)

// StaticProvider is a deterministic, in-memory Provider returning
// pre-scripted responses in sequence, adapted from the teacher's
// llm/testutil.MockLLMClient (captured context, Responses queue, Err
// override) from an HTTP-backed llm.Client to the planner's narrower
// Provider interface.
type StaticProvider struct {
	mu        sync.Mutex
	name      string
	Responses []Response
	Err       error

	callCount int
	lastCtx   context.Context
}

// NewStaticProvider constructs a StaticProvider under the given registry
// name returning responses in order.
func NewStaticProvider(name string, responses ...Response) *StaticProvider {
	return &StaticProvider{name: name, Responses: responses}
}

// Name implements Provider.
func (p *StaticProvider) Name() string { return p.name }

// Complete implements Provider, returning the next scripted response or
// Err if set; once Responses is exhausted it returns an empty response
// rather than erroring, matching the teacher mock's default-response
// fallback.
func (p *StaticProvider) Complete(ctx context.Context, _ Request) (*Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastCtx = ctx
	p.callCount++

	if p.Err != nil {
		return nil, p.Err
	}
	if p.callCount-1 < len(p.Responses) {
		resp := p.Responses[p.callCount-1]
		if resp.RequestID == "" {
			resp.RequestID = fmt.Sprintf("%s-req-%d", p.name, p.callCount)
		}
		return &resp, nil
	}
	return &Response{RequestID: fmt.Sprintf("%s-req-%d", p.name, p.callCount), Content: ""}, nil
}

// CallCount returns how many times Complete has been invoked.
func (p *StaticProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.callCount
}
