package capability

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Registry routes each capability to its provider. A default provider, when
// set, serves every capability without an explicit registration.
type Registry struct {
	mu        sync.RWMutex
	providers map[Name]Provider
	fallback  Provider
}

// NewRegistry creates a registry with an optional default provider.
func NewRegistry(fallback Provider) *Registry {
	return &Registry{providers: make(map[Name]Provider), fallback: fallback}
}

// Register assigns p to capability c.
func (r *Registry) Register(c Name, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[c] = p
}

// Has reports whether c is registered explicitly, or served by a default
// provider that says it supports c.
func (r *Registry) Has(c Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.providers[c]; ok {
		return true
	}
	return r.fallback != nil && Supports(r.fallback, c)
}

// Lookup returns the provider serving c.
func (r *Registry) Lookup(c Name) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[c]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, eris.Wrapf(ErrUnsupported, "%s", c)
}

// Invoke dispatches req to the provider registered for its capability.
func (r *Registry) Invoke(ctx context.Context, req Request) (*Response, error) {
	p, err := r.Lookup(req.Capability)
	if err != nil {
		return nil, err
	}
	resp, err := p.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Capability == "" {
		resp.Capability = req.Capability
	}
	return resp, nil
}
