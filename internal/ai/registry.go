package ai

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

// Registry routes (provider name, model) pairs to provider instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
	fallback  string
}

func NewRegistry(fallback string) *Registry {
	return &Registry{
		factories: make(map[string]ProviderFactory),
		fallback:  strings.ToLower(strings.TrimSpace(fallback)),
	}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get resolves a provider. An empty name uses the registry fallback.
func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = r.fallback
	}
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, completionErr("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
