package agent

import (
	"context"
	"strings"

	"github.com/suPer8Hu/agentdesk/internal/ai"
)

// ProviderSource resolves the provider for an agent's (provider, model) pair.
type ProviderSource interface {
	Get(ctx context.Context, name, model string) (ai.Provider, error)
}

type Executor struct {
	providers ProviderSource
}

func NewExecutor(providers ProviderSource) *Executor {
	return &Executor{providers: providers}
}

// Run answers history (oldest first) as agent a.
func (e *Executor) Run(ctx context.Context, a *Agent, history []ai.Message) (ai.Completion, error) {
	p, err := e.providers.Get(ctx, a.Provider, a.Model)
	if err != nil {
		return ai.Completion{}, err
	}

	turns := make([]ai.Message, 0, len(history)+1)
	if sp := strings.TrimSpace(a.SystemPrompt); sp != "" {
		turns = append(turns, ai.Message{Role: "system", Content: sp})
	}
	turns = append(turns, history...)

	out, err := p.Chat(ctx, turns)
	if err != nil {
		return ai.Completion{}, err
	}
	if out.Model == "" {
		out.Model = a.Model
	}
	return out, nil
}
