package node

import (
	"fmt"
	"log/slog"

	"github.com/dyluth/burrow/internal/agents/command"
	"github.com/dyluth/burrow/internal/config"
	"github.com/dyluth/burrow/pkg/agent"
)

// BuildRegistry turns the configured providers into command agents.
func BuildRegistry(cfg *config.Config, logger *slog.Logger) (*agent.Registry, error) {
	providers := make([]*agent.Provider, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		agents := make([]agent.Agent, 0, len(pc.Agents))
		opts := []agent.ProviderOption{
			agent.WithNamespace(pc.Namespace),
			agent.WithCredentials(pc.Credentials),
		}

		for _, ac := range pc.Agents {
			a, err := command.New(command.Config{
				Name:      ac.Name,
				Types:     ac.Types,
				Command:   ac.Command,
				Dir:       ac.Dir,
				Env:       ac.Environment,
				MaxOutput: ac.MaxOutput,
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
			}
			agents = append(agents, a)
			opts = append(opts, agent.WithTunables(ac.Name, ac.Tunables()))
		}

		p, err := agent.NewProvider(pc.Name, agents, opts...)
		if err != nil {
			return nil, err
		}
		providers = append(providers, p)
	}
	return agent.NewRegistry(providers...)
}
