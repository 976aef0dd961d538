package agent

import (
	"fmt"
	"sort"
)

// Provider is a named, ordered collection of agents for one integration
// domain. It is immutable after NewProvider returns.
type Provider struct {
	name        string
	namespace   string
	agents      []Agent
	tunables    map[string]Tunables
	credentials map[string]string
}

// ProviderOption customises a Provider at construction.
type ProviderOption func(*Provider)

// WithNamespace sets the cache namespace. Defaults to the provider name.
func WithNamespace(ns string) ProviderOption {
	return func(p *Provider) { p.namespace = ns }
}

// WithCredentials attaches raw credentials passed to every agent run.
func WithCredentials(creds map[string]string) ProviderOption {
	return func(p *Provider) {
		p.credentials = make(map[string]string, len(creds))
		for k, v := range creds {
			p.credentials[k] = v
		}
	}
}

// WithTunables sets the tunables of one agent. Agents without an explicit
// entry use the defaults.
func WithTunables(agentName string, t Tunables) ProviderOption {
	return func(p *Provider) { p.tunables[agentName] = t }
}

// NewProvider validates and builds a provider. Agent order is preserved.
func NewProvider(name string, agents []Agent, opts ...ProviderOption) (*Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("provider name cannot be empty")
	}

	p := &Provider{
		name:     name,
		agents:   append([]Agent(nil), agents...),
		tunables: make(map[string]Tunables),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.namespace == "" {
		p.namespace = name
	}

	seen := make(map[string]bool, len(p.agents))
	for i, a := range p.agents {
		if a == nil {
			return nil, fmt.Errorf("provider %s: agent %d is nil", name, i)
		}
		if a.Name() == "" {
			return nil, fmt.Errorf("provider %s: agent %d has no name", name, i)
		}
		if seen[a.Name()] {
			return nil, fmt.Errorf("provider %s: duplicate agent %q", name, a.Name())
		}
		seen[a.Name()] = true
		if len(a.Types()) == 0 {
			return nil, fmt.Errorf("provider %s: agent %q declares no types", name, a.Name())
		}
	}

	for agentName, t := range p.tunables {
		if !seen[agentName] {
			return nil, fmt.Errorf("provider %s: tunables for unknown agent %q", name, agentName)
		}
		t = t.WithDefaults()
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("provider %s: agent %s: %w", name, agentName, err)
		}
		p.tunables[agentName] = t
	}

	return p, nil
}

func (p *Provider) Name() string      { return p.name }
func (p *Provider) Namespace() string { return p.namespace }

// Agents returns the agents in configuration order. The slice is a copy.
func (p *Provider) Agents() []Agent {
	return append([]Agent(nil), p.agents...)
}

// Credentials returns a copy of the provider credentials.
func (p *Provider) Credentials() map[string]string {
	out := make(map[string]string, len(p.credentials))
	for k, v := range p.credentials {
		out[k] = v
	}
	return out
}

// Tunables returns the effective tunables for an agent of this provider.
func (p *Provider) Tunables(agentName string) Tunables {
	if t, ok := p.tunables[agentName]; ok {
		return t
	}
	return Tunables{}.WithDefaults()
}

// Registration binds an agent to the provider that owns it.
type Registration struct {
	Agent    Agent
	Provider *Provider
}

// Tunables is shorthand for the owning provider's tunables for the agent.
func (r Registration) Tunables() Tunables {
	return r.Provider.Tunables(r.Agent.Name())
}

// Registry indexes every agent of every provider by name. It is built once
// at startup and passed to the scheduler.
type Registry struct {
	providers []*Provider
	byAgent   map[string]Registration
}

// NewRegistry builds a registry, rejecting agent names used by more than
// one provider.
func NewRegistry(providers ...*Provider) (*Registry, error) {
	r := &Registry{byAgent: make(map[string]Registration)}
	names := make(map[string]bool)
	for _, p := range providers {
		if p == nil {
			return nil, fmt.Errorf("nil provider")
		}
		if names[p.Name()] {
			return nil, fmt.Errorf("duplicate provider %q", p.Name())
		}
		names[p.Name()] = true
		for _, a := range p.agents {
			if prev, ok := r.byAgent[a.Name()]; ok {
				return nil, fmt.Errorf("agent %q is declared by both provider %s and %s",
					a.Name(), prev.Provider.Name(), p.Name())
			}
			r.byAgent[a.Name()] = Registration{Agent: a, Provider: p}
		}
		r.providers = append(r.providers, p)
	}
	return r, nil
}

// Providers returns the registered providers in registration order.
func (r *Registry) Providers() []*Provider {
	return append([]*Provider(nil), r.providers...)
}

// Lookup returns the registration for an agent name.
func (r *Registry) Lookup(agentName string) (Registration, bool) {
	reg, ok := r.byAgent[agentName]
	return reg, ok
}

// Registrations returns every agent, ordered by provider then agent order.
func (r *Registry) Registrations() []Registration {
	out := make([]Registration, 0, len(r.byAgent))
	for _, p := range r.providers {
		for _, a := range p.agents {
			out = append(out, Registration{Agent: a, Provider: p})
		}
	}
	return out
}

// AgentNames returns all agent names, sorted.
func (r *Registry) AgentNames() []string {
	names := make([]string, 0, len(r.byAgent))
	for n := range r.byAgent {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
