package config

import (
	"strings"

	"reasonchain/internal/domain"
)

// Backend returns the backend with the given name.
func (c *Config) Backend(name string) (*BackendConfig, error) {
	for i := range c.Backends {
		if c.Backends[i].Name == name {
			return &c.Backends[i], nil
		}
	}
	return nil, domain.NewDomainError("Config.Backend", domain.ErrBackendNotFound, name)
}

// ActiveComposite returns the first composite marked active, or the only
// composite when exactly one is configured.
func (c *Config) ActiveComposite() (*CompositeConfig, error) {
	for i := range c.Composites {
		if c.Composites[i].Active {
			return &c.Composites[i], nil
		}
	}
	if len(c.Composites) == 1 {
		return &c.Composites[0], nil
	}
	return nil, domain.NewDomainError("Config.ActiveComposite", domain.ErrModelNotFound, "no active composite model")
}

// ResolveComposite finds the composite a client asked for. It matches the id,
// then the alias, then the alias normalized to lowercase-with-dashes. An
// empty model selects the active composite.
func (c *Config) ResolveComposite(model string) (*CompositeConfig, error) {
	if model == "" {
		return c.ActiveComposite()
	}
	for i := range c.Composites {
		if c.Composites[i].ID == model {
			return &c.Composites[i], nil
		}
	}
	for i := range c.Composites {
		if c.Composites[i].Alias == model {
			return &c.Composites[i], nil
		}
	}
	want := NormalizeModelName(model)
	for i := range c.Composites {
		if NormalizeModelName(c.Composites[i].Alias) == want {
			return &c.Composites[i], nil
		}
	}
	return nil, domain.NewDomainError("Config.ResolveComposite", domain.ErrModelNotFound, model)
}

// ModelID is the name a composite is published under.
func (cc CompositeConfig) ModelID() string {
	if cc.ID != "" {
		return cc.ID
	}
	return NormalizeModelName(cc.Alias)
}

// NormalizeModelName lowercases name and replaces spaces with dashes.
func NormalizeModelName(name string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "-")
}
