package providers

import "github.com/jeffersonwarrior/aimux/internal/config"

// BuildOne constructs the Provider implementation for a single provider
// config. A provider whose wire format is "anthropic" gets the
// identity-passthrough AnthropicProvider; everything else gets the
// config-driven GenericOpenAIProvider, since registration is now
// config-driven rather than one hardcoded struct per vendor.
func BuildOne(cfg config.Provider) Provider {
	if cfg.WireFormat() == "anthropic" {
		p := NewAnthropicProvider(cfg.Name)
		p.endpoint = cfg.APIBase
		p.SetAPIKey(cfg.APIKey.Value())
		return p
	}

	p := NewGenericOpenAIProvider(cfg.Name, cfg.APIBase)
	p.SetAPIKey(cfg.APIKey.Value())
	return p
}

// FromConfig builds a Registry populated from a set of provider configs,
// one Provider per entry keyed by name.
func FromConfig(cfgs []config.Provider) *Registry {
	r := NewRegistry()
	for _, cfg := range cfgs {
		r.Register(BuildOne(cfg))
	}
	return r
}
