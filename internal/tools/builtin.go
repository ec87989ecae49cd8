package tools

import "github.com/connorprovines-code/headless-crm/internal/expressions"

// BuiltinConfig wires the builtin tools to their dependencies.
type BuiltinConfig struct {
	Records   RecordStore
	HTTP      HTTPConfig
	NotifyURL string
	Providers []ProviderConfig
}

// RegisterBuiltins registers the general CRM tools and the configured
// enrichment providers in cat.
func RegisterBuiltins(cat *Catalog, cfg BuiltinConfig) error {
	all := []Tool{
		EmailClassifyTool{},
		NewTransformTool(expressions.NewGoJQEngine()),
		NewWebhookTool(cfg.HTTP),
	}
	if cfg.Records != nil {
		all = append(all, RecordTools(cfg.Records, cfg.NotifyURL, cfg.HTTP)...)
	}
	for _, t := range all {
		if err := cat.Tools.Register(t); err != nil {
			return err
		}
	}

	for _, pc := range cfg.Providers {
		p, err := NewHTTPProvider(pc, cfg.HTTP)
		if err != nil {
			return err
		}
		if err := cat.Providers.Register(p); err != nil {
			return err
		}
	}
	return nil
}
