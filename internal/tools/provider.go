package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/connorprovines-code/headless-crm/internal/expressions"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// ProviderConfig describes an HTTP enrichment lookup.
type ProviderConfig struct {
	Name        string `mapstructure:"name" yaml:"name" json:"name"`
	Description string `mapstructure:"description" yaml:"description" json:"description,omitempty"`
	// URL is a template resolved against the step input plus api_key, with
	// values query-escaped, e.g. "https://api.example.com/person?email={{email}}".
	URL        string `mapstructure:"url" yaml:"url" json:"url"`
	Method     string `mapstructure:"method" yaml:"method" json:"method,omitempty"`
	APIKeyEnv  string `mapstructure:"api_key_env" yaml:"api_key_env" json:"api_key_env,omitempty"`
	APIKey     string `mapstructure:"api_key" yaml:"api_key" json:"-"`
	AuthHeader string `mapstructure:"auth_header" yaml:"auth_header" json:"auth_header,omitempty"`
	AuthScheme string `mapstructure:"auth_scheme" yaml:"auth_scheme" json:"auth_scheme,omitempty"`
}

// HTTPProvider is an enrichment provider backed by one HTTP endpoint. It is
// unavailable until its API key is configured.
type HTTPProvider struct {
	cfg    ProviderConfig
	http   HTTPConfig
	getenv func(string) string
}

// NewHTTPProvider creates a provider from config.
func NewHTTPProvider(cfg ProviderConfig, httpCfg HTTPConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "enrichment provider: name is required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "enrichment provider %q: url is required", cfg.Name)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	cfg.Method = strings.ToUpper(cfg.Method)
	return &HTTPProvider{cfg: cfg, http: httpCfg.withDefaults(), getenv: os.Getenv}, nil
}

func (p *HTTPProvider) Name() string { return p.cfg.Name }

func (p *HTTPProvider) Schema() Schema {
	desc := p.cfg.Description
	if desc == "" {
		desc = fmt.Sprintf("Enrichment lookup via %s", p.cfg.Method)
	}
	return Schema{Description: desc, InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (p *HTTPProvider) apiKey() string {
	if p.cfg.APIKey != "" {
		return p.cfg.APIKey
	}
	if p.cfg.APIKeyEnv != "" {
		return p.getenv(p.cfg.APIKeyEnv)
	}
	return ""
}

// Available reports whether the provider's credentials are present. A
// provider that declares no key is always available.
func (p *HTTPProvider) Available() bool {
	if p.cfg.APIKey == "" && p.cfg.APIKeyEnv == "" {
		return true
	}
	return p.apiKey() != ""
}

func (p *HTTPProvider) Execute(ctx context.Context, input map[string]any) (*Result, error) {
	key := p.apiKey()
	vars := make(map[string]any, len(input)+1)
	for k, v := range input {
		vars[k] = v
	}
	vars["api_key"] = key

	target, ok := expressions.ResolveEscaped(p.cfg.URL, vars, url.QueryEscape)
	if !ok {
		return Fail("%s: url template has unresolved fields", p.cfg.Name), nil
	}

	headers := map[string]string{}
	if p.cfg.AuthHeader != "" && key != "" {
		value := key
		if p.cfg.AuthScheme != "" {
			value = p.cfg.AuthScheme + " " + key
		}
		headers[p.cfg.AuthHeader] = value
	}

	var body any
	if p.cfg.Method != http.MethodGet && p.cfg.Method != http.MethodDelete {
		body = input
	}

	resp, err := doJSON(ctx, p.http, p.cfg.Method, target, headers, body)
	if err != nil {
		return nil, err
	}
	switch {
	case isTransientStatus(resp.StatusCode):
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "%s returned %d", p.cfg.Name, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return Fail("%s: no match", p.cfg.Name), nil
	case resp.StatusCode >= 300:
		return Fail("%s returned %d", p.cfg.Name, resp.StatusCode), nil
	}
	return OK(resp.Body), nil
}
