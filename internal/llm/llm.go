// Package llm is the language-model completion contract used by ai_prompt
// steps, plus the Anthropic Messages client that implements it.
package llm

import (
	"context"

	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// Model tiers selectable from a prompt step.
const (
	TierFast     = "fast"
	TierStandard = "standard"
	TierDeep     = "deep"
)

// DefaultMaxTokens applies when a request does not set MaxTokens.
const DefaultMaxTokens = 1024

// Request is one completion call.
type Request struct {
	Prompt    string
	MaxTokens int
	Tier      string
}

// Completion is the model's answer.
type Completion struct {
	Text       string `json:"text"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// Completer produces completions. Available reports whether credentials are
// configured; the engine skips prompt steps when it is false.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Available() bool
}

// Unavailable is a Completer with no credentials.
type Unavailable struct{}

func (Unavailable) Available() bool { return false }

func (Unavailable) Complete(context.Context, Request) (*Completion, error) {
	return nil, schema.NewError(schema.ErrCodeLLMUnavailable, "no language model configured")
}

// Models maps tiers to concrete model names.
type Models struct {
	Fast     string `mapstructure:"fast"`
	Standard string `mapstructure:"standard"`
	Deep     string `mapstructure:"deep"`
}

// DefaultModels returns the default tier mapping.
func DefaultModels() Models {
	return Models{
		Fast:     "claude-haiku-4-5-20251001",
		Standard: "claude-sonnet-4-5",
		Deep:     "claude-opus-4-1",
	}
}

// For returns the model for tier, falling back to the standard tier.
func (m Models) For(tier string) string {
	def := DefaultModels()
	pick := func(v, fallback string) string {
		if v != "" {
			return v
		}
		return fallback
	}
	switch tier {
	case TierFast:
		return pick(m.Fast, def.Fast)
	case TierDeep:
		return pick(m.Deep, def.Deep)
	default:
		return pick(m.Standard, def.Standard)
	}
}
