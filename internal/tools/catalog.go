package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/connorprovines-code/headless-crm/internal/logging"
	"github.com/connorprovines-code/headless-crm/pkg/schema"
)

// InputValidator checks a tool input against the tool's JSON Schema.
type InputValidator interface {
	ValidateInput(tool string, inputSchema json.RawMessage, input map[string]any) error
}

// Catalog resolves tool names across the enrichment-provider registry and the
// general tool registry, in that order, and invokes them safely.
type Catalog struct {
	Providers *Registry
	Tools     *Registry

	validator InputValidator
	breakers  *BreakerRegistry
	logger    *slog.Logger
}

// CatalogOption configures a Catalog.
type CatalogOption func(*Catalog)

// WithValidator validates inputs against tool schemas before execution.
func WithValidator(v InputValidator) CatalogOption {
	return func(c *Catalog) { c.validator = v }
}

// WithBreakers guards enrichment providers with per-provider circuit breakers.
func WithBreakers(b *BreakerRegistry) CatalogOption {
	return func(c *Catalog) { c.breakers = b }
}

// WithLogger sets the catalog logger.
func WithLogger(l *slog.Logger) CatalogOption {
	return func(c *Catalog) { c.logger = l }
}

// NewCatalog creates a catalog with empty registries.
func NewCatalog(opts ...CatalogOption) *Catalog {
	c := &Catalog{
		Providers: NewRegistry(KindEnrichment),
		Tools:     NewRegistry(KindTool),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup finds a tool by name.
func (c *Catalog) Lookup(name string) (Tool, Kind, bool) {
	if t, ok := c.Providers.Get(name); ok {
		return t, KindEnrichment, true
	}
	if t, ok := c.Tools.Get(name); ok {
		return t, KindTool, true
	}
	return nil, "", false
}

// Has reports whether name resolves to a provider or tool.
func (c *Catalog) Has(name string) bool {
	_, _, ok := c.Lookup(name)
	return ok
}

// List returns every provider and tool.
func (c *Catalog) List() []Info {
	return append(c.Providers.List(), c.Tools.List()...)
}

// InvokeOption adjusts a single Invoke call.
type InvokeOption func(*invokeConfig)

type invokeConfig struct {
	retry   *schema.RetryPolicy
	timeout time.Duration
}

// Retry retries retryable errors of this call per policy.
func Retry(policy *schema.RetryPolicy) InvokeOption {
	return func(cfg *invokeConfig) { cfg.retry = policy }
}

// Timeout bounds every attempt of this call, so a retried call gets a fresh
// budget after an attempt times out.
func Timeout(d time.Duration) InvokeOption {
	return func(cfg *invokeConfig) { cfg.timeout = d }
}

// Invoke runs the named tool. Panics inside the tool are recovered and
// reported as errors so a misbehaving capability never crashes a run.
func (c *Catalog) Invoke(ctx context.Context, name string, input map[string]any, opts ...InvokeOption) (res *Result, err error) {
	var cfg invokeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	tool, kind, ok := c.Lookup(name)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeToolNotFound, "unknown tool %q", name)
	}
	if cfg.timeout > 0 {
		tool = WithAttemptTimeout(tool, cfg.timeout)
	}
	if cfg.retry != nil {
		tool = WithRetry(tool, *cfg.retry, c.logger)
	}
	if !IsAvailable(tool) {
		return nil, schema.NewErrorf(schema.ErrCodeToolUnavailable, "tool %q unavailable: not configured", name)
	}
	if input == nil {
		input = map[string]any{}
	}
	if c.validator != nil {
		if s := tool.Schema().InputSchema; len(s) > 0 {
			if verr := c.validator.ValidateInput(name, s, input); verr != nil {
				return nil, verr
			}
		}
	}

	guarded := kind == KindEnrichment && c.breakers != nil
	if guarded {
		if berr := c.breakers.Allow(name); berr != nil {
			return nil, berr
		}
	}

	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "tool %q panicked: %v", name, r)
		}
		if guarded {
			c.recordOutcome(ctx, name, err)
		}
	}()

	res, err = tool.Execute(ctx, input)
	if err == nil && res == nil {
		err = schema.NewErrorf(schema.ErrCodeExecution, "tool %q returned no result", name)
	}
	if err != nil {
		var ce *schema.CRMError
		if !errors.As(err, &ce) {
			code := schema.ErrCodeExecution
			if errors.Is(err, context.DeadlineExceeded) {
				code = schema.ErrCodeTimeout
			}
			err = schema.NewError(code, fmt.Sprintf("tool %q", name)).WithCause(err)
		}
	}
	return res, err
}

func (c *Catalog) recordOutcome(ctx context.Context, name string, err error) {
	if err == nil {
		c.breakers.RecordSuccess(name)
		return
	}
	if c.breakers.RecordFailure(name) == BreakerOpen {
		logging.LogWith(ctx, c.logger).Warn("enrichment provider circuit opened", "provider", name, "error", err)
	}
}
