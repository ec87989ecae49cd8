package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/engine"
	"github.com/connorprovines-code/headless-crm/internal/llm"
	"github.com/connorprovines-code/headless-crm/internal/store"
	"github.com/connorprovines-code/headless-crm/internal/tools"
	"github.com/connorprovines-code/headless-crm/internal/validation"
)

// app is the wired engine shared by the commands.
type app struct {
	cfg    *Config
	logger *slog.Logger

	store      store.Store
	catalog    *tools.Catalog
	validator  *validation.WorkflowValidator
	executor   *engine.Executor
	dispatcher *dispatch.Dispatcher
}

// openApp opens the store and wires tools, validation, the executor and the
// dispatcher. Callers must Close the app.
func openApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: st}

	inputs, err := validation.NewJSONSchemaValidator()
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init input validator: %w", err)
	}
	a.catalog = tools.NewCatalog(
		tools.WithValidator(inputs),
		tools.WithBreakers(tools.NewBreakerRegistry(tools.DefaultBreakerConfig())),
		tools.WithLogger(logger),
	)
	err = tools.RegisterBuiltins(a.catalog, tools.BuiltinConfig{
		Records:   st,
		HTTP:      tools.HTTPConfig{Timeout: cfg.Engine.CallTimeout},
		NotifyURL: cfg.Tools.NotifyURL,
		Providers: cfg.Enrichment.Providers,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("register tools: %w", err)
	}
	logger.Debug("tool catalog ready", "tools", len(a.catalog.List()), "providers", a.catalog.Providers.Count())

	a.validator, err = validation.NewWorkflowValidator(a.catalog)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init workflow validator: %w", err)
	}

	completer := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:            cfg.LLM.APIKey,
		BaseURL:           cfg.LLM.BaseURL,
		Models:            cfg.LLM.Models,
		RequestsPerSecond: cfg.LLM.RequestsPerSecond,
	})
	if !completer.Available() {
		logger.Warn("no language model API key configured; ai_prompt steps will fail")
	}

	a.executor = engine.NewExecutor(st, a.catalog, engine.Config{
		RunTimeout:  cfg.Engine.RunTimeout,
		CallTimeout: cfg.Engine.CallTimeout,
	}, engine.WithLogger(logger), engine.WithCompleter(completer))

	mode, err := dispatch.ParseEmitMode(cfg.Dispatch.EmitMode)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	a.dispatcher = dispatch.NewDispatcher(st, st, a.executor, dispatch.Config{
		EmitMode:     mode,
		MaxEmitDepth: cfg.Dispatch.MaxEmitDepth,
	}, dispatch.WithLogger(logger))
	return a, nil
}

func (a *app) newSweeper() (*dispatch.Sweeper, error) {
	return dispatch.NewSweeper(a.store, a.dispatcher, dispatch.SweepConfig{
		Schedule:    a.cfg.Sweep.Schedule,
		BatchSize:   a.cfg.Sweep.BatchSize,
		Concurrency: a.cfg.Sweep.Concurrency,
	}, a.logger)
}

func (a *app) Close() error {
	return a.store.Close()
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, cfg *Config, logger *slog.Logger) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "memory":
		st = store.NewMemoryStore()
	case "postgres":
		st, err = store.NewPostgresStore(ctx, cfg.Store.DSN, store.WithPostgresLogger(logger))
	default:
		if err := ensureDir(cfg.Store.DSN); err != nil {
			return nil, err
		}
		st, err = store.NewLibSQLStore(cfg.Store.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}
	return st, nil
}

// ensureDir creates the parent directory of a local libSQL file DSN.
func ensureDir(dsn string) error {
	path, ok := strings.CutPrefix(dsn, "file:")
	if !ok || path == "" || strings.Contains(path, "://") {
		return nil
	}
	path, _, _ = strings.Cut(path, "?")
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}
