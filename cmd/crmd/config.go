package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/connorprovines-code/headless-crm/internal/dispatch"
	"github.com/connorprovines-code/headless-crm/internal/llm"
	"github.com/connorprovines-code/headless-crm/internal/tools"
)

// Config holds all crmd configuration.
// Priority: flags > CRM_* env vars > crm.yaml > defaults.
type Config struct {
	Store struct {
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`
	Engine struct {
		RunTimeout  time.Duration `mapstructure:"run_timeout"`
		CallTimeout time.Duration `mapstructure:"call_timeout"`
	} `mapstructure:"engine"`
	Dispatch struct {
		EmitMode     string `mapstructure:"emit_mode"`
		MaxEmitDepth int    `mapstructure:"max_emit_depth"`
	} `mapstructure:"dispatch"`
	Sweep struct {
		Schedule    string `mapstructure:"schedule"`
		BatchSize   int    `mapstructure:"batch_size"`
		Concurrency int    `mapstructure:"concurrency"`
	} `mapstructure:"sweep"`
	HTTP struct {
		Addr          string `mapstructure:"addr"`
		WebhookSecret string `mapstructure:"webhook_secret"`
	} `mapstructure:"http"`
	LLM struct {
		APIKey            string     `mapstructure:"api_key"`
		BaseURL           string     `mapstructure:"base_url"`
		Models            llm.Models `mapstructure:"models"`
		RequestsPerSecond float64    `mapstructure:"requests_per_second"`
	} `mapstructure:"llm"`
	Tools struct {
		NotifyURL string `mapstructure:"notify_url"`
	} `mapstructure:"tools"`
	Enrichment struct {
		Providers []tools.ProviderConfig `mapstructure:"providers"`
	} `mapstructure:"enrichment"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	models := llm.DefaultModels()

	v.SetDefault("store.driver", "libsql")
	v.SetDefault("store.dsn", "file:"+filepath.Join(crmDir(), "crm.db"))
	v.SetDefault("engine.run_timeout", 5*time.Minute)
	v.SetDefault("engine.call_timeout", 30*time.Second)
	v.SetDefault("dispatch.emit_mode", string(dispatch.EmitQueue))
	v.SetDefault("dispatch.max_emit_depth", dispatch.DefaultMaxEmitDepth)
	v.SetDefault("sweep.schedule", dispatch.DefaultSweepSchedule)
	v.SetDefault("sweep.batch_size", dispatch.DefaultSweepBatchSize)
	v.SetDefault("sweep.concurrency", dispatch.DefaultSweepConcurrency)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.webhook_secret", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.models.fast", models.Fast)
	v.SetDefault("llm.models.standard", models.Standard)
	v.SetDefault("llm.models.deep", models.Deep)
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("tools.notify_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

func crmDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".headless-crm"
	}
	return filepath.Join(home, ".config", "headless-crm")
}

// loadConfig reads crm.yaml (or the file at path) and the environment into a
// Config. A missing default config file is not an error.
func loadConfig(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("crm")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(crmDir())
		v.AddConfigPath("/etc/headless-crm")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("CRM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", "CRM_LLM_API_KEY", "ANTHROPIC_API_KEY"); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if _, err := dispatch.ParseEmitMode(cfg.Dispatch.EmitMode); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "libsql", "postgres", "memory":
	default:
		return nil, fmt.Errorf("unknown store driver %q (want libsql, postgres or memory)", cfg.Store.Driver)
	}
	return &cfg, nil
}
