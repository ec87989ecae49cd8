package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/connorprovines-code/headless-crm/internal/logging"
)

// rootCommand carries the state resolved before any subcommand runs.
type rootCommand struct {
	cmd *cobra.Command
	v   *viper.Viper

	configPath string
	cfg        *Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	root := &rootCommand{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "crmd",
		Short: "Headless CRM workflow engine",
		Long: `crmd runs the event-driven agent workflows of the headless CRM.

Record events arrive over the webhook intake (or the sweeper picks them up
from the events table), are matched to active workflow definitions and run
step by step with a full audit trail.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: root.persistentPreRunE,
	}

	pflags := cmd.PersistentFlags()
	pflags.StringVar(&root.configPath, "config", "", "config file (default: ./crm.yaml, ~/.config/headless-crm/crm.yaml, /etc/headless-crm/crm.yaml)")
	pflags.String("log-level", "", "log level: debug, info, warn, error")
	pflags.String("log-format", "", "log format: text, json")
	pflags.String("store-driver", "", "store backend: libsql, postgres, memory")
	pflags.String("store-dsn", "", "store connection string")

	_ = root.v.BindPFlag("log.level", pflags.Lookup("log-level"))
	_ = root.v.BindPFlag("log.format", pflags.Lookup("log-format"))
	_ = root.v.BindPFlag("store.driver", pflags.Lookup("store-driver"))
	_ = root.v.BindPFlag("store.dsn", pflags.Lookup("store-dsn"))

	root.cmd = cmd
	cmd.AddCommand(
		newServeCommand(root),
		newDispatchCommand(root),
		newSweepCommand(root),
		newMigrateCommand(root),
		newSeedCommand(root),
		newValidateCommand(root),
		newRunsCommand(root),
		newMCPCommand(root),
		newVersionCommand(),
	)
	return cmd
}

func (r *rootCommand) persistentPreRunE(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(r.v, r.configPath)
	if err != nil {
		return err
	}
	r.cfg = cfg
	// Logs go to stderr so command output on stdout stays machine readable.
	r.logger = logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(r.logger)
	return nil
}

// withApp opens the engine, runs fn and closes it.
func (r *rootCommand) withApp(cmd *cobra.Command, fn func(a *app) error) error {
	a, err := openApp(cmd.Context(), r.cfg, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			r.logger.Warn("close store", "error", err)
		}
	}()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
