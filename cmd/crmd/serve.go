package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/connorprovines-code/headless-crm/internal/api"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(root *rootCommand) *cobra.Command {
	var (
		addr    string
		noSweep bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP intake and the background sweeper",
		Long: `serve drains the event backlog, then accepts webhook deliveries on
/v1/events and sweeps unprocessed events on the configured schedule until
interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = root.cfg.HTTP.Addr
			}
			return root.withApp(cmd, func(a *app) error {
				return serve(cmd.Context(), a, addr, !noSweep)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from http.addr)")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not sweep unprocessed events")
	return cmd
}

func serve(ctx context.Context, a *app, addr string, sweep bool) error {
	log := a.logger

	srv := api.NewServer(api.Deps{
		Store:         a.store,
		Dispatcher:    a.dispatcher,
		Validator:     a.validator,
		WebhookSecret: a.cfg.HTTP.WebhookSecret,
		Logger:        log,
	})
	if a.cfg.HTTP.WebhookSecret == "" {
		log.Warn("http.webhook_secret is empty; /v1 is unauthenticated")
	}

	g, gctx := errgroup.WithContext(ctx)
	if sweep {
		sweeper, err := a.newSweeper()
		if err != nil {
			return err
		}
		defer sweeper.Stop()
		// Recovery runs beside the intake so a large backlog never delays
		// listening.
		g.Go(func() error {
			if _, err := sweeper.RecoverBacklog(gctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("backlog recovery failed", "error", err)
			}
			if gctx.Err() != nil {
				return nil
			}
			return sweeper.Start(gctx)
		})
	}
	g.Go(func() error {
		return srv.Start(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
