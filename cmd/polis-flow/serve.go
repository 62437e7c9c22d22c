package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/flows"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *globalOptions) *cobra.Command {
	var (
		addr        string
		triggerOnce bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run API and reload the pipeline when the config file changes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if opts.configPath != "" {
				provider, err := config.NewFileConfigProvider(opts.configPath, flows.Pipelines,
					config.WithLogger(a.logger),
					config.WithReloadHook(a.metrics.RecordConfigReload),
				)
				if err != nil {
					return err
				}
				defer func() {
					if err := provider.Close(); err != nil {
						a.logger.Error("failed to close config provider", "error", err)
					}
				}()
				go watchConfig(ctx, provider, a.executor.Registry(), a.logger)
			}

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			handler := engine.NewRunHandler(engine.RunHandlerConfig{
				Runner:     a.executor,
				Store:      a.store,
				PipelineID: flows.UserProcessingID,
				Metrics:    a.metrics,
				Logger:     a.logger,
			})

			if triggerOnce {
				go fireOnceTriggers(ctx, a, handler)
			}

			return serve(ctx, addr, handler, a.logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Address to listen on (overrides server.address)")
	cmd.Flags().BoolVar(&triggerOnce, "trigger-once", true, "Start @once pipelines that have no successful run yet")
	return cmd
}

// watchConfig swaps the registered pipelines whenever the provider publishes a
// new snapshot. Runs already in flight keep the graph they started with.
func watchConfig(ctx context.Context, provider domain.ConfigService, registry *engine.PipelineRegistry, logger *slog.Logger) {
	updates := provider.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case snapshot := <-updates:
			if err := registry.UpdatePipelines(ctx, snapshot.Pipelines); err != nil {
				logger.Error("failed to update pipelines", "generation", snapshot.Generation, "error", err)
				continue
			}
			logger.Info("pipelines updated", "generation", snapshot.Generation, "count", len(snapshot.Pipelines))
		}
	}
}

// fireOnceTriggers starts every @once pipeline under the handler's run lock, so
// it never overlaps a run requested over HTTP.
func fireOnceTriggers(ctx context.Context, a *app, handler *engine.RunHandler) {
	for _, pipeline := range a.executor.Registry().List() {
		if !engine.IsOnce(&pipeline) {
			continue
		}
		trigger := engine.NewOnceTrigger(a.executor, a.store, pipeline.ID, a.logger)
		handler.Exclusive(func() {
			if _, _, err := trigger.Fire(ctx); err != nil {
				a.logger.Error("@once run failed", "pipeline_id", pipeline.ID, "error", err)
			}
		})
	}
}

func serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	// No write timeout: POST /runs answers only when the run has finished.
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("server listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return err
	}
	return nil
}
