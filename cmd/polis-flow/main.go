// Package main is the entry point for the polis-flow binary.
// It runs the user-processing pipeline once, simulates it against a payload,
// or serves the run API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"

	"github.com/polisai/polis-flow/pkg/alerting"
	"github.com/polisai/polis-flow/pkg/config"
	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/polisai/polis-flow/pkg/flows"
	"github.com/polisai/polis-flow/pkg/logging"
	"github.com/polisai/polis-flow/pkg/storage"
	"github.com/polisai/polis-flow/pkg/telemetry"
	"github.com/spf13/cobra"
)

// globalOptions holds the flags shared by every subcommand.
type globalOptions struct {
	configPath string
	envFiles   []string
	logLevel   string
	pretty     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for polis-flow
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "polis-flow",
		Short: "Run the user-processing pipeline",
		Long: `polis-flow waits for the user API, fetches one user, flattens the record,
routes it by age and stores it in the group_a or group_b output file.

Example:
  polis-flow run --config config/polis-flow.yaml
  polis-flow simulate --payload user.json`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env"}, "Dotenv files loaded before the configuration")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().BoolVar(&opts.pretty, "pretty", false, "Enable pretty console logging")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newSimulateCmd(opts),
		newServeCmd(opts),
		newHistoryCmd(opts),
		newGraphCmd(opts),
	)
	return rootCmd
}

// app bundles the components every subcommand needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    storage.RunStore
	metrics  *telemetry.Metrics
	executor *engine.DAGExecutor

	shutdownTelemetry func(context.Context) error
}

func newApp(ctx context.Context, cmd *cobra.Command, opts *globalOptions) (*app, error) {
	if err := config.LoadDotEnv(opts.envFiles...); err != nil {
		return nil, err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	logger := logging.SetupLogger(logging.Config{
		Level:  level,
		Pretty: opts.pretty || cfg.Logging.Format == "text",
		Output: cmd.ErrOrStderr(),
	})

	shutdown, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "polis-flow",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := storage.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		_ = shutdown(ctx)
		return nil, fmt.Errorf("run history: %w", err)
	}

	metrics := telemetry.NewMetrics()
	executor := engine.NewDAGExecutor(engine.DAGExecutorConfig{
		Logger:   logger,
		Store:    store,
		Notifier: newNotifier(cfg, logger),
		Metrics:  metrics,
		Timeouts: cfg.Defaults.TimeoutConfig(),
	})

	a := &app{
		cfg:               cfg,
		logger:            logger,
		store:             store,
		metrics:           metrics,
		executor:          executor,
		shutdownTelemetry: shutdown,
	}

	pipelines, err := flows.Pipelines(cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := executor.Registry().UpdatePipelines(ctx, pipelines); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) close(ctx context.Context) {
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close run history", "error", err)
	}
	if err := a.shutdownTelemetry(context.WithoutCancel(ctx)); err != nil {
		a.logger.Error("failed to flush telemetry", "error", err)
	}
}

// newNotifier always logs alerts and additionally e-mails them when an SMTP relay is configured.
func newNotifier(cfg *config.Config, logger *slog.Logger) alerting.Notifier {
	notifiers := alerting.MultiNotifier{alerting.NewLogNotifier(logger)}
	if cfg.Alerting.SMTP.Host != "" {
		notifiers = append(notifiers, alerting.NewSMTPNotifier(alerting.SMTPConfig{
			Host:     cfg.Alerting.SMTP.Host,
			Port:     cfg.Alerting.SMTP.Port,
			Username: cfg.Alerting.SMTP.Username,
			Password: cfg.Alerting.SMTP.Password,
			From:     cfg.Alerting.SMTP.From,
		}, smtp.SendMail))
	}
	return notifiers
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		pipelineID string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once and print the run record",
		Long: `Run executes the pipeline in the foreground. A pipeline scheduled @once is
skipped when the run history already holds a successful run, unless --force is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			pipeline, err := a.executor.Registry().Get(pipelineID)
			if err != nil {
				return err
			}

			var record *domain.RunRecord
			var runErr error
			if engine.IsOnce(pipeline) && !force {
				var fired bool
				record, fired, runErr = engine.NewOnceTrigger(a.executor, a.store, pipelineID, a.logger).Fire(ctx)
				if runErr == nil && !fired {
					fmt.Fprintf(cmd.ErrOrStderr(), "pipeline %s already completed in run %s; use --force to run again\n", pipelineID, record.ID)
				}
			} else {
				record, runErr = a.executor.Run(ctx, pipelineID, engine.RunOptions{Trigger: engine.TriggerManual})
			}

			if record != nil {
				if err := printJSON(cmd.OutOrStdout(), record); err != nil {
					return err
				}
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", flows.UserProcessingID, "Pipeline to run")
	cmd.Flags().BoolVar(&force, "force", false, "Run even if an @once pipeline already completed")
	return cmd
}

func newSimulateCmd(opts *globalOptions) *cobra.Command {
	var (
		pipelineID  string
		payloadPath string
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Trace the pipeline against a payload without side effects",
		Long: `Simulate feeds the payload to the pipeline as if the user API had returned it.
Nothing is fetched, written, persisted or alerted. Use --payload - to read stdin.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			payload, err := readPayload(cmd.InOrStdin(), payloadPath)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			resp, simErr := engine.NewSimulator(a.executor, a.logger).Simulate(ctx, pipelineID, payload)
			if resp != nil {
				if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
			}
			return simErr
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", flows.UserProcessingID, "Pipeline to simulate")
	cmd.Flags().StringVarP(&payloadPath, "payload", "p", "", "JSON file holding the API response body")
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func readPayload(stdin io.Reader, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	//nolint:gosec // payload path is supplied by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	return data, nil
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var (
		pipelineID string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs or show one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if len(args) == 1 {
				record, err := a.store.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), record)
			}

			runs, err := a.store.ListRuns(ctx, pipelineID, limit)
			if err != nil {
				return err
			}
			return writeRunTable(cmd.OutOrStdout(), runs)
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", "", "Only list runs of this pipeline")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of runs to list (0 lists all)")
	return cmd
}

func newGraphCmd(opts *globalOptions) *cobra.Command {
	var pipelineID string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the pipeline nodes in execution order with their edges",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cmd, opts)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			pipeline, err := a.executor.Registry().Get(pipelineID)
			if err != nil {
				return err
			}
			order, err := a.executor.Registry().Order(pipelineID)
			if err != nil {
				return err
			}
			return writeGraph(cmd.OutOrStdout(), pipeline, order)
		},
	}

	cmd.Flags().StringVar(&pipelineID, "pipeline", flows.UserProcessingID, "Pipeline to print")
	return cmd
}
