package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/flowstate-dev/flowstate/pkg/cmd"
	"github.com/flowstate-dev/flowstate/pkg/config"
	"github.com/flowstate-dev/flowstate/pkg/log"
	"github.com/flowstate-dev/flowstate/pkg/metrics"
	"github.com/flowstate-dev/flowstate/pkg/otelhelper"
)

func main() {
	command := &cli.Command{
		Name:                  "flowstate-sweeper",
		Usage:                 "Start the flow state sweeper service",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "sweeper-id",
				Aliases: []string{"id"},
				Usage:   "Custom sweeper ID (auto-generated if not provided)",
				Value:   "",
				Sources: cli.EnvVars("SWEEPER_ID"),
			},
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Sources: cli.EnvVars("FLOWSTATE_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL for flow state persistence",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "schedule",
				Usage:   "Cron expression for sweep passes",
				Value:   "@hourly",
				Sources: cli.EnvVars("SWEEP_SCHEDULE"),
			},
			&cli.StringFlag{
				Name:    "retain",
				Usage:   "How long terminal flows are kept before pruning",
				Value:   "720h",
				Sources: cli.EnvVars("SWEEP_RETAIN"),
			},
			&cli.StringFlag{
				Name:    "tenant-id",
				Usage:   "Limit sweeping to one tenant",
				Sources: cli.EnvVars("SWEEP_TENANT"),
			},
			&cli.BoolFlag{
				Name:    "delete-terminal",
				Usage:   "Delete terminal flows instead of only pruning their history",
				Sources: cli.EnvVars("SWEEP_DELETE_TERMINAL"),
			},
			&cli.BoolFlag{
				Name:    "recover-failed",
				Usage:   "Rescue failed flows before pruning",
				Value:   true,
				Sources: cli.EnvVars("SWEEP_RECOVER_FAILED"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port for the Prometheus metrics endpoint (0 disables it)",
				Value:   9090,
				Sources: cli.EnvVars("METRICS_PORT"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OpenTelemetry traces for engine operations",
				Sources: cli.EnvVars("TRACING_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			sweeperID := command.String("sweeper-id")
			if sweeperID == "" {
				sweeperID = fmt.Sprintf("sweeper-%s", uuid.New().String()[:8])
			}

			logger := log.NewLogger(command.String("log-level"))
			logger.Info("Initializing flow state sweeper", "sweeper_id", sweeperID)

			retain, err := time.ParseDuration(command.String("retain"))
			if err != nil {
				return fmt.Errorf("invalid retain duration: %w", err)
			}

			cfg, err := config.LoadOrDefault(command.String("config"))
			if err != nil {
				return err
			}

			if dsn := command.String("database-url"); dsn != "" {
				cfg.Store.DSN = dsn
			}

			if err := cfg.Validate(); err != nil {
				return err
			}

			var tracer trace.Tracer

			if command.Bool("tracing") {
				provider, err := otelhelper.NewTracerProvider(ctx, "flowstate-sweeper")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}

				defer func() {
					if err := provider.Shutdown(ctx); err != nil {
						logger.Error("Failed to shutdown tracer provider", "error", err)
					}
				}()

				tracer = provider.Tracer("flowstate-sweeper")
			}

			registry := prometheus.NewRegistry()
			met := metrics.New(registry)

			engine, err := cmd.NewEngine(ctx, cfg, logger, met, tracer)
			if err != nil {
				return err
			}

			defer func() {
				if err := engine.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close engine", "error", err)
				}
			}()

			if port := command.Int("metrics-port"); port > 0 {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

				go func() {
					addr := fmt.Sprintf(":%d", port)
					logger.Info("Serving metrics", "addr", addr)

					if err := http.ListenAndServe(addr, mux); err != nil {
						logger.Error("Metrics server stopped", "error", err)
					}
				}()
			}

			return NewSweeperManager(
				sweeperID,
				engine.Store,
				engine.Manager,
				engine.Recovery,
				SweepConfig{
					Schedule:       command.String("schedule"),
					Retain:         retain,
					TenantID:       command.String("tenant-id"),
					DeleteTerminal: command.Bool("delete-terminal"),
					RecoverFailed:  command.Bool("recover-failed"),
				},
				logger,
			).Start(ctx)
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
