package main

import (
	"context"
	"log/slog"

	cli "github.com/urfave/cli/v3"

	"github.com/flowstate-dev/flowstate/pkg/cmd"
	"github.com/flowstate-dev/flowstate/pkg/config"
	"github.com/flowstate-dev/flowstate/pkg/log"
)

// engineFlags are shared by every subcommand that opens the engine.
func engineFlags() []cli.Flag {
	return []cli.Flag{
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
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("LOG_LEVEL"),
		},
	}
}

// identityFlags select the flow a subcommand operates on.
func identityFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "flow-id",
			Usage:    "Flow identifier",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "tenant-id",
			Usage:    "Tenant identifier",
			Required: true,
		},
	}
}

// loadConfig reads the configuration file when one is given and applies the
// command-line overrides on top.
func loadConfig(command *cli.Command) (config.Config, error) {
	cfg, err := config.LoadOrDefault(command.String("config"))
	if err != nil {
		return config.Config{}, err
	}

	if dsn := command.String("database-url"); dsn != "" {
		cfg.Store.DSN = dsn
	}

	if level := command.String("log-level"); level != "" {
		cfg.LogLevel = level
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	return cfg, nil
}

// openEngine loads configuration, sets up logging, and assembles the full
// engine. The caller closes it through closeEngine.
func openEngine(ctx context.Context, command *cli.Command) (*cmd.Engine, *slog.Logger, error) {
	cfg, err := loadConfig(command)
	if err != nil {
		return nil, nil, err
	}

	log.Setup(cfg.LogLevel)
	logger := log.WithModule("flowstate")

	engine, err := cmd.NewEngine(ctx, cfg, logger, nil, nil)
	if err != nil {
		return nil, nil, err
	}

	return engine, logger, nil
}

func closeEngine(ctx context.Context, engine *cmd.Engine, logger *slog.Logger) {
	if err := engine.Close(ctx); err != nil {
		logger.ErrorContext(ctx, "Failed to close engine", "error", err)
	}
}
