package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/flowstate-dev/flowstate/pkg/cmd"
	"github.com/flowstate-dev/flowstate/pkg/log"
)

// NewMigrateCommand opens the configured store, which applies any pending
// schema migrations, and verifies it answers a health check.
func NewMigrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply pending store schema migrations",
		Flags: engineFlags(),
		Action: func(ctx context.Context, command *cli.Command) error {
			cfg, err := loadConfig(command)
			if err != nil {
				return err
			}

			log.Setup(cfg.LogLevel)
			logger := log.WithModule("flowstate")

			st, err := cmd.NewStore(ctx, logger, cfg)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}

			defer func() {
				if err := st.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close store", "error", err)
				}
			}()

			if err := st.HealthCheck(ctx); err != nil {
				return fmt.Errorf("store health check failed: %w", err)
			}

			fmt.Println("Store schema is up to date.")

			return nil
		},
	}
}
