package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

func NewRecoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "recover",
		Usage: "Run the recovery ladder for one flow",
		Flags: append(engineFlags(), identityFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			result, err := engine.Manager.Recover(ctx, flowID, tenantID)
			if err != nil {
				return fmt.Errorf("recovery failed: %w", err)
			}

			fmt.Printf("Recovery Result: %s (tenant: %s)\n", flowID, tenantID)
			fmt.Println("================")
			fmt.Printf("  Outcome: %s\n", result.Outcome)
			fmt.Printf("  Version: %d\n", result.Version)

			if result.CheckpointID != "" {
				fmt.Printf("  Checkpoint: %s\n", result.CheckpointID)
			}

			if result.Detail != "" {
				fmt.Printf("  Detail: %s\n", result.Detail)
			}

			return nil
		},
	}
}
