package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

func NewCleanupCommand() *cli.Command {
	flags := append(engineFlags(), identityFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:  "delete-terminal",
			Usage: "Delete the flow entirely when it reached a terminal status",
		})

	return &cli.Command{
		Name:  "cleanup",
		Usage: "Checkpoint and prune one flow's stored history",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			result, err := engine.Manager.Cleanup(ctx, flowID, tenantID, command.Bool("delete-terminal"))
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}

			fmt.Printf("Cleaned up flow %s (tenant: %s)\n", flowID, tenantID)
			fmt.Printf("  Checkpoint: %s\n", result.CheckpointID)
			fmt.Printf("  Removed versions: %d\n", result.RemovedVersions)
			fmt.Printf("  Deleted: %t\n", result.Deleted)

			return nil
		},
	}
}
