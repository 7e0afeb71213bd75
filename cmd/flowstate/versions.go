package main

import (
	"context"
	"fmt"
	"time"

	cli "github.com/urfave/cli/v3"
)

func NewVersionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "versions",
		Usage: "Show one flow's version history",
		Flags: append(engineFlags(), identityFlags()...),
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			versions, err := engine.Manager.Versions(ctx, flowID, tenantID)
			if err != nil {
				return fmt.Errorf("failed to list versions: %w", err)
			}

			fmt.Printf("Version History: %s (tenant: %s)\n", flowID, tenantID)
			fmt.Println("================")

			for _, version := range versions {
				fmt.Printf("  v%-6d %-16s %-12s %s\n",
					version.Version, version.Phase, version.Status, version.CreatedAt.Format(time.RFC3339))
			}

			fmt.Printf("\nTotal versions: %d\n", len(versions))

			return nil
		},
	}
}
