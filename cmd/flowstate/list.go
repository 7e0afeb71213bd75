package main

import (
	"context"
	"fmt"
	"time"

	cli "github.com/urfave/cli/v3"
)

func NewListCommand() *cli.Command {
	flags := append(engineFlags(),
		&cli.StringFlag{
			Name:  "tenant-id",
			Usage: "Limit the listing to one tenant",
		})

	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List persisted flows",
		Flags:   flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			refs, err := engine.Manager.ListFlows(ctx, command.String("tenant-id"))
			if err != nil {
				return fmt.Errorf("failed to list flows: %w", err)
			}

			fmt.Println("Persisted Flows:")
			fmt.Println("================")

			for _, ref := range refs {
				fmt.Printf("\nFlow: %s (tenant: %s)\n", ref.FlowID, ref.TenantID)
				fmt.Printf("  Phase: %s (%.0f%%)\n", ref.Phase, ref.Phase.Progress())
				fmt.Printf("  Status: %s\n", ref.Status)
				fmt.Printf("  Version: %d\n", ref.Version)
				fmt.Printf("  Updated: %s\n", ref.UpdatedAt.Format(time.RFC3339))
			}

			fmt.Printf("\nTotal flows: %d\n", len(refs))

			return nil
		},
	}
}
