package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cli "github.com/urfave/cli/v3"
)

func NewInspectCommand() *cli.Command {
	flags := append(engineFlags(), identityFlags()...)
	flags = append(flags,
		&cli.BoolFlag{
			Name:  "checkpoints",
			Usage: "Include the stored checkpoint ring in the output",
		})

	return &cli.Command{
		Name:  "inspect",
		Usage: "Show one flow's current state document",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			state, version, err := engine.Manager.Load(ctx, flowID, tenantID)
			if err != nil {
				return fmt.Errorf("failed to load flow: %w", err)
			}

			fmt.Printf("Flow: %s (tenant: %s)\n", flowID, tenantID)
			fmt.Printf("Phase: %s (%.0f%%)\n", state.CurrentPhase, state.CurrentPhase.Progress())
			fmt.Printf("Status: %s\n", state.Status)
			fmt.Printf("Version: %d\n", version)
			fmt.Printf("Errors: %d, Warnings: %d\n", len(state.Errors), len(state.Warnings))

			doc, err := json.MarshalIndent(state, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render state: %w", err)
			}

			fmt.Printf("\n%s\n", doc)

			if command.Bool("checkpoints") {
				checkpoints, err := engine.Store.Checkpoints(ctx, flowID, tenantID)
				if err != nil {
					return fmt.Errorf("failed to list checkpoints: %w", err)
				}

				fmt.Println("\nCheckpoints:")
				fmt.Println("============")

				for _, checkpoint := range checkpoints {
					fmt.Printf("  - %s  phase=%s  created=%s\n",
						checkpoint.ID, checkpoint.Phase, checkpoint.CreatedAt.Format(time.RFC3339))
				}
			}

			return nil
		},
	}
}
