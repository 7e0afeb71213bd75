package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/flowstate-dev/flowstate/pkg/flow"
)

func NewTransitionCommand() *cli.Command {
	flags := append(engineFlags(), identityFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:     "target",
			Usage:    "Phase to transition the flow into",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "Skip the transition graph check (structural validation still runs)",
		})

	return &cli.Command{
		Name:  "transition",
		Usage: "Move one flow to another phase",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			state, version, err := engine.Manager.TransitionPhase(ctx, flowID, tenantID,
				flow.Phase(command.String("target")), command.Bool("force"))
			if err != nil {
				return fmt.Errorf("transition failed: %w", err)
			}

			fmt.Printf("Flow %s (tenant: %s) is now in phase %s (%.0f%%) at version %d\n",
				flowID, tenantID, state.CurrentPhase, state.CurrentPhase.Progress(), version)

			return nil
		},
	}
}
