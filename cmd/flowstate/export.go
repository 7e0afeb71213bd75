package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func NewExportCommand() *cli.Command {
	flags := append(engineFlags(), identityFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Dump format (json, yaml)",
			Value:   "json",
		},
		&cli.BoolFlag{
			Name:  "include-sensitive",
			Usage: "Export sensitive fields as plaintext instead of sealed envelopes",
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "Write the dump to a file instead of stdout",
		})

	return &cli.Command{
		Name:  "export",
		Usage: "Export one flow as a portable dump",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			blob, err := engine.Manager.Export(ctx, flowID, tenantID,
				command.String("format"), command.Bool("include-sensitive"))
			if err != nil {
				return fmt.Errorf("failed to export flow: %w", err)
			}

			if output := command.String("output"); output != "" {
				if err := os.WriteFile(output, blob, 0o600); err != nil {
					return fmt.Errorf("failed to write dump: %w", err)
				}

				logger.InfoContext(ctx, "Exported flow",
					"flow_id", flowID, "tenant_id", tenantID, "output", output, "bytes", len(blob))

				return nil
			}

			_, err = os.Stdout.Write(blob)

			return err
		},
	}
}
