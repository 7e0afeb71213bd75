package main

import (
	"context"
	"fmt"
	"io"
	"os"

	cli "github.com/urfave/cli/v3"
)

func NewImportCommand() *cli.Command {
	flags := append(engineFlags(), identityFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"f"},
			Usage:   "Dump format (json, yaml)",
			Value:   "json",
		},
		&cli.StringFlag{
			Name:    "input",
			Aliases: []string{"i"},
			Usage:   "Read the dump from a file instead of stdin",
		})

	return &cli.Command{
		Name:  "import",
		Usage: "Import a dump as a new flow",
		Flags: flags,
		Action: func(ctx context.Context, command *cli.Command) error {
			blob, err := readDump(command.String("input"))
			if err != nil {
				return err
			}

			engine, logger, err := openEngine(ctx, command)
			if err != nil {
				return err
			}
			defer closeEngine(ctx, engine, logger)

			flowID := command.String("flow-id")
			tenantID := command.String("tenant-id")

			state, version, err := engine.Manager.Import(ctx, flowID, tenantID, blob, command.String("format"))
			if err != nil {
				return fmt.Errorf("failed to import flow: %w", err)
			}

			fmt.Printf("Imported flow %s (tenant: %s) at version %d, phase %s\n",
				flowID, tenantID, version, state.CurrentPhase)

			return nil
		},
	}
}

func readDump(path string) ([]byte, error) {
	if path == "" {
		blob, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read dump from stdin: %w", err)
		}

		return blob, nil
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dump: %w", err)
	}

	return blob, nil
}
