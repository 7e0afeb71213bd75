package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowstate",
		Usage:                 "Inspect and manage persisted flow state",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			NewMigrateCommand(),
			NewListCommand(),
			NewInspectCommand(),
			NewVersionsCommand(),
			NewTransitionCommand(),
			NewRecoverCommand(),
			NewExportCommand(),
			NewImportCommand(),
			NewCleanupCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}
