// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowstate-dev/flowstate/pkg/config"
	"github.com/flowstate-dev/flowstate/pkg/store"
	filestore "github.com/flowstate-dev/flowstate/pkg/store/file"
	"github.com/flowstate-dev/flowstate/pkg/store/memory"
	"github.com/flowstate-dev/flowstate/pkg/store/postgres"
	"github.com/flowstate-dev/flowstate/pkg/store/sqlite"
)

// NewStore builds the backend selected by the DSN scheme.
func NewStore(ctx context.Context, logger *slog.Logger, cfg config.Config) (store.Store, error) {
	retention := store.Retention{
		Checkpoints: cfg.Retention.Checkpoints,
		Archives:    cfg.Retention.Archives,
	}

	switch driver := cfg.Store.Driver(); driver {
	case "postgres":
		return postgres.NewStore(ctx, logger, cfg.Store.DSN, retention)
	case "sqlite":
		return sqlite.NewStore(ctx, logger, cfg.Store.DSN, retention)
	case "file":
		return filestore.NewStore(cfg.Store.DSN, retention), nil
	case "memory":
		return memory.NewStore(retention), nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}
}
