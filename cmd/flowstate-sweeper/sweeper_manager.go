package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/manager"
	"github.com/flowstate-dev/flowstate/pkg/recovery"
	"github.com/flowstate-dev/flowstate/pkg/store"
)

// SweepConfig controls what one sweep pass touches.
type SweepConfig struct {
	Schedule       string
	Retain         time.Duration
	TenantID       string
	DeleteTerminal bool
	RecoverFailed  bool
}

// SweeperManager periodically rescues failed flows and prunes the history of
// terminal ones. A terminal flow left untouched past the retain window gets a
// final checkpoint and its version history cut down, and is deleted entirely
// when the manager is configured to.
type SweeperManager struct {
	id       string
	store    store.Store
	cleaner  manager.Cleaner
	recovery *recovery.Engine
	config   SweepConfig
	cron     *cron.Cron
	logger   *slog.Logger
}

func NewSweeperManager(
	id string,
	st store.Store,
	cleaner manager.Cleaner,
	recoveryEngine *recovery.Engine,
	config SweepConfig,
	logger *slog.Logger,
) *SweeperManager {
	return &SweeperManager{
		id:       id,
		store:    st,
		cleaner:  cleaner,
		recovery: recoveryEngine,
		config:   config,
		logger:   logger.With("module", "flowstate-sweeper", "sweeper_id", id),
	}
}

// Start schedules sweep passes and blocks until a shutdown signal arrives.
func (sm *SweeperManager) Start(ctx context.Context) error {
	smCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sm.logger.InfoContext(smCtx, "Starting sweeper manager",
		"schedule", sm.config.Schedule, "retain", sm.config.Retain.String())

	sm.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := sm.cron.AddFunc(sm.config.Schedule, func() { sm.Sweep(smCtx) }); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	sm.cron.Start()
	sm.signals(smCtx, cancel)

	<-smCtx.Done()
	sm.logger.Info("Sweeper manager stopped")

	return nil
}

func (sm *SweeperManager) signals(ctx context.Context, cancel context.CancelFunc) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		for sig := range signals {
			sm.logger.InfoContext(ctx, "Received signal", "signal", sig)

			switch sig {
			case syscall.SIGHUP:
				sm.logger.InfoContext(ctx, "Running sweep now...")

				go sm.Sweep(ctx)
			case syscall.SIGINT, syscall.SIGTERM:
				sm.logger.InfoContext(ctx, "Shutting down gracefully...")
				sm.stop(cancel)

				return
			default:
				sm.logger.WarnContext(ctx, "Unhandled signal received", "signal", sig)
			}
		}
	}()
}

// stop waits for the running sweep, if any, before releasing Start.
func (sm *SweeperManager) stop(cancel context.CancelFunc) {
	<-sm.cron.Stop().Done()
	cancel()
}

// Sweep runs one pass: rescue failed flows first, then prune terminal flows
// that fell out of the retain window.
func (sm *SweeperManager) Sweep(ctx context.Context) {
	started := time.Now()

	if sm.config.RecoverFailed {
		results, err := sm.recovery.Sweep(ctx, sm.config.TenantID)
		if err != nil {
			sm.logger.ErrorContext(ctx, "Recovery sweep failed", "error", err)
		} else if len(results) > 0 {
			sm.logger.InfoContext(ctx, "Recovered failed flows", "count", len(results))
		}
	}

	refs, err := sm.store.ListFlows(ctx, sm.config.TenantID)
	if err != nil {
		sm.logger.ErrorContext(ctx, "Failed to list flows", "error", err)

		return
	}

	cutoff := started.Add(-sm.config.Retain)

	var prunedVersions int64

	cleaned, deleted, failed := 0, 0, 0

	for _, ref := range refs {
		if !sm.eligible(ref, cutoff) {
			continue
		}

		result, err := sm.cleaner.Cleanup(ctx, ref.FlowID, ref.TenantID, sm.config.DeleteTerminal)
		if err != nil {
			sm.logger.WarnContext(ctx, "Cleanup failed",
				"flow_id", ref.FlowID, "tenant_id", ref.TenantID, "error", err)

			failed++

			continue
		}

		cleaned++
		prunedVersions += result.RemovedVersions

		if result.Deleted {
			deleted++
		}
	}

	sm.logger.InfoContext(ctx, "Sweep finished",
		"flows", len(refs),
		"cleaned", cleaned,
		"pruned_versions", prunedVersions,
		"deleted", deleted,
		"failed", failed,
		"elapsed", time.Since(started).String())
}

// eligible reports whether a flow is terminal and idle past the retain window.
func (sm *SweeperManager) eligible(ref flow.FlowRef, cutoff time.Time) bool {
	return ref.Status.Terminal() && !ref.UpdatedAt.After(cutoff)
}
