// Package recovery restores failed flows from checkpoints, repairs corrupted
// state documents, and resets flows whose state cannot be salvaged.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/flowstate-dev/flowstate/pkg/flow"
	"github.com/flowstate-dev/flowstate/pkg/store"
	"github.com/flowstate-dev/flowstate/pkg/validation"
)

// Outcome names the recovery path that was taken.
type Outcome string

const (
	// OutcomeNone means the flow status required no recovery.
	OutcomeNone Outcome = "no_recovery_needed"
	// OutcomeCheckpoint means the newest structurally valid checkpoint was
	// restored.
	OutcomeCheckpoint Outcome = "recovered_from_checkpoint"
	// OutcomeRepaired means the live document was patched back into a valid
	// shape and the flow resumed.
	OutcomeRepaired Outcome = "repaired"
	// OutcomeReset means the corrupted document was archived and the flow
	// restarted from a minimal initial state.
	OutcomeReset Outcome = "reset_to_initial"
)

// FallbackPolicy decides what happens when neither a checkpoint restore nor
// an automated repair yields a valid state.
type FallbackPolicy string

const (
	// FallbackReset archives the corrupted document and starts the flow over.
	// Workflow progress is discarded.
	FallbackReset FallbackPolicy = "reset"
	// FallbackEscalate refuses to discard progress and reports a recovery
	// error for manual intervention.
	FallbackEscalate FallbackPolicy = "escalate"
)

// Result reports which recovery path ran and what it wrote. Callers must
// inspect Outcome: a reset discards workflow progress and has to be surfaced
// to the operator.
type Result struct {
	Outcome      Outcome `json:"outcome"`
	FlowID       string  `json:"flow_id"`
	TenantID     string  `json:"tenant_id"`
	CheckpointID string  `json:"checkpoint_id,omitempty"`
	Version      int64   `json:"version,omitempty"`
	Detail       string  `json:"detail"`
}

// Engine walks the recovery ladder for one flow at a time: checkpoint restore
// first, automated repair second, then the configured fallback.
type Engine struct {
	store     store.Store
	validator *validation.Validator
	policy    FallbackPolicy
	logger    *slog.Logger
}

// NewEngine creates a recovery engine. An empty policy defaults to
// FallbackReset.
func NewEngine(st store.Store, validator *validation.Validator, policy FallbackPolicy, logger *slog.Logger) *Engine {
	if policy == "" {
		policy = FallbackReset
	}

	return &Engine{
		store:     st,
		validator: validator,
		policy:    policy,
		logger:    logger.With("component", "recovery_engine"),
	}
}

// Recover brings one failed or paused flow back to a runnable state. Saves
// along every path are unconditional: recovery is the one writer allowed to
// overwrite whatever version is stored.
func (e *Engine) Recover(ctx context.Context, flowID, tenantID string) (*Result, error) {
	state, version, err := e.store.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, err
	}

	if !needsRecovery(state.Status) {
		return &Result{
			Outcome:  OutcomeNone,
			FlowID:   flowID,
			TenantID: tenantID,
			Version:  version,
			Detail:   fmt.Sprintf("status %s does not need recovery", state.Status),
		}, nil
	}

	e.logger.InfoContext(ctx, "Recovering flow",
		"flow_id", flowID, "tenant_id", tenantID, "status", string(state.Status))

	result, err := e.restoreFromCheckpoint(ctx, flowID, tenantID, state)
	if result != nil || err != nil {
		return result, err
	}

	result, err = e.repairInPlace(ctx, flowID, tenantID, state)
	if result != nil || err != nil {
		return result, err
	}

	if e.policy == FallbackEscalate {
		return nil, store.NewError(store.KindRecovery, "Recover", flowID, tenantID,
			fmt.Errorf("%w: no valid checkpoint and automated repair failed, manual intervention required", store.ErrStateRecovery))
	}

	return e.resetToInitial(ctx, flowID, tenantID, state)
}

// Sweep recovers every failed flow visible to the store, optionally scoped to
// one tenant. Paused flows are skipped: pausing is deliberate, resuming one
// needs an explicit Recover call. One broken flow does not stop the sweep.
func (e *Engine) Sweep(ctx context.Context, tenantID string) ([]Result, error) {
	refs, err := e.store.ListFlows(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var results []Result

	for _, ref := range refs {
		if ref.Status != flow.StatusFailed {
			continue
		}

		result, err := e.Recover(ctx, ref.FlowID, ref.TenantID)
		if err != nil {
			e.logger.ErrorContext(ctx, "Sweep recovery failed",
				"flow_id", ref.FlowID, "tenant_id", ref.TenantID, "error", err)

			continue
		}

		results = append(results, *result)
	}

	return results, nil
}

// restoreFromCheckpoint scans checkpoints newest first and restores the first
// structurally valid snapshot. Invalid snapshots are skipped, never repaired.
// A nil result means no snapshot qualified.
func (e *Engine) restoreFromCheckpoint(ctx context.Context, flowID, tenantID string, state *flow.State) (*Result, error) {
	checkpoints, err := e.store.Checkpoints(ctx, flowID, tenantID)
	if err != nil {
		e.logger.WarnContext(ctx, "Checkpoint scan failed, continuing with repair",
			"flow_id", flowID, "error", err)

		return nil, nil
	}

	for i := len(checkpoints) - 1; i >= 0; i-- {
		checkpoint := checkpoints[i]
		if checkpoint.State == nil {
			continue
		}

		if err := e.validator.Validate(checkpoint.State); err != nil {
			e.logger.DebugContext(ctx, "Skipping invalid checkpoint",
				"flow_id", flowID, "checkpoint_id", checkpoint.ID, "error", err)

			continue
		}

		restored := checkpoint.State.Clone()
		restored.Status = flow.StatusRunning
		restored.AppendLog(restored.CurrentPhase, "Resumed from checkpoint", map[string]any{
			"checkpoint_id":    checkpoint.ID,
			"checkpoint_phase": string(checkpoint.Phase),
			"previous_status":  string(state.Status),
		})

		version, err := e.store.Save(ctx, flowID, tenantID, restored, restored.CurrentPhase, nil)
		if err != nil {
			return nil, err
		}

		e.logger.InfoContext(ctx, "Flow restored from checkpoint",
			"flow_id", flowID, "checkpoint_id", checkpoint.ID, "phase", string(restored.CurrentPhase))

		return &Result{
			Outcome:      OutcomeCheckpoint,
			FlowID:       flowID,
			TenantID:     tenantID,
			CheckpointID: checkpoint.ID,
			Version:      version,
			Detail:       fmt.Sprintf("restored checkpoint %s from phase %s", checkpoint.ID, checkpoint.Phase),
		}, nil
	}

	return nil, nil
}

// repairInPlace patches the live document and persists it if the patched
// form passes validation. A nil result means repair was insufficient.
func (e *Engine) repairInPlace(ctx context.Context, flowID, tenantID string, state *flow.State) (*Result, error) {
	repaired, fixes := repair(state, flowID, tenantID)

	if err := e.validator.Validate(repaired); err != nil {
		e.logger.WarnContext(ctx, "Automated repair insufficient",
			"flow_id", flowID, "error", err)

		return nil, nil
	}

	repaired.AppendLog(repaired.CurrentPhase, "Repaired corrupted state", map[string]any{
		"fixes":           fixes,
		"previous_status": string(state.Status),
	})

	version, err := e.store.Save(ctx, flowID, tenantID, repaired, repaired.CurrentPhase, nil)
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "Flow repaired",
		"flow_id", flowID, "tenant_id", tenantID, "fixes", len(fixes))

	return &Result{
		Outcome:  OutcomeRepaired,
		FlowID:   flowID,
		TenantID: tenantID,
		Version:  version,
		Detail:   fmt.Sprintf("repaired with %d fixes: %s", len(fixes), strings.Join(fixes, "; ")),
	}, nil
}

// resetToInitial archives the corrupted document and starts the flow over,
// keeping only identity and the original raw input payload.
func (e *Engine) resetToInitial(ctx context.Context, flowID, tenantID string, state *flow.State) (*Result, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, store.NewError(store.KindRecovery, "Recover", flowID, tenantID,
			fmt.Errorf("%w: marshal corrupted state for archive: %w", store.ErrStateRecovery, err))
	}

	archiveID, err := uuid.NewV7()
	if err != nil {
		return nil, store.NewError(store.KindFatal, "Recover", flowID, tenantID, err)
	}

	archive := flow.ArchivedState{
		ID:         archiveID.String(),
		Reason:     "no valid checkpoint and automated repair failed validation",
		State:      raw,
		ArchivedAt: time.Now().UTC(),
	}

	if err := e.store.ArchiveCorrupted(ctx, flowID, tenantID, archive); err != nil {
		return nil, err
	}

	fresh := flow.NewState(flowID, tenantID)
	if rawInput, ok := state.Data["raw_data"]; ok {
		fresh.Data["raw_data"] = rawInput
	}

	fresh.AppendLog(flow.PhaseInitialization, "Reset to initial state", map[string]any{
		"archive_id": archive.ID,
		"reason":     archive.Reason,
	})

	version, err := e.store.Save(ctx, flowID, tenantID, fresh, fresh.CurrentPhase, nil)
	if err != nil {
		return nil, err
	}

	e.logger.WarnContext(ctx, "Flow reset to initial state, progress discarded",
		"flow_id", flowID, "tenant_id", tenantID, "archive_id", archive.ID)

	return &Result{
		Outcome:  OutcomeReset,
		FlowID:   flowID,
		TenantID: tenantID,
		Version:  version,
		Detail:   fmt.Sprintf("archived corrupted state as %s and reset to %s", archive.ID, flow.PhaseInitialization),
	}, nil
}

// repair fills the well-known corruption shapes with safe defaults and
// resumes the flow. It deliberately fixes less than the validator checks:
// anything outside this list is not understood well enough to patch and falls
// through to the reset or escalate fallback.
func repair(state *flow.State, flowID, tenantID string) (*flow.State, []string) {
	repaired := state.Clone()

	var fixes []string

	if repaired.FlowID == "" {
		repaired.FlowID = flowID
		fixes = append(fixes, "restored missing flow_id")
	}

	if repaired.TenantID == "" {
		repaired.TenantID = tenantID
		fixes = append(fixes, "restored missing tenant_id")
	}

	if !repaired.CurrentPhase.Valid() {
		fixes = append(fixes, fmt.Sprintf("replaced unknown phase %q with %s", repaired.CurrentPhase, flow.PhaseInitialization))
		repaired.CurrentPhase = flow.PhaseInitialization
	}

	switch {
	case !repaired.Status.Valid():
		fixes = append(fixes, fmt.Sprintf("replaced unknown status %q with %s", repaired.Status, flow.StatusRunning))
	case repaired.Status != flow.StatusRunning:
		fixes = append(fixes, fmt.Sprintf("resumed %s flow as %s", repaired.Status, flow.StatusRunning))
	}

	repaired.Status = flow.StatusRunning

	if repaired.ProgressPercentage < 0 || repaired.ProgressPercentage > 100 {
		fixes = append(fixes, fmt.Sprintf("clamped out-of-range progress %.1f to 0", repaired.ProgressPercentage))
		repaired.ProgressPercentage = 0
	}

	if repaired.PhaseCompletion == nil {
		repaired.PhaseCompletion = make(map[flow.Phase]bool)
		fixes = append(fixes, "initialized nil phase_completion")
	}

	if repaired.Errors == nil {
		repaired.Errors = []flow.Entry{}
		fixes = append(fixes, "initialized nil errors")
	}

	if repaired.Warnings == nil {
		repaired.Warnings = []flow.Entry{}
		fixes = append(fixes, "initialized nil warnings")
	}

	if repaired.WorkflowLog == nil {
		repaired.WorkflowLog = []flow.LogEntry{}
		fixes = append(fixes, "initialized nil workflow_log")
	}

	if repaired.Data == nil {
		repaired.Data = make(map[string]any)
		fixes = append(fixes, "initialized nil data")
	}

	now := time.Now().UTC()

	if repaired.CreatedAt.IsZero() {
		// Align with UpdatedAt when it survived, otherwise the filled
		// value would sort after the real write times.
		if repaired.UpdatedAt.IsZero() {
			repaired.CreatedAt = now
		} else {
			repaired.CreatedAt = repaired.UpdatedAt
		}

		fixes = append(fixes, "initialized zero created_at")
	}

	if repaired.UpdatedAt.IsZero() {
		repaired.UpdatedAt = now
		fixes = append(fixes, "initialized zero updated_at")
	}

	return repaired, fixes
}

func needsRecovery(status flow.Status) bool {
	return status == flow.StatusFailed || status == flow.StatusPaused
}
