package manager

import (
	"context"

	"github.com/flowstate-dev/flowstate/pkg/events"
)

// Cleaner prunes one flow's stored history. The manager implements it; the
// sweeper and any other caller that needs cleanup take this interface instead
// of the whole manager.
type Cleaner interface {
	Cleanup(ctx context.Context, flowID, tenantID string, deleteTerminal bool) (*CleanupResult, error)
}

var _ Cleaner = (*Manager)(nil)

// CleanupResult reports what one cleanup pass removed.
type CleanupResult struct {
	CheckpointID    string `json:"checkpoint_id"`
	RemovedVersions int64  `json:"removed_versions"`
	Deleted         bool   `json:"deleted"`
}

// Cleanup takes a final archival checkpoint, prunes version history beyond
// the configured retention, and, when deleteTerminal is set and the flow
// reached a terminal status, removes the record entirely. The current version
// is never pruned.
func (m *Manager) Cleanup(ctx context.Context, flowID, tenantID string, deleteTerminal bool) (_ *CleanupResult, err error) {
	ctx, end := m.span(ctx, "manager.cleanup", flowID, tenantID)
	defer func() { end(err) }()

	state, _, err := m.store.Load(ctx, flowID, tenantID)
	if err != nil {
		return nil, err
	}

	checkpointID, err := m.checkpoint(ctx, flowID, tenantID, state.CurrentPhase)
	if err != nil {
		return nil, err
	}

	removed, err := m.store.CleanupVersions(ctx, flowID, tenantID, m.cfg.KeepVersions)
	if err != nil {
		return nil, err
	}

	result := &CleanupResult{CheckpointID: checkpointID, RemovedVersions: removed}

	if deleteTerminal && state.Status.Terminal() {
		if err = m.store.Delete(ctx, flowID, tenantID); err != nil {
			return nil, err
		}

		result.Deleted = true
	}

	m.logger.InfoContext(ctx, "Flow cleaned up",
		"flow_id", flowID, "tenant_id", tenantID, "removed_versions", removed, "deleted", result.Deleted)
	m.publish(ctx, flowID, events.FlowCleanedUp{
		BaseEvent:       events.NewBaseEvent(events.FlowCleanedUpEvent, flowID, tenantID),
		CheckpointID:    checkpointID,
		RemovedVersions: removed,
	})

	return result, nil
}
